package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	redirectRequestPath = "/pg/v4/payment/request.json"
	redirectVerifyPath  = "/pg/v4/payment/verify.json"
	redirectStartPath   = "/pg/StartPay/"

	redirectCodeOK              = 100
	redirectCodeAlreadyVerified = 101
	redirectCodeAmountMismatch  = -50

	defaultGatewayTimeout = 10 * time.Second
	maxGatewayResponse    = 1 << 20
)

var tracer = otel.Tracer("github.com/storefront/api/internal/payments")

// RedirectGatewayConfig configures the redirect gateway client.
type RedirectGatewayConfig struct {
	BaseURL     string
	MerchantID  string
	CallbackURL string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// RedirectGatewayClient talks to the redirect-confirmed gateway. Calls are never retried.
type RedirectGatewayClient struct {
	baseURL     string
	merchantID  string
	callbackURL string
	timeout     time.Duration
	httpClient  *http.Client
	logger      func(context.Context, string, map[string]any)
}

// StartRequest asks the gateway for a payment authority.
type StartRequest struct {
	OrderID     string
	Amount      int64
	Description string
	Email       string
	Mobile      string
}

// StartResult carries the authority and the URL the purchaser is redirected to.
type StartResult struct {
	Authority  string
	PaymentURL string
}

// VerifyResult is the gateway's answer to a verification call.
type VerifyResult struct {
	Code            int
	RefID           string
	CardPAN         string
	Amount          int64
	AlreadyVerified bool
}

type redirectEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type redirectErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type redirectStartData struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Authority string `json:"authority"`
}

type redirectVerifyData struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	RefID   json.RawMessage `json:"ref_id"`
	CardPAN string          `json:"card_pan"`
	Amount  int64           `json:"amount"`
}

// NewRedirectGatewayClient constructs the client. The HTTP transport is instrumented with
// OpenTelemetry and bounded by the configured timeout.
func NewRedirectGatewayClient(cfg RedirectGatewayConfig) (*RedirectGatewayClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("redirect gateway: base url is required")
	}
	merchant := strings.TrimSpace(cfg.MerchantID)
	if merchant == "" {
		return nil, errors.New("redirect gateway: merchant id is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RedirectGatewayClient{
		baseURL:     base,
		merchantID:  merchant,
		callbackURL: strings.TrimSpace(cfg.CallbackURL),
		timeout:     timeout,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Start requests a payment authority for amount, expressed in gateway units.
func (c *RedirectGatewayClient) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.Amount <= 0 {
		return StartResult{}, fmt.Errorf("redirect gateway: amount must be positive")
	}
	ctx, span := tracer.Start(ctx, "redirect_gateway.start", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int64("payment.amount", req.Amount),
	))
	defer span.End()

	body := map[string]any{
		"merchant_id":  c.merchantID,
		"amount":       req.Amount,
		"callback_url": c.callbackWithOrder(req.OrderID),
		"description":  req.Description,
		"metadata": map[string]string{
			"order_id": req.OrderID,
			"email":    req.Email,
			"mobile":   req.Mobile,
		},
	}

	var data redirectStartData
	if err := c.call(ctx, redirectRequestPath, body, &data); err != nil {
		recordSpanError(span, err)
		return StartResult{}, err
	}
	if data.Code != redirectCodeOK || strings.TrimSpace(data.Authority) == "" {
		err := fmt.Errorf("%w: start returned code %d", ErrGatewayUnavailable, data.Code)
		recordSpanError(span, err)
		return StartResult{}, err
	}

	c.logger(ctx, "payments.redirect.started", map[string]any{
		"orderId":   req.OrderID,
		"authority": data.Authority,
	})
	return StartResult{
		Authority:  data.Authority,
		PaymentURL: c.baseURL + redirectStartPath + data.Authority,
	}, nil
}

// Verify performs the server-to-server verification of an authority for the amount originally
// requested, in gateway units.
func (c *RedirectGatewayClient) Verify(ctx context.Context, authority string, amount int64) (VerifyResult, error) {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return VerifyResult{}, fmt.Errorf("%w: authority is required", ErrVerificationFailed)
	}
	ctx, span := tracer.Start(ctx, "redirect_gateway.verify", trace.WithAttributes(
		attribute.String("payment.authority", authority),
		attribute.Int64("payment.amount", amount),
	))
	defer span.End()

	var data redirectVerifyData
	err := c.call(ctx, redirectVerifyPath, map[string]any{
		"merchant_id": c.merchantID,
		"amount":      amount,
		"authority":   authority,
	}, &data)
	if err != nil {
		recordSpanError(span, err)
		return VerifyResult{}, err
	}

	result := VerifyResult{
		Code:            data.Code,
		RefID:           strings.Trim(string(data.RefID), `"`),
		CardPAN:         data.CardPAN,
		Amount:          data.Amount,
		AlreadyVerified: data.Code == redirectCodeAlreadyVerified,
	}
	if result.Amount == 0 {
		result.Amount = amount
	}
	span.SetAttributes(attribute.Int("payment.gateway_code", data.Code))

	switch {
	case data.Code == redirectCodeAmountMismatch:
		err = fmt.Errorf("%w: gateway rejected amount %d", ErrAmountMismatch, amount)
	case data.Code != redirectCodeOK && data.Code != redirectCodeAlreadyVerified:
		err = fmt.Errorf("%w: gateway code %d", ErrVerificationFailed, data.Code)
	case result.Amount != amount:
		err = fmt.Errorf("%w: requested %d, verified %d", ErrAmountMismatch, amount, result.Amount)
	}
	if err != nil {
		recordSpanError(span, err)
		return result, err
	}
	return result, nil
}

func (c *RedirectGatewayClient) call(ctx context.Context, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("redirect gateway: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("redirect gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s: %v", ErrGatewayTimeout, path, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponse))
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s: %v", ErrGatewayTimeout, path, err)
		}
		return fmt.Errorf("%w: read %s: %v", ErrGatewayUnavailable, path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s answered %d", ErrGatewayUnavailable, path, resp.StatusCode)
	}

	var envelope redirectEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, path, err)
	}
	if len(envelope.Data) > 0 && string(envelope.Data) != "[]" && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: %s data: %v", ErrMalformedPayload, path, err)
		}
		return nil
	}

	var gatewayErr redirectErrorBody
	if len(envelope.Errors) > 0 && json.Unmarshal(envelope.Errors, &gatewayErr) == nil && gatewayErr.Code != 0 {
		return decodeInto(out, gatewayErr)
	}
	return fmt.Errorf("%w: %s returned neither data nor errors", ErrMalformedPayload, path)
}

// decodeInto copies a gateway error code into the response shape so callers classify it.
func decodeInto(out any, gatewayErr redirectErrorBody) error {
	switch v := out.(type) {
	case *redirectStartData:
		v.Code, v.Message = gatewayErr.Code, gatewayErr.Message
	case *redirectVerifyData:
		v.Code, v.Message = gatewayErr.Code, gatewayErr.Message
	}
	return nil
}

func (c *RedirectGatewayClient) callbackWithOrder(orderID string) string {
	if c.callbackURL == "" || orderID == "" {
		return c.callbackURL
	}
	sep := "?"
	if strings.Contains(c.callbackURL, "?") {
		sep = "&"
	}
	return c.callbackURL + sep + "orderId=" + orderID
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
