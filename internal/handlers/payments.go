package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

const (
	maxWebhookBodySize     = 256 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	redirectReasonDeclined = "declined"
	redirectReasonRetry    = "retry"
	redirectReasonInvalid  = "invalid"
)

// PaymentHandlers receives gateway webhooks and redirect callbacks.
type PaymentHandlers struct {
	reconciler services.PaymentReconciler
	successURL string
	failureURL string
}

// NewPaymentHandlers constructs payment handlers. successURL and failureURL are the purchaser
// facing pages the redirect callback sends the browser to.
func NewPaymentHandlers(reconciler services.PaymentReconciler, successURL, failureURL string) *PaymentHandlers {
	return &PaymentHandlers{
		reconciler: reconciler,
		successURL: strings.TrimSpace(successURL),
		failureURL: strings.TrimSpace(failureURL),
	}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.webhook)
	r.Get("/redirect-gateway/callback", h.redirectCallback)
}

func (h *PaymentHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.reconciler == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	body, err := httpx.ReadBody(r, maxWebhookBodySize)
	if err != nil {
		logger.Warn("payment webhook body rejected", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result, err := h.reconciler.HandleWebhook(ctx, body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		status := webhookStatus(err)
		fields := []zap.Field{zap.Error(err), zap.String("orderId", result.OrderID), zap.Int("status", status)}
		if status >= http.StatusInternalServerError {
			logger.Error("payment webhook failed", fields...)
		} else {
			logger.Warn("payment webhook rejected", fields...)
		}
		if status == http.StatusOK {
			httpx.WriteJSON(w, status, map[string]bool{"received": true})
			return
		}
		w.WriteHeader(status)
		return
	}

	logger.Info("payment webhook processed",
		zap.String("orderId", result.OrderID),
		zap.String("outcome", string(result.Outcome)),
	)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// webhookStatus picks the response code for a failed webhook. Failures a redelivery cannot fix
// are acknowledged so the gateway stops retrying; transient ones ask for redelivery.
func webhookStatus(err error) int {
	switch {
	case errors.Is(err, payments.ErrSignatureInvalid), errors.Is(err, payments.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrAmountMismatch),
		errors.Is(err, payments.ErrVerificationFailed),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrOrderInvalidTransition):
		return http.StatusOK
	case errors.Is(err, payments.ErrGatewayTimeout),
		errors.Is(err, payments.ErrGatewayUnavailable),
		errors.Is(err, services.ErrOrderUnavailable),
		errors.Is(err, services.ErrOrderConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *PaymentHandlers) redirectCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	query := r.URL.Query()
	cb := services.RedirectCallback{
		OrderID:   firstNonEmpty(query.Get("orderId"), query.Get("order_id")),
		Authority: firstNonEmpty(query.Get("Authority"), query.Get("authority")),
		Status:    firstNonEmpty(query.Get("Status"), query.Get("status")),
	}
	if h.reconciler == nil {
		http.Redirect(w, r, h.resultURL(h.failureURL, cb.OrderID, redirectReasonRetry), http.StatusFound)
		return
	}

	result, err := h.reconciler.HandleRedirectCallback(ctx, cb)
	if err != nil {
		reason := redirectReason(err)
		logger.Warn("redirect gateway callback failed",
			zap.Error(err),
			zap.String("orderId", cb.OrderID),
			zap.String("reason", reason),
		)
		http.Redirect(w, r, h.resultURL(h.failureURL, cb.OrderID, reason), http.StatusFound)
		return
	}

	logger.Info("redirect gateway callback processed",
		zap.String("orderId", result.OrderID),
		zap.String("outcome", string(result.Outcome)),
	)
	switch result.Outcome {
	case services.ReconcileSettled, services.ReconcileAlreadySettled, services.ReconcileDuplicate:
		http.Redirect(w, r, h.resultURL(h.successURL, cb.OrderID, ""), http.StatusFound)
	default:
		http.Redirect(w, r, h.resultURL(h.failureURL, cb.OrderID, redirectReasonDeclined), http.StatusFound)
	}
}

func redirectReason(err error) string {
	switch {
	case errors.Is(err, payments.ErrGatewayTimeout),
		errors.Is(err, payments.ErrGatewayUnavailable),
		errors.Is(err, services.ErrOrderUnavailable),
		errors.Is(err, services.ErrOrderConflict):
		return redirectReasonRetry
	case errors.Is(err, payments.ErrMalformedPayload), errors.Is(err, services.ErrOrderNotFound):
		return redirectReasonInvalid
	default:
		return redirectReasonDeclined
	}
}

func (h *PaymentHandlers) resultURL(base, orderID, reason string) string {
	if base == "" {
		base = "/"
	}
	target, err := url.Parse(base)
	if err != nil {
		return "/"
	}
	query := target.Query()
	if orderID != "" {
		query.Set("orderId", orderID)
	}
	if reason != "" {
		query.Set("reason", reason)
	}
	target.RawQuery = query.Encode()
	return target.String()
}
