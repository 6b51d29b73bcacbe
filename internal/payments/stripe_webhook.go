package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	stripeEventIntentSucceeded = "payment_intent.succeeded"
	stripeEventIntentFailed    = "payment_intent.payment_failed"
	stripeEventSessionComplete = "checkout.session.completed"

	// OrderMetadataKey is the metadata key carrying the order id on intents and sessions.
	OrderMetadataKey = "order_id"

	defaultWebhookTolerance = 5 * time.Minute
)

// WebhookEventKind classifies a verified webhook event.
type WebhookEventKind string

const (
	WebhookEventSucceeded WebhookEventKind = "succeeded"
	WebhookEventFailed    WebhookEventKind = "failed"
	WebhookEventIgnored   WebhookEventKind = "ignored"
)

// WebhookEvent is the decoded view of a verified Stripe event.
type WebhookEvent struct {
	ID            string
	Type          string
	Kind          WebhookEventKind
	OrderID       string
	IntentID      string
	Amount        int64
	Currency      string
	FailureReason string
	ReceivedAt    time.Time
	// Confirmation is set only for succeeded events.
	Confirmation *WebhookConfirmation
}

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeWebhookConfig configures the StripeWebhookGateway.
type StripeWebhookConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
	// APIKey enables the payment intent lookup used to double-check settlements. Optional.
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time

	intents stripePaymentIntentAPI
}

// StripeWebhookGateway verifies Stripe webhook signatures and decodes payment events.
type StripeWebhookGateway struct {
	secret    string
	tolerance time.Duration
	intents   stripePaymentIntentAPI
	clock     func() time.Time
	logger    StripeLogger
}

// NewStripeWebhookGateway constructs the webhook gateway.
func NewStripeWebhookGateway(cfg StripeWebhookConfig) (*StripeWebhookGateway, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}

	intents := cfg.intents
	if intents == nil {
		if key := strings.TrimSpace(cfg.APIKey); key != "" {
			intents = client.New(key, cfg.Backends).PaymentIntents
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeWebhookGateway{
		secret:    secret,
		tolerance: tolerance,
		intents:   intents,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Parse verifies the signature header against the raw payload before decoding anything.
func (g *StripeWebhookGateway) Parse(ctx context.Context, payload []byte, signatureHeader string) (WebhookEvent, error) {
	if g == nil {
		return WebhookEvent{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.secret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Kind:       WebhookEventIgnored,
		ReceivedAt: g.clock(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case stripeEventIntentSucceeded, stripeEventIntentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
		}
		out.IntentID = intent.ID
		out.OrderID = strings.TrimSpace(intent.Metadata[OrderMetadataKey])
		out.Amount = intent.Amount
		if intent.AmountReceived > 0 {
			out.Amount = intent.AmountReceived
		}
		out.Currency = strings.ToUpper(string(intent.Currency))
		if out.Type == stripeEventIntentSucceeded {
			out.Kind = WebhookEventSucceeded
		} else {
			out.Kind = WebhookEventFailed
			if intent.LastPaymentError != nil {
				out.FailureReason = intent.LastPaymentError.Msg
			}
		}
	case stripeEventSessionComplete:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
		}
		out.OrderID = strings.TrimSpace(session.ClientReferenceID)
		if out.OrderID == "" {
			out.OrderID = strings.TrimSpace(session.Metadata[OrderMetadataKey])
		}
		if session.PaymentIntent != nil {
			out.IntentID = session.PaymentIntent.ID
		}
		out.Amount = session.AmountTotal
		out.Currency = strings.ToUpper(string(session.Currency))
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			out.Kind = WebhookEventSucceeded
		}
	}

	if out.Kind == WebhookEventSucceeded {
		out.Confirmation = &WebhookConfirmation{
			EventID:     out.ID,
			OrderID:     out.OrderID,
			IntentID:    out.IntentID,
			Amount:      out.Amount,
			Currency:    out.Currency,
			ConfirmedAt: out.ReceivedAt,
		}
	}

	g.logger(ctx, "payments.stripe.webhook.verified", map[string]any{
		"eventId": out.ID,
		"type":    out.Type,
		"orderId": out.OrderID,
	})
	return out, nil
}

// IntentSettlement reports the settled amount of a payment intent as Stripe currently sees it.
type IntentSettlement struct {
	IntentID  string
	Succeeded bool
	Amount    int64
	Currency  string
}

// LookupIntent fetches the payment intent so a settlement can be cross-checked. It returns
// ok=false when no API key is configured.
func (g *StripeWebhookGateway) LookupIntent(ctx context.Context, intentID string) (IntentSettlement, bool, error) {
	if g == nil || g.intents == nil || strings.TrimSpace(intentID) == "" {
		return IntentSettlement{}, false, nil
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.intents.Get(intentID, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return IntentSettlement{}, true, fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
		}
		return IntentSettlement{}, true, fmt.Errorf("%w: lookup payment intent: %v", ErrGatewayUnavailable, err)
	}
	return IntentSettlement{
		IntentID:  intent.ID,
		Succeeded: intent.Status == stripe.PaymentIntentStatusSucceeded,
		Amount:    intent.AmountReceived,
		Currency:  strings.ToUpper(string(intent.Currency)),
	}, true, nil
}
