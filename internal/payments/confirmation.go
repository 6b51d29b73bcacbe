package payments

import (
	"errors"
	"time"
)

const (
	// GatewayStripe names the webhook-confirmed gateway in receipts and payment events.
	GatewayStripe = "stripe"
	// GatewayRedirect names the redirect-confirmed gateway in receipts and payment events.
	GatewayRedirect = "redirect_gateway"
)

var (
	// ErrSignatureInvalid is returned when a webhook payload fails signature verification.
	ErrSignatureInvalid = errors.New("payments: signature invalid")
	// ErrAmountMismatch is returned when the gateway settled a different amount than requested.
	ErrAmountMismatch = errors.New("payments: amount mismatch")
	// ErrGatewayTimeout is returned when a gateway call exceeded its deadline. Callers may retry.
	ErrGatewayTimeout = errors.New("payments: gateway timeout")
	// ErrGatewayUnavailable is returned when the gateway could not be reached or answered 5xx.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrVerificationFailed is returned when the gateway refused to verify a payment.
	ErrVerificationFailed = errors.New("payments: verification failed")
	// ErrMalformedPayload is returned for gateway payloads that cannot be decoded.
	ErrMalformedPayload = errors.New("payments: malformed payload")
)

// Confirmation is a verified statement from a gateway that an order was paid. Only
// WebhookConfirmation and RedirectConfirmation implement it.
type Confirmation interface {
	// Order returns the id of the order the payment settles.
	Order() string
	// Reference returns the settlement reference recorded as the receipt id.
	Reference() string
	// Gateway names the gateway that confirmed the payment.
	Gateway() string
	// SettledAmount returns the amount the gateway settled, in order minor units.
	SettledAmount() int64
	// SettledAt returns when the gateway confirmed the payment.
	SettledAt() time.Time

	confirmation()
}

// WebhookConfirmation is produced from a verified, signed push notification.
type WebhookConfirmation struct {
	EventID     string
	OrderID     string
	IntentID    string
	Amount      int64
	Currency    string
	ConfirmedAt time.Time
}

func (c WebhookConfirmation) Order() string        { return c.OrderID }
func (c WebhookConfirmation) Gateway() string      { return GatewayStripe }
func (c WebhookConfirmation) SettledAmount() int64 { return c.Amount }
func (c WebhookConfirmation) SettledAt() time.Time { return c.ConfirmedAt }
func (WebhookConfirmation) confirmation()          {}

// Reference prefers the payment intent so a checkout session and its intent settle identically.
func (c WebhookConfirmation) Reference() string {
	if c.IntentID != "" {
		return c.IntentID
	}
	return c.EventID
}

// RedirectConfirmation is produced after a server-to-server verification of a redirect callback.
type RedirectConfirmation struct {
	OrderID   string
	Authority string
	RefID     string
	// Currency is the order currency; the gateway settles in a single currency.
	Currency string
	// Amount is in order minor units; GatewayAmount is what the gateway verified.
	Amount          int64
	GatewayAmount   int64
	AlreadyVerified bool
	VerifiedAt      time.Time
}

func (c RedirectConfirmation) Order() string        { return c.OrderID }
func (c RedirectConfirmation) Reference() string    { return c.Authority }
func (c RedirectConfirmation) Gateway() string      { return GatewayRedirect }
func (c RedirectConfirmation) SettledAmount() int64 { return c.Amount }
func (c RedirectConfirmation) SettledAt() time.Time { return c.VerifiedAt }
func (RedirectConfirmation) confirmation()          {}

var (
	_ Confirmation = WebhookConfirmation{}
	_ Confirmation = RedirectConfirmation{}
)

// ToGatewayUnit converts an amount in order minor units into the redirect gateway's unit.
// A non-positive factor is treated as 1.
func ToGatewayUnit(minor int64, factor int64) int64 {
	if factor <= 0 {
		factor = 1
	}
	return minor * factor
}
