package services

import (
	"context"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	GuestContact       = domain.GuestContact
	PaymentResult      = domain.PaymentResult
	PaymentEvent       = domain.PaymentEvent
	Address            = domain.Address
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns the order lifecycle: creation, payment settlement, fulfilment transitions
// and cancellation with stock credit.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	Get(ctx context.Context, orderID string, actor Actor) (Order, error)
	GetForGuest(ctx context.Context, orderID string, guestToken string) (Order, error)
	TrackByCode(ctx context.Context, trackingCode string) (OrderTracking, error)
	ListForUser(ctx context.Context, userID string, page Pagination) (domain.CursorPage[Order], error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (MarkPaidResult, error)
	Advance(ctx context.Context, cmd AdvanceCommand) (Order, error)
	AttachTracking(ctx context.Context, cmd AttachTrackingCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelCommand) (Order, error)
	Deliver(ctx context.Context, orderID string) (Order, error)
	BulkUpdateStatus(ctx context.Context, cmd BulkStatusCommand) ([]BulkStatusResult, error)
	SetPaymentStatus(ctx context.Context, cmd ManualPaymentCommand) (Order, error)
	ChangeShippingOption(ctx context.Context, cmd ChangeShippingOptionCommand) (Order, error)
}

// PaymentReconciler turns gateway notifications and callbacks into order settlements.
type PaymentReconciler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (ReconcileResult, error)
	HandleRedirectCallback(ctx context.Context, cb RedirectCallback) (ReconcileResult, error)
	Reconcile(ctx context.Context, confirmation payments.Confirmation) (ReconcileResult, error)
	// PaymentHistory lists the gateway events recorded for an order, oldest first.
	PaymentHistory(ctx context.Context, orderID string) ([]PaymentEvent, error)
}

// CartMergeService folds an anonymous session cart into a user's cart after sign-in.
type CartMergeService interface {
	Merge(ctx context.Context, userID, sessionID string) CartMergeResult
}

// GuestAccessService exchanges guest purchaser details for order-scoped access tokens.
type GuestAccessService interface {
	Exchange(ctx context.Context, cmd GuestExchangeCommand) (GuestAccessToken, error)
	Authorize(ctx context.Context, token, orderID string) (Actor, error)
}

// SystemService exposes service health for liveness and readiness checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderNotifier delivers order notifications to downstream email and SMS workers.
type OrderNotifier interface {
	PublishOrderNotification(ctx context.Context, notification OrderNotification) error
}

// GuestTokens mints and verifies order-scoped guest access tokens.
type GuestTokens interface {
	Issue(orderID, email, phone string) (string, time.Time, error)
	Verify(token, orderID string) (auth.GuestGrant, error)
}

// PaymentStarter requests a redirect gateway authority for a new order.
type PaymentStarter interface {
	Start(ctx context.Context, req payments.StartRequest) (payments.StartResult, error)
}

// RedirectVerifier performs the server-to-server verification of a redirect callback.
type RedirectVerifier interface {
	Verify(ctx context.Context, authority string, amount int64) (payments.VerifyResult, error)
}

// WebhookParser verifies and decodes signed gateway notifications.
type WebhookParser interface {
	Parse(ctx context.Context, payload []byte, signatureHeader string) (payments.WebhookEvent, error)
}

// AttemptCounter counts attempts per key within a window.
type AttemptCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Command and DTO definitions ------------------------------------------------

// Actor is the caller on whose behalf an order operation runs. GuestOrderID is set only after
// a guest token was verified for that order.
type Actor struct {
	UserID       string
	Operator     bool
	GuestOrderID string
}

type CreateOrderItem struct {
	ProductID string
	Name      string
	ImageURL  string
	UnitPrice int64
	Quantity  int
}

type CreateOrderCommand struct {
	UserID          string
	Guest           *GuestContact
	Items           []CreateOrderItem
	ShippingAddress Address
	ShippingOption  domain.ShippingOption
	PaymentMethod   domain.PaymentMethod
	PromotionCode   string
	Notes           string
	SessionID       string
}

type CreateOrderResult struct {
	Order               Order
	PaymentURL          string
	GuestToken          string
	GuestTokenExpiresAt time.Time
}

// OrderTracking is the public view served for tracking code lookups.
type OrderTracking struct {
	TrackingCode          string
	OrderNumber           string
	Status                OrderStatus
	PlacedAt              time.Time
	EstimatedDeliveryDate time.Time
	ShippedAt             *time.Time
	DeliveredAt           *time.Time
	Carrier               string
	CarrierTrackingNumber string
}

type PaymentReceipt struct {
	ReceiptID string
	Gateway   string
	Status    string
	Amount    int64
	SettledAt time.Time
}

type MarkPaidCommand struct {
	OrderID string
	Receipt PaymentReceipt
	ActorID string
}

type MarkPaidResult struct {
	Order   Order
	Changed bool
}

type AdvanceCommand struct {
	OrderID string
	Target  OrderStatus
	ActorID string
}

type AttachTrackingCommand struct {
	OrderID        string
	TrackingNumber string
	Carrier        string
	ActorID        string
}

type CancelCommand struct {
	OrderID string
	Reason  string
	Actor   Actor
}

type BulkStatusCommand struct {
	OrderIDs []string
	Target   OrderStatus
	ActorID  string
}

type BulkStatusResult struct {
	OrderID string
	Order   Order
	Err     error
}

type ManualPaymentCommand struct {
	OrderID   string
	Paid      bool
	ReceiptID string
	Note      string
	ActorID   string
}

type ChangeShippingOptionCommand struct {
	OrderID string
	Option  domain.ShippingOption
	Actor   Actor
}

type RedirectCallback struct {
	OrderID   string
	Authority string
	Status    string
}

type ReconcileOutcome string

const (
	ReconcileSettled        ReconcileOutcome = "settled"
	ReconcileAlreadySettled ReconcileOutcome = "already_settled"
	ReconcileDuplicate      ReconcileOutcome = "duplicate"
	ReconcileFailed         ReconcileOutcome = "failed"
	ReconcileCancelled      ReconcileOutcome = "cancelled"
	ReconcileIgnored        ReconcileOutcome = "ignored"
	ReconcileRejected       ReconcileOutcome = "rejected"
)

type ReconcileResult struct {
	OrderID string
	Outcome ReconcileOutcome
	Order   *Order
}

// CartMergeResult reports the merged cart. Err is set when the merge failed; it never fails
// the sign-in that triggered it.
type CartMergeResult struct {
	Cart   Cart
	Merged bool
	Err    error
}

type GuestExchangeCommand struct {
	Email    string
	OrderID  string
	ClientIP string
}

type GuestAccessToken struct {
	Token     string
	OrderID   string
	ExpiresAt time.Time
}

// OrderNotification is the payload delivered to notification workers via Pub/Sub.
type OrderNotification struct {
	Type           string            `json:"type"`
	OrderID        string            `json:"orderId"`
	OrderNumber    string            `json:"orderNumber"`
	TrackingCode   string            `json:"trackingCode,omitempty"`
	Status         string            `json:"status"`
	PreviousStatus string            `json:"previousStatus,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	GuestEmail     string            `json:"guestEmail,omitempty"`
	GuestPhone     string            `json:"guestPhone,omitempty"`
	ActorID        string            `json:"actorId,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
