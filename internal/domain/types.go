package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits fulfilment (paid or not).
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates an operator has started preparing the order.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order was handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier delivered the order.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled and its stock credited back.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ShippingOption selects the delivery speed purchased with the order.
type ShippingOption string

const (
	ShippingOptionStandard ShippingOption = "standard"
	ShippingOptionExpress  ShippingOption = "express"
	ShippingOptionSameDay  ShippingOption = "same_day"
)

// PaymentMethod identifies how the purchaser intends to settle the order.
type PaymentMethod string

const (
	// PaymentMethodWebhookGateway settles through a push (signed webhook) gateway.
	PaymentMethodWebhookGateway PaymentMethod = "webhook_gateway"
	// PaymentMethodRedirectGateway settles through a redirect/callback gateway.
	PaymentMethodRedirectGateway PaymentMethod = "redirect_gateway"
	PaymentMethodCashOnDelivery  PaymentMethod = "cash_on_delivery"
	PaymentMethodBankTransfer    PaymentMethod = "bank_transfer"
)

// Order is the aggregate root for a single purchase.
type Order struct {
	ID                    string
	OrderNumber           string
	TrackingCode          string
	UserID                string
	GuestContact          *GuestContact
	Status                OrderStatus
	Currency              string
	Items                 []OrderLineItem
	ShippingAddress       Address
	ShippingOption        ShippingOption
	EstimatedDeliveryDate time.Time
	PaymentMethod         PaymentMethod
	Totals                OrderTotals
	IsPaid                bool
	PaidAt                *time.Time
	PaymentResult         *PaymentResult
	IsDelivered           bool
	DeliveredAt           *time.Time
	CarrierTrackingNumber string
	Carrier               string
	ShippedAt             *time.Time
	CancelledAt           *time.Time
	CancelReason          string
	StockCredited         bool
	// CreditedLines holds the indexes of Items whose stock has been returned after cancellation.
	CreditedLines         []int
	PromotionCode         string
	Notes                 string
	AnonymousSessionID    string
	PaymentAuthority      string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	// Version is the storage revision observed when the order was read. Writes are rejected when
	// the stored revision has moved on.
	Version time.Time
}

// IsGuest reports whether the order belongs to a guest purchaser rather than a registered user.
func (o Order) IsGuest() bool {
	return o.UserID == "" && o.GuestContact != nil
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Items    int64
	Tax      int64
	Shipping int64
	Discount int64
	Total    int64
}

// OrderLineItem snapshots a product at the time the order was placed.
type OrderLineItem struct {
	ProductID string
	Name      string
	ImageURL  string
	UnitPrice int64
	Quantity  int
}

// GuestContact identifies a purchaser who checked out without an account.
type GuestContact struct {
	Email string
	Phone string
}

// PaymentResult is the gateway receipt recorded when an order is settled.
type PaymentResult struct {
	ReceiptID string
	Gateway   string
	Status    string
	Amount    int64
	SettledAt time.Time
}

// PaymentEventKind classifies gateway events recorded for an order.
type PaymentEventKind string

const (
	PaymentEventSucceeded      PaymentEventKind = "succeeded"
	PaymentEventFailed         PaymentEventKind = "failed"
	PaymentEventCancelled      PaymentEventKind = "cancelled"
	PaymentEventAmountMismatch PaymentEventKind = "amount_mismatch"
	// PaymentEventRejected records money captured for an order that can no longer accept it;
	// operators refund from these events.
	PaymentEventRejected       PaymentEventKind = "rejected"
)

// PaymentEvent is a durable record of one gateway notification or callback.
type PaymentEvent struct {
	ID            string
	OrderID       string
	Gateway       string
	Kind          PaymentEventKind
	ReceiptID     string
	Amount        int64
	Currency      string
	FailureReason string
	ReceivedAt    time.Time
}

// Address represents a postal delivery address snapshot.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// IsZero reports whether no deliverable field of the address is populated.
func (a Address) IsZero() bool {
	return a.Recipient == "" && a.Line1 == "" && a.City == "" && a.PostalCode == "" && a.Country == ""
}

// Cart aggregates the mutable shopping cart for a user or an anonymous session.
type Cart struct {
	ID             string
	UserID         string
	SessionID      string
	Items          []CartItem
	TotalItems     int
	TotalPrice     int64
	// MergedSessions lists anonymous session carts already folded into this cart.
	MergedSessions []string
	UpdatedAt      time.Time
	Version        time.Time
}

// CartItem stores a single product entry within a cart.
type CartItem struct {
	ProductID string
	Name      string
	ImageURL  string
	UnitPrice int64
	Quantity  int
}

// ProductSnapshot is the catalog view of a product used to price line items.
type ProductSnapshot struct {
	ID        string
	Name      string
	ImageURL  string
	UnitPrice int64
	Stock     int64
}

// PromotionKind selects how a promotion's Value is applied.
type PromotionKind string

const (
	// PromotionKindPercent discounts Value basis points of the items subtotal.
	PromotionKindPercent PromotionKind = "percent"
	// PromotionKindFixed discounts Value minor units.
	PromotionKindFixed PromotionKind = "fixed"
)

// Promotion is a checkout discount code.
type Promotion struct {
	Code        string
	Status      string
	Kind        PromotionKind
	Value       int64
	Currency    string
	MinSubtotal int64
	StartsAt    time.Time
	EndsAt      time.Time
}

// ActiveAt reports whether the promotion can be redeemed at the given instant.
func (p Promotion) ActiveAt(at time.Time) bool {
	if p.Status != "active" {
		return false
	}
	if !p.StartsAt.IsZero() && at.Before(p.StartsAt) {
		return false
	}
	return p.EndsAt.IsZero() || !at.After(p.EndsAt)
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
