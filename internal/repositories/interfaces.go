package repositories

import (
	"context"

	domain "github.com/storefront/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders. Orders are never deleted.
type OrderRepository interface {
	// Insert stores a new order and claims its order number. A taken order number surfaces as an
	// *OrderError with code OrderErrorNumberTaken.
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	// Update replaces the stored order only if its revision still equals order.Version. A moved
	// revision is reported as a RepositoryError with IsConflict.
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByTrackingCode(ctx context.Context, code string) (domain.Order, error)
	ListByUser(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter scopes order listings to a single owner.
type OrderListFilter struct {
	UserID     string
	Pagination domain.Pagination
}

// StockLedger adjusts product stock counters with atomic increments. A missing product is
// reported as a *StockError with code StockErrorProductNotFound.
type StockLedger interface {
	Debit(ctx context.Context, productID string, quantity int) error
	Credit(ctx context.Context, productID string, quantity int) error
}

// ProductCatalog is the read-only price source used to snapshot line items.
type ProductCatalog interface {
	// LookupProducts returns snapshots keyed by product id. Unknown ids are omitted.
	LookupProducts(ctx context.Context, productIDs []string) (map[string]domain.ProductSnapshot, error)
}

// PromotionRepository looks up checkout discount codes. Codes are stored upper-cased.
type PromotionRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Promotion, error)
}

// CartRepository stores carts for signed-in users and anonymous sessions.
type CartRepository interface {
	FindByUser(ctx context.Context, userID string) (domain.Cart, error)
	FindBySession(ctx context.Context, sessionID string) (domain.Cart, error)
	// Save writes the cart guarded by cart.Version; a zero Version requires the cart to be new.
	Save(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	Delete(ctx context.Context, cart domain.Cart) error
}

// PaymentEventRepository records processed gateway events.
type PaymentEventRepository interface {
	// Record stores the event unless one with the same id exists. created reports whether this
	// call stored it.
	Record(ctx context.Context, event domain.PaymentEvent) (created bool, err error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentEvent, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
