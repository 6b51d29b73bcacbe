package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/platform/pagination"
	"github.com/storefront/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderNumbersCollection = "orderNumbers"
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
)

// OrderRepository persists orders in Firestore. Order numbers are claimed through a separate
// index collection so two orders can never share one.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, encodeOrderDocument, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert stores the order and its order-number claim atomically. The returned order carries a
// zero Version; callers re-read before mutating.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	orderID := strings.TrimSpace(order.ID)
	number := strings.TrimSpace(order.OrderNumber)
	if orderID == "" || number == "" {
		return domain.Order{}, errors.New("order repository: order id and order number are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	orderRef := client.Collection(ordersCollection).Doc(orderID)
	numberRef := client.Collection(orderNumbersCollection).Doc(number)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(numberRef); err == nil {
			return &repositories.OrderError{Op: "orders.insert", Code: repositories.OrderErrorNumberTaken}
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		if _, err := tx.Get(orderRef); err == nil {
			return &repositories.OrderError{Op: "orders.insert", Code: repositories.OrderErrorDuplicateID}
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		if err := tx.Create(numberRef, map[string]any{"orderId": orderID, "createdAt": order.CreatedAt.UTC()}); err != nil {
			return err
		}
		return tx.Create(orderRef, newOrderDocument(order).fields())
	})
	if err != nil {
		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) {
			return domain.Order{}, orderErr
		}
		// A concurrent claim of the same number fails the commit with AlreadyExists.
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return domain.Order{}, &repositories.OrderError{Op: "orders.insert", Code: repositories.OrderErrorNumberTaken, Err: err}
		}
		return domain.Order{}, err
	}
	order.Version = time.Time{}
	return order, nil
}

// Update replaces every stored field provided the document revision still equals order.Version.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if order.Version.IsZero() {
		return domain.Order{}, errors.New("order repository: update requires the revision the order was read at")
	}
	result, err := r.base.SetIfUnchanged(ctx, order.ID, newOrderDocument(order), order.Version)
	if err != nil {
		return domain.Order{}, err
	}
	order.Version = result.UpdateTime
	return order, nil
}

// FindByID loads an order by its id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID, doc.UpdateTime), nil
}

// FindByTrackingCode loads the order carrying the public tracking code.
func (r *OrderRepository) FindByTrackingCode(ctx context.Context, code string) (domain.Order, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("trackingCode", "==", strings.TrimSpace(code)).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByTrackingCode", status.Error(codes.NotFound, "tracking code not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID, docs[0].UpdateTime), nil
}

// ListByUser pages through a user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	if userID == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository: user id is required")
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = defaultOrderPageSize
	}
	if size > maxOrderPageSize {
		size = maxOrderPageSize
	}

	after, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", userID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !after.IsZero() {
			q = q.StartAfter(after.CreatedAt, after.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID, doc.UpdateTime))
	}
	if len(docs) > size {
		last := page.Items[len(page.Items)-1]
		token, err := pagination.EncodeToken(pagination.Keyset{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func encodeOrderDocument(_ context.Context, doc orderDocument) (any, error) {
	return doc.fields(), nil
}

type orderDocument struct {
	OrderNumber           string              `firestore:"orderNumber"`
	TrackingCode          string              `firestore:"trackingCode"`
	UserID                string              `firestore:"userId"`
	GuestEmail            string              `firestore:"guestEmail"`
	GuestPhone            string              `firestore:"guestPhone"`
	Status                string              `firestore:"status"`
	Currency              string              `firestore:"currency"`
	Items                 []orderItemDocument `firestore:"items"`
	ShippingAddress       map[string]any      `firestore:"shippingAddress"`
	ShippingOption        string              `firestore:"shippingOption"`
	EstimatedDeliveryDate time.Time           `firestore:"estimatedDeliveryDate"`
	PaymentMethod         string              `firestore:"paymentMethod"`
	PaymentAuthority      string              `firestore:"paymentAuthority"`
	Totals                orderTotalsDocument `firestore:"totals"`
	IsPaid                bool                `firestore:"isPaid"`
	PaidAt                *time.Time          `firestore:"paidAt"`
	PaymentResult         *paymentResultDoc   `firestore:"paymentResult"`
	IsDelivered           bool                `firestore:"isDelivered"`
	DeliveredAt           *time.Time          `firestore:"deliveredAt"`
	CarrierTrackingNumber string              `firestore:"carrierTrackingNumber"`
	Carrier               string              `firestore:"carrier"`
	ShippedAt             *time.Time          `firestore:"shippedAt"`
	CancelledAt           *time.Time          `firestore:"cancelledAt"`
	CancelReason          string              `firestore:"cancelReason"`
	StockCredited         bool                `firestore:"stockCredited"`
	CreditedLines         []int               `firestore:"creditedLines"`
	PromotionCode         string              `firestore:"promotionCode"`
	Notes                 string              `firestore:"notes"`
	AnonymousSessionID    string              `firestore:"anonymousSessionId"`
	CreatedAt             time.Time           `firestore:"createdAt"`
	UpdatedAt             time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	ImageURL  string `firestore:"imageUrl"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

type orderTotalsDocument struct {
	Items    int64 `firestore:"items"`
	Tax      int64 `firestore:"tax"`
	Shipping int64 `firestore:"shipping"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type paymentResultDoc struct {
	ReceiptID string    `firestore:"receiptId"`
	Gateway   string    `firestore:"gateway"`
	Status    string    `firestore:"status"`
	Amount    int64     `firestore:"amount"`
	SettledAt time.Time `firestore:"settledAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:           order.OrderNumber,
		TrackingCode:          order.TrackingCode,
		UserID:                order.UserID,
		Status:                string(order.Status),
		Currency:              order.Currency,
		Items:                 make([]orderItemDocument, 0, len(order.Items)),
		ShippingAddress:       addressFields(order.ShippingAddress),
		ShippingOption:        string(order.ShippingOption),
		EstimatedDeliveryDate: order.EstimatedDeliveryDate.UTC(),
		PaymentMethod:         string(order.PaymentMethod),
		PaymentAuthority:      order.PaymentAuthority,
		Totals:                orderTotalsDocument(order.Totals),
		IsPaid:                order.IsPaid,
		PaidAt:                utcPtr(order.PaidAt),
		IsDelivered:           order.IsDelivered,
		DeliveredAt:           utcPtr(order.DeliveredAt),
		CarrierTrackingNumber: order.CarrierTrackingNumber,
		Carrier:               order.Carrier,
		ShippedAt:             utcPtr(order.ShippedAt),
		CancelledAt:           utcPtr(order.CancelledAt),
		CancelReason:          order.CancelReason,
		StockCredited:         order.StockCredited,
		CreditedLines:         order.CreditedLines,
		PromotionCode:         order.PromotionCode,
		Notes:                 order.Notes,
		AnonymousSessionID:    order.AnonymousSessionID,
		CreatedAt:             order.CreatedAt.UTC(),
		UpdatedAt:             order.UpdatedAt.UTC(),
	}
	if order.GuestContact != nil {
		doc.GuestEmail = order.GuestContact.Email
		doc.GuestPhone = order.GuestContact.Phone
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument(item))
	}
	if order.PaymentResult != nil {
		doc.PaymentResult = &paymentResultDoc{
			ReceiptID: order.PaymentResult.ReceiptID,
			Gateway:   order.PaymentResult.Gateway,
			Status:    order.PaymentResult.Status,
			Amount:    order.PaymentResult.Amount,
			SettledAt: order.PaymentResult.SettledAt.UTC(),
		}
	}
	return doc
}

// fields lists every top-level field so a precondition-guarded update also clears values that
// were unset since the last write.
func (d orderDocument) fields() map[string]any {
	var paymentResult any
	if d.PaymentResult != nil {
		paymentResult = *d.PaymentResult
	}
	return map[string]any{
		"orderNumber":           d.OrderNumber,
		"trackingCode":          d.TrackingCode,
		"userId":                d.UserID,
		"guestEmail":            d.GuestEmail,
		"guestPhone":            d.GuestPhone,
		"status":                d.Status,
		"currency":              d.Currency,
		"items":                 d.Items,
		"shippingAddress":       d.ShippingAddress,
		"shippingOption":        d.ShippingOption,
		"estimatedDeliveryDate": d.EstimatedDeliveryDate,
		"paymentMethod":         d.PaymentMethod,
		"paymentAuthority":      d.PaymentAuthority,
		"totals":                d.Totals,
		"isPaid":                d.IsPaid,
		"paidAt":                timeOrNil(d.PaidAt),
		"paymentResult":         paymentResult,
		"isDelivered":           d.IsDelivered,
		"deliveredAt":           timeOrNil(d.DeliveredAt),
		"carrierTrackingNumber": d.CarrierTrackingNumber,
		"carrier":               d.Carrier,
		"shippedAt":             timeOrNil(d.ShippedAt),
		"cancelledAt":           timeOrNil(d.CancelledAt),
		"cancelReason":          d.CancelReason,
		"stockCredited":         d.StockCredited,
		"creditedLines":         d.CreditedLines,
		"promotionCode":         d.PromotionCode,
		"notes":                 d.Notes,
		"anonymousSessionId":    d.AnonymousSessionID,
		"createdAt":             d.CreatedAt,
		"updatedAt":             d.UpdatedAt,
	}
}

func (d orderDocument) toDomain(id string, revision time.Time) domain.Order {
	order := domain.Order{
		ID:                    id,
		OrderNumber:           d.OrderNumber,
		TrackingCode:          d.TrackingCode,
		UserID:                d.UserID,
		Status:                domain.OrderStatus(d.Status),
		Currency:              d.Currency,
		Items:                 make([]domain.OrderLineItem, 0, len(d.Items)),
		ShippingAddress:       domain.AddressFromLegacy(d.ShippingAddress),
		ShippingOption:        domain.ShippingOption(d.ShippingOption),
		EstimatedDeliveryDate: d.EstimatedDeliveryDate,
		PaymentMethod:         domain.PaymentMethod(d.PaymentMethod),
		PaymentAuthority:      d.PaymentAuthority,
		Totals:                domain.OrderTotals(d.Totals),
		IsPaid:                d.IsPaid,
		PaidAt:                d.PaidAt,
		IsDelivered:           d.IsDelivered,
		DeliveredAt:           d.DeliveredAt,
		CarrierTrackingNumber: d.CarrierTrackingNumber,
		Carrier:               d.Carrier,
		ShippedAt:             d.ShippedAt,
		CancelledAt:           d.CancelledAt,
		CancelReason:          d.CancelReason,
		StockCredited:         d.StockCredited,
		CreditedLines:         d.CreditedLines,
		PromotionCode:         d.PromotionCode,
		Notes:                 d.Notes,
		AnonymousSessionID:    d.AnonymousSessionID,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		Version:               revision,
	}
	if d.UserID == "" && (d.GuestEmail != "" || d.GuestPhone != "") {
		order.GuestContact = &domain.GuestContact{Email: d.GuestEmail, Phone: d.GuestPhone}
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem(item))
	}
	if d.PaymentResult != nil {
		order.PaymentResult = &domain.PaymentResult{
			ReceiptID: d.PaymentResult.ReceiptID,
			Gateway:   d.PaymentResult.Gateway,
			Status:    d.PaymentResult.Status,
			Amount:    d.PaymentResult.Amount,
			SettledAt: d.PaymentResult.SettledAt,
		}
	}
	return order
}

func addressFields(addr domain.Address) map[string]any {
	return map[string]any{
		"recipient":  addr.Recipient,
		"line1":      addr.Line1,
		"line2":      addr.Line2,
		"city":       addr.City,
		"state":      addr.State,
		"postalCode": addr.PostalCode,
		"country":    addr.Country,
		"phone":      addr.Phone,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
