package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const paymentEventsCollection = "paymentEvents"

// PaymentEventRepository stores one document per processed gateway event, keyed by the
// gateway's event id so redelivered events collide.
type PaymentEventRepository struct {
	base *pfirestore.BaseRepository[paymentEventDocument]
}

// NewPaymentEventRepository constructs the Firestore payment event log.
func NewPaymentEventRepository(provider *pfirestore.Provider) (*PaymentEventRepository, error) {
	if provider == nil {
		return nil, errors.New("payment event repository requires firestore provider")
	}
	return &PaymentEventRepository{
		base: pfirestore.NewBaseRepository[paymentEventDocument](provider, paymentEventsCollection, nil, nil),
	}, nil
}

// Record creates the event document; an existing document means the event was seen before.
func (r *PaymentEventRepository) Record(ctx context.Context, event domain.PaymentEvent) (bool, error) {
	id := strings.TrimSpace(event.ID)
	if id == "" {
		return false, errors.New("payment event repository: event id is required")
	}
	_, err := r.base.Create(ctx, id, paymentEventDocument{
		OrderID:       event.OrderID,
		Gateway:       event.Gateway,
		Kind:          string(event.Kind),
		ReceiptID:     event.ReceiptID,
		Amount:        event.Amount,
		Currency:      strings.ToUpper(event.Currency),
		FailureReason: event.FailureReason,
		ReceivedAt:    event.ReceivedAt.UTC(),
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListByOrder returns an order's events, oldest first.
func (r *PaymentEventRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentEvent, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", strings.TrimSpace(orderID)).OrderBy("receivedAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.PaymentEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, domain.PaymentEvent{
			ID:            doc.ID,
			OrderID:       doc.Data.OrderID,
			Gateway:       doc.Data.Gateway,
			Kind:          domain.PaymentEventKind(doc.Data.Kind),
			ReceiptID:     doc.Data.ReceiptID,
			Amount:        doc.Data.Amount,
			Currency:      doc.Data.Currency,
			FailureReason: doc.Data.FailureReason,
			ReceivedAt:    doc.Data.ReceivedAt,
		})
	}
	return events, nil
}

type paymentEventDocument struct {
	OrderID       string    `firestore:"orderId"`
	Gateway       string    `firestore:"gateway"`
	Kind          string    `firestore:"kind"`
	ReceiptID     string    `firestore:"receiptId,omitempty"`
	Amount        int64     `firestore:"amount"`
	Currency      string    `firestore:"currency,omitempty"`
	FailureReason string    `firestore:"failureReason,omitempty"`
	ReceivedAt    time.Time `firestore:"receivedAt"`
}

var _ repositories.PaymentEventRepository = (*PaymentEventRepository)(nil)
