package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const (
	cartCollection        = "carts"
	sessionCartCollection = "sessionCarts"
)

// CartRepository persists carts keyed by user id, and anonymous carts keyed by session id.
type CartRepository struct {
	users    *pfirestore.BaseRepository[cartDocument]
	sessions *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		users:    pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, encodeCartDocument, nil),
		sessions: pfirestore.NewBaseRepository[cartDocument](provider, sessionCartCollection, encodeCartDocument, nil),
	}, nil
}

// FindByUser loads the signed-in user's cart.
func (r *CartRepository) FindByUser(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}
	doc, err := r.users.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart := doc.Data.toDomain(doc.ID, doc.UpdateTime)
	cart.UserID = doc.ID
	return cart, nil
}

// FindBySession loads the anonymous cart for a browser session.
func (r *CartRepository) FindBySession(ctx context.Context, sessionID string) (domain.Cart, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Cart{}, errors.New("cart repository: session id is required")
	}
	doc, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart := doc.Data.toDomain(doc.ID, doc.UpdateTime)
	cart.SessionID = doc.ID
	return cart, nil
}

// Save writes the cart guarded by cart.Version. User carts take precedence over session ids.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	base, id, err := r.target(cart)
	if err != nil {
		return domain.Cart{}, err
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = time.Now().UTC()
	}
	result, err := base.SetIfUnchanged(ctx, id, newCartDocument(cart), cart.Version)
	if err != nil {
		return domain.Cart{}, err
	}
	cart.ID = id
	cart.Version = result.UpdateTime
	return cart, nil
}

// Delete removes the cart document.
func (r *CartRepository) Delete(ctx context.Context, cart domain.Cart) error {
	base, id, err := r.target(cart)
	if err != nil {
		return err
	}
	return base.Delete(ctx, id)
}

func (r *CartRepository) target(cart domain.Cart) (*pfirestore.BaseRepository[cartDocument], string, error) {
	if id := strings.TrimSpace(cart.UserID); id != "" {
		return r.users, id, nil
	}
	if id := strings.TrimSpace(cart.SessionID); id != "" {
		return r.sessions, id, nil
	}
	return nil, "", errors.New("cart repository: user id or session id is required")
}

func encodeCartDocument(_ context.Context, doc cartDocument) (any, error) {
	return map[string]any{
		"items":          doc.Items,
		"totalItems":     doc.TotalItems,
		"totalPrice":     doc.TotalPrice,
		"mergedSessions": doc.MergedSessions,
		"updatedAt":      doc.UpdatedAt,
	}, nil
}

type cartDocument struct {
	Items          []cartItemDocument `firestore:"items"`
	TotalItems     int                `firestore:"totalItems"`
	TotalPrice     int64              `firestore:"totalPrice"`
	MergedSessions []string           `firestore:"mergedSessions"`
	UpdatedAt      time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	ImageURL  string `firestore:"imageUrl"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	doc := cartDocument{
		Items:          make([]cartItemDocument, 0, len(cart.Items)),
		TotalItems:     cart.TotalItems,
		TotalPrice:     cart.TotalPrice,
		MergedSessions: cart.MergedSessions,
		UpdatedAt:      cart.UpdatedAt.UTC(),
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, cartItemDocument(item))
	}
	return doc
}

func (d cartDocument) toDomain(id string, revision time.Time) domain.Cart {
	cart := domain.Cart{
		ID:             id,
		Items:          make([]domain.CartItem, 0, len(d.Items)),
		TotalItems:     d.TotalItems,
		TotalPrice:     d.TotalPrice,
		MergedSessions: d.MergedSessions,
		UpdatedAt:      d.UpdatedAt,
		Version:        revision,
	}
	for _, item := range d.Items {
		cart.Items = append(cart.Items, domain.CartItem(item))
	}
	return cart
}

var _ repositories.CartRepository = (*CartRepository)(nil)
