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

const (
	productsCollection = "products"
	stockField         = "stock"
)

// counterWriter is the slice of BaseRepository the ledger writes through.
type counterWriter interface {
	Increment(ctx context.Context, id, field string, delta int64, extra ...firestore.Update) (pfirestore.MutationResult, error)
}

// StockLedgerRepository adjusts the stock counter on product documents with server-side
// increments, so concurrent adjustments never lose updates.
type StockLedgerRepository struct {
	products counterWriter
	clock    func() time.Time
}

// NewStockLedgerRepository constructs the Firestore stock ledger.
func NewStockLedgerRepository(provider *pfirestore.Provider) (*StockLedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("stock ledger requires firestore provider")
	}
	return &StockLedgerRepository{
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
		clock:    time.Now,
	}, nil
}

// Debit decrements stock. The purchase flow in the catalog service owns debits.
func (r *StockLedgerRepository) Debit(ctx context.Context, productID string, quantity int) error {
	return r.adjust(ctx, "stock.debit", productID, -int64(quantity), quantity)
}

// Credit increments stock, used when a cancelled order returns its items.
func (r *StockLedgerRepository) Credit(ctx context.Context, productID string, quantity int) error {
	return r.adjust(ctx, "stock.credit", productID, int64(quantity), quantity)
}

func (r *StockLedgerRepository) adjust(ctx context.Context, op, productID string, delta int64, quantity int) error {
	productID = strings.TrimSpace(productID)
	if productID == "" || quantity <= 0 {
		return repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID, nil)
	}
	_, err := r.products.Increment(ctx, productID, stockField, delta,
		firestore.Update{Path: "stockUpdatedAt", Value: r.clock().UTC()},
	)
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return repositories.NewStockError(op, repositories.StockErrorProductNotFound, productID, err)
	}
	return err
}

// ProductCatalogRepository reads product snapshots used to price order lines.
type ProductCatalogRepository struct {
	products *pfirestore.BaseRepository[productDocument]
}

// NewProductCatalogRepository constructs the Firestore product catalog reader.
func NewProductCatalogRepository(provider *pfirestore.Provider) (*ProductCatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("product catalog requires firestore provider")
	}
	return &ProductCatalogRepository{
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

// LookupProducts fetches all requested products in one batched read. Unknown IDs are absent
// from the result.
func (r *ProductCatalogRepository) LookupProducts(ctx context.Context, productIDs []string) (map[string]domain.ProductSnapshot, error) {
	result := make(map[string]domain.ProductSnapshot, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	docs, err := r.products.GetMany(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		result[doc.ID] = domain.ProductSnapshot{
			ID:        doc.ID,
			Name:      doc.Data.Name,
			ImageURL:  doc.Data.ImageURL,
			UnitPrice: doc.Data.Price,
			Stock:     doc.Data.Stock,
		}
	}
	return result, nil
}

type productDocument struct {
	Name           string    `firestore:"name"`
	ImageURL       string    `firestore:"imageUrl"`
	Price          int64     `firestore:"price"`
	Stock          int64     `firestore:"stock"`
	StockUpdatedAt time.Time `firestore:"stockUpdatedAt,omitempty"`
}

var (
	_ repositories.StockLedger    = (*StockLedgerRepository)(nil)
	_ repositories.ProductCatalog = (*ProductCatalogRepository)(nil)
)
