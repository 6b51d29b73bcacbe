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

const promotionsCollection = "promotions"

// PromotionRepository reads promotion documents keyed by their upper-cased code.
type PromotionRepository struct {
	base *pfirestore.BaseRepository[promotionDocument]
}

// NewPromotionRepository constructs the Firestore promotion reader.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	return &PromotionRepository{
		base: pfirestore.NewBaseRepository[promotionDocument](provider, promotionsCollection, nil, nil),
	}, nil
}

func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (domain.Promotion, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	doc, err := r.base.Get(ctx, code)
	if err != nil {
		return domain.Promotion{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

type promotionDocument struct {
	Status      string    `firestore:"status"`
	Kind        string    `firestore:"kind"`
	Value       int64     `firestore:"value"`
	Currency    string    `firestore:"currency,omitempty"`
	MinSubtotal int64     `firestore:"minSubtotal,omitempty"`
	StartsAt    time.Time `firestore:"startsAt,omitempty"`
	EndsAt      time.Time `firestore:"endsAt,omitempty"`
}

func (d promotionDocument) toDomain(code string) domain.Promotion {
	return domain.Promotion{
		Code:        code,
		Status:      strings.ToLower(strings.TrimSpace(d.Status)),
		Kind:        domain.PromotionKind(strings.ToLower(strings.TrimSpace(d.Kind))),
		Value:       d.Value,
		Currency:    strings.ToUpper(strings.TrimSpace(d.Currency)),
		MinSubtotal: d.MinSubtotal,
		StartsAt:    d.StartsAt,
		EndsAt:      d.EndsAt,
	}
}

var _ repositories.PromotionRepository = (*PromotionRepository)(nil)
