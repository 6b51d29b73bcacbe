package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

var (
	// ErrPricingInvalidInput signals items or options the pricer cannot price.
	ErrPricingInvalidInput = errors.New("order pricing: invalid input")
	// ErrPromotionNotRedeemable indicates an unknown, inactive or ineligible promotion code.
	ErrPromotionNotRedeemable = errors.New("order pricing: promotion not redeemable")
	// ErrPricingUnavailable indicates a pricing source could not be reached.
	ErrPricingUnavailable = errors.New("order pricing: unavailable")
)

// PricingRules are the shipping and tax rules applied to every order.
type PricingRules struct {
	ShippingFees map[domain.ShippingOption]int64
	// FreeShippingOver waives shipping once the discounted subtotal reaches it. Zero disables.
	FreeShippingOver   int64
	TaxRateBasisPoints int64
}

// OrderPricerDeps bundles the pricer's collaborators.
type OrderPricerDeps struct {
	Rules      PricingRules
	Promotions repositories.PromotionRepository
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// OrderPricer derives tax, shipping and discount for an order on the server. Purchasers choose a
// shipping option and may present a promotion code; they never supply amounts.
type OrderPricer struct {
	rules      PricingRules
	promotions repositories.PromotionRepository
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// PriceOrderCommand is the input to OrderPricer.Price.
type PriceOrderCommand struct {
	Items          []OrderLineItem
	ShippingOption domain.ShippingOption
	Currency       string
	PromotionCode  string
}

// PriceOrderResult carries the computed totals and the normalised promotion code that produced
// the discount, if any.
type PriceOrderResult struct {
	Totals        OrderTotals
	PromotionCode string
}

// NewOrderPricer builds a pricer. Promotions may be nil, in which case every code is refused.
func NewOrderPricer(deps OrderPricerDeps) *OrderPricer {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	fees := make(map[domain.ShippingOption]int64, len(deps.Rules.ShippingFees))
	for option, fee := range deps.Rules.ShippingFees {
		fees[option] = fee
	}
	rules := deps.Rules
	rules.ShippingFees = fees
	return &OrderPricer{
		rules:      rules,
		promotions: deps.Promotions,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
}

// Price computes the order totals. The discount is clamped to the items subtotal, tax applies
// to the discounted subtotal, and shipping comes from the option's configured fee.
func (p *OrderPricer) Price(ctx context.Context, cmd PriceOrderCommand) (PriceOrderResult, error) {
	subtotal, err := domain.ItemsSubtotal(cmd.Items)
	if err != nil {
		return PriceOrderResult{}, fmt.Errorf("%w: items subtotal: %v", ErrPricingInvalidInput, err)
	}

	result := PriceOrderResult{}
	discount := int64(0)
	if code := strings.ToUpper(strings.TrimSpace(cmd.PromotionCode)); code != "" {
		amount, err := p.applyPromotion(ctx, code, cmd.Currency, subtotal)
		if err != nil {
			return PriceOrderResult{}, err
		}
		if amount > subtotal {
			p.logger(ctx, "order.pricing.discount.clamped", map[string]any{
				"promotionCode": code,
				"subtotal":      subtotal,
				"discount":      amount,
			})
			amount = subtotal
		}
		discount = amount
		result.PromotionCode = code
	}
	taxable := subtotal - discount

	tax, err := domain.ApplyBasisPoints(taxable, p.rules.TaxRateBasisPoints)
	if err != nil {
		return PriceOrderResult{}, fmt.Errorf("%w: tax: %v", ErrPricingInvalidInput, err)
	}

	shipping, err := p.shippingFee(cmd.ShippingOption, taxable)
	if err != nil {
		return PriceOrderResult{}, err
	}

	totals, err := domain.ComputeTotals(cmd.Items, tax, shipping, discount)
	if err != nil {
		return PriceOrderResult{}, fmt.Errorf("%w: totals: %v", ErrPricingInvalidInput, err)
	}
	result.Totals = totals
	return result, nil
}

func (p *OrderPricer) shippingFee(option domain.ShippingOption, taxable int64) (int64, error) {
	fee, ok := p.rules.ShippingFees[option]
	if !ok {
		return 0, fmt.Errorf("%w: no shipping fee for option %q", ErrPricingInvalidInput, option)
	}
	if p.rules.FreeShippingOver > 0 && taxable >= p.rules.FreeShippingOver {
		return 0, nil
	}
	return fee, nil
}

func (p *OrderPricer) applyPromotion(ctx context.Context, code, currency string, subtotal int64) (int64, error) {
	if p.promotions == nil {
		return 0, fmt.Errorf("%w: %s", ErrPromotionNotRedeemable, code)
	}
	promo, err := p.promotions.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsNotFound():
				return 0, fmt.Errorf("%w: %s", ErrPromotionNotRedeemable, code)
			case repoErr.IsUnavailable():
				return 0, fmt.Errorf("%w: %v", ErrPricingUnavailable, err)
			}
		}
		return 0, err
	}

	if !promo.ActiveAt(p.clock()) {
		return 0, fmt.Errorf("%w: %s is not active", ErrPromotionNotRedeemable, code)
	}
	if promo.MinSubtotal > 0 && subtotal < promo.MinSubtotal {
		return 0, fmt.Errorf("%w: %s requires a subtotal of %d", ErrPromotionNotRedeemable, code, promo.MinSubtotal)
	}

	switch promo.Kind {
	case domain.PromotionKindPercent:
		amount, err := domain.ApplyBasisPoints(subtotal, promo.Value)
		if err != nil {
			return 0, fmt.Errorf("%w: promotion %s: %v", ErrPricingInvalidInput, code, err)
		}
		return amount, nil
	case domain.PromotionKindFixed:
		if promo.Currency != "" && !strings.EqualFold(promo.Currency, currency) {
			return 0, fmt.Errorf("%w: %s is not valid for %s", ErrPromotionNotRedeemable, code, currency)
		}
		if promo.Value < 0 {
			return 0, nil
		}
		return promo.Value, nil
	default:
		p.logger(ctx, "order.pricing.promotion.unknown_kind", map[string]any{
			"promotionCode": code,
			"kind":          string(promo.Kind),
		})
		return 0, fmt.Errorf("%w: %s", ErrPromotionNotRedeemable, code)
	}
}
