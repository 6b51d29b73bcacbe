package domain

import (
	"errors"
	"math"
	"time"
)

// ErrAmountOutOfRange reports a money or quantity calculation that does not fit in int64.
var ErrAmountOutOfRange = errors.New("amount out of range")

// Delivery lead times per shipping option, counted from order creation.
var deliveryLeadTimes = map[ShippingOption]time.Duration{
	ShippingOptionStandard: 5 * 24 * time.Hour,
	ShippingOptionExpress:  2 * 24 * time.Hour,
	ShippingOptionSameDay:  0,
}

// ValidShippingOption reports whether the option is one the storefront sells.
func ValidShippingOption(option ShippingOption) bool {
	_, ok := deliveryLeadTimes[option]
	return ok
}

// ValidPaymentMethod reports whether the method is recognised.
func ValidPaymentMethod(method PaymentMethod) bool {
	switch method {
	case PaymentMethodWebhookGateway, PaymentMethodRedirectGateway, PaymentMethodCashOnDelivery, PaymentMethodBankTransfer:
		return true
	default:
		return false
	}
}

// EstimateDelivery derives the expected delivery date for an option from the creation time.
// Unknown options fall back to the standard lead time.
func EstimateDelivery(createdAt time.Time, option ShippingOption) time.Time {
	lead, ok := deliveryLeadTimes[option]
	if !ok {
		lead = deliveryLeadTimes[ShippingOptionStandard]
	}
	return createdAt.Add(lead)
}

// LineSubtotal returns UnitPrice multiplied by Quantity, failing instead of wrapping.
func LineSubtotal(item OrderLineItem) (int64, error) {
	if item.UnitPrice < 0 || item.Quantity < 0 {
		return 0, ErrAmountOutOfRange
	}
	return mulAmount(item.UnitPrice, int64(item.Quantity))
}

// ItemsSubtotal sums the line subtotals.
func ItemsSubtotal(items []OrderLineItem) (int64, error) {
	var subtotal int64
	for _, item := range items {
		line, err := LineSubtotal(item)
		if err != nil {
			return 0, err
		}
		if subtotal, err = addAmount(subtotal, line); err != nil {
			return 0, err
		}
	}
	return subtotal, nil
}

// ComputeTotals rolls line items up with the tax, shipping and discount priced for the order.
// Every component must be non-negative; the total may still come out negative when the discount
// exceeds the rest, which callers reject.
func ComputeTotals(items []OrderLineItem, tax, shipping, discount int64) (OrderTotals, error) {
	if tax < 0 || shipping < 0 || discount < 0 {
		return OrderTotals{}, ErrAmountOutOfRange
	}
	subtotal, err := ItemsSubtotal(items)
	if err != nil {
		return OrderTotals{}, err
	}
	gross, err := addAmount(subtotal, tax)
	if err != nil {
		return OrderTotals{}, err
	}
	if gross, err = addAmount(gross, shipping); err != nil {
		return OrderTotals{}, err
	}
	return OrderTotals{
		Items:    subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    gross - discount,
	}, nil
}

// ApplyBasisPoints returns amount*bps/10000 rounded half up.
func ApplyBasisPoints(amount, bps int64) (int64, error) {
	if amount < 0 || bps < 0 {
		return 0, ErrAmountOutOfRange
	}
	scaled, err := mulAmount(amount, bps)
	if err != nil {
		return 0, err
	}
	if scaled, err = addAmount(scaled, 5000); err != nil {
		return 0, err
	}
	return scaled / 10000, nil
}

// mulAmount and addAmount operate on non-negative values only.
func mulAmount(a, b int64) (int64, error) {
	if a != 0 && b > math.MaxInt64/a {
		return 0, ErrAmountOutOfRange
	}
	return a * b, nil
}

func addAmount(a, b int64) (int64, error) {
	if a > math.MaxInt64-b {
		return 0, ErrAmountOutOfRange
	}
	return a + b, nil
}

// RecomputeCart derives TotalItems and TotalPrice from the cart's current item list.
func RecomputeCart(cart *Cart) {
	if cart == nil {
		return
	}
	var count int
	var price int64
	for _, item := range cart.Items {
		count += item.Quantity
		price += item.UnitPrice * int64(item.Quantity)
	}
	cart.TotalItems = count
	cart.TotalPrice = price
}
