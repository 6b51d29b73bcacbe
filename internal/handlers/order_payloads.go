package handlers

import (
	"github.com/storefront/api/internal/services"
)

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID           string `json:"id"`
	OrderNumber  string `json:"order_number"`
	TrackingCode string `json:"tracking_code"`
	Status       string `json:"status"`
	IsPaid       bool   `json:"is_paid"`
	Currency     string `json:"currency"`
	Total        int64  `json:"total"`
	CreatedAt    string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                    string                 `json:"id"`
	OrderNumber           string                 `json:"order_number"`
	TrackingCode          string                 `json:"tracking_code"`
	UserID                string                 `json:"user_id,omitempty"`
	Guest                 *orderGuestPayload     `json:"guest,omitempty"`
	Status                string                 `json:"status"`
	Currency              string                 `json:"currency"`
	Totals                orderTotalsPayload     `json:"totals"`
	Items                 []orderItemPayload     `json:"items"`
	ShippingAddress       addressPayload         `json:"shipping_address"`
	ShippingOption        string                 `json:"shipping_option"`
	EstimatedDeliveryDate string                 `json:"estimated_delivery_date,omitempty"`
	PaymentMethod         string                 `json:"payment_method"`
	Payment               orderPaymentPayload    `json:"payment"`
	Fulfillment           orderFulfilmentPayload `json:"fulfillment"`
	Notes                 string                 `json:"notes,omitempty"`
	CancelledAt           string                 `json:"cancelled_at,omitempty"`
	CancelReason          string                 `json:"cancel_reason,omitempty"`
	StockCredited         bool                   `json:"stock_credited,omitempty"`
	PromotionCode         string                 `json:"promotion_code,omitempty"`
	CreatedAt             string                 `json:"created_at"`
	UpdatedAt             string                 `json:"updated_at,omitempty"`
}

type orderGuestPayload struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type orderTotalsPayload struct {
	Items    int64 `json:"items"`
	Tax      int64 `json:"tax"`
	Shipping int64 `json:"shipping"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type orderPaymentPayload struct {
	IsPaid    bool   `json:"is_paid"`
	PaidAt    string `json:"paid_at,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
	Status    string `json:"status,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

type orderFulfilmentPayload struct {
	Carrier               string `json:"carrier,omitempty"`
	CarrierTrackingNumber string `json:"carrier_tracking_number,omitempty"`
	ShippedAt             string `json:"shipped_at,omitempty"`
	IsDelivered           bool   `json:"is_delivered"`
	DeliveredAt           string `json:"delivered_at,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		TrackingCode: order.TrackingCode,
		Status:       string(order.Status),
		IsPaid:       order.IsPaid,
		Currency:     order.Currency,
		Total:        order.Totals.Total,
		CreatedAt:    formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		TrackingCode: order.TrackingCode,
		UserID:       order.UserID,
		Status:       string(order.Status),
		Currency:     order.Currency,
		Totals: orderTotalsPayload{
			Items:    order.Totals.Items,
			Tax:      order.Totals.Tax,
			Shipping: order.Totals.Shipping,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Items:                 make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress:       buildAddressPayload(order.ShippingAddress),
		ShippingOption:        string(order.ShippingOption),
		EstimatedDeliveryDate: formatDate(order.EstimatedDeliveryDate),
		PaymentMethod:         string(order.PaymentMethod),
		Payment: orderPaymentPayload{
			IsPaid: order.IsPaid,
			PaidAt: formatTimePtr(order.PaidAt),
		},
		Fulfillment: orderFulfilmentPayload{
			Carrier:               order.Carrier,
			CarrierTrackingNumber: order.CarrierTrackingNumber,
			ShippedAt:             formatTimePtr(order.ShippedAt),
			IsDelivered:           order.IsDelivered,
			DeliveredAt:           formatTimePtr(order.DeliveredAt),
		},
		Notes:         order.Notes,
		CancelledAt:   formatTimePtr(order.CancelledAt),
		CancelReason:  order.CancelReason,
		StockCredited: order.StockCredited,
		PromotionCode: order.PromotionCode,
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
	if order.GuestContact != nil {
		payload.Guest = &orderGuestPayload{Email: order.GuestContact.Email, Phone: order.GuestContact.Phone}
	}
	if result := order.PaymentResult; result != nil {
		payload.Payment.ReceiptID = result.ReceiptID
		payload.Payment.Gateway = result.Gateway
		payload.Payment.Status = result.Status
		payload.Payment.Amount = result.Amount
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Subtotal:  item.UnitPrice * int64(item.Quantity),
		})
	}
	return payload
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

type paymentHistoryResponse struct {
	OrderID string                `json:"order_id"`
	Events  []paymentEventPayload `json:"events"`
}

type paymentEventPayload struct {
	ID            string `json:"id"`
	Gateway       string `json:"gateway"`
	Kind          string `json:"kind"`
	ReceiptID     string `json:"receipt_id,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	ReceivedAt    string `json:"received_at"`
}

func buildPaymentHistory(orderID string, events []services.PaymentEvent) paymentHistoryResponse {
	resp := paymentHistoryResponse{OrderID: orderID, Events: make([]paymentEventPayload, 0, len(events))}
	for _, event := range events {
		resp.Events = append(resp.Events, paymentEventPayload{
			ID:            event.ID,
			Gateway:       event.Gateway,
			Kind:          string(event.Kind),
			ReceiptID:     event.ReceiptID,
			Amount:        event.Amount,
			Currency:      event.Currency,
			FailureReason: event.FailureReason,
			ReceivedAt:    formatTime(event.ReceivedAt),
		})
	}
	return resp
}
