package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"html"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/identifiers"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/repositories"
)

const (
	notificationCreated       = "order.created"
	notificationStatusChanged = "order.status.changed"
	notificationPaid          = "order.paid"
	notificationShipped       = "order.shipped"
	notificationDelivered     = "order.delivered"
	notificationCancelled     = "order.cancelled"

	orderIDPrefix = "ord_"

	defaultUpdateAttempts = 3
	numberAttempts        = 3
	defaultNotifyTimeout  = 3 * time.Second
	defaultPageSize       = 20
	maxPageSize           = 100
	maxBulkOrders         = 100
	maxFreeTextLength     = 1000
	defaultMaxLineQty     = 99

	manualGateway = "manual"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller may not act on the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidTransition indicates the requested status change is not allowed.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates the order kept changing underneath the update.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPaymentConflict indicates a paid order was confirmed again with another receipt.
	ErrOrderPaymentConflict = errors.New("order: already paid with a different receipt")
	// ErrOrderAlreadyInState indicates the order already has the requested status.
	ErrOrderAlreadyInState = errors.New("order: already in that state")
	// ErrOrderNumberCollision indicates no free order number was found. Callers may retry.
	ErrOrderNumberCollision = errors.New("order: order number collision")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
	// ErrOrderStockCreditFailed indicates the order was cancelled but some stock was not credited.
	ErrOrderStockCreditFailed = errors.New("order: stock credit incomplete")
)

// nextStatus lists the single forward step allowed from each fulfilment status.
var nextStatus = map[OrderStatus]OrderStatus{
	domain.OrderStatusPending:    domain.OrderStatusProcessing,
	domain.OrderStatusProcessing: domain.OrderStatusShipped,
	domain.OrderStatusShipped:    domain.OrderStatusDelivered,
}

var cancellableStatuses = map[OrderStatus]bool{
	domain.OrderStatusPending:    true,
	domain.OrderStatusProcessing: true,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Stock       repositories.StockLedger
	Catalog     repositories.ProductCatalog
	Notifier    OrderNotifier
	GuestTokens GuestTokens
	Payments    PaymentStarter
	Pricer      *OrderPricer

	NumberPrefix      string
	TrackingPrefix    string
	Currency          string
	GatewayUnitFactor int64
	UpdateAttempts    int
	MaxLineQuantity   int
	NotifyTimeout     time.Duration

	Random      io.Reader
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	stock       repositories.StockLedger
	catalog     repositories.ProductCatalog
	notifier    OrderNotifier
	guestTokens GuestTokens
	payments    PaymentStarter
	pricer      *OrderPricer

	numberPrefix   string
	trackingPrefix string
	currency       string
	unitFactor     int64
	attempts       int
	maxLineQty     int
	notifyTimeout  time.Duration

	random    io.Reader
	sanitizer *bluemonday.Policy
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock ledger is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	random := deps.Random
	if random == nil {
		random = rand.Reader
	}

	attempts := deps.UpdateAttempts
	if attempts <= 0 {
		attempts = defaultUpdateAttempts
	}

	notifyTimeout := deps.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}

	maxLineQty := deps.MaxLineQuantity
	if maxLineQty <= 0 {
		maxLineQty = defaultMaxLineQty
	}

	pricer := deps.Pricer
	if pricer == nil {
		pricer = NewOrderPricer(OrderPricerDeps{
			Rules: PricingRules{ShippingFees: map[domain.ShippingOption]int64{
				domain.ShippingOptionStandard: 0,
				domain.ShippingOptionExpress:  0,
				domain.ShippingOptionSameDay:  0,
			}},
			Clock:  clock,
			Logger: logger,
		})
	}

	return &orderService{
		orders:         deps.Orders,
		stock:          deps.Stock,
		catalog:        deps.Catalog,
		notifier:       deps.Notifier,
		guestTokens:    deps.GuestTokens,
		payments:       deps.Payments,
		pricer:         pricer,
		numberPrefix:   deps.NumberPrefix,
		trackingPrefix: deps.TrackingPrefix,
		currency:       currency,
		unitFactor:     deps.GatewayUnitFactor,
		attempts:       attempts,
		maxLineQty:     maxLineQty,
		notifyTimeout:  notifyTimeout,
		random:         random,
		sanitizer:      bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	if err := s.validateCreate(cmd); err != nil {
		return CreateOrderResult{}, err
	}

	items, err := s.snapshotItems(ctx, cmd.Items)
	if err != nil {
		return CreateOrderResult{}, err
	}

	option := cmd.ShippingOption
	if option == "" {
		option = domain.ShippingOptionStandard
	}

	priced, err := s.pricer.Price(ctx, PriceOrderCommand{
		Items:          items,
		ShippingOption: option,
		Currency:       s.currency,
		PromotionCode:  cmd.PromotionCode,
	})
	if err != nil {
		return CreateOrderResult{}, mapPricingError(err)
	}
	if priced.Totals.Total < 0 {
		return CreateOrderResult{}, fmt.Errorf("%w: discount exceeds order total", ErrOrderInvalidInput)
	}

	now := s.now()
	order := Order{
		ID:                    orderIDPrefix + s.newID(),
		UserID:                strings.TrimSpace(cmd.UserID),
		Status:                domain.OrderStatusPending,
		Currency:              s.currency,
		Items:                 items,
		ShippingAddress:       s.sanitizeAddress(cmd.ShippingAddress),
		ShippingOption:        option,
		EstimatedDeliveryDate: domain.EstimateDelivery(now, option),
		PaymentMethod:         cmd.PaymentMethod,
		Totals:                priced.Totals,
		PromotionCode:         priced.PromotionCode,
		Notes:                 s.sanitizeText(cmd.Notes),
		AnonymousSessionID:    strings.TrimSpace(cmd.SessionID),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if cmd.Guest != nil && order.UserID == "" {
		order.GuestContact = &GuestContact{
			Email: strings.ToLower(strings.TrimSpace(cmd.Guest.Email)),
			Phone: strings.TrimSpace(cmd.Guest.Phone),
		}
	}

	trackingCode, err := identifiers.NewTrackingCode(s.trackingPrefix, order.ID, now, s.random)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("order: generate tracking code: %w", err)
	}
	order.TrackingCode = trackingCode

	result := CreateOrderResult{}
	if order.PaymentMethod == domain.PaymentMethodRedirectGateway {
		if s.payments == nil {
			return CreateOrderResult{}, fmt.Errorf("%w: redirect gateway is not configured", ErrOrderInvalidInput)
		}
		started, err := s.payments.Start(ctx, payments.StartRequest{
			OrderID:     order.ID,
			Amount:      payments.ToGatewayUnit(order.Totals.Total, s.unitFactor),
			Description: "Order " + order.ID,
			Email:       guestEmail(order),
			Mobile:      order.ShippingAddress.Phone,
		})
		if err != nil {
			s.logger(ctx, "order.payment.start.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			return CreateOrderResult{}, err
		}
		order.PaymentAuthority = started.Authority
		result.PaymentURL = started.PaymentURL
	}

	if err := s.insertWithFreshNumber(ctx, &order, now); err != nil {
		return CreateOrderResult{}, err
	}
	result.Order = order

	if order.IsGuest() && s.guestTokens != nil {
		token, expiresAt, err := s.guestTokens.Issue(order.ID, order.GuestContact.Email, order.GuestContact.Phone)
		if err != nil {
			s.logger(ctx, "order.guest_token.issue.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		} else {
			result.GuestToken = token
			result.GuestTokenExpiresAt = expiresAt
		}
	}

	s.notify(ctx, notificationCreated, order, "", strings.TrimSpace(cmd.UserID), map[string]string{
		"paymentMethod": string(order.PaymentMethod),
	})

	return result, nil
}

// insertWithFreshNumber draws order numbers until one is not yet claimed.
func (s *orderService) insertWithFreshNumber(ctx context.Context, order *Order, now time.Time) error {
	for attempt := 1; attempt <= numberAttempts; attempt++ {
		number, err := identifiers.NewOrderNumber(s.numberPrefix, now, s.random)
		if err != nil {
			return fmt.Errorf("order: generate order number: %w", err)
		}
		order.OrderNumber = number

		_, err = s.orders.Insert(ctx, *order)
		if err == nil {
			return nil
		}

		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) && orderErr.Code == repositories.OrderErrorNumberTaken {
			s.logger(ctx, "order.number.collision", map[string]any{
				"orderId":     order.ID,
				"orderNumber": number,
				"attempt":     attempt,
			})
			continue
		}
		return s.mapRepositoryError(err)
	}
	return fmt.Errorf("%w: no free order number after %d attempts", ErrOrderNumberCollision, numberAttempts)
}

func (s *orderService) validateCreate(cmd CreateOrderCommand) error {
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: items[%d]: product id is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: items[%d]: quantity must be at least 1", ErrOrderInvalidInput, i)
		}
		if item.Quantity > s.maxLineQty {
			return fmt.Errorf("%w: items[%d]: quantity must be at most %d", ErrOrderInvalidInput, i, s.maxLineQty)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: items[%d]: unit price must not be negative", ErrOrderInvalidInput, i)
		}
	}
	if cmd.ShippingAddress.IsZero() {
		return fmt.Errorf("%w: shipping address is required", ErrOrderInvalidInput)
	}
	if !domain.ValidPaymentMethod(cmd.PaymentMethod) {
		return fmt.Errorf("%w: unrecognised payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if cmd.ShippingOption != "" && !domain.ValidShippingOption(cmd.ShippingOption) {
		return fmt.Errorf("%w: unrecognised shipping option %q", ErrOrderInvalidInput, cmd.ShippingOption)
	}

	hasUser := strings.TrimSpace(cmd.UserID) != ""
	hasGuest := cmd.Guest != nil && (strings.TrimSpace(cmd.Guest.Email) != "" || strings.TrimSpace(cmd.Guest.Phone) != "")
	switch {
	case hasUser && hasGuest:
		return fmt.Errorf("%w: an order belongs to a user or a guest, not both", ErrOrderInvalidInput)
	case !hasUser && !hasGuest:
		return fmt.Errorf("%w: guest contact is required when not signed in", ErrOrderInvalidInput)
	case hasGuest && !strings.Contains(cmd.Guest.Email, "@"):
		return fmt.Errorf("%w: guest email is required", ErrOrderInvalidInput)
	}
	return nil
}

// snapshotItems prices line items from the catalog. Products the catalog does not know are
// rejected; command prices are only used when no catalog is wired.
func (s *orderService) snapshotItems(ctx context.Context, items []CreateOrderItem) ([]OrderLineItem, error) {
	var products map[string]domain.ProductSnapshot
	if s.catalog != nil {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, strings.TrimSpace(item.ProductID))
		}
		found, err := s.catalog.LookupProducts(ctx, ids)
		if err != nil {
			return nil, s.mapRepositoryError(err)
		}
		products = found
	}

	lines := make([]OrderLineItem, 0, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		line := OrderLineItem{
			ProductID: productID,
			Name:      s.sanitizeText(item.Name),
			ImageURL:  strings.TrimSpace(item.ImageURL),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
		if s.catalog != nil {
			product, ok := products[productID]
			if !ok {
				return nil, fmt.Errorf("%w: items[%d]: unknown product %q", ErrOrderInvalidInput, i, productID)
			}
			line.Name = product.Name
			line.ImageURL = product.ImageURL
			line.UnitPrice = product.UnitPrice
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *orderService) Get(ctx context.Context, orderID string, actor Actor) (Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !canAccess(order, actor) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, order.ID)
	}
	return order, nil
}

func (s *orderService) GetForGuest(ctx context.Context, orderID string, guestToken string) (Order, error) {
	actor, err := s.guestActor(orderID, guestToken)
	if err != nil {
		return Order{}, err
	}
	return s.Get(ctx, orderID, actor)
}

func (s *orderService) guestActor(orderID, token string) (Actor, error) {
	if s.guestTokens == nil {
		return Actor{}, fmt.Errorf("%w: guest access is not configured", ErrOrderForbidden)
	}
	grant, err := s.guestTokens.Verify(token, strings.TrimSpace(orderID))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrOrderForbidden, err)
	}
	return Actor{GuestOrderID: grant.OrderID}, nil
}

func (s *orderService) TrackByCode(ctx context.Context, trackingCode string) (OrderTracking, error) {
	code := strings.TrimSpace(trackingCode)
	if !identifiers.ValidTrackingCode(code) {
		return OrderTracking{}, fmt.Errorf("%w: malformed tracking code", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByTrackingCode(ctx, code)
	if err != nil {
		return OrderTracking{}, s.mapRepositoryError(err)
	}
	if !identifiers.TrackingCodeMatchesOrder(code, order.ID) {
		return OrderTracking{}, fmt.Errorf("%w: tracking code %s", ErrOrderNotFound, code)
	}
	return OrderTracking{
		TrackingCode:          order.TrackingCode,
		OrderNumber:           order.OrderNumber,
		Status:                order.Status,
		PlacedAt:              placedAt(order, code),
		EstimatedDeliveryDate: order.EstimatedDeliveryDate,
		ShippedAt:             order.ShippedAt,
		DeliveredAt:           order.DeliveredAt,
		Carrier:               order.Carrier,
		CarrierTrackingNumber: order.CarrierTrackingNumber,
	}, nil
}

// placedAt falls back to the date embedded in the order number, then the tracking code, for
// orders imported without a creation timestamp.
func placedAt(order Order, trackingCode string) time.Time {
	if !order.CreatedAt.IsZero() {
		return order.CreatedAt
	}
	if day, err := identifiers.ParseOrderNumberDate(order.OrderNumber); err == nil {
		return day
	}
	if day, err := identifiers.ParseTrackingDate(trackingCode); err == nil {
		return day
	}
	return time.Time{}
}

func (s *orderService) ListForUser(ctx context.Context, userID string, page Pagination) (domain.CursorPage[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	switch {
	case page.PageSize <= 0:
		page.PageSize = defaultPageSize
	case page.PageSize > maxPageSize:
		page.PageSize = maxPageSize
	}
	result, err := s.orders.ListByUser(ctx, repositories.OrderListFilter{UserID: userID, Pagination: page})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return result, nil
}

func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (MarkPaidResult, error) {
	receipt := cmd.Receipt
	receipt.ReceiptID = strings.TrimSpace(receipt.ReceiptID)
	if receipt.ReceiptID == "" {
		return MarkPaidResult{}, fmt.Errorf("%w: receipt id is required", ErrOrderInvalidInput)
	}
	if receipt.Status == "" {
		receipt.Status = "succeeded"
	}

	order, changed, err := s.mutate(ctx, cmd.OrderID, func(order *Order) (bool, error) {
		if order.Status == domain.OrderStatusCancelled {
			return false, fmt.Errorf("%w: order %s is cancelled", ErrOrderInvalidTransition, order.ID)
		}
		if order.IsPaid {
			if order.PaymentResult != nil && order.PaymentResult.ReceiptID == receipt.ReceiptID {
				return false, nil
			}
			return false, fmt.Errorf("%w: order %s", ErrOrderPaymentConflict, order.ID)
		}
		settledAt := receipt.SettledAt
		if settledAt.IsZero() {
			settledAt = s.now()
		}
		amount := receipt.Amount
		if amount == 0 {
			amount = order.Totals.Total
		}
		order.IsPaid = true
		order.PaidAt = &settledAt
		order.PaymentResult = &PaymentResult{
			ReceiptID: receipt.ReceiptID,
			Gateway:   receipt.Gateway,
			Status:    receipt.Status,
			Amount:    amount,
			SettledAt: settledAt,
		}
		return true, nil
	})
	if err != nil {
		return MarkPaidResult{}, err
	}

	if changed {
		s.notify(ctx, notificationPaid, order, "", cmd.ActorID, map[string]string{
			"gateway":   receipt.Gateway,
			"receiptId": receipt.ReceiptID,
		})
	}
	return MarkPaidResult{Order: order, Changed: changed}, nil
}

func (s *orderService) Advance(ctx context.Context, cmd AdvanceCommand) (Order, error) {
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Target))))
	switch target {
	case domain.OrderStatusCancelled:
		order, changed, err := s.cancel(ctx, CancelCommand{
			OrderID: cmd.OrderID,
			Actor:   Actor{UserID: cmd.ActorID, Operator: true},
		})
		if err == nil && !changed {
			return order, fmt.Errorf("%w: order %s is already cancelled", ErrOrderAlreadyInState, order.ID)
		}
		return order, err
	case domain.OrderStatusDelivered:
		return s.deliver(ctx, cmd.OrderID, cmd.ActorID)
	case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusShipped:
	default:
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Target)
	}

	var previous OrderStatus
	order, _, err := s.mutate(ctx, cmd.OrderID, func(order *Order) (bool, error) {
		if order.Status == target {
			return false, fmt.Errorf("%w: order %s is already %s", ErrOrderAlreadyInState, order.ID, target)
		}
		if nextStatus[order.Status] != target {
			return false, fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, order.Status, target)
		}
		previous = order.Status
		order.Status = target
		if target == domain.OrderStatusShipped {
			now := s.now()
			order.ShippedAt = &now
		}
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}

	notification := notificationStatusChanged
	if target == domain.OrderStatusShipped {
		notification = notificationShipped
	}
	s.notify(ctx, notification, order, previous, cmd.ActorID, nil)
	return order, nil
}

func (s *orderService) Deliver(ctx context.Context, orderID string) (Order, error) {
	return s.deliver(ctx, orderID, "")
}

func (s *orderService) deliver(ctx context.Context, orderID, actorID string) (Order, error) {
	order, _, err := s.mutate(ctx, orderID, func(order *Order) (bool, error) {
		switch order.Status {
		case domain.OrderStatusDelivered:
			return false, fmt.Errorf("%w: order %s is already delivered", ErrOrderAlreadyInState, order.ID)
		case domain.OrderStatusShipped:
		default:
			return false, fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, order.Status, domain.OrderStatusDelivered)
		}
		now := s.now()
		order.Status = domain.OrderStatusDelivered
		order.IsDelivered = true
		order.DeliveredAt = &now
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	s.notify(ctx, notificationDelivered, order, domain.OrderStatusShipped, actorID, nil)
	return order, nil
}

func (s *orderService) AttachTracking(ctx context.Context, cmd AttachTrackingCommand) (Order, error) {
	number := strings.TrimSpace(cmd.TrackingNumber)
	if number == "" {
		return Order{}, fmt.Errorf("%w: tracking number is required", ErrOrderInvalidInput)
	}
	carrier := strings.TrimSpace(cmd.Carrier)

	var previous OrderStatus
	order, changed, err := s.mutate(ctx, cmd.OrderID, func(order *Order) (bool, error) {
		switch order.Status {
		case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusShipped:
		default:
			return false, fmt.Errorf("%w: cannot attach tracking to a %s order", ErrOrderInvalidTransition, order.Status)
		}
		previous = order.Status
		if order.CarrierTrackingNumber == number && (carrier == "" || order.Carrier == carrier) {
			return false, nil
		}
		order.CarrierTrackingNumber = number
		if carrier != "" {
			order.Carrier = carrier
		}
		if order.Status == domain.OrderStatusProcessing {
			now := s.now()
			order.Status = domain.OrderStatusShipped
			order.ShippedAt = &now
		}
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed && previous == domain.OrderStatusProcessing {
		s.notify(ctx, notificationShipped, order, previous, cmd.ActorID, map[string]string{
			"trackingNumber": order.CarrierTrackingNumber,
		})
	}
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelCommand) (Order, error) {
	order, _, err := s.cancel(ctx, cmd)
	return order, err
}

// cancel moves the order to cancelled and returns its stock line by line. Each line is claimed
// on the order with a revision-guarded write before its credit is issued, so concurrent callers
// never credit the same line twice; a failed credit releases its claim. Cancelling an order whose
// lines are not all credited resumes the remaining lines. changed reports whether this call
// cancelled the order or credited at least one line.
func (s *orderService) cancel(ctx context.Context, cmd CancelCommand) (Order, bool, error) {
	reason := s.sanitizeText(cmd.Reason)

	var previous OrderStatus
	order, transitioned, err := s.mutate(ctx, cmd.OrderID, func(order *Order) (bool, error) {
		if !canAccess(*order, cmd.Actor) {
			return false, fmt.Errorf("%w: order %s", ErrOrderForbidden, order.ID)
		}
		if order.Status == domain.OrderStatusCancelled {
			return false, nil
		}
		if !cancellableStatuses[order.Status] {
			return false, fmt.Errorf("%w: %s orders cannot be cancelled", ErrOrderInvalidTransition, order.Status)
		}
		now := s.now()
		previous = order.Status
		order.Status = domain.OrderStatusCancelled
		order.CancelledAt = &now
		order.CancelReason = reason
		order.CreditedLines = nil
		order.StockCredited = len(order.Items) == 0
		return true, nil
	})
	if err != nil {
		return Order{}, false, err
	}
	if transitioned {
		metadata := map[string]string{}
		if reason != "" {
			metadata["reason"] = reason
		}
		s.notify(ctx, notificationCancelled, order, previous, cmd.Actor.UserID, metadata)
	} else if order.StockCredited {
		return order, false, nil
	}

	order, credited, failed := s.creditLines(ctx, order)
	changed := transitioned || credited > 0
	if failed > 0 {
		return order, changed, fmt.Errorf("%w: %d of %d items not credited", ErrOrderStockCreditFailed, failed, len(order.Items))
	}
	return order, changed, nil
}

// creditLines credits every line of a cancelled order not yet claimed. It returns the latest
// stored order with the number of lines this call credited and the number that failed.
func (s *orderService) creditLines(ctx context.Context, order Order) (Order, int, int) {
	credited, failed := 0, 0
	for idx, item := range order.Items {
		if slices.Contains(order.CreditedLines, idx) {
			continue
		}
		claimed, won, err := s.mutate(ctx, order.ID, func(o *Order) (bool, error) {
			if slices.Contains(o.CreditedLines, idx) {
				return false, nil
			}
			o.CreditedLines = append(slices.Clone(o.CreditedLines), idx)
			o.StockCredited = allLinesCredited(*o)
			return true, nil
		})
		if err != nil {
			failed++
			s.logger(ctx, "order.cancel.stock.claim.failed", map[string]any{
				"orderId":   order.ID,
				"productId": item.ProductID,
				"line":      idx,
				"error":     err.Error(),
			})
			continue
		}
		order = claimed
		if !won {
			continue
		}

		err = s.stock.Credit(ctx, item.ProductID, item.Quantity)
		switch {
		case err == nil:
			credited++
		case errors.Is(err, repositories.ErrStockProductNotFound):
			s.logger(ctx, "order.cancel.stock.skipped", map[string]any{
				"orderId":   order.ID,
				"productId": item.ProductID,
				"quantity":  item.Quantity,
			})
		default:
			failed++
			s.logger(ctx, "order.cancel.stock.credit.failed", map[string]any{
				"orderId":   order.ID,
				"productId": item.ProductID,
				"quantity":  item.Quantity,
				"error":     err.Error(),
			})
			order = s.releaseLine(ctx, order, idx)
		}
	}
	return order, credited, failed
}

// releaseLine drops the claim on a line whose credit failed so a later cancel retries it.
func (s *orderService) releaseLine(ctx context.Context, order Order, idx int) Order {
	released, _, err := s.mutate(ctx, order.ID, func(o *Order) (bool, error) {
		pos := slices.Index(o.CreditedLines, idx)
		if pos < 0 {
			return false, nil
		}
		o.CreditedLines = slices.Delete(slices.Clone(o.CreditedLines), pos, pos+1)
		o.StockCredited = false
		return true, nil
	})
	if err != nil {
		s.logger(ctx, "order.cancel.stock.release.failed", map[string]any{
			"orderId": order.ID,
			"line":    idx,
			"error":   err.Error(),
		})
		return order
	}
	return released
}

func allLinesCredited(order Order) bool {
	for idx := range order.Items {
		if !slices.Contains(order.CreditedLines, idx) {
			return false
		}
	}
	return true
}

func (s *orderService) BulkUpdateStatus(ctx context.Context, cmd BulkStatusCommand) ([]BulkStatusResult, error) {
	if len(cmd.OrderIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one order id is required", ErrOrderInvalidInput)
	}
	if len(cmd.OrderIDs) > maxBulkOrders {
		return nil, fmt.Errorf("%w: at most %d orders per request", ErrOrderInvalidInput, maxBulkOrders)
	}
	if strings.TrimSpace(string(cmd.Target)) == "" {
		return nil, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	seen := make(map[string]struct{}, len(cmd.OrderIDs))
	results := make([]BulkStatusResult, 0, len(cmd.OrderIDs))
	for _, raw := range cmd.OrderIDs {
		id := strings.TrimSpace(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		order, err := s.Advance(ctx, AdvanceCommand{OrderID: id, Target: cmd.Target, ActorID: cmd.ActorID})
		results = append(results, BulkStatusResult{OrderID: id, Order: order, Err: err})
		if err != nil {
			s.logger(ctx, "order.bulk.item.failed", map[string]any{
				"orderId": id,
				"target":  string(cmd.Target),
				"error":   err.Error(),
			})
		}
	}
	return results, nil
}

func (s *orderService) SetPaymentStatus(ctx context.Context, cmd ManualPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if cmd.Paid {
		receiptID := strings.TrimSpace(cmd.ReceiptID)
		if receiptID == "" {
			receiptID = manualGateway + ":" + orderID
		}
		result, err := s.MarkPaid(ctx, MarkPaidCommand{
			OrderID: orderID,
			Receipt: PaymentReceipt{ReceiptID: receiptID, Gateway: manualGateway, Status: "succeeded"},
			ActorID: cmd.ActorID,
		})
		if err != nil {
			return Order{}, err
		}
		s.logManualPayment(ctx, result.Order, cmd)
		return result.Order, nil
	}

	order, changed, err := s.mutate(ctx, orderID, func(order *Order) (bool, error) {
		if !order.IsPaid {
			return false, nil
		}
		manualMethod := order.PaymentMethod == domain.PaymentMethodCashOnDelivery || order.PaymentMethod == domain.PaymentMethodBankTransfer
		if !manualMethod || order.PaymentResult == nil || order.PaymentResult.Gateway != manualGateway {
			return false, fmt.Errorf("%w: gateway settled payments cannot be cleared", ErrOrderInvalidTransition)
		}
		order.IsPaid = false
		order.PaidAt = nil
		order.PaymentResult = nil
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		s.logManualPayment(ctx, order, cmd)
	}
	return order, nil
}

func (s *orderService) logManualPayment(ctx context.Context, order Order, cmd ManualPaymentCommand) {
	s.logger(ctx, "order.payment.manual", map[string]any{
		"orderId": order.ID,
		"paid":    cmd.Paid,
		"actorId": cmd.ActorID,
		"note":    s.sanitizeText(cmd.Note),
	})
}

func (s *orderService) ChangeShippingOption(ctx context.Context, cmd ChangeShippingOptionCommand) (Order, error) {
	if !domain.ValidShippingOption(cmd.Option) {
		return Order{}, fmt.Errorf("%w: unrecognised shipping option %q", ErrOrderInvalidInput, cmd.Option)
	}
	order, _, err := s.mutate(ctx, cmd.OrderID, func(order *Order) (bool, error) {
		if !canAccess(*order, cmd.Actor) {
			return false, fmt.Errorf("%w: order %s", ErrOrderForbidden, order.ID)
		}
		if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusProcessing {
			return false, fmt.Errorf("%w: shipping option is fixed once %s", ErrOrderInvalidTransition, order.Status)
		}
		if order.ShippingOption == cmd.Option {
			return false, nil
		}
		order.ShippingOption = cmd.Option
		order.EstimatedDeliveryDate = domain.EstimateDelivery(order.CreatedAt, cmd.Option)
		return true, nil
	})
	return order, err
}

// mutate applies fn to a freshly read order and writes it back guarded by the revision it was
// read at, re-reading on conflict up to the configured attempts.
func (s *orderService) mutate(ctx context.Context, orderID string, fn func(*Order) (bool, error)) (Order, bool, error) {
	for attempt := 1; ; attempt++ {
		order, err := s.load(ctx, orderID)
		if err != nil {
			return Order{}, false, err
		}
		changed, err := fn(&order)
		if err != nil {
			return Order{}, false, err
		}
		if !changed {
			return order, false, nil
		}
		order.UpdatedAt = s.now()

		updated, err := s.orders.Update(ctx, order)
		if err == nil {
			return updated, true, nil
		}
		if !isRepositoryConflict(err) {
			return Order{}, false, s.mapRepositoryError(err)
		}
		if attempt >= s.attempts {
			return Order{}, false, fmt.Errorf("%w: order %s changed concurrently %d times", ErrOrderConflict, order.ID, attempt)
		}
		s.logger(ctx, "order.update.retry", map[string]any{
			"orderId": order.ID,
			"attempt": attempt,
		})
	}
}

func (s *orderService) load(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func mapPricingError(err error) error {
	switch {
	case errors.Is(err, ErrPricingUnavailable):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	case errors.Is(err, ErrPricingInvalidInput), errors.Is(err, ErrPromotionNotRedeemable):
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	default:
		return err
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}

	return err
}

func (s *orderService) notify(ctx context.Context, kind string, order Order, previous OrderStatus, actorID string, metadata map[string]string) {
	if s.notifier == nil {
		return
	}
	notification := OrderNotification{
		Type:           kind,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		TrackingCode:   order.TrackingCode,
		Status:         string(order.Status),
		PreviousStatus: string(previous),
		UserID:         order.UserID,
		ActorID:        strings.TrimSpace(actorID),
		OccurredAt:     s.now(),
		Metadata:       metadata,
	}
	if order.GuestContact != nil {
		notification.GuestEmail = order.GuestContact.Email
		notification.GuestPhone = order.GuestContact.Phone
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.PublishOrderNotification(publishCtx, notification); err != nil {
		s.logger(ctx, "order.notification.publish.failed", map[string]any{
			"type":    kind,
			"orderId": order.ID,
			"status":  string(order.Status),
			"error":   err.Error(),
		})
	}
}

func (s *orderService) sanitizeText(value string) string {
	cleaned := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
	if len(cleaned) > maxFreeTextLength {
		cleaned = strings.ToValidUTF8(cleaned[:maxFreeTextLength], "")
	}
	return cleaned
}

func (s *orderService) sanitizeAddress(addr Address) Address {
	return Address{
		Recipient:  s.sanitizeText(addr.Recipient),
		Line1:      s.sanitizeText(addr.Line1),
		Line2:      s.sanitizeText(addr.Line2),
		City:       s.sanitizeText(addr.City),
		State:      s.sanitizeText(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		Phone:      strings.TrimSpace(addr.Phone),
	}
}

func (s *orderService) now() time.Time {
	return s.clock()
}

// canAccess reports whether actor may read or change the order as its purchaser or as staff.
func canAccess(order Order, actor Actor) bool {
	switch {
	case actor.Operator:
		return true
	case actor.UserID != "" && order.UserID != "":
		return actor.UserID == order.UserID
	case actor.GuestOrderID != "" && order.IsGuest():
		return actor.GuestOrderID == order.ID
	default:
		return false
	}
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func guestEmail(order Order) string {
	if order.GuestContact == nil {
		return ""
	}
	return order.GuestContact.Email
}

var _ GuestTokens = (*auth.GuestTokenIssuer)(nil)
