package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/identifiers"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/repositories"
)

const testGuestSecret = "0123456789abcdef0123456789abcdef"

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type orderFixture struct {
	orders   *memoryOrders
	stock    *stubStock
	notifier *captureNotifier
	logger   *captureLogger
	starter  *stubPaymentStarter
	tokens   *auth.GuestTokenIssuer
	promos   *stubPromotions
	svc      OrderService
}

func testPricingRules() PricingRules {
	return PricingRules{
		ShippingFees: map[domain.ShippingOption]int64{
			domain.ShippingOptionStandard: 500,
			domain.ShippingOptionExpress:  1500,
			domain.ShippingOptionSameDay:  2500,
		},
		TaxRateBasisPoints: 1000,
	}
}

func testPromotions() *stubPromotions {
	return &stubPromotions{promotions: map[string]domain.Promotion{
		"SAVE200": {Code: "SAVE200", Status: "active", Kind: domain.PromotionKindFixed, Value: 200, Currency: "USD"},
		"HALF":    {Code: "HALF", Status: "active", Kind: domain.PromotionKindPercent, Value: 5000},
		"HUGE":    {Code: "HUGE", Status: "active", Kind: domain.PromotionKindFixed, Value: 1_000_000},
	}}
}

func newOrderFixture(t *testing.T, seed ...domain.Order) *orderFixture {
	t.Helper()
	tokens, err := auth.NewGuestTokenIssuer(testGuestSecret)
	if err != nil {
		t.Fatalf("guest token issuer: %v", err)
	}
	f := &orderFixture{
		orders:   newMemoryOrders(seed...),
		stock:    &stubStock{},
		notifier: &captureNotifier{},
		logger:   &captureLogger{},
		starter:  &stubPaymentStarter{},
		tokens:   tokens,
		promos:   testPromotions(),
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:            f.orders,
		Stock:             f.stock,
		Notifier:          f.notifier,
		GuestTokens:       tokens,
		Payments:          f.starter,
		Pricer: NewOrderPricer(OrderPricerDeps{
			Rules:      testPricingRules(),
			Promotions: f.promos,
			Clock:      func() time.Time { return testNow },
		}),
		NumberPrefix:      "ORD",
		TrackingPrefix:    "TRK",
		Currency:          "usd",
		GatewayUnitFactor: 10,
		Clock:             func() time.Time { return testNow },
		IDGenerator:       func() string { return "01HZXTESTORDER" },
		Logger:            f.logger.log,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	f.svc = svc
	return f
}

func pendingOrder(id string) domain.Order {
	return domain.Order{
		ID:            id,
		OrderNumber:   "ORD-20250601-0001",
		UserID:        "user-1",
		Status:        domain.OrderStatusPending,
		Currency:      "USD",
		PaymentMethod: domain.PaymentMethodWebhookGateway,
		Items: []domain.OrderLineItem{
			{ProductID: "prod-a", Name: "Mug", UnitPrice: 1200, Quantity: 2},
			{ProductID: "prod-b", Name: "Tee", UnitPrice: 2500, Quantity: 1},
		},
		Totals:    domain.OrderTotals{Items: 4900, Total: 4900},
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
}

func validCreateCommand() CreateOrderCommand {
	return CreateOrderCommand{
		UserID: "user-1",
		Items: []CreateOrderItem{
			{ProductID: "prod-a", Name: "Mug", UnitPrice: 1200, Quantity: 2},
			{ProductID: "prod-b", Name: "Tee", UnitPrice: 2500, Quantity: 1},
		},
		ShippingAddress: domain.Address{Recipient: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "us"},
		PaymentMethod:   domain.PaymentMethodWebhookGateway,
		PromotionCode:   "save200",
	}
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{Stock: &stubStock{}}); err == nil {
		t.Fatalf("expected error without order repository")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: newMemoryOrders()}); err == nil {
		t.Fatalf("expected error without stock ledger")
	}
}

func TestOrderServiceCreateComputesTotalsWithoutTouchingStock(t *testing.T) {
	f := newOrderFixture(t)

	result, err := f.svc.Create(context.Background(), validCreateCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	order := result.Order

	want := domain.OrderTotals{Items: 4900, Tax: 470, Shipping: 500, Discount: 200, Total: 5670}
	if order.Totals != want {
		t.Fatalf("unexpected totals %+v", order.Totals)
	}
	if order.PromotionCode != "SAVE200" {
		t.Fatalf("expected normalised promotion code, got %q", order.PromotionCode)
	}
	if order.Status != domain.OrderStatusPending || order.IsPaid {
		t.Fatalf("expected unpaid pending order, got %s paid=%v", order.Status, order.IsPaid)
	}
	if order.Currency != "USD" {
		t.Fatalf("expected default currency USD, got %q", order.Currency)
	}
	if order.ShippingOption != domain.ShippingOptionStandard {
		t.Fatalf("expected standard shipping by default, got %q", order.ShippingOption)
	}
	if !order.EstimatedDeliveryDate.Equal(testNow.Add(5 * 24 * time.Hour)) {
		t.Fatalf("unexpected delivery estimate %s", order.EstimatedDeliveryDate)
	}
	if !identifiers.ValidOrderNumber(order.OrderNumber) || !strings.HasPrefix(order.OrderNumber, "ORD-20250601-") {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if !identifiers.TrackingCodeMatchesOrder(order.TrackingCode, order.ID) {
		t.Fatalf("tracking code %q does not match order %s", order.TrackingCode, order.ID)
	}
	if order.ShippingAddress.Country != "US" {
		t.Fatalf("expected normalised country, got %q", order.ShippingAddress.Country)
	}
	if len(f.stock.debits) != 0 || len(f.stock.creditCalls()) != 0 {
		t.Fatalf("order creation must not adjust stock")
	}
	if got := f.notifier.types(); len(got) != 1 || got[0] != notificationCreated {
		t.Fatalf("expected single created notification, got %v", got)
	}
	if result.GuestToken != "" {
		t.Fatalf("registered orders must not receive guest tokens")
	}
}

func TestOrderServiceCreatePricesFromCatalog(t *testing.T) {
	orders := newMemoryOrders()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders: orders,
		Stock:  &stubStock{},
		Catalog: &stubCatalog{products: map[string]domain.ProductSnapshot{
			"prod-a": {ID: "prod-a", Name: "Catalog Mug", UnitPrice: 1000},
			"prod-b": {ID: "prod-b", Name: "Catalog Tee", UnitPrice: 2500},
		}},
		Pricer: NewOrderPricer(OrderPricerDeps{Rules: testPricingRules(), Promotions: testPromotions()}),
		Clock:  func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	result, err := svc.Create(context.Background(), validCreateCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.Order.Items[0].Name != "Catalog Mug" || result.Order.Items[0].UnitPrice != 1000 {
		t.Fatalf("expected catalog snapshot, got %+v", result.Order.Items[0])
	}
	if result.Order.Totals.Items != 4500 {
		t.Fatalf("expected items subtotal 4500, got %d", result.Order.Totals.Items)
	}

	cmd := validCreateCommand()
	cmd.PromotionCode = ""
	cmd.Items[0].UnitPrice = 1
	cmd.Items[0].Name = "Cheap Mug"
	result, err = svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create with client prices: %v", err)
	}
	if result.Order.Items[0].UnitPrice != 1000 || result.Order.Items[0].Name != "Catalog Mug" {
		t.Fatalf("client supplied price must be ignored, got %+v", result.Order.Items[0])
	}

	for _, items := range [][]CreateOrderItem{
		{{ProductID: "ghost", Quantity: 1}},
		{{ProductID: "ghost", Name: "Named Ghost", UnitPrice: 1, Quantity: 1}},
	} {
		cmd := validCreateCommand()
		cmd.Items = items
		if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input for unknown product, got %v", err)
		}
	}
	if orders.inserts != 2 {
		t.Fatalf("unknown products must not be stored, got %d inserts", orders.inserts)
	}
}

func TestOrderServiceCreateGuestIssuesToken(t *testing.T) {
	f := newOrderFixture(t)
	cmd := validCreateCommand()
	cmd.UserID = ""
	cmd.Guest = &domain.GuestContact{Email: " Guest@Example.com ", Phone: "+15550100"}

	result, err := f.svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !result.Order.IsGuest() {
		t.Fatalf("expected guest order")
	}
	if result.Order.GuestContact.Email != "guest@example.com" {
		t.Fatalf("expected normalised guest email, got %q", result.Order.GuestContact.Email)
	}
	if result.GuestToken == "" {
		t.Fatalf("expected guest token")
	}
	grant, err := f.tokens.Verify(result.GuestToken, result.Order.ID)
	if err != nil {
		t.Fatalf("verify guest token: %v", err)
	}
	if grant.OrderID != result.Order.ID {
		t.Fatalf("token scoped to %q, want %q", grant.OrderID, result.Order.ID)
	}

	got, err := f.svc.GetForGuest(context.Background(), result.Order.ID, result.GuestToken)
	if err != nil {
		t.Fatalf("get for guest: %v", err)
	}
	if got.ID != result.Order.ID {
		t.Fatalf("unexpected order %q", got.ID)
	}
	if _, err := f.svc.GetForGuest(context.Background(), result.Order.ID, "garbage"); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden for bad token, got %v", err)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateOrderCommand)
	}{
		{name: "no items", mutate: func(c *CreateOrderCommand) { c.Items = nil }},
		{name: "zero quantity", mutate: func(c *CreateOrderCommand) { c.Items[0].Quantity = 0 }},
		{name: "negative price", mutate: func(c *CreateOrderCommand) { c.Items[0].UnitPrice = -1 }},
		{name: "missing address", mutate: func(c *CreateOrderCommand) { c.ShippingAddress = domain.Address{} }},
		{name: "unknown payment method", mutate: func(c *CreateOrderCommand) { c.PaymentMethod = "barter" }},
		{name: "unknown shipping option", mutate: func(c *CreateOrderCommand) { c.ShippingOption = "teleport" }},
		{name: "quantity over limit", mutate: func(c *CreateOrderCommand) { c.Items[0].Quantity = 100 }},
		{name: "quantity that would overflow", mutate: func(c *CreateOrderCommand) {
			c.Items[0].UnitPrice = 3
			c.Items[0].Quantity = 6148914691236517206
		}},
		{name: "unknown promotion", mutate: func(c *CreateOrderCommand) { c.PromotionCode = "NOPE" }},
		{name: "user and guest", mutate: func(c *CreateOrderCommand) { c.Guest = &domain.GuestContact{Email: "a@b.c"} }},
		{name: "no owner", mutate: func(c *CreateOrderCommand) { c.UserID = "" }},
		{name: "guest without email", mutate: func(c *CreateOrderCommand) {
			c.UserID = ""
			c.Guest = &domain.GuestContact{Phone: "+15550100"}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture(t)
			cmd := validCreateCommand()
			tc.mutate(&cmd)
			if _, err := f.svc.Create(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if f.orders.inserts != 0 {
				t.Fatalf("invalid orders must not be stored")
			}
		})
	}
}

func TestOrderServiceCreateRetriesTakenOrderNumbers(t *testing.T) {
	f := newOrderFixture(t)
	rejections := 2
	f.orders.insertHook = func(domain.Order) (bool, error) {
		if rejections > 0 {
			rejections--
			return true, &repositories.OrderError{Op: "insert", Code: repositories.OrderErrorNumberTaken}
		}
		return false, nil
	}

	if _, err := f.svc.Create(context.Background(), validCreateCommand()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.orders.inserts != 3 {
		t.Fatalf("expected 3 insert attempts, got %d", f.orders.inserts)
	}
	if !f.logger.has("order.number.collision") {
		t.Fatalf("expected collisions to be logged")
	}
}

func TestOrderServiceCreateGivesUpOnPersistentCollision(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.insertHook = func(domain.Order) (bool, error) {
		return true, &repositories.OrderError{Op: "insert", Code: repositories.OrderErrorNumberTaken}
	}

	_, err := f.svc.Create(context.Background(), validCreateCommand())
	if !errors.Is(err, ErrOrderNumberCollision) {
		t.Fatalf("expected number collision, got %v", err)
	}
	if len(f.notifier.types()) != 0 {
		t.Fatalf("failed creates must not notify")
	}
}

func TestOrderServiceCreateRedirectGatewayStartsPayment(t *testing.T) {
	f := newOrderFixture(t)
	cmd := validCreateCommand()
	cmd.PaymentMethod = domain.PaymentMethodRedirectGateway

	result, err := f.svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.PaymentURL == "" || result.Order.PaymentAuthority == "" {
		t.Fatalf("expected payment url and authority, got %q %q", result.PaymentURL, result.Order.PaymentAuthority)
	}
	if len(f.starter.calls) != 1 || f.starter.calls[0].Amount != 56700 {
		t.Fatalf("expected gateway amount 56700, got %+v", f.starter.calls)
	}
	if stored := f.orders.get(result.Order.ID); stored.PaymentAuthority != result.Order.PaymentAuthority {
		t.Fatalf("authority not persisted")
	}
}

func TestOrderServiceCreateRedirectGatewayFailureStoresNothing(t *testing.T) {
	f := newOrderFixture(t)
	f.starter.startFn = func(context.Context, payments.StartRequest) (payments.StartResult, error) {
		return payments.StartResult{}, payments.ErrGatewayUnavailable
	}
	cmd := validCreateCommand()
	cmd.PaymentMethod = domain.PaymentMethodRedirectGateway

	if _, err := f.svc.Create(context.Background(), cmd); !errors.Is(err, payments.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}
	if f.orders.inserts != 0 {
		t.Fatalf("expected no insert after gateway failure")
	}
}

func TestOrderServiceCreateSanitizesFreeText(t *testing.T) {
	f := newOrderFixture(t)
	cmd := validCreateCommand()
	cmd.Notes = `<b onclick="x()">Leave</b> at door, fish & chips`
	cmd.ShippingAddress.Line1 = `<a href="javascript:alert(1)">1 Main St</a>`

	result, err := f.svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.Order.Notes != "Leave at door, fish & chips" {
		t.Fatalf("unexpected notes %q", result.Order.Notes)
	}
	if result.Order.ShippingAddress.Line1 != "1 Main St" {
		t.Fatalf("unexpected address line %q", result.Order.ShippingAddress.Line1)
	}
}

func TestOrderServiceCancelCreditsStockOnce(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	ctx := context.Background()
	cmd := CancelCommand{OrderID: "ord_1", Reason: "changed mind", Actor: Actor{UserID: "user-1"}}

	order, err := f.svc.Cancel(ctx, cmd)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || !order.StockCredited || order.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", order)
	}
	if order.CancelReason != "changed mind" {
		t.Fatalf("expected reason propagated, got %q", order.CancelReason)
	}

	again, err := f.svc.Cancel(ctx, cmd)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order on repeat")
	}

	credits := f.stock.creditCalls()
	if len(credits) != 2 {
		t.Fatalf("expected one credit per line item, got %+v", credits)
	}
	if credits[0] != (stockCall{ProductID: "prod-a", Quantity: 2}) || credits[1] != (stockCall{ProductID: "prod-b", Quantity: 1}) {
		t.Fatalf("unexpected credits %+v", credits)
	}
	if f.notifier.count(notificationCancelled) != 1 {
		t.Fatalf("expected one cancellation notification, got %v", f.notifier.types())
	}
}

func TestOrderServiceConcurrentCancelCreditsOnce(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Cancel(context.Background(), CancelCommand{OrderID: "ord_1", Actor: Actor{Operator: true}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrOrderConflict) && !errors.Is(err, ErrOrderStockCreditFailed) {
			t.Fatalf("unexpected cancel error: %v", err)
		}
	}
	// Callers that gave up on contention leave lines for a later cancel to finish.
	if _, err := f.svc.Cancel(context.Background(), CancelCommand{OrderID: "ord_1", Actor: Actor{Operator: true}}); err != nil {
		t.Fatalf("final cancel: %v", err)
	}
	if got := len(f.stock.creditCalls()); got != 2 {
		t.Fatalf("expected stock credited exactly once per item, got %d credits", got)
	}
	if stored := f.orders.get("ord_1"); !stored.StockCredited {
		t.Fatalf("expected order marked as fully credited")
	}
	if f.notifier.count(notificationCancelled) != 1 {
		t.Fatalf("expected one cancellation notification, got %v", f.notifier.types())
	}
}

func TestOrderServiceCancelRules(t *testing.T) {
	shipped := pendingOrder("ord_shipped")
	shipped.Status = domain.OrderStatusShipped
	f := newOrderFixture(t, pendingOrder("ord_1"), shipped)
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, CancelCommand{OrderID: "ord_1", Actor: Actor{UserID: "someone-else"}}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden for foreign user, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, CancelCommand{OrderID: "ord_shipped", Actor: Actor{Operator: true}}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition for shipped order, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, CancelCommand{OrderID: "missing", Actor: Actor{Operator: true}}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(f.stock.creditCalls()) != 0 {
		t.Fatalf("rejected cancellations must not credit stock")
	}
}

func TestOrderServiceCancelReportsCreditFailures(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	f.stock.creditFn = func(_ context.Context, productID string, _ int) error {
		switch productID {
		case "prod-a":
			return repositories.NewStockError("credit", repositories.StockErrorProductNotFound, productID, nil)
		default:
			return errBoom
		}
	}

	order, err := f.svc.Cancel(context.Background(), CancelCommand{OrderID: "ord_1", Actor: Actor{Operator: true}})
	if !errors.Is(err, ErrOrderStockCreditFailed) {
		t.Fatalf("expected stock credit failure, got %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("order should stay cancelled despite credit failure")
	}
	if !f.logger.has("order.cancel.stock.skipped") || !f.logger.has("order.cancel.stock.credit.failed") {
		t.Fatalf("expected skipped and failed credits to be logged")
	}
}

func TestOrderServiceCancelResumesUncreditedLines(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	failures := 1
	f.stock.creditFn = func(_ context.Context, productID string, _ int) error {
		if productID == "prod-b" && failures > 0 {
			failures--
			return errBoom
		}
		return nil
	}
	ctx := context.Background()
	cmd := CancelCommand{OrderID: "ord_1", Actor: Actor{UserID: "user-1"}}

	order, err := f.svc.Cancel(ctx, cmd)
	if !errors.Is(err, ErrOrderStockCreditFailed) {
		t.Fatalf("expected incomplete credit, got %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.StockCredited {
		t.Fatalf("expected cancelled order awaiting credit, got status=%s credited=%v", order.Status, order.StockCredited)
	}
	if stored := f.orders.get("ord_1"); len(stored.CreditedLines) != 1 || stored.CreditedLines[0] != 0 {
		t.Fatalf("expected only the first line to stay claimed, got %v", stored.CreditedLines)
	}

	order, err = f.svc.Cancel(ctx, cmd)
	if err != nil {
		t.Fatalf("retry cancel: %v", err)
	}
	if !order.StockCredited {
		t.Fatalf("expected order fully credited after retry")
	}
	want := []stockCall{{ProductID: "prod-a", Quantity: 2}, {ProductID: "prod-b", Quantity: 1}}
	if got := f.stock.creditCalls(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected credits %+v", got)
	}

	if _, err := f.svc.Cancel(ctx, cmd); err != nil {
		t.Fatalf("third cancel: %v", err)
	}
	if got := len(f.stock.creditCalls()); got != 2 {
		t.Fatalf("fully credited orders must not be credited again, got %d credits", got)
	}
	if f.notifier.count(notificationCancelled) != 1 {
		t.Fatalf("expected one cancellation notification, got %v", f.notifier.types())
	}
}

func TestOrderServiceAdvanceCancelledReportsAlreadyInState(t *testing.T) {
	cancelled := pendingOrder("ord_1")
	cancelled.Status = domain.OrderStatusCancelled
	cancelled.CreditedLines = []int{0, 1}
	cancelled.StockCredited = true
	f := newOrderFixture(t, cancelled)

	_, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: "ord_1", Target: domain.OrderStatusCancelled})
	if !errors.Is(err, ErrOrderAlreadyInState) {
		t.Fatalf("expected already in state, got %v", err)
	}
	if len(f.stock.creditCalls()) != 0 {
		t.Fatalf("no credits expected")
	}
}

func TestOrderServiceMarkPaidIsIdempotentPerReceipt(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	ctx := context.Background()
	receipt := PaymentReceipt{ReceiptID: "pi_123", Gateway: "stripe", Amount: 4900}

	first, err := f.svc.MarkPaid(ctx, MarkPaidCommand{OrderID: "ord_1", Receipt: receipt})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !first.Changed || !first.Order.IsPaid || first.Order.PaidAt == nil {
		t.Fatalf("expected paid order, got %+v", first)
	}
	if first.Order.PaymentResult.ReceiptID != "pi_123" || first.Order.PaymentResult.Status != "succeeded" {
		t.Fatalf("unexpected payment result %+v", first.Order.PaymentResult)
	}

	second, err := f.svc.MarkPaid(ctx, MarkPaidCommand{OrderID: "ord_1", Receipt: receipt})
	if err != nil {
		t.Fatalf("repeat mark paid: %v", err)
	}
	if second.Changed {
		t.Fatalf("repeat settlement must not change the order")
	}
	if !second.Order.PaidAt.Equal(*first.Order.PaidAt) {
		t.Fatalf("paid timestamp moved on repeat")
	}

	_, err = f.svc.MarkPaid(ctx, MarkPaidCommand{OrderID: "ord_1", Receipt: PaymentReceipt{ReceiptID: "pi_other", Gateway: "stripe"}})
	if !errors.Is(err, ErrOrderPaymentConflict) {
		t.Fatalf("expected payment conflict, got %v", err)
	}
	if f.notifier.count(notificationPaid) != 1 {
		t.Fatalf("expected exactly one paid notification, got %v", f.notifier.types())
	}
}

func TestOrderServiceMarkPaidRejectsCancelledOrders(t *testing.T) {
	cancelled := pendingOrder("ord_1")
	cancelled.Status = domain.OrderStatusCancelled
	f := newOrderFixture(t, cancelled)

	_, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: "ord_1", Receipt: PaymentReceipt{ReceiptID: "pi_1"}})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input without receipt, got %v", err)
	}
}

func TestOrderServiceAdvanceTransitions(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	}
	allowed := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusPending, domain.OrderStatusProcessing}:   true,
		{domain.OrderStatusProcessing, domain.OrderStatusShipped}:   true,
		{domain.OrderStatusShipped, domain.OrderStatusDelivered}:    true,
		{domain.OrderStatusPending, domain.OrderStatusCancelled}:    true,
		{domain.OrderStatusProcessing, domain.OrderStatusCancelled}: true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				seed := pendingOrder("ord_1")
				seed.Status = from
				f := newOrderFixture(t, seed)

				order, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: "ord_1", Target: to, ActorID: "staff-1"})
				switch {
				case allowed[[2]domain.OrderStatus{from, to}]:
					if err != nil {
						t.Fatalf("expected transition allowed, got %v", err)
					}
					if order.Status != to {
						t.Fatalf("expected status %s, got %s", to, order.Status)
					}
				case from == to:
					if !errors.Is(err, ErrOrderAlreadyInState) {
						t.Fatalf("expected already in state, got %v", err)
					}
				default:
					if !errors.Is(err, ErrOrderInvalidTransition) {
						t.Fatalf("expected invalid transition, got %v", err)
					}
					if stored := f.orders.get("ord_1"); stored.Status != from {
						t.Fatalf("rejected transition changed status to %s", stored.Status)
					}
				}
			})
		}
	}
}

func TestOrderServiceAdvanceSideEffects(t *testing.T) {
	seed := pendingOrder("ord_1")
	seed.Status = domain.OrderStatusProcessing
	f := newOrderFixture(t, seed)
	ctx := context.Background()

	shipped, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: "ord_1", Target: domain.OrderStatusShipped})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.ShippedAt == nil {
		t.Fatalf("expected shippedAt")
	}
	delivered, err := f.svc.Deliver(ctx, "ord_1")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !delivered.IsDelivered || delivered.DeliveredAt == nil {
		t.Fatalf("expected delivered flags, got %+v", delivered)
	}
	if got := f.notifier.types(); len(got) != 2 || got[0] != notificationShipped || got[1] != notificationDelivered {
		t.Fatalf("unexpected notifications %v", got)
	}
	if _, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: "ord_1", Target: "lost"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
}

func TestOrderServiceAttachTrackingShipsProcessingOrders(t *testing.T) {
	seed := pendingOrder("ord_1")
	seed.Status = domain.OrderStatusProcessing
	f := newOrderFixture(t, seed)

	order, err := f.svc.AttachTracking(context.Background(), AttachTrackingCommand{OrderID: "ord_1", TrackingNumber: "1Z999", Carrier: "UPS"})
	if err != nil {
		t.Fatalf("attach tracking: %v", err)
	}
	if order.Status != domain.OrderStatusShipped || order.CarrierTrackingNumber != "1Z999" || order.Carrier != "UPS" {
		t.Fatalf("unexpected order %+v", order)
	}
	if _, err := f.svc.AttachTracking(context.Background(), AttachTrackingCommand{OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input without tracking number, got %v", err)
	}
}

func TestOrderServiceRetriesOnRevisionConflict(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	raced := false
	f.orders.updateHook = func(order domain.Order) (bool, error) {
		if !raced {
			raced = true
			return true, &repositoryErrorStub{conflict: true}
		}
		return false, nil
	}

	order, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: "ord_1", Target: domain.OrderStatusProcessing})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	if f.orders.updates != 2 {
		t.Fatalf("expected one retry, got %d updates", f.orders.updates)
	}
}

func TestOrderServiceGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	f.orders.updateHook = func(domain.Order) (bool, error) {
		return true, &repositoryErrorStub{conflict: true}
	}

	_, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: "ord_1", Target: domain.OrderStatusProcessing})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.orders.updates != defaultUpdateAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultUpdateAttempts, f.orders.updates)
	}
}

func TestOrderServiceMapsUnavailableRepository(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	f.orders.updateHook = func(domain.Order) (bool, error) {
		return true, &repositoryErrorStub{unavailable: true}
	}
	_, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: "ord_1", Target: domain.OrderStatusProcessing})
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestOrderServiceTrackByCode(t *testing.T) {
	seed := pendingOrder("ord_1")
	code, err := identifiers.NewTrackingCode("TRK", "ord_1", testNow, nil)
	if err != nil {
		t.Fatalf("tracking code: %v", err)
	}
	seed.TrackingCode = code
	other := pendingOrder("ord_2")
	forged, err := identifiers.NewTrackingCode("TRK", "ord_someone", testNow, nil)
	if err != nil {
		t.Fatalf("tracking code: %v", err)
	}
	other.TrackingCode = forged
	other.OrderNumber = "ORD-20250601-0002"
	f := newOrderFixture(t, seed, other)
	ctx := context.Background()

	tracking, err := f.svc.TrackByCode(ctx, code)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if tracking.OrderNumber != seed.OrderNumber || tracking.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected tracking view %+v", tracking)
	}
	if _, err := f.svc.TrackByCode(ctx, "not-a-code"); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for malformed code, got %v", err)
	}
	if _, err := f.svc.TrackByCode(ctx, forged); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for mismatched code, got %v", err)
	}
}

func TestOrderServiceTrackByCodeDatesImportedOrders(t *testing.T) {
	imported := pendingOrder("ord_1")
	imported.CreatedAt = time.Time{}
	imported.OrderNumber = "ORD-20240315-0042"
	code, err := identifiers.NewTrackingCode("TRK", "ord_1", time.Date(2024, 3, 16, 8, 0, 0, 0, time.UTC), nil)
	if err != nil {
		t.Fatalf("tracking code: %v", err)
	}
	imported.TrackingCode = code
	legacy := pendingOrder("ord_2")
	legacy.CreatedAt = time.Time{}
	legacy.OrderNumber = "legacy-42"
	legacyCode, err := identifiers.NewTrackingCode("TRK", "ord_2", time.Date(2023, 12, 1, 8, 0, 0, 0, time.UTC), nil)
	if err != nil {
		t.Fatalf("tracking code: %v", err)
	}
	legacy.TrackingCode = legacyCode
	f := newOrderFixture(t, imported, legacy)
	ctx := context.Background()

	tracking, err := f.svc.TrackByCode(ctx, code)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC); !tracking.PlacedAt.Equal(want) {
		t.Fatalf("expected placed date from order number, got %s", tracking.PlacedAt)
	}

	tracking, err = f.svc.TrackByCode(ctx, legacyCode)
	if err != nil {
		t.Fatalf("track legacy: %v", err)
	}
	if want := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC); !tracking.PlacedAt.Equal(want) {
		t.Fatalf("expected placed date from tracking code, got %s", tracking.PlacedAt)
	}
}

func TestOrderServiceGetEnforcesOwnership(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, "ord_1", Actor{UserID: "user-1"}); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := f.svc.Get(ctx, "ord_1", Actor{Operator: true}); err != nil {
		t.Fatalf("operator get: %v", err)
	}
	if _, err := f.svc.Get(ctx, "ord_1", Actor{UserID: "user-2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "ord_1", Actor{GuestOrderID: "ord_1"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("guest grant must not open registered orders, got %v", err)
	}
}

func TestOrderServiceBulkUpdateStatusReportsPerOrder(t *testing.T) {
	shipped := pendingOrder("ord_2")
	shipped.Status = domain.OrderStatusShipped
	shipped.OrderNumber = "ORD-20250601-0002"
	f := newOrderFixture(t, pendingOrder("ord_1"), shipped)

	results, err := f.svc.BulkUpdateStatus(context.Background(), BulkStatusCommand{
		OrderIDs: []string{"ord_1", "ord_2", "ord_1", "missing"},
		Target:   domain.OrderStatusProcessing,
		ActorID:  "staff-1",
	})
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected duplicates collapsed to 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected ord_1 processed, got %+v", results[0])
	}
	if !errors.Is(results[1].Err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition for shipped order, got %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", results[2].Err)
	}

	if _, err := f.svc.BulkUpdateStatus(context.Background(), BulkStatusCommand{Target: domain.OrderStatusShipped}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for empty id list, got %v", err)
	}
}

func TestOrderServiceSetPaymentStatus(t *testing.T) {
	cod := pendingOrder("ord_cod")
	cod.PaymentMethod = domain.PaymentMethodCashOnDelivery
	cod.OrderNumber = "ORD-20250601-0003"
	f := newOrderFixture(t, cod, pendingOrder("ord_card"))
	ctx := context.Background()

	paid, err := f.svc.SetPaymentStatus(ctx, ManualPaymentCommand{OrderID: "ord_cod", Paid: true, ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("set paid: %v", err)
	}
	if !paid.IsPaid || paid.PaymentResult.Gateway != manualGateway || paid.PaymentResult.ReceiptID != "manual:ord_cod" {
		t.Fatalf("unexpected manual settlement %+v", paid.PaymentResult)
	}

	cleared, err := f.svc.SetPaymentStatus(ctx, ManualPaymentCommand{OrderID: "ord_cod", Paid: false, ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("clear paid: %v", err)
	}
	if cleared.IsPaid || cleared.PaymentResult != nil {
		t.Fatalf("expected payment cleared, got %+v", cleared)
	}

	if _, err := f.svc.MarkPaid(ctx, MarkPaidCommand{OrderID: "ord_card", Receipt: PaymentReceipt{ReceiptID: "pi_1", Gateway: "stripe"}}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, err := f.svc.SetPaymentStatus(ctx, ManualPaymentCommand{OrderID: "ord_card", Paid: false}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected gateway settlement to be protected, got %v", err)
	}
	if !f.logger.has("order.payment.manual") {
		t.Fatalf("expected manual payment changes to be logged")
	}
}

func TestOrderServiceChangeShippingOption(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))

	order, err := f.svc.ChangeShippingOption(context.Background(), ChangeShippingOptionCommand{
		OrderID: "ord_1",
		Option:  domain.ShippingOptionExpress,
		Actor:   Actor{UserID: "user-1"},
	})
	if err != nil {
		t.Fatalf("change shipping: %v", err)
	}
	seed := pendingOrder("ord_1")
	if !order.EstimatedDeliveryDate.Equal(seed.CreatedAt.Add(48 * time.Hour)) {
		t.Fatalf("unexpected estimate %s", order.EstimatedDeliveryDate)
	}
	if _, err := f.svc.ChangeShippingOption(context.Background(), ChangeShippingOptionCommand{OrderID: "ord_1", Option: "rocket", Actor: Actor{Operator: true}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOrderServiceNotificationFailureDoesNotFailOperation(t *testing.T) {
	f := newOrderFixture(t, pendingOrder("ord_1"))
	f.notifier.err = errBoom

	if _, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: "ord_1", Target: domain.OrderStatusProcessing}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !f.logger.has("order.notification.publish.failed") {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestOrderServiceListForUserClampsPageSize(t *testing.T) {
	var captured repositories.OrderListFilter
	repo := &listCapture{memoryOrders: newMemoryOrders(pendingOrder("ord_1")), captured: &captured}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo, Stock: &stubStock{}})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	page, err := svc.ListForUser(context.Background(), "user-1", Pagination{PageSize: 1000})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if captured.Pagination.PageSize != maxPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxPageSize, captured.Pagination.PageSize)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one order, got %d", len(page.Items))
	}
	if _, err := svc.ListForUser(context.Background(), " ", Pagination{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type listCapture struct {
	*memoryOrders
	captured *repositories.OrderListFilter
}

func (l *listCapture) ListByUser(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	*l.captured = filter
	return l.memoryOrders.ListByUser(ctx, filter)
}
