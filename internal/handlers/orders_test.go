package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/i18n"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

type stubOrderService struct {
	createFn   func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error)
	getFn      func(context.Context, string, services.Actor) (services.Order, error)
	trackFn    func(context.Context, string) (services.OrderTracking, error)
	listFn     func(context.Context, string, services.Pagination) (domain.CursorPage[services.Order], error)
	advanceFn  func(context.Context, services.AdvanceCommand) (services.Order, error)
	trackingFn func(context.Context, services.AttachTrackingCommand) (services.Order, error)
	cancelFn   func(context.Context, services.CancelCommand) (services.Order, error)
	bulkFn     func(context.Context, services.BulkStatusCommand) ([]services.BulkStatusResult, error)
	paymentFn  func(context.Context, services.ManualPaymentCommand) (services.Order, error)
	shippingFn func(context.Context, services.ChangeShippingOptionCommand) (services.Order, error)

	cancelCalls int
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CreateOrderResult{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, actor services.Actor) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, actor)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetForGuest(context.Context, string, string) (services.Order, error) {
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) TrackByCode(ctx context.Context, code string) (services.OrderTracking, error) {
	if s.trackFn != nil {
		return s.trackFn(ctx, code)
	}
	return services.OrderTracking{}, errors.New("not implemented")
}

func (s *stubOrderService) ListForUser(ctx context.Context, userID string, page services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID, page)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) MarkPaid(context.Context, services.MarkPaidCommand) (services.MarkPaidResult, error) {
	return services.MarkPaidResult{}, errors.New("not implemented")
}

func (s *stubOrderService) Advance(ctx context.Context, cmd services.AdvanceCommand) (services.Order, error) {
	if s.advanceFn != nil {
		return s.advanceFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) AttachTracking(ctx context.Context, cmd services.AttachTrackingCommand) (services.Order, error) {
	if s.trackingFn != nil {
		return s.trackingFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelCommand) (services.Order, error) {
	s.cancelCalls++
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Deliver(context.Context, string) (services.Order, error) {
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) BulkUpdateStatus(ctx context.Context, cmd services.BulkStatusCommand) ([]services.BulkStatusResult, error) {
	if s.bulkFn != nil {
		return s.bulkFn(ctx, cmd)
	}
	return nil, errors.New("not implemented")
}

func (s *stubOrderService) SetPaymentStatus(ctx context.Context, cmd services.ManualPaymentCommand) (services.Order, error) {
	if s.paymentFn != nil {
		return s.paymentFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ChangeShippingOption(ctx context.Context, cmd services.ChangeShippingOptionCommand) (services.Order, error) {
	if s.shippingFn != nil {
		return s.shippingFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubGuestAccess struct {
	exchangeFn  func(context.Context, services.GuestExchangeCommand) (services.GuestAccessToken, error)
	authorizeFn func(context.Context, string, string) (services.Actor, error)
}

func (s *stubGuestAccess) Exchange(ctx context.Context, cmd services.GuestExchangeCommand) (services.GuestAccessToken, error) {
	if s.exchangeFn != nil {
		return s.exchangeFn(ctx, cmd)
	}
	return services.GuestAccessToken{}, errors.New("not implemented")
}

func (s *stubGuestAccess) Authorize(ctx context.Context, token, orderID string) (services.Actor, error) {
	if s.authorizeFn != nil {
		return s.authorizeFn(ctx, token, orderID)
	}
	return services.Actor{}, services.ErrGuestAccessDenied
}

var (
	_ services.OrderService       = (*stubOrderService)(nil)
	_ services.GuestAccessService = (*stubGuestAccess)(nil)
)

func newOrderRouter(h *OrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func withIdentity(req *http.Request, uid string, roles ...string) *http.Request {
	if len(roles) == 0 {
		roles = []string{auth.RoleUser}
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: roles}))
}

func sampleOrder(id string) services.Order {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return services.Order{
		ID:             id,
		OrderNumber:    "ORD-250601-ABC123",
		TrackingCode:   "TRK-ABCDEFGH",
		UserID:         "user-1",
		Status:         domain.OrderStatusPending,
		Currency:       "USD",
		Items:          []services.OrderLineItem{{ProductID: "prod-1", Name: "Mug", UnitPrice: 1500, Quantity: 2}},
		ShippingOption: domain.ShippingOptionStandard,
		PaymentMethod:  domain.PaymentMethodCashOnDelivery,
		Totals:         services.OrderTotals{Items: 3000, Shipping: 500, Total: 3500},
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v (%s)", err, rr.Body.String())
	}
	code, _ := body["error"].(string)
	return code
}

func TestOrderHandlersCreateGuestOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
			captured = cmd
			order := sampleOrder("ord_1")
			order.UserID = ""
			return services.CreateOrderResult{
				Order:               order,
				GuestToken:          "guest-token",
				GuestTokenExpiresAt: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	body := `{
		"items": [{"product_id": "prod-1", "quantity": 2}],
		"shipping_address": {"fullName": "Ada Guest", "address": "1 Main St", "city": "Springfield", "zip": "12345", "country": "us"},
		"payment_method": "cash_on_delivery",
		"guest": {"email": "ada@example.com", "phone": "+15550100"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", "sess-9")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Guest == nil || captured.Guest.Email != "ada@example.com" || captured.UserID != "" {
		t.Fatalf("expected guest command, got %+v", captured)
	}
	if captured.ShippingAddress.Recipient != "Ada Guest" || captured.ShippingAddress.PostalCode != "12345" || captured.ShippingAddress.Country != "US" {
		t.Fatalf("legacy address keys not mapped: %+v", captured.ShippingAddress)
	}
	if captured.SessionID != "sess-9" {
		t.Fatalf("expected session id from header, got %q", captured.SessionID)
	}
	if captured.PaymentMethod != domain.PaymentMethodCashOnDelivery || len(captured.Items) != 1 || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected command %+v", captured)
	}

	var resp createOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "ord_1" || resp.OrderNumber == "" || resp.TrackingCode == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.GuestToken != "guest-token" || resp.GuestTokenExpiresAt != "2025-06-02T10:00:00Z" {
		t.Fatalf("expected guest token in response, got %+v", resp)
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestOrderHandlersCreateSignedInIgnoresGuestContact(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
			captured = cmd
			return services.CreateOrderResult{Order: sampleOrder("ord_2"), PaymentURL: "https://pay.example.com/StartPay/A1"}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	body := `{"items":[{"product_id":"prod-1","quantity":1}],"shipping_address":{"recipient":"Bo"},"payment_method":"redirect_gateway","guest":{"email":"x@example.com"}}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if captured.UserID != "user-1" || captured.Guest != nil {
		t.Fatalf("expected user order without guest contact, got %+v", captured)
	}
	var resp createOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PaymentURL != "https://pay.example.com/StartPay/A1" {
		t.Fatalf("expected payment url, got %+v", resp)
	}
}

func TestOrderHandlersCreatePassesPromotionCode(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
			captured = cmd
			return services.CreateOrderResult{Order: sampleOrder("ord_3")}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	body := `{"items":[{"product_id":"prod-1","quantity":1}],"shipping_address":{"recipient":"Bo"},"payment_method":"cash_on_delivery","shipping_option":"express","promotion_code":"save200"}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PromotionCode != "save200" || captured.ShippingOption != domain.ShippingOptionExpress {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersCreateRejectsClientAmounts(t *testing.T) {
	called := false
	svc := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error) {
			called = true
			return services.CreateOrderResult{}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	for _, field := range []string{`"discount":5000`, `"tax":0`, `"shipping":0`} {
		body := `{"items":[{"product_id":"prod-1","quantity":1}],"shipping_address":{"recipient":"Bo"},"payment_method":"cash_on_delivery",` + field + `}`
		req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)), "user-1")
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", field, rr.Code)
		}
	}
	if called {
		t.Fatalf("service must not see requests carrying client amounts")
	}
}

func TestOrderHandlersCreateRejectsMalformedBody(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"items": "nope"}`))
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %s", code)
	}
}

func TestOrderHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: bad", services.ErrOrderInvalidInput), http.StatusBadRequest, "invalid_request"},
		{services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{services.ErrOrderForbidden, http.StatusForbidden, "forbidden"},
		{services.ErrOrderInvalidTransition, http.StatusConflict, "invalid_transition"},
		{services.ErrOrderPaymentConflict, http.StatusConflict, "payment_conflict"},
		{services.ErrOrderAlreadyInState, http.StatusConflict, "already_in_state"},
		{services.ErrOrderNumberCollision, http.StatusConflict, "order_number_collision"},
		{services.ErrOrderConflict, http.StatusConflict, "order_conflict"},
		{services.ErrOrderUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := &stubOrderService{
				getFn: func(context.Context, string, services.Actor) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			router := newOrderRouter(NewOrderHandlers(nil, svc))
			req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil), "user-1")
			rr := httptest.NewRecorder()

			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if code := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestOrderHandlersLocalisesMessages(t *testing.T) {
	loc, err := i18n.NewLocalizer()
	if err != nil {
		t.Fatalf("new localizer: %v", err)
	}
	svc := &stubOrderService{
		getFn: func(context.Context, string, services.Actor) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	}
	r := chi.NewRouter()
	r.Use(loc.Middleware())
	r.Route("/orders", NewOrderHandlers(nil, svc, WithOrderLocalizer(loc)).Routes)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil), "user-1")
	req.Header.Set("Accept-Language", "ja-JP,ja;q=0.9")
	rr := httptest.NewRecorder()

	r.ServeHTTP(rr, req)

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := loc.MessageFor(requestctx.WithLocale(context.Background(), "ja"), i18n.KeyOrderNotFound)
	if body["message"] != want {
		t.Fatalf("expected japanese message %q, got %v", want, body["message"])
	}
}

func TestOrderHandlersGetRequiresIdentityOrGuestToken(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(context.Context, string, services.Actor) (services.Order, error) {
			t.Fatalf("service must not be reached")
			return services.Order{}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc, WithOrderGuestAccess(&stubGuestAccess{})))

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "guest_token_required" {
		t.Fatalf("expected guest_token_required, got %s", code)
	}
}

func TestOrderHandlersGetWithGuestToken(t *testing.T) {
	var gotToken, gotOrder string
	guests := &stubGuestAccess{
		authorizeFn: func(_ context.Context, token, orderID string) (services.Actor, error) {
			gotToken, gotOrder = token, orderID
			return services.Actor{GuestOrderID: orderID}, nil
		},
	}
	var actor services.Actor
	svc := &stubOrderService{
		getFn: func(_ context.Context, id string, a services.Actor) (services.Order, error) {
			actor = a
			order := sampleOrder(id)
			order.UserID = ""
			order.GuestContact = &services.GuestContact{Email: "ada@example.com"}
			return order, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc, WithOrderGuestAccess(guests)))

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_7", nil)
	req.Header.Set("Authorization", "Guest tok-123")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotToken != "tok-123" || gotOrder != "ord_7" {
		t.Fatalf("unexpected authorize call token=%q order=%q", gotToken, gotOrder)
	}
	if actor.GuestOrderID != "ord_7" || actor.UserID != "" {
		t.Fatalf("unexpected actor %+v", actor)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.Guest == nil || resp.Order.Guest.Email != "ada@example.com" {
		t.Fatalf("expected guest contact in payload, got %+v", resp.Order)
	}
	if len(resp.Order.Items) != 1 || resp.Order.Items[0].Subtotal != 3000 {
		t.Fatalf("unexpected items %+v", resp.Order.Items)
	}
}

func TestOrderHandlersGetRejectsGuestTokenForOtherOrder(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}, WithOrderGuestAccess(&stubGuestAccess{})))

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_b", nil)
	req.Header.Set("X-Guest-Token", "token-for-a")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestOrderHandlersGetPassesOperatorActor(t *testing.T) {
	var actor services.Actor
	svc := &stubOrderService{
		getFn: func(_ context.Context, id string, a services.Actor) (services.Order, error) {
			actor = a
			return sampleOrder(id), nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !actor.Operator || actor.UserID != "staff-1" {
		t.Fatalf("expected operator actor, got %+v", actor)
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	var gotUser string
	var gotPage services.Pagination
	svc := &stubOrderService{
		listFn: func(_ context.Context, userID string, page services.Pagination) (domain.CursorPage[services.Order], error) {
			gotUser, gotPage = userID, page
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder("ord_1"), sampleOrder("ord_2")},
				NextPageToken: "next",
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders?page_size=500", nil), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotUser != "user-1" || gotPage.PageSize != 100 {
		t.Fatalf("unexpected list call user=%q page=%+v", gotUser, gotPage)
	}
	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 2 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected list response %+v", resp)
	}
}

func TestOrderHandlersListRejectsBadPageToken(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders?page_token=!!!", nil), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersUpdateStatusRequiresOperator(t *testing.T) {
	svc := &stubOrderService{
		advanceFn: func(context.Context, services.AdvanceCommand) (services.Order, error) {
			t.Fatalf("service must not be reached")
			return services.Order{}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/orders/ord_1/status", strings.NewReader(`{"status":"processing"}`)), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestOrderHandlersUpdateStatus(t *testing.T) {
	var captured services.AdvanceCommand
	svc := &stubOrderService{
		advanceFn: func(_ context.Context, cmd services.AdvanceCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID)
			order.Status = cmd.Target
			return order, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/orders/ord_1/status", strings.NewReader(`{"status":" Processing "}`)), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Target != domain.OrderStatusProcessing || captured.ActorID != "admin-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersCancel(t *testing.T) {
	var captured services.CancelCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID)
			order.Status = domain.OrderStatusCancelled
			order.CancelReason = cmd.Reason
			return order, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", strings.NewReader(`{"reason":"changed my mind"}`)), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Reason != "changed my mind" || captured.Actor.UserID != "user-1" || captured.Actor.Operator {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersCancelWithoutBody(t *testing.T) {
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelCommand) (services.Order, error) {
			return sampleOrder(cmd.OrderID), nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", nil), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersCancelReportsOrderWhenStockCreditIncomplete(t *testing.T) {
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelCommand) (services.Order, error) {
			order := sampleOrder(cmd.OrderID)
			order.Status = domain.OrderStatusCancelled
			return order, fmt.Errorf("%w: 1 of 1 items not credited", services.ErrOrderStockCreditFailed)
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", nil), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.Status != string(domain.OrderStatusCancelled) {
		t.Fatalf("expected cancelled order, got %s", resp.Order.Status)
	}
}

func TestOrderHandlersCancelReplaysIdempotentRequest(t *testing.T) {
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelCommand) (services.Order, error) {
			order := sampleOrder(cmd.OrderID)
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	store := idempotency.NewMemoryStore()
	router := newOrderRouter(NewOrderHandlers(nil, svc, WithOrderIdempotency(idempotency.Middleware(store))))

	send := func() *httptest.ResponseRecorder {
		req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", strings.NewReader(`{"reason":"dup"}`)), "user-1")
		req.Header.Set("Idempotency-Key", "cancel-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	second := send()

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200 twice, got %d and %d", first.Code, second.Code)
	}
	if svc.cancelCalls != 1 {
		t.Fatalf("expected a single cancel call, got %d", svc.cancelCalls)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("expected replayed body")
	}
}

func TestOrderHandlersUpdatePayment(t *testing.T) {
	var captured services.ManualPaymentCommand
	svc := &stubOrderService{
		paymentFn: func(_ context.Context, cmd services.ManualPaymentCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID)
			order.IsPaid = cmd.Paid
			return order, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/orders/ord_1/payment", strings.NewReader(`{"paid":true,"receipt_id":"BANK-77","note":"wire received"}`)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !captured.Paid || captured.ReceiptID != "BANK-77" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	req = withIdentity(httptest.NewRequest(http.MethodPut, "/orders/ord_1/payment", strings.NewReader(`{"note":"missing flag"}`)), "staff-1", auth.RoleStaff)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without paid flag, got %d", rr.Code)
	}
}

func TestOrderHandlersAttachTracking(t *testing.T) {
	var captured services.AttachTrackingCommand
	svc := &stubOrderService{
		trackingFn: func(_ context.Context, cmd services.AttachTrackingCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID)
			order.Status = domain.OrderStatusShipped
			order.Carrier = cmd.Carrier
			order.CarrierTrackingNumber = cmd.TrackingNumber
			return order, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/orders/ord_1/tracking", strings.NewReader(`{"tracking_number":"1Z999","carrier":"UPS"}`)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.TrackingNumber != "1Z999" || captured.Carrier != "UPS" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.Fulfillment.CarrierTrackingNumber != "1Z999" || resp.Order.Status != "shipped" {
		t.Fatalf("unexpected payload %+v", resp.Order)
	}
}

func TestOrderHandlersChangeShippingOption(t *testing.T) {
	var captured services.ChangeShippingOptionCommand
	svc := &stubOrderService{
		shippingFn: func(_ context.Context, cmd services.ChangeShippingOptionCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.OrderID), nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/orders/ord_1/shipping-option", strings.NewReader(`{"shipping_option":"EXPRESS"}`)), "user-1")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Option != domain.ShippingOptionExpress || captured.Actor.UserID != "user-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersTrackIsPublic(t *testing.T) {
	shipped := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	svc := &stubOrderService{
		trackFn: func(_ context.Context, code string) (services.OrderTracking, error) {
			if code != "TRK-ABCDEFGH" {
				return services.OrderTracking{}, services.ErrOrderNotFound
			}
			return services.OrderTracking{
				TrackingCode:          code,
				OrderNumber:           "ORD-250601-ABC123",
				Status:                domain.OrderStatusShipped,
				PlacedAt:              time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
				EstimatedDeliveryDate: time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC),
				ShippedAt:             &shipped,
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := httptest.NewRequest(http.MethodGet, "/orders/track/TRK-ABCDEFGH", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "shipped" || resp["estimated_delivery_date"] != "2025-06-06" || resp["shipped_at"] != "2025-06-03T09:00:00Z" {
		t.Fatalf("unexpected tracking payload %v", resp)
	}
	for _, private := range []string{"items", "shipping_address", "guest", "user_id"} {
		if _, ok := resp[private]; ok {
			t.Fatalf("tracking payload must not expose %s", private)
		}
	}
}

func TestOrderHandlersVerifyGuest(t *testing.T) {
	expires := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	var captured services.GuestExchangeCommand
	guests := &stubGuestAccess{
		exchangeFn: func(_ context.Context, cmd services.GuestExchangeCommand) (services.GuestAccessToken, error) {
			captured = cmd
			switch cmd.Email {
			case "ada@example.com":
				return services.GuestAccessToken{Token: "tok", OrderID: cmd.OrderID, ExpiresAt: expires}, nil
			case "slow@example.com":
				return services.GuestAccessToken{}, services.ErrGuestAccessRateLimited
			default:
				return services.GuestAccessToken{}, services.ErrGuestAccessDenied
			}
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}, WithOrderGuestAccess(guests)))

	send := func(email string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders/guest/verify", strings.NewReader(`{"email":"`+email+`","order_id":"ord_1"}`))
		req.RemoteAddr = "203.0.113.9:52100"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := send("ada@example.com")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ClientIP != "203.0.113.9" || captured.OrderID != "ord_1" {
		t.Fatalf("unexpected exchange command %+v", captured)
	}
	var resp verifyGuestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token != "tok" || resp.ExpiresAt != "2025-06-02T10:00:00Z" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rr = send("other@example.com")
	if rr.Code != http.StatusForbidden || decodeErrorCode(t, rr) != "guest_verification_failed" {
		t.Fatalf("expected guest_verification_failed 403, got %d %s", rr.Code, rr.Body.String())
	}

	rr = send("slow@example.com")
	if rr.Code != http.StatusTooManyRequests || decodeErrorCode(t, rr) != "too_many_attempts" {
		t.Fatalf("expected 429, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersBulkStatusUpdate(t *testing.T) {
	svc := &stubOrderService{
		bulkFn: func(_ context.Context, cmd services.BulkStatusCommand) ([]services.BulkStatusResult, error) {
			if cmd.Target != domain.OrderStatusProcessing || len(cmd.OrderIDs) != 2 {
				t.Fatalf("unexpected command %+v", cmd)
			}
			ok := sampleOrder("ord_1")
			ok.Status = domain.OrderStatusProcessing
			return []services.BulkStatusResult{
				{OrderID: "ord_1", Order: ok},
				{OrderID: "ord_2", Err: fmt.Errorf("%w: cancelled", services.ErrOrderInvalidTransition)},
			}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/orders/bulk-status-update", strings.NewReader(`{"order_ids":["ord_1","ord_2"],"status":"processing"}`)), "staff-1", auth.RoleStaff)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp bulkStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Succeeded != 1 || resp.Failed != 1 || len(resp.Results) != 2 {
		t.Fatalf("unexpected bulk response %+v", resp)
	}
	if resp.Results[1].Error != "invalid_transition" || resp.Results[0].Status != "processing" {
		t.Fatalf("unexpected per-order results %+v", resp.Results)
	}
}

func TestOrderHandlersListPayments(t *testing.T) {
	received := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	var requested string
	reconciler := &stubReconciler{
		historyFn: func(_ context.Context, orderID string) ([]services.PaymentEvent, error) {
			requested = orderID
			if orderID != "ord_1" {
				return nil, services.ErrOrderNotFound
			}
			return []services.PaymentEvent{{
				ID:            "evt_1",
				OrderID:       "ord_1",
				Gateway:       payments.GatewayStripe,
				Kind:          domain.PaymentEventRejected,
				ReceiptID:     "pi_1",
				Amount:        4900,
				Currency:      "USD",
				FailureReason: "order cancelled",
				ReceivedAt:    received,
			}}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}, WithOrderPaymentHistory(reconciler)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ord_1/payments", nil), "user-1"))
	if rr.Code != http.StatusForbidden || requested != "" {
		t.Fatalf("expected purchasers to be refused, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ord_1/payments", nil), "staff-1", auth.RoleStaff))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp paymentHistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := paymentEventPayload{
		ID:            "evt_1",
		Gateway:       payments.GatewayStripe,
		Kind:          "rejected",
		ReceiptID:     "pi_1",
		Amount:        4900,
		Currency:      "USD",
		FailureReason: "order cancelled",
		ReceivedAt:    "2025-06-01T11:00:00Z",
	}
	if resp.OrderID != "ord_1" || len(resp.Events) != 1 || resp.Events[0] != want {
		t.Fatalf("unexpected payment history %+v", resp)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ord_404/payments", nil), "staff-1", auth.RoleStaff))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersListPaymentsWithoutReconciler(t *testing.T) {
	router := newOrderRouter(NewOrderHandlers(nil, &stubOrderService{}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ord_1/payments", nil), "staff-1", auth.RoleStaff))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
