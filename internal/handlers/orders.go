package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/i18n"
	"github.com/storefront/api/internal/platform/pagination"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

const sessionHeader = "X-Session-ID"

var errGuestTokenRequired = errors.New("guest token required")

// OrderHandlers exposes the order lifecycle endpoints to purchasers, guests and operators.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	guests      services.GuestAccessService
	payments    services.PaymentReconciler
	localizer   *i18n.Localizer
	idempotency func(http.Handler) http.Handler
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderGuestAccess enables guest token exchange and guest-authorised order access.
func WithOrderGuestAccess(svc services.GuestAccessService) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.guests = svc
	}
}

// WithOrderPaymentHistory exposes recorded gateway events to operators.
func WithOrderPaymentHistory(reconciler services.PaymentReconciler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.payments = reconciler
	}
}

// WithOrderLocalizer localises purchaser facing error messages.
func WithOrderLocalizer(l *i18n.Localizer) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.localizer = l
	}
}

// WithOrderIdempotency mounts mw on order creation and cancellation.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	optional := h.optionalAuth()
	operator := h.requireAuth(auth.RoleStaff, auth.RoleAdmin)
	idem := passthrough
	if h.idempotency != nil {
		idem = h.idempotency
	}

	r.With(optional, idem).Post("/", h.createOrder)
	r.With(h.requireAuth()).Get("/", h.listOrders)
	r.Get("/track/{trackingCode}", h.trackOrder)
	r.Post("/guest/verify", h.verifyGuest)
	r.With(operator).Put("/bulk-status-update", h.bulkUpdateStatus)

	r.With(optional).Get("/{orderID}", h.getOrder)
	r.With(optional, idem).Post("/{orderID}/cancel", h.cancelOrder)
	r.With(optional).Put("/{orderID}/shipping-option", h.changeShippingOption)
	r.With(operator).Put("/{orderID}/status", h.updateStatus)
	r.With(operator).Put("/{orderID}/payment", h.updatePayment)
	r.With(operator).Get("/{orderID}/payments", h.listPayments)
	r.With(operator).Put("/{orderID}/tracking", h.attachTracking)
}

func passthrough(next http.Handler) http.Handler { return next }

func (h *OrderHandlers) optionalAuth() func(http.Handler) http.Handler {
	if h.authn == nil {
		return passthrough
	}
	return h.authn.OptionalFirebaseAuth()
}

func (h *OrderHandlers) requireAuth(roles ...string) func(http.Handler) http.Handler {
	if h.authn == nil {
		return passthrough
	}
	return h.authn.RequireFirebaseAuth(roles...)
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type guestContactRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type createOrderRequest struct {
	Items           []createOrderItemRequest `json:"items"`
	ShippingAddress map[string]any           `json:"shipping_address"`
	ShippingOption  string                   `json:"shipping_option"`
	PaymentMethod   string                   `json:"payment_method"`
	PromotionCode   string                   `json:"promotion_code"`
	Notes           string                   `json:"notes"`
	SessionID       string                   `json:"session_id"`
	Guest           *guestContactRequest     `json:"guest"`
}

type createOrderResponse struct {
	OrderID             string `json:"order_id"`
	OrderNumber         string `json:"order_number"`
	TrackingCode        string `json:"tracking_code"`
	Status              string `json:"status"`
	Currency            string `json:"currency"`
	Total               int64  `json:"total"`
	EstimatedDelivery   string `json:"estimated_delivery_date,omitempty"`
	PaymentURL          string `json:"payment_url,omitempty"`
	GuestToken          string `json:"guest_token,omitempty"`
	GuestTokenExpiresAt string `json:"guest_token_expires_at,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	cmd := services.CreateOrderCommand{
		ShippingAddress: domain.AddressFromLegacy(req.ShippingAddress),
		ShippingOption:  domain.ShippingOption(strings.ToLower(strings.TrimSpace(req.ShippingOption))),
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		PromotionCode:   req.PromotionCode,
		Notes:           req.Notes,
		SessionID:       firstNonEmpty(req.SessionID, r.Header.Get(sessionHeader)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CreateOrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		cmd.UserID = identity.UID
	} else if req.Guest != nil {
		cmd.Guest = &services.GuestContact{Email: req.Guest.Email, Phone: req.Guest.Phone}
	}

	result, err := h.orders.Create(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	order := result.Order
	resp := createOrderResponse{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		TrackingCode:      order.TrackingCode,
		Status:            string(order.Status),
		Currency:          order.Currency,
		Total:             order.Totals.Total,
		EstimatedDelivery: formatDate(order.EstimatedDeliveryDate),
		PaymentURL:        result.PaymentURL,
		GuestToken:        result.GuestToken,
	}
	if !result.GuestTokenExpiresAt.IsZero() {
		resp.GuestTokenExpiresAt = formatTime(result.GuestTokenExpiresAt)
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	page, err := h.orders.ListForUser(ctx, identity.UID, services.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	actor, err := h.actorFor(r, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	order, err := h.orders.Get(ctx, orderID, actor)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}

	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	actor, err := h.actorFor(r, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelCommand{
		OrderID: orderID,
		Reason:  req.Reason,
		Actor:   actor,
	})
	if err != nil {
		if !errors.Is(err, services.ErrOrderStockCreditFailed) {
			h.writeOrderError(ctx, w, err)
			return
		}
		// The order is cancelled; repeating the cancellation credits the remaining items.
		requestctx.Logger(ctx).Warn("order cancelled with incomplete stock credit",
			zap.String("orderId", order.ID),
			zap.Error(err),
		)
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}
	identity, ok := h.operatorIdentity(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	order, err := h.orders.Advance(ctx, services.AdvanceCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Target:  parseOrderStatus(req.Status),
		ActorID: identity.UID,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type updatePaymentRequest struct {
	Paid      *bool  `json:"paid"`
	ReceiptID string `json:"receipt_id"`
	Note      string `json:"note"`
}

func (h *OrderHandlers) updatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}
	identity, ok := h.operatorIdentity(w, r)
	if !ok {
		return
	}

	var req updatePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}
	if req.Paid == nil {
		h.writeInvalid(ctx, w, "paid is required")
		return
	}

	order, err := h.orders.SetPaymentStatus(ctx, services.ManualPaymentCommand{
		OrderID:   strings.TrimSpace(chi.URLParam(r, "orderID")),
		Paid:      *req.Paid,
		ReceiptID: req.ReceiptID,
		Note:      req.Note,
		ActorID:   identity.UID,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		h.writeUnavailable(ctx, w)
		return
	}
	if _, ok := h.operatorIdentity(w, r); !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	events, err := h.payments.PaymentHistory(ctx, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildPaymentHistory(orderID, events))
}

type attachTrackingRequest struct {
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
}

func (h *OrderHandlers) attachTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}
	identity, ok := h.operatorIdentity(w, r)
	if !ok {
		return
	}

	var req attachTrackingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	order, err := h.orders.AttachTracking(ctx, services.AttachTrackingCommand{
		OrderID:        strings.TrimSpace(chi.URLParam(r, "orderID")),
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		ActorID:        identity.UID,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type changeShippingOptionRequest struct {
	ShippingOption string `json:"shipping_option"`
}

func (h *OrderHandlers) changeShippingOption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}

	var req changeShippingOptionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	actor, err := h.actorFor(r, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	order, err := h.orders.ChangeShippingOption(ctx, services.ChangeShippingOptionCommand{
		OrderID: orderID,
		Option:  domain.ShippingOption(strings.ToLower(strings.TrimSpace(req.ShippingOption))),
		Actor:   actor,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type trackingResponse struct {
	TrackingCode          string `json:"tracking_code"`
	OrderNumber           string `json:"order_number"`
	Status                string `json:"status"`
	PlacedAt              string `json:"placed_at"`
	EstimatedDeliveryDate string `json:"estimated_delivery_date,omitempty"`
	ShippedAt             string `json:"shipped_at,omitempty"`
	DeliveredAt           string `json:"delivered_at,omitempty"`
	Carrier               string `json:"carrier,omitempty"`
	CarrierTrackingNumber string `json:"carrier_tracking_number,omitempty"`
}

func (h *OrderHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}

	tracking, err := h.orders.TrackByCode(ctx, chi.URLParam(r, "trackingCode"))
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, trackingResponse{
		TrackingCode:          tracking.TrackingCode,
		OrderNumber:           tracking.OrderNumber,
		Status:                string(tracking.Status),
		PlacedAt:              formatTime(tracking.PlacedAt),
		EstimatedDeliveryDate: formatDate(tracking.EstimatedDeliveryDate),
		ShippedAt:             formatTimePtr(tracking.ShippedAt),
		DeliveredAt:           formatTimePtr(tracking.DeliveredAt),
		Carrier:               tracking.Carrier,
		CarrierTrackingNumber: tracking.CarrierTrackingNumber,
	})
}

type verifyGuestRequest struct {
	Email   string `json:"email"`
	OrderID string `json:"order_id"`
}

type verifyGuestResponse struct {
	Token     string `json:"token"`
	OrderID   string `json:"order_id"`
	ExpiresAt string `json:"expires_at"`
}

func (h *OrderHandlers) verifyGuest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.guests == nil {
		h.writeUnavailable(ctx, w)
		return
	}

	var req verifyGuestRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	token, err := h.guests.Exchange(ctx, services.GuestExchangeCommand{
		Email:    req.Email,
		OrderID:  req.OrderID,
		ClientIP: clientIP(r),
	})
	if errors.Is(err, services.ErrGuestAccessDenied) {
		httpx.WriteError(ctx, w, httpx.NewError("guest_verification_failed", h.message(ctx, i18n.KeyGuestVerifyFailed), http.StatusForbidden))
		return
	}
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, verifyGuestResponse{
		Token:     token.Token,
		OrderID:   token.OrderID,
		ExpiresAt: formatTime(token.ExpiresAt),
	})
}

type bulkStatusRequest struct {
	OrderIDs []string `json:"order_ids"`
	Status   string   `json:"status"`
}

type bulkStatusResultPayload struct {
	OrderID string `json:"order_id"`
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type bulkStatusResponse struct {
	Results   []bulkStatusResultPayload `json:"results"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
}

func (h *OrderHandlers) bulkUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		h.writeUnavailable(ctx, w)
		return
	}
	identity, ok := h.operatorIdentity(w, r)
	if !ok {
		return
	}

	var req bulkStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeInvalid(ctx, w, err.Error())
		return
	}

	results, err := h.orders.BulkUpdateStatus(ctx, services.BulkStatusCommand{
		OrderIDs: req.OrderIDs,
		Target:   parseOrderStatus(req.Status),
		ActorID:  identity.UID,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	resp := bulkStatusResponse{Results: make([]bulkStatusResultPayload, 0, len(results))}
	for _, result := range results {
		item := bulkStatusResultPayload{OrderID: result.OrderID}
		if result.Err != nil {
			mapped := h.mapOrderError(ctx, result.Err)
			item.Error = mapped.Code
			item.Message = mapped.Message
			resp.Failed++
		} else {
			item.Success = true
			item.Status = string(result.Order.Status)
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, item)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// actorFor resolves the caller: a signed-in identity, or a guest token scoped to orderID.
func (h *OrderHandlers) actorFor(r *http.Request, orderID string) (services.Actor, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		return services.Actor{UserID: identity.UID, Operator: identity.IsOperator()}, nil
	}
	token := auth.GuestTokenFromRequest(r)
	if token == "" || h.guests == nil {
		return services.Actor{}, errGuestTokenRequired
	}
	return h.guests.Authorize(r.Context(), token, orderID)
}

func (h *OrderHandlers) operatorIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	if !identity.IsOperator() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "staff or admin role required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	mapped := h.mapOrderError(ctx, err)
	if mapped.Status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
	}
	if errors.Is(err, services.ErrOrderNumberCollision) || errors.Is(err, payments.ErrGatewayTimeout) {
		w.Header().Set("Retry-After", "1")
	}
	httpx.WriteError(ctx, w, mapped)
}

func (h *OrderHandlers) mapOrderError(ctx context.Context, err error) httpx.Error {
	build := func(code, key string, status int) httpx.Error {
		return httpx.NewError(code, h.message(ctx, key), status)
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrGuestAccessInvalidInput):
		return build("invalid_request", i18n.KeyInvalidInput, http.StatusBadRequest).WithDetails(map[string]any{"reason": err.Error()})
	case errors.Is(err, services.ErrOrderNotFound):
		return build("order_not_found", i18n.KeyOrderNotFound, http.StatusNotFound)
	case errors.Is(err, errGuestTokenRequired):
		return build("guest_token_required", i18n.KeyGuestTokenRequired, http.StatusUnauthorized)
	case errors.Is(err, services.ErrOrderForbidden), errors.Is(err, services.ErrGuestAccessDenied):
		return build("forbidden", i18n.KeyForbidden, http.StatusForbidden)
	case errors.Is(err, services.ErrGuestAccessRateLimited):
		return build("too_many_attempts", i18n.KeyTooManyAttempts, http.StatusTooManyRequests)
	case errors.Is(err, services.ErrOrderInvalidTransition):
		return build("invalid_transition", i18n.KeyInvalidTransition, http.StatusConflict)
	case errors.Is(err, services.ErrOrderPaymentConflict):
		return build("payment_conflict", i18n.KeyPaymentConflict, http.StatusConflict)
	case errors.Is(err, services.ErrOrderAlreadyInState):
		return build("already_in_state", i18n.KeyAlreadyInState, http.StatusConflict)
	case errors.Is(err, services.ErrOrderNumberCollision):
		return build("order_number_collision", i18n.KeyNumberCollision, http.StatusConflict)
	case errors.Is(err, services.ErrOrderConflict):
		return build("order_conflict", i18n.KeyConflict, http.StatusConflict)
	case errors.Is(err, services.ErrOrderUnavailable):
		return build("unavailable", i18n.KeyUnavailable, http.StatusServiceUnavailable)
	case errors.Is(err, payments.ErrGatewayTimeout):
		return build("gateway_timeout", i18n.KeyUnavailable, http.StatusGatewayTimeout)
	case errors.Is(err, payments.ErrGatewayUnavailable), errors.Is(err, payments.ErrVerificationFailed):
		return build("gateway_unavailable", i18n.KeyUnavailable, http.StatusBadGateway)
	default:
		return build("internal_error", i18n.KeyInternalError, http.StatusInternalServerError)
	}
}

func (h *OrderHandlers) writeInvalid(ctx context.Context, w http.ResponseWriter, reason string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", h.message(ctx, i18n.KeyInvalidInput), http.StatusBadRequest).
		WithDetails(map[string]any{"reason": reason}))
}

func (h *OrderHandlers) writeUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", h.message(ctx, i18n.KeyUnavailable), http.StatusServiceUnavailable))
}

func (h *OrderHandlers) message(ctx context.Context, key string) string {
	if h.localizer == nil {
		return key
	}
	return h.localizer.MessageFor(ctx, key)
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func parseOrderStatus(raw string) services.OrderStatus {
	return services.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return formatTime(*ts)
}

func formatDate(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format("2006-01-02")
}
