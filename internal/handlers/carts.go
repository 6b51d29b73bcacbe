package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

// CartHandlers exposes the sign-in cart merge for authenticated users.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartMergeService
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartMergeService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /carts endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/merge", h.mergeCart)
}

type mergeCartRequest struct {
	SessionID string `json:"session_id"`
}

type cartItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type cartPayload struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Items      []cartItemPayload `json:"items"`
	TotalItems int               `json:"total_items"`
	TotalPrice int64             `json:"total_price"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type mergeCartResponse struct {
	Cart       cartPayload `json:"cart"`
	Merged     bool        `json:"merged"`
	MergeError string      `json:"merge_error,omitempty"`
}

// mergeCart folds the anonymous session cart into the caller's cart. A failed merge is
// reported in the body with 200 so the sign-in flow that triggered it carries on.
func (h *CartHandlers) mergeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req mergeCartRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	sessionID := firstNonEmpty(r.Header.Get(sessionHeader), req.SessionID)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return
	}

	result := h.carts.Merge(ctx, identity.UID, sessionID)
	resp := mergeCartResponse{
		Cart:   buildCartPayload(result.Cart),
		Merged: result.Merged,
	}
	if result.Err != nil {
		requestctx.Logger(ctx).Warn("cart merge failed",
			zap.String("userId", identity.UID),
			zap.Error(result.Err),
		)
		resp.MergeError = "cart_merge_failed"
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:         cart.ID,
		UserID:     cart.UserID,
		Items:      make([]cartItemPayload, 0, len(cart.Items)),
		TotalItems: cart.TotalItems,
		TotalPrice: cart.TotalPrice,
		UpdatedAt:  formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		payload.Items = append(payload.Items, cartItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return payload
}
