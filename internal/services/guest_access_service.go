package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultGuestAttemptLimit  = 5
	defaultGuestAttemptWindow = 15 * time.Minute
	guestAttemptKeyPrefix     = "guest-verify:"
)

var (
	// ErrGuestAccessInvalidInput indicates the exchange request is missing required details.
	ErrGuestAccessInvalidInput = errors.New("guest access: invalid input")
	// ErrGuestAccessDenied indicates the details did not match a guest order or the token was rejected.
	ErrGuestAccessDenied = errors.New("guest access: denied")
	// ErrGuestAccessRateLimited indicates too many verification attempts within the window.
	ErrGuestAccessRateLimited = errors.New("guest access: too many attempts")
)

// GuestAccessServiceDeps wires the collaborators used to verify guest purchasers.
type GuestAccessServiceDeps struct {
	Orders        OrderService
	Tokens        GuestTokens
	Attempts      AttemptCounter
	AttemptLimit  int
	AttemptWindow time.Duration
	Logger        func(context.Context, string, map[string]any)
}

type guestAccessService struct {
	orders   OrderService
	tokens   GuestTokens
	attempts AttemptCounter
	limit    int64
	window   time.Duration
	logger   func(context.Context, string, map[string]any)
}

// NewGuestAccessService constructs the guest verification service.
func NewGuestAccessService(deps GuestAccessServiceDeps) (GuestAccessService, error) {
	if deps.Orders == nil {
		return nil, errors.New("guest access: order service is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("guest access: token issuer is required")
	}
	if deps.Attempts == nil {
		return nil, errors.New("guest access: attempt counter is required")
	}
	limit := deps.AttemptLimit
	if limit <= 0 {
		limit = defaultGuestAttemptLimit
	}
	window := deps.AttemptWindow
	if window <= 0 {
		window = defaultGuestAttemptWindow
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &guestAccessService{
		orders:   deps.Orders,
		tokens:   deps.Tokens,
		attempts: deps.Attempts,
		limit:    int64(limit),
		window:   window,
		logger:   logger,
	}, nil
}

// Exchange issues a guest token when email matches the contact recorded on a guest order.
// Unknown orders and mismatches are indistinguishable to the caller.
func (s *guestAccessService) Exchange(ctx context.Context, cmd GuestExchangeCommand) (GuestAccessToken, error) {
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" || !strings.Contains(email, "@") {
		return GuestAccessToken{}, fmt.Errorf("%w: email and order id are required", ErrGuestAccessInvalidInput)
	}

	key := guestAttemptKeyPrefix + email + "|" + strings.TrimSpace(cmd.ClientIP)
	count, err := s.attempts.Increment(ctx, key, s.window)
	if err != nil {
		s.logger(ctx, "guest.verify.counter.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	} else if count > s.limit {
		s.logger(ctx, "guest.verify.rate_limited", map[string]any{
			"orderId":  orderID,
			"attempts": count,
		})
		return GuestAccessToken{}, ErrGuestAccessRateLimited
	}

	order, err := s.orders.Get(ctx, orderID, Actor{Operator: true})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return GuestAccessToken{}, s.deny(ctx, orderID, "order_not_found")
		}
		return GuestAccessToken{}, err
	}
	if !order.IsGuest() {
		return GuestAccessToken{}, s.deny(ctx, orderID, "not_guest_order")
	}
	if !strings.EqualFold(strings.TrimSpace(order.GuestContact.Email), email) {
		return GuestAccessToken{}, s.deny(ctx, orderID, "email_mismatch")
	}

	token, expiresAt, err := s.tokens.Issue(order.ID, order.GuestContact.Email, order.GuestContact.Phone)
	if err != nil {
		return GuestAccessToken{}, fmt.Errorf("guest access: issue token: %w", err)
	}
	s.logger(ctx, "guest.verify.granted", map[string]any{
		"orderId": order.ID,
	})
	return GuestAccessToken{Token: token, OrderID: order.ID, ExpiresAt: expiresAt}, nil
}

// Authorize verifies a guest token for orderID and returns the actor it grants.
func (s *guestAccessService) Authorize(_ context.Context, token, orderID string) (Actor, error) {
	orderID = strings.TrimSpace(orderID)
	if strings.TrimSpace(token) == "" || orderID == "" {
		return Actor{}, fmt.Errorf("%w: guest token required", ErrGuestAccessDenied)
	}
	grant, err := s.tokens.Verify(token, orderID)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrGuestAccessDenied, err)
	}
	return Actor{GuestOrderID: grant.OrderID}, nil
}

func (s *guestAccessService) deny(ctx context.Context, orderID, reason string) error {
	s.logger(ctx, "guest.verify.denied", map[string]any{
		"orderId": orderID,
		"reason":  reason,
	})
	return ErrGuestAccessDenied
}
