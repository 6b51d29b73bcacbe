package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

// maxMergeMarkers bounds how many folded session carts a user cart remembers.
const maxMergeMarkers = 10

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartUnavailable indicates the cart store could not be reached.
	ErrCartUnavailable = errors.New("cart service: unavailable")
	// ErrCartConflict indicates the cart kept changing while the merge was saved.
	ErrCartConflict = errors.New("cart service: conflict")
)

// CartMergeServiceDeps wires the repository used to merge carts.
type CartMergeServiceDeps struct {
	Carts          repositories.CartRepository
	Clock          func() time.Time
	UpdateAttempts int
	Logger         func(context.Context, string, map[string]any)
}

type cartMergeService struct {
	carts    repositories.CartRepository
	now      func() time.Time
	attempts int
	logger   func(context.Context, string, map[string]any)
}

// NewCartMergeService constructs a CartMergeService enforcing dependency validation.
func NewCartMergeService(deps CartMergeServiceDeps) (CartMergeService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	attempts := deps.UpdateAttempts
	if attempts <= 0 {
		attempts = defaultUpdateAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartMergeService{
		carts:    deps.Carts,
		now:      func() time.Time { return clock().UTC() },
		attempts: attempts,
		logger:   logger,
	}, nil
}

// Merge folds the anonymous session cart into the user's cart. The user cart is saved together
// with a marker for the session cart revision it absorbed, then the session cart is removed. A
// retry after a failed removal finds the marker and only repeats the removal.
func (s *cartMergeService) Merge(ctx context.Context, userID, sessionID string) CartMergeResult {
	uid := strings.TrimSpace(userID)
	sid := strings.TrimSpace(sessionID)
	if uid == "" || sid == "" {
		return CartMergeResult{Err: fmt.Errorf("%w: user id and session id are required", ErrCartInvalidInput)}
	}

	session, err := s.carts.FindBySession(ctx, sid)
	if err != nil {
		if isRepoNotFound(err) {
			cart, err := s.loadUserCart(ctx, uid)
			return CartMergeResult{Cart: cart, Err: err}
		}
		return s.failed(ctx, uid, sid, err)
	}

	marker := mergeMarker(session)
	var merged Cart
	for attempt := 1; ; attempt++ {
		cart, err := s.loadUserCart(ctx, uid)
		if err != nil {
			return s.failed(ctx, uid, sid, err)
		}
		if slices.Contains(cart.MergedSessions, marker) {
			s.logger(ctx, "cart.merge.already_folded", map[string]any{
				"userId":    uid,
				"sessionId": sid,
			})
			merged = cart
			break
		}
		cart.Items = mergeCartItems(cart.Items, session.Items)
		domain.RecomputeCart(&cart)
		cart.MergedSessions = appendMarker(cart.MergedSessions, marker)
		cart.UpdatedAt = s.now()

		saved, err := s.carts.Save(ctx, cart)
		if err == nil {
			merged = saved
			break
		}
		if !isRepositoryConflict(err) || attempt >= s.attempts {
			return s.failed(ctx, uid, sid, err)
		}
		s.logger(ctx, "cart.merge.retry", map[string]any{
			"userId":  uid,
			"attempt": attempt,
		})
	}

	result := CartMergeResult{Cart: merged, Merged: true}
	if err := s.carts.Delete(ctx, session); err != nil && !isRepoNotFound(err) {
		s.logger(ctx, "cart.merge.session_delete.failed", map[string]any{
			"userId":    uid,
			"sessionId": sid,
			"error":     err.Error(),
		})
		result.Err = s.translateRepoError(err)
	}

	s.logger(ctx, "cart.merge.completed", map[string]any{
		"userId":     uid,
		"sessionId":  sid,
		"totalItems": merged.TotalItems,
	})
	return result
}

// mergeMarker identifies one revision of a session cart, so a later cart reusing the session id
// is still folded.
func mergeMarker(session Cart) string {
	return session.SessionID + "@" + strconv.FormatInt(session.Version.UnixNano(), 10)
}

func appendMarker(markers []string, marker string) []string {
	markers = append(slices.Clone(markers), marker)
	if over := len(markers) - maxMergeMarkers; over > 0 {
		markers = markers[over:]
	}
	return markers
}

func (s *cartMergeService) loadUserCart(ctx context.Context, userID string) (Cart, error) {
	cart, err := s.carts.FindByUser(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{ID: userID, UserID: userID}, nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	return cart, nil
}

func (s *cartMergeService) failed(ctx context.Context, userID, sessionID string, err error) CartMergeResult {
	translated := s.translateRepoError(err)
	s.logger(ctx, "cart.merge.failed", map[string]any{
		"userId":    userID,
		"sessionId": sessionID,
		"error":     err.Error(),
	})
	return CartMergeResult{Err: translated}
}

func (s *cartMergeService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCartInvalidInput) || errors.Is(err, ErrCartUnavailable) || errors.Is(err, ErrCartConflict) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return fmt.Errorf("%w: %v", ErrCartConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}

// mergeCartItems sums quantities of products present in both lists and appends the rest,
// keeping the user's ordering first.
func mergeCartItems(user, session []CartItem) []CartItem {
	merged := make([]CartItem, 0, len(user)+len(session))
	index := make(map[string]int, len(user)+len(session))
	for _, item := range user {
		if idx, ok := index[item.ProductID]; ok {
			merged[idx].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	for _, item := range session {
		if item.Quantity <= 0 {
			continue
		}
		if idx, ok := index[item.ProductID]; ok {
			merged[idx].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
