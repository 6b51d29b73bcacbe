package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/di"
	"github.com/storefront/api/internal/handlers"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/config"
	"github.com/storefront/api/internal/platform/i18n"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/observability"
	"github.com/storefront/api/internal/services"
)

type httpDeps struct {
	cfg         config.Config
	logger      *zap.Logger
	container   *di.Container
	idempotency *idempotency.FirestoreStore
	system      services.SystemService
	build       services.BuildInfo
}

func newHTTPHandler(ctx context.Context, d httpDeps) (http.Handler, error) {
	verifier, err := auth.NewFirebaseVerifier(ctx, d.cfg.Firebase)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(verifier)

	localizer, err := i18n.NewLocalizer()
	if err != nil {
		return nil, fmt.Errorf("initialise localizer: %w", err)
	}

	svc := d.container.Services
	orderOpts := []handlers.OrderHandlerOption{
		handlers.WithOrderLocalizer(localizer),
		handlers.WithOrderIdempotency(idempotency.Middleware(d.idempotency,
			idempotency.WithHeader(d.cfg.Idempotency.Header),
			idempotency.WithTTL(d.cfg.Idempotency.TTL),
			idempotency.WithLogger(d.logger.Named("idempotency")),
		)),
	}
	if svc.Guests != nil {
		orderOpts = append(orderOpts, handlers.WithOrderGuestAccess(svc.Guests))
	}
	if svc.Payments != nil {
		orderOpts = append(orderOpts, handlers.WithOrderPaymentHistory(svc.Payments))
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(d.build)}
	if d.system != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(d.system))
	}

	httpLogger := d.logger.Named("http")
	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(traceProjectID(d.cfg)),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
			localizer.Middleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, svc.Orders, orderOpts...).Routes),
		handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(svc.Payments, d.cfg.Payments.SuccessURL, d.cfg.Payments.FailureURL).Routes),
		handlers.WithPaymentMiddlewares(middleware.NoCache),
		handlers.WithCartRoutes(handlers.NewCartHandlers(authenticator, svc.Carts).Routes),
	), nil
}

// runIdempotencyCleanup purges expired idempotency records until ctx is done.
func runIdempotencyCleanup(ctx context.Context, store idempotency.Store, cfg config.IdempotencyConfig, logger *zap.Logger) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
		cancel()
		switch {
		case err != nil:
			logger.Error("idempotency cleanup failed", zap.Error(err))
		case removed > 0:
			logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	}
}

func traceProjectID(cfg config.Config) string {
	return valueOr(cfg.Firebase.ProjectID, strings.TrimSpace(cfg.Firestore.ProjectID))
}
