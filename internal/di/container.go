package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/config"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/platform/jobs"
	"github.com/storefront/api/internal/platform/observability"
	"github.com/storefront/api/internal/platform/ratelimit"
	"github.com/storefront/api/internal/repositories"
	firestoreRepo "github.com/storefront/api/internal/repositories/firestore"
	"github.com/storefront/api/internal/services"
)

const guestAttemptKeyPrefix = "storefront:guest-verify:"

// Infrastructure carries the shared clients the container builds repositories and gateways on.
// Redis and Notifications are optional: without Redis guest attempts are counted in process,
// and without a topic order notifications are not published.
type Infrastructure struct {
	Firestore     *pfirestore.Provider
	Redis         redis.Cmdable
	Notifications *pubsub.Topic
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Repositories bundles the storage adapters used by the services.
type Repositories struct {
	Orders        repositories.OrderRepository
	Stock         repositories.StockLedger
	Catalog       repositories.ProductCatalog
	Promotions    repositories.PromotionRepository
	Carts         repositories.CartRepository
	PaymentEvents repositories.PaymentEventRepository
}

// Services bundles the service-layer contracts that handlers rely upon. Guests is nil when no
// guest token secret is configured.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentReconciler
	Carts    services.CartMergeService
	Guests   services.GuestAccessService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories Repositories
	Services     Services

	publisher *jobs.PubSubNotificationPublisher
}

// NewContainer constructs the runtime dependencies from configuration and shared clients.
func NewContainer(ctx context.Context, cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Firestore == nil {
		return nil, errors.New("di: firestore provider is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	repos, err := buildRepositories(infra.Firestore)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:       cfg,
		Repositories: repos,
	}
	if infra.Notifications != nil {
		publisher, err := jobs.NewPubSubNotificationPublisher(infra.Notifications)
		if err != nil {
			return nil, fmt.Errorf("build notification publisher: %w", err)
		}
		c.publisher = publisher
	}

	svc, err := c.buildServices(ctx, infra)
	if err != nil {
		c.Close(ctx)
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close flushes pending notifications. Shared clients are owned and closed by the caller.
func (c *Container) Close(context.Context) {
	if c == nil || c.publisher == nil {
		return
	}
	c.publisher.Stop()
}

func buildRepositories(provider *pfirestore.Provider) (Repositories, error) {
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build order repository: %w", err)
	}
	stock, err := firestoreRepo.NewStockLedgerRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build stock ledger: %w", err)
	}
	catalog, err := firestoreRepo.NewProductCatalogRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build product catalog: %w", err)
	}
	promotions, err := firestoreRepo.NewPromotionRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build promotion repository: %w", err)
	}
	carts, err := firestoreRepo.NewCartRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build cart repository: %w", err)
	}
	events, err := firestoreRepo.NewPaymentEventRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build payment event repository: %w", err)
	}
	return Repositories{
		Orders:        orders,
		Stock:         stock,
		Catalog:       catalog,
		Promotions:    promotions,
		Carts:         carts,
		PaymentEvents: events,
	}, nil
}

func (c *Container) buildServices(_ context.Context, infra Infrastructure) (Services, error) {
	cfg := c.Config
	logger := infra.Logger

	var notifier services.OrderNotifier
	if c.publisher != nil {
		notifier = c.publisher
	}

	var guestTokens services.GuestTokens
	if secret := strings.TrimSpace(cfg.Guest.TokenSecret); secret != "" {
		issuer, err := auth.NewGuestTokenIssuer(secret,
			auth.WithGuestTokenIssuer(cfg.Guest.TokenIssuer),
			auth.WithGuestTokenTTL(cfg.Guest.TokenTTL),
			auth.WithGuestTokenClock(infra.Clock),
		)
		if err != nil {
			return Services{}, fmt.Errorf("build guest token issuer: %w", err)
		}
		guestTokens = issuer
	} else {
		logger.Warn("guest token secret not configured; guest checkout links are disabled")
	}

	var starter services.PaymentStarter
	var verifier services.RedirectVerifier
	if strings.TrimSpace(cfg.Payments.RedirectBaseURL) != "" {
		redirect, err := payments.NewRedirectGatewayClient(payments.RedirectGatewayConfig{
			BaseURL:     cfg.Payments.RedirectBaseURL,
			MerchantID:  cfg.Payments.RedirectMerchantID,
			CallbackURL: cfg.Payments.RedirectCallback,
			Timeout:     cfg.Payments.GatewayTimeout,
			Logger:      observability.EventLogger(logger.Named("redirect_gateway"), "redirect_gateway"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build redirect gateway client: %w", err)
		}
		starter = redirect
		verifier = redirect
	}

	var webhooks services.WebhookParser
	var intents services.IntentLookup
	if strings.TrimSpace(cfg.Payments.StripeWebhookSecret) != "" {
		stripeGateway, err := payments.NewStripeWebhookGateway(payments.StripeWebhookConfig{
			WebhookSecret: cfg.Payments.StripeWebhookSecret,
			Tolerance:     cfg.Payments.WebhookTolerance,
			APIKey:        cfg.Payments.StripeAPIKey,
			Logger:        payments.StripeLogger(observability.EventLogger(logger.Named("stripe"), "stripe")),
			Clock:         infra.Clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build stripe webhook gateway: %w", err)
		}
		webhooks = stripeGateway
		if strings.TrimSpace(cfg.Payments.StripeAPIKey) != "" {
			intents = stripeGateway
		}
	}

	pricer := services.NewOrderPricer(services.OrderPricerDeps{
		Rules:      pricingRules(cfg.Pricing),
		Promotions: c.Repositories.Promotions,
		Clock:      infra.Clock,
		Logger:     observability.EventLogger(logger.Named("pricing"), "pricing"),
	})

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:            c.Repositories.Orders,
		Stock:             c.Repositories.Stock,
		Catalog:           c.Repositories.Catalog,
		Notifier:          notifier,
		GuestTokens:       guestTokens,
		Payments:          starter,
		Pricer:            pricer,
		NumberPrefix:      cfg.Orders.NumberPrefix,
		TrackingPrefix:    cfg.Orders.TrackingPrefix,
		Currency:          cfg.Orders.Currency,
		GatewayUnitFactor: cfg.Payments.RedirectUnitFactor,
		UpdateAttempts:    cfg.Orders.UpdateAttempts,
		MaxLineQuantity:   cfg.Orders.MaxLineQuantity,
		Clock:             infra.Clock,
		Logger:            observability.EventLogger(logger.Named("orders"), "orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:            orderSvc,
		Events:            c.Repositories.PaymentEvents,
		Webhooks:          webhooks,
		Intents:           intents,
		Redirect:          verifier,
		GatewayUnitFactor: cfg.Payments.RedirectUnitFactor,
		Clock:             infra.Clock,
		Logger:            observability.EventLogger(logger.Named("payments"), "payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}

	cartSvc, err := services.NewCartMergeService(services.CartMergeServiceDeps{
		Carts:          c.Repositories.Carts,
		Clock:          infra.Clock,
		UpdateAttempts: cfg.Orders.UpdateAttempts,
		Logger:         observability.EventLogger(logger.Named("carts"), "carts"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart merge service: %w", err)
	}

	svc := Services{
		Orders:   orderSvc,
		Payments: reconciler,
		Carts:    cartSvc,
	}

	if guestTokens != nil {
		guestSvc, err := services.NewGuestAccessService(services.GuestAccessServiceDeps{
			Orders:        orderSvc,
			Tokens:        guestTokens,
			Attempts:      attemptCounter(infra),
			AttemptLimit:  cfg.Guest.AttemptLimit,
			AttemptWindow: cfg.Guest.AttemptWindow,
			Logger:        observability.EventLogger(logger.Named("guest_access"), "guest_access"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build guest access service: %w", err)
		}
		svc.Guests = guestSvc
	}

	return svc, nil
}

func pricingRules(cfg config.PricingConfig) services.PricingRules {
	return services.PricingRules{
		ShippingFees: map[domain.ShippingOption]int64{
			domain.ShippingOptionStandard: cfg.ShippingStandard,
			domain.ShippingOptionExpress:  cfg.ShippingExpress,
			domain.ShippingOptionSameDay:  cfg.ShippingSameDay,
		},
		FreeShippingOver:   cfg.FreeShippingOver,
		TaxRateBasisPoints: cfg.TaxRateBasisPoints,
	}
}

// attemptCounter prefers Redis so limits hold across instances.
func attemptCounter(infra Infrastructure) services.AttemptCounter {
	if infra.Redis != nil {
		if counter, err := ratelimit.NewRedisCounter(infra.Redis, ratelimit.WithKeyPrefix(guestAttemptKeyPrefix)); err == nil {
			return counter
		}
	}
	return ratelimit.NewMemoryCounter(infra.Clock)
}
