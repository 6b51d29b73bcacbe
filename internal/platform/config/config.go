package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultEnvironment          = "local"
	defaultRedisDialTimeout     = 3 * time.Second
	defaultNotificationTopic    = "order-notifications"
	defaultGatewayTimeout       = 10 * time.Second
	defaultGatewayUnitFactor    = 1
	defaultWebhookTolerance     = 5 * time.Minute
	defaultOrderNumberPrefix    = "ORD"
	defaultTrackingPrefix       = "TRK"
	defaultCurrency             = "USD"
	defaultUpdateAttempts       = 3
	defaultMaxLineQuantity      = 99
	defaultShippingStandard     = 500
	defaultShippingExpress      = 1500
	defaultShippingSameDay      = 2500
	defaultGuestTokenTTL        = 30 * 24 * time.Hour
	defaultGuestTokenIssuer     = "storefront"
	defaultGuestAttemptLimit    = 5
	defaultGuestAttemptWindow   = 15 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config is the storefront runtime configuration, grouped by the component that consumes it.
type Config struct {
	Server      ServerConfig
	Environment string
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Payments    PaymentsConfig
	Orders      OrdersConfig
	Pricing     PricingConfig
	Guest       GuestConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig falls back to the Firebase project when ProjectID is empty.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig points at the shared counter store used for guest verification throttling.
// An empty Addr disables Redis and falls back to in-process counters.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// PubSubConfig names the topic order notifications are published to. Empty disables publishing.
type PubSubConfig struct {
	ProjectID         string
	NotificationTopic string
}

// PaymentsConfig holds credentials for both gateways. Each gateway is enabled only when its
// primary credential (webhook secret or redirect base URL) is present.
type PaymentsConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration

	RedirectBaseURL    string
	RedirectMerchantID string
	RedirectCallback   string
	RedirectUnitFactor int64
	SuccessURL         string
	FailureURL         string

	GatewayTimeout time.Duration
}

type OrdersConfig struct {
	NumberPrefix    string
	TrackingPrefix  string
	Currency        string
	UpdateAttempts  int
	MaxLineQuantity int
}

// PricingConfig holds the server-side pricing rules applied when an order is placed. Amounts
// are in minor units; FreeShippingOver of zero disables free shipping.
type PricingConfig struct {
	ShippingStandard   int64
	ShippingExpress    int64
	ShippingSameDay    int64
	FreeShippingOver   int64
	TaxRateBasisPoints int64
}

type GuestConfig struct {
	TokenSecret   string
	TokenIssuer   string
	TokenTTL      time.Duration
	AttemptLimit  int
	AttemptWindow time.Duration
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Load builds the configuration from defaults, the dotenv file, the process environment and
// explicit overrides, then resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := collectOptions(opts)

	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	b := &binder{src: src}
	cfg := bind(b)

	resolved, err := resolveSecretFields(ctx, options.resolver(), cfg.secretFields())
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(b.invalid); err != nil {
		return Config{}, err
	}

	if missing := missingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %v\n", missing)
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func bind(b *binder) Config {
	cfg := Config{
		Server: ServerConfig{
			Port:         b.text("API_SERVER_PORT", defaultPort),
			ReadTimeout:  b.duration("Server.ReadTimeout", "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: b.duration("Server.WriteTimeout", "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  b.duration("Server.IdleTimeout", "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Environment: strings.ToLower(b.text("API_ENVIRONMENT", defaultEnvironment)),
		Firebase: FirebaseConfig{
			ProjectID:       b.text("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: b.text("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    b.text("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: b.text("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:        b.text("API_REDIS_ADDR", ""),
			Password:    b.text("API_REDIS_PASSWORD", ""),
			DB:          b.integer("Redis.DB", "API_REDIS_DB", 0),
			DialTimeout: b.duration("Redis.DialTimeout", "API_REDIS_DIAL_TIMEOUT", defaultRedisDialTimeout),
		},
		PubSub: PubSubConfig{
			ProjectID:         b.text("API_PUBSUB_PROJECT_ID", ""),
			NotificationTopic: b.text("API_PUBSUB_NOTIFICATION_TOPIC", defaultNotificationTopic),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:        b.text("API_PAYMENTS_STRIPE_API_KEY", ""),
			StripeWebhookSecret: b.text("API_PAYMENTS_STRIPE_WEBHOOK_SECRET", ""),
			WebhookTolerance:    b.duration("Payments.WebhookTolerance", "API_PAYMENTS_WEBHOOK_TOLERANCE", defaultWebhookTolerance),
			RedirectBaseURL:     b.text("API_PAYMENTS_REDIRECT_BASE_URL", ""),
			RedirectMerchantID:  b.text("API_PAYMENTS_REDIRECT_MERCHANT_ID", ""),
			RedirectCallback:    b.text("API_PAYMENTS_REDIRECT_CALLBACK_URL", ""),
			RedirectUnitFactor:  int64(b.integer("Payments.RedirectUnitFactor", "API_PAYMENTS_REDIRECT_UNIT_FACTOR", defaultGatewayUnitFactor)),
			SuccessURL:          b.text("API_PAYMENTS_SUCCESS_URL", "/checkout/success"),
			FailureURL:          b.text("API_PAYMENTS_FAILURE_URL", "/checkout/failure"),
			GatewayTimeout:      b.duration("Payments.GatewayTimeout", "API_PAYMENTS_GATEWAY_TIMEOUT", defaultGatewayTimeout),
		},
		Orders: OrdersConfig{
			NumberPrefix:    strings.ToUpper(b.text("API_ORDERS_NUMBER_PREFIX", defaultOrderNumberPrefix)),
			TrackingPrefix:  strings.ToUpper(b.text("API_ORDERS_TRACKING_PREFIX", defaultTrackingPrefix)),
			Currency:        strings.ToUpper(b.text("API_ORDERS_CURRENCY", defaultCurrency)),
			UpdateAttempts:  b.integer("Orders.UpdateAttempts", "API_ORDERS_UPDATE_ATTEMPTS", defaultUpdateAttempts),
			MaxLineQuantity: b.integer("Orders.MaxLineQuantity", "API_ORDERS_MAX_LINE_QUANTITY", defaultMaxLineQuantity),
		},
		Pricing: PricingConfig{
			ShippingStandard:   b.amount("Pricing.ShippingStandard", "API_PRICING_SHIPPING_STANDARD", defaultShippingStandard),
			ShippingExpress:    b.amount("Pricing.ShippingExpress", "API_PRICING_SHIPPING_EXPRESS", defaultShippingExpress),
			ShippingSameDay:    b.amount("Pricing.ShippingSameDay", "API_PRICING_SHIPPING_SAME_DAY", defaultShippingSameDay),
			FreeShippingOver:   b.amount("Pricing.FreeShippingOver", "API_PRICING_FREE_SHIPPING_OVER", 0),
			TaxRateBasisPoints: b.amount("Pricing.TaxRateBasisPoints", "API_PRICING_TAX_RATE_BPS", 0),
		},
		Guest: GuestConfig{
			TokenSecret:   b.text("API_GUEST_TOKEN_SECRET", ""),
			TokenIssuer:   b.text("API_GUEST_TOKEN_ISSUER", defaultGuestTokenIssuer),
			TokenTTL:      b.duration("Guest.TokenTTL", "API_GUEST_TOKEN_TTL", defaultGuestTokenTTL),
			AttemptLimit:  b.integer("Guest.AttemptLimit", "API_GUEST_ATTEMPT_LIMIT", defaultGuestAttemptLimit),
			AttemptWindow: b.duration("Guest.AttemptWindow", "API_GUEST_ATTEMPT_WINDOW", defaultGuestAttemptWindow),
		},
		Idempotency: IdempotencyConfig{
			Header:           b.text("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              b.duration("Idempotency.TTL", "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  b.duration("Idempotency.CleanupInterval", "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: b.integer("Idempotency.CleanupBatchSize", "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	return cfg
}

// secretFields lists the values that may hold secret references, keyed by the names accepted
// by WithRequiredSecrets.
func (c *Config) secretFields() []secretField {
	return []secretField{
		{name: "Payments.StripeAPIKey", value: &c.Payments.StripeAPIKey},
		{name: "Payments.StripeWebhookSecret", value: &c.Payments.StripeWebhookSecret},
		{name: "Payments.RedirectMerchantID", value: &c.Payments.RedirectMerchantID},
		{name: "Guest.TokenSecret", value: &c.Guest.TokenSecret},
		{name: "Redis.Password", value: &c.Redis.Password},
	}
}
