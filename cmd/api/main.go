package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storefront/api/internal/di"
	"github.com/storefront/api/internal/platform/config"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/observability"
)

const shutdownGrace = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "storefront-api: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	startedAt := time.Now().UTC()

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	baseLogger, err := observability.NewLogger(
		observability.WithServiceName("storefront-api"),
		observability.WithEnvironment(env["API_ENVIRONMENT"]),
	)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = baseLogger.Sync() }()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer closeLogged(logger, "secret fetcher", fetcher.Close)

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	clients, err := openClients(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer clients.Close()

	container, err := di.NewContainer(ctx, cfg, clients.infrastructure(logger))
	if err != nil {
		return fmt.Errorf("initialise services: %w", err)
	}
	defer container.Close(ctx)

	build := buildInfoFromEnv(env, cfg, startedAt)
	system, err := newSystemService(clients, fetcher, build)
	if err != nil {
		logger.Warn("health: system service disabled", zap.Error(err))
	}

	idem, err := idempotency.NewFirestoreStore(clients.firestore, "")
	if err != nil {
		return fmt.Errorf("initialise idempotency store: %w", err)
	}

	handler, err := newHTTPHandler(ctx, httpDeps{
		cfg:         cfg,
		logger:      logger,
		container:   container,
		idempotency: idem,
		system:      system,
		build:       build,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	httpLogger := logger.Named("http").With(zap.String("addr", server.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		httpLogger.Info("storefront api listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runIdempotencyCleanup(gctx, idem, cfg.Idempotency, logger.Named("idempotency"))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		httpLogger.Info("shutting down; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func closeLogged(logger *zap.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}
