package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront/api/internal/platform/config"
	"github.com/storefront/api/internal/platform/secrets"
	"github.com/storefront/api/internal/repositories"
	"github.com/storefront/api/internal/services"
)

// secretHealthReference is never expected to exist; NotFound proves Secret Manager answered.
const secretHealthReference = "secret://system/healthz?version=latest"

// newSystemService registers one readiness check per configured dependency. Only Firestore is
// required; the others degrade the report without failing readiness.
func newSystemService(c *clients, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	var checks []repositories.DependencyCheck
	if c != nil && c.firestore != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   c.firestore.Ping,
		})
	}
	if c != nil && c.redis != nil {
		rdb := c.redis
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		})
	}
	if c != nil && c.topic != nil {
		topic := c.topic
		checks = append(checks, repositories.DependencyCheck{
			Name:     "pubsub",
			Timeout:  1500 * time.Millisecond,
			Optional: true,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}

	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     valueOr(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   valueOr(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: valueOr(cfg.Environment, "local"),
		StartedAt:   started,
	}
}

func valueOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
