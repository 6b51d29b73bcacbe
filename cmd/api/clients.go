package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/di"
	"github.com/storefront/api/internal/platform/config"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
)

// clients holds the process-wide connections. Redis and the notification topic are nil when
// not configured.
type clients struct {
	firestore *pfirestore.Provider
	redis     *redis.Client
	pubsub    *pubsub.Client
	topic     *pubsub.Topic

	logger  *zap.Logger
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

func openClients(ctx context.Context, cfg config.Config, logger *zap.Logger) (*clients, error) {
	c := &clients{logger: logger}

	c.firestore = pfirestore.NewProvider(cfg.Firestore)
	c.onClose("firestore", func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.firestore.Close(closeCtx)
	})
	if _, err := c.firestore.Client(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialise firestore client: %w", err)
	}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:        addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		c.onClose("redis", c.redis.Close)
	} else {
		logger.Warn("redis not configured; guest verification attempts are counted per instance")
	}

	if topic := strings.TrimSpace(cfg.PubSub.NotificationTopic); topic != "" && cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("initialise pubsub client: %w", err)
		}
		c.pubsub = client
		c.topic = client.Topic(topic)
		c.onClose("pubsub", client.Close)
	} else {
		logger.Warn("pubsub not configured; order notifications are not published")
	}

	return c, nil
}

func (c *clients) onClose(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, fn: fn})
}

// Close releases clients in reverse order of creation.
func (c *clients) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		closeLogged(c.logger, c.closers[i].name, c.closers[i].fn)
	}
	c.closers = nil
}

func (c *clients) infrastructure(logger *zap.Logger) di.Infrastructure {
	infra := di.Infrastructure{
		Firestore:     c.firestore,
		Notifications: c.topic,
		Logger:        logger,
		Clock:         time.Now,
	}
	if c.redis != nil {
		infra.Redis = c.redis
	}
	return infra
}
