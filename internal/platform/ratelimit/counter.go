// Package ratelimit counts attempts per key within fixed windows. The in-memory counter serves
// tests and single-instance deployments; the Redis counter is shared across instances.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "ratelimit:"

// ErrInvalidWindow is returned when a counter is asked to count over a non-positive window.
var ErrInvalidWindow = errors.New("ratelimit: window must be positive")

// MemoryCounter keeps fixed-window counts in process memory.
type MemoryCounter struct {
	clock func() time.Time
	mu    sync.Mutex
	store map[string]windowEntry
}

type windowEntry struct {
	count int64
	reset time.Time
}

// NewMemoryCounter constructs an in-memory counter. A nil clock uses time.Now.
func NewMemoryCounter(clock func() time.Time) *MemoryCounter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCounter{
		clock: clock,
		store: make(map[string]windowEntry),
	}
}

// Increment records one attempt for key and returns the count within the current window.
func (c *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, ErrInvalidWindow
	}
	key = normalizeKey(key)
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.store[key]
	if !ok || !now.Before(entry.reset) {
		c.store[key] = windowEntry{count: 1, reset: now.Add(window)}
		c.pruneExpiredLocked(now)
		return 1, nil
	}
	entry.count++
	c.store[key] = entry
	return entry.count, nil
}

// Reset forgets the attempts recorded for key.
func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.store, normalizeKey(key))
	c.mu.Unlock()
	return nil
}

func (c *MemoryCounter) pruneExpiredLocked(now time.Time) {
	for key, entry := range c.store {
		if !now.Before(entry.reset) {
			delete(c.store, key)
		}
	}
}

type redisCommands interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCounter counts attempts with INCR and starts each window with EXPIRE on the first hit.
type RedisCounter struct {
	client redisCommands
	prefix string
}

// RedisOption customises RedisCounter instances.
type RedisOption func(*RedisCounter)

// WithKeyPrefix overrides the namespace prepended to every counter key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCounter) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			c.prefix = trimmed
		}
	}
}

// NewRedisCounter wraps a go-redis client.
func NewRedisCounter(client redis.Cmdable, opts ...RedisOption) (*RedisCounter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	return newRedisCounter(client, opts...), nil
}

func newRedisCounter(client redisCommands, opts ...RedisOption) *RedisCounter {
	counter := &RedisCounter{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(counter)
		}
	}
	return counter
}

// Increment records one attempt for key and returns the count within the current window.
func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, ErrInvalidWindow
	}
	redisKey := c.prefix + normalizeKey(key)
	count, err := c.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: incr %s: %w", redisKey, err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return 0, fmt.Errorf("ratelimit: expire %s: %w", redisKey, err)
		}
	}
	return count, nil
}

// Reset forgets the attempts recorded for key.
func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	redisKey := c.prefix + normalizeKey(key)
	if err := c.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("ratelimit: del %s: %w", redisKey, err)
	}
	return nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "anonymous"
	}
	return key
}
