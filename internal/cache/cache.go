// Package cache holds short-lived HTTP responses in Redis and collapses
// concurrent requests for the same key into one upstream call.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/web3-frozen/lending-monitor/internal/metrics"
)

const keyPrefix = "lending-monitor:resp:"

// Cached endpoints.
const (
	BorrowStatus = "borrow-status"
	LoanStatus   = "loan-status"
)

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, redisURL, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Cache stores JSON-encoded responses per (endpoint, key). A nil Redis client
// disables storage but keeps request collapsing.
type Cache struct {
	rdb    *redis.Client
	group  singleflight.Group
	logger *slog.Logger
}

func New(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger.With("component", "cache")}
}

// Key joins parts into a cache key. Parts are ordered from the most to the
// least significant so EvictPrefix can match on the leading ones.
func Key(parts ...string) string { return strings.Join(parts, ":") }

// Get returns the cached value for (endpoint, key) or calls load, caching a
// successful result for ttl. Errors are never cached. Redis failures degrade to
// calling load directly.
func Get[T any](ctx context.Context, c *Cache, endpoint, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	full := keyPrefix + endpoint + ":" + key

	if v, ok := lookup[T](ctx, c, full); ok {
		metrics.CacheHitsTotal.WithLabelValues(endpoint).Inc()
		return v, nil
	}
	metrics.CacheMissesTotal.WithLabelValues(endpoint).Inc()

	res, err, _ := c.group.Do(full, func() (any, error) {
		// A caller that gives up must not fail the others sharing this call.
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		c.store(ctx, full, v, ttl)
		return v, nil
	})
	v, _ := res.(T)
	return v, err
}

func lookup[T any](ctx context.Context, c *Cache, full string) (T, bool) {
	var v T
	if c.rdb == nil {
		return v, false
	}
	raw, err := c.rdb.Get(ctx, full).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "key", full, "error", err)
		}
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("cache entry unreadable", "key", full, "error", err)
		return v, false
	}
	return v, true
}

func (c *Cache) store(ctx context.Context, full string, v any, ttl time.Duration) {
	if c.rdb == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", full, "error", err)
		return
	}
	if err := c.rdb.Set(context.WithoutCancel(ctx), full, data, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", full, "error", err)
	}
}

// EvictPrefix drops every entry of endpoint whose key starts with prefix.
func (c *Cache) EvictPrefix(ctx context.Context, endpoint, prefix string) error {
	if c.rdb == nil {
		return nil
	}
	iter := c.rdb.Scan(ctx, 0, keyPrefix+endpoint+":"+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", endpoint, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("evict %s: %w", endpoint, err)
	}
	return nil
}

// Ping reports whether Redis answers. It is nil when caching is disabled.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}
