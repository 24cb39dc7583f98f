// Package dedup keeps alert latches in Redis so a restart does not refire
// conditions that were already triggered.
package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "lending-monitor:latch:"

// Deduplicator records which condition keys are currently triggered.
type Deduplicator struct {
	rdb       *redis.Client
	namespace string
}

// New wraps an existing Redis client. All keys live under namespace.
func New(rdb *redis.Client, namespace string) *Deduplicator {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Deduplicator{rdb: rdb, namespace: namespace}
}

// AlreadySent reports whether key is triggered. When Redis cannot answer it
// returns true so an outage never produces a burst of repeats.
func (d *Deduplicator) AlreadySent(ctx context.Context, key string) bool {
	exists, err := d.rdb.Exists(ctx, d.namespace+key).Result()
	return err != nil || exists > 0
}

// Record marks key as triggered until it is cleared.
func (d *Deduplicator) Record(ctx context.Context, key string) error {
	if err := d.rdb.Set(ctx, d.namespace+key, "1", 0).Err(); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

// Clear re-arms key.
func (d *Deduplicator) Clear(ctx context.Context, key string) error {
	if err := d.rdb.Del(ctx, d.namespace+key).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}

// ClearByPrefix re-arms every key starting with prefix.
func (d *Deduplicator) ClearByPrefix(ctx context.Context, prefix string) error {
	iter := d.rdb.Scan(ctx, 0, d.namespace+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := d.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", prefix, err)
	}
	return nil
}
