// Package cache provides caching implementations for verdicts, rules and
// rate-limit counters: in-memory LRU for the community tier, Redis for the
// pro tier, and a two-phase (LRU + Redis) combination.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

// New creates a cache based on configuration.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		slog.Info("using in-memory LRU cache", "max_size", cfg.LocalMaxSize)
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		redisCache, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if cfg.EnableTwoPhase {
			slog.Info("using two-phase cache", "addr", cfg.RedisAddr, "l1_size", cfg.LocalMaxSize)
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), redisCache), nil
		}
		slog.Info("using redis cache", "addr", cfg.RedisAddr)
		return redisCache, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache layers a local LRU in front of Redis. Reads check the
// LRU first and backfill it on a Redis hit. Writes and deletes go to both.
type TwoPhaseCache struct {
	l1 *LRUCache
	l2 *RedisCache
}

// NewTwoPhaseCache creates a two-phase cache from an LRU and a Redis cache.
func NewTwoPhaseCache(l1 *LRUCache, l2 *RedisCache) *TwoPhaseCache {
	return &TwoPhaseCache{l1: l1, l2: l2}
}

// Get checks L1 first, then L2, backfilling L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.l1.Get(ctx, key)
	if err == nil && val != nil {
		return val, nil
	}

	val, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		// Backfill with a short TTL; L2 owns the authoritative expiry.
		_ = c.l1.Set(ctx, key, val, time.Minute)
	}
	return val, nil
}

// Set writes to both layers.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.l1.Set(ctx, key, value, ttl)
}

// Delete removes the key from both layers.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}

// IncrementCounter delegates to Redis so counters stay coherent across
// instances.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.l2.IncrementCounter(ctx, key, window)
}

// Ping checks the Redis layer.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	return c.l2.Ping(ctx)
}

// Close closes both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.l1.Close()
	return c.l2.Close()
}
