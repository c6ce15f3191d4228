package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New returns the cache named by cfg.Type. "memory" is the community LRU.
// "redis" is Redis alone, or Redis behind a local LRU when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return nil, fmt.Errorf("unsupported cache type %q", cfg.Type)
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2). Writes go to
// both tiers and L1 entries never outlive the L1 TTL, so other nodes' writes
// become visible within that bound.
type TwoPhaseCache struct {
	l1    *LRUCache
	l2    *RedisCache
	l1TTL time.Duration
}

// NewTwoPhaseCache connects to Redis and puts an LRU of cfg.LocalMaxSize in front of it.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	l2, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("two-phase cache L2: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), l2, cfg.LocalTTL), nil
}

func newTwoPhase(l1 *LRUCache, l2 *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 30 * time.Second
	}
	return &TwoPhaseCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// Get serves from L1 and backfills it on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.l1.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}
	val, err := c.l2.Get(ctx, tenantID, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.l1.Set(ctx, tenantID, key, val, c.l1TTL)
	return val, nil
}

// Set writes L2 first so a failed remote write leaves no local-only entry.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	return c.l1.Set(ctx, tenantID, key, value, min(ttl, c.l1TTL))
}

// Delete always clears L1, even when the L2 delete fails.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	remoteErr := c.l2.Delete(ctx, tenantID, key)
	return errors.Join(c.l1.Delete(ctx, tenantID, key), remoteErr)
}

func (c *TwoPhaseCache) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.Analysis, error) {
	return loadAnalysis(ctx, c, tenantID, analysisID)
}

func (c *TwoPhaseCache) SetAnalysis(ctx context.Context, tenantID string, a *domain.Analysis, ttl time.Duration) error {
	return storeAnalysis(ctx, c, tenantID, a, ttl)
}

// IncrementCounter counts in Redis only so every node sees the same total.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.l2.IncrementCounter(ctx, tenantID, key, window)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.l2.Ping(ctx); err != nil {
		return fmt.Errorf("cache L2: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.l1.Close(), c.l2.Close())
}

// Stats reports L1 occupancy.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.l1.Stats()
}
