package domain

import (
	"context"
	"time"
)

// Cache keys, relative to the tenant namespace.
const (
	CacheKeyHistory  = "history:"  // + userID: JSON []*Transaction for the history window
	CacheKeyAnalysis = "analysis:" // + analysisID: JSON Analysis
	CacheKeyIngest   = "ingest:"   // + userID: ingest counter
)

// Cache holds short-lived read-through copies of histories and analyses.
// Entries are namespaced by tenant, so two tenants never share a key.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// GetAnalysis returns nil, nil on a miss.
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*Analysis, error)
	SetAnalysis(ctx context.Context, tenantID string, a *Analysis, ttl time.Duration) error

	// IncrementCounter bumps a fixed-window counter and returns the new
	// count. The window starts at the first increment.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache.
type CacheConfig struct {
	Type string // "memory" or "redis"

	LocalMaxSize int
	LocalTTL     time.Duration // upper bound for L1 entries in two-phase mode

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts a local LRU in front of Redis.
	EnableTwoPhase bool
}
