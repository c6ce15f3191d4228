package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const counterPrefix = "counter:"

func tenantKey(tenantID, key string) string {
	return tenantID + ":" + key
}

// byteStore is the raw half of domain.Cache that the typed helpers build on.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func loadAnalysis(ctx context.Context, s byteStore, tenantID, analysisID string) (*domain.Analysis, error) {
	data, err := s.Get(ctx, tenantID, domain.CacheKeyAnalysis+analysisID)
	if err != nil || data == nil {
		return nil, err
	}
	var a domain.Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode cached analysis %s: %w", analysisID, err)
	}
	return &a, nil
}

func storeAnalysis(ctx context.Context, s byteStore, tenantID string, a *domain.Analysis, ttl time.Duration) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("analysis with ID is required")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode analysis %s: %w", a.ID, err)
	}
	return s.Set(ctx, tenantID, domain.CacheKeyAnalysis+a.ID, data, ttl)
}

// GetHistory returns a user's cached history window. Returns nil, false on miss.
// A corrupt entry is treated as a miss.
func GetHistory(ctx context.Context, c domain.Cache, tenantID, userID string) ([]*domain.Transaction, bool) {
	data, err := c.Get(ctx, tenantID, domain.CacheKeyHistory+userID)
	if err != nil || data == nil {
		return nil, false
	}
	var txs []*domain.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, false
	}
	return txs, true
}

// SetHistory caches a user's history window.
func SetHistory(ctx context.Context, c domain.Cache, tenantID, userID string, txs []*domain.Transaction, ttl time.Duration) error {
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	data, err := json.Marshal(txs)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, domain.CacheKeyHistory+userID, data, ttl)
}

// InvalidateHistory drops cached history for every given user.
func InvalidateHistory(ctx context.Context, c domain.Cache, tenantID string, userIDs ...string) error {
	for _, id := range userIDs {
		if err := c.Delete(ctx, tenantID, domain.CacheKeyHistory+id); err != nil {
			return err
		}
	}
	return nil
}
