package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("ReadWrite", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "history:alice", []byte("[]"), time.Minute)
		_ = cache.Set(ctx, tenantID, "history:bob", []byte("[]"), time.Minute)
		_ = cache.Delete(ctx, tenantID, "history:bob")

		tests := []struct {
			key  string
			want []byte
		}{
			{"history:alice", []byte("[]")},
			{"history:bob", nil},
			{"history:carol", nil},
		}
		for _, tt := range tests {
			got, err := cache.Get(ctx, tenantID, tt.key)
			if err != nil {
				t.Fatalf("Get(%s) failed: %v", tt.key, err)
			}
			if string(got) != string(tt.want) || (got == nil) != (tt.want == nil) {
				t.Errorf("Get(%s) = %q, want %q", tt.key, got, tt.want)
			}
		}
	})

	t.Run("ExpiredEntryIsDropped", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "analysis:short", []byte("x"), 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		if val, _ := cache.Get(ctx, tenantID, "analysis:short"); val != nil {
			t.Errorf("expected expired entry to miss, got %q", val)
		}
		if size, _ := cache.Stats(); size != 1 {
			t.Errorf("expected expired entry removed on read, size %d", size)
		}
	})

	t.Run("EvictsLeastRecentlyRead", func(t *testing.T) {
		small := NewLRUCache(3)
		for _, k := range []string{"a", "b", "c"} {
			_ = small.Set(ctx, tenantID, k, []byte(k), time.Minute)
		}
		_, _ = small.Get(ctx, tenantID, "a")
		_ = small.Set(ctx, tenantID, "d", []byte("d"), time.Minute)

		if val, _ := small.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected recently read 'a' to survive")
		}
	})

	t.Run("TenantsDoNotShareKeys", func(t *testing.T) {
		_ = cache.Set(ctx, "tenant-001", "history:eve", []byte("one"), time.Minute)
		_ = cache.Set(ctx, "tenant-002", "history:eve", []byte("two"), time.Minute)

		v1, _ := cache.Get(ctx, "tenant-001", "history:eve")
		v2, _ := cache.Get(ctx, "tenant-002", "history:eve")
		if string(v1) != "one" || string(v2) != "two" {
			t.Errorf("tenant values crossed: %q / %q", v1, v2)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := cache.Set(ctx, "", "k", []byte("v"), time.Minute); err != ErrTenantRequired {
			t.Errorf("Set: expected ErrTenantRequired, got %v", err)
		}
		if _, err := cache.Get(ctx, "", "k"); err != ErrTenantRequired {
			t.Errorf("Get: expected ErrTenantRequired, got %v", err)
		}
		if _, err := cache.IncrementCounter(ctx, "", "k", time.Second); err != ErrTenantRequired {
			t.Errorf("IncrementCounter: expected ErrTenantRequired, got %v", err)
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		window := 100 * time.Millisecond

		count1, err := cache.IncrementCounter(ctx, tenantID, "ingest", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := cache.IncrementCounter(ctx, tenantID, "ingest", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		// Wait for window to expire
		time.Sleep(150 * time.Millisecond)

		count3, _ := cache.IncrementCounter(ctx, tenantID, "ingest", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("AnalysisCache", func(t *testing.T) {
		a := &domain.Analysis{
			ID:     "fraud_0123456789ab",
			UserID: "user-001",
			Status: domain.StatusNoAlert,
			Result: &domain.FraudAnalysisResult{OverallRisk: domain.RiskLow, RiskScore: 12.5},
		}

		if err := cache.SetAnalysis(ctx, tenantID, a, time.Minute); err != nil {
			t.Fatalf("SetAnalysis failed: %v", err)
		}

		retrieved, err := cache.GetAnalysis(ctx, tenantID, a.ID)
		if err != nil {
			t.Fatalf("GetAnalysis failed: %v", err)
		}
		if retrieved == nil || retrieved.Result.RiskScore != 12.5 {
			t.Fatalf("expected cached analysis with score 12.5, got %+v", retrieved)
		}

		miss, err := cache.GetAnalysis(ctx, "tenant-002", a.ID)
		if err != nil || miss != nil {
			t.Errorf("expected miss for other tenant, got %+v (%v)", miss, err)
		}
	})

	t.Run("HistoryHelpers", func(t *testing.T) {
		txs := []*domain.Transaction{{ID: "tx-1", SenderID: "user-001", RecipientID: "user-002"}}

		if err := SetHistory(ctx, cache, tenantID, "user-001", txs, time.Minute); err != nil {
			t.Fatalf("SetHistory failed: %v", err)
		}

		got, ok := GetHistory(ctx, cache, tenantID, "user-001")
		if !ok || len(got) != 1 || got[0].ID != "tx-1" {
			t.Fatalf("expected cached history, got %v (hit=%v)", got, ok)
		}

		if err := InvalidateHistory(ctx, cache, tenantID, "user-001", "user-002"); err != nil {
			t.Fatalf("InvalidateHistory failed: %v", err)
		}
		if _, ok := GetHistory(ctx, cache, tenantID, "user-001"); ok {
			t.Error("expected miss after invalidation")
		}
	})

	t.Run("EmptyHistoryIsAHit", func(t *testing.T) {
		_ = SetHistory(ctx, cache, tenantID, "quiet-user", nil, time.Minute)
		got, ok := GetHistory(ctx, cache, tenantID, "quiet-user")
		if !ok || len(got) != 0 {
			t.Errorf("expected empty hit, got %v (hit=%v)", got, ok)
		}
	})

	t.Run("Evictions", func(t *testing.T) {
		small := NewLRUCache(2)
		for _, k := range []string{"a", "b", "c", "d"} {
			_ = small.Set(ctx, tenantID, k, []byte(k), time.Minute)
		}
		if small.Evictions() != 2 {
			t.Errorf("expected 2 evictions, got %d", small.Evictions())
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, tenantID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
