package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

type recordingAnalyzer struct {
	mu    sync.Mutex
	calls []pipeline.Request
	tids  []string
	err   error
	done  chan struct{}
}

func newRecordingAnalyzer() *recordingAnalyzer {
	return &recordingAnalyzer{done: make(chan struct{}, 10)}
}

func (r *recordingAnalyzer) Run(ctx context.Context, tenantID string, req pipeline.Request) (*domain.Analysis, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.tids = append(r.tids, tenantID)
	r.mu.Unlock()
	defer func() { r.done <- struct{}{} }()

	if r.err != nil {
		return nil, r.err
	}
	return &domain.Analysis{ID: "fraud_test", UserID: req.UserID, Status: domain.StatusNoAlert}, nil
}

func (r *recordingAnalyzer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for analysis")
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingAnalyzer(), quietLogger())

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionIngested {
			t.Errorf("expected topic %s, got %s", domain.TopicTransactionIngested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		if got := w.GetStats().SubscriptionCount; got != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", got)
		}
	})

	t.Run("RequiresTenants", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingAnalyzer(), quietLogger())
		if err := w.Start(Config{}); err == nil {
			t.Error("expected error without tenants")
		}
	})

	t.Run("AnalyzesSender", func(t *testing.T) {
		analyzer := newRecordingAnalyzer()
		w := NewWorker(eventBus, analyzer, quietLogger())
		if err := w.Start(Config{TenantIDs: []string{"tenant-test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ev := pipeline.TransactionIngested{
			TransactionID: "tx-001",
			Type:          "transfer",
			SenderID:      "alice",
			RecipientID:   "bob",
			Amount:        "500",
			Currency:      "USD",
		}
		if err := bus.PublishJSON(context.Background(), eventBus, "tenant-test", domain.TopicTransactionIngested, ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		analyzer.wait(t)

		analyzer.mu.Lock()
		defer analyzer.mu.Unlock()
		if len(analyzer.calls) != 1 {
			t.Fatalf("expected 1 analysis, got %d", len(analyzer.calls))
		}
		if analyzer.calls[0].UserID != "alice" || analyzer.calls[0].TransactionID != "tx-001" {
			t.Errorf("unexpected request %+v", analyzer.calls[0])
		}
		if analyzer.tids[0] != "tenant-test" {
			t.Errorf("expected tenant 'tenant-test', got %s", analyzer.tids[0])
		}
	})

	t.Run("CountsFailures", func(t *testing.T) {
		analyzer := newRecordingAnalyzer()
		analyzer.err = errors.New("boom")
		w := NewWorker(eventBus, analyzer, quietLogger())
		if err := w.Start(Config{TenantIDs: []string{"tenant-fail"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		bus.PublishJSON(context.Background(), eventBus, "tenant-fail", domain.TopicTransactionIngested,
			pipeline.TransactionIngested{TransactionID: "tx-9", SenderID: "mallory"})
		analyzer.wait(t)

		// The failure counter is updated after Run returns.
		deadline := time.Now().Add(time.Second)
		for w.GetStats().Failed != 1 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := w.GetStats().Failed; got != 1 {
			t.Errorf("expected 1 failure, got %d", got)
		}
	})

	t.Run("RejectsMalformedPayload", func(t *testing.T) {
		analyzer := newRecordingAnalyzer()
		w := NewWorker(eventBus, analyzer, quietLogger())
		w.Start(Config{TenantIDs: []string{"tenant-bad"}})
		defer w.Stop()

		eventBus.Publish(context.Background(), "tenant-bad", domain.TopicTransactionIngested, []byte("not json"))

		deadline := time.Now().Add(time.Second)
		for w.GetStats().Failed != 1 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := w.GetStats().Failed; got != 1 {
			t.Errorf("expected 1 failure, got %d", got)
		}
		analyzer.mu.Lock()
		defer analyzer.mu.Unlock()
		if len(analyzer.calls) != 0 {
			t.Errorf("expected no analysis for malformed payload, got %d", len(analyzer.calls))
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingAnalyzer(), quietLogger())
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if got := w.GetStats().SubscriptionCount; got != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", got)
		}
	})
}
