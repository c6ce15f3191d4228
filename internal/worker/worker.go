// Package worker re-analyzes senders asynchronously as transactions are ingested.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// DefaultQueue is the NATS queue group shared by Kestrel instances.
const DefaultQueue = "kestrel-workers"

// Analyzer runs one analysis. *pipeline.Pipeline satisfies it.
type Analyzer interface {
	Run(ctx context.Context, tenantID string, req pipeline.Request) (*domain.Analysis, error)
}

// Worker consumes ingested-transaction events and analyzes each sender.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs lists the tenants whose ingest topics are consumed. At least one is required.
	TenantIDs []string

	// Queue is the load-balancing group on buses that support it. Empty means DefaultQueue.
	Queue string

	// Timeout bounds a single analysis. Zero means 30s.
	Timeout time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, analyzer Analyzer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		analyzer: analyzer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the ingest topic of every configured tenant.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return errors.New("worker requires at least one tenant")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, tenantID := range cfg.TenantIDs {
		tenantID := tenantID
		sub, err := bus.SubscribeShared(w.ctx, w.bus, tenantID, domain.TopicTransactionIngested, queue,
			func(ctx context.Context, msg *domain.Message) error {
				return w.handle(ctx, tenantID, msg, timeout)
			})
		if err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	if len(w.subscriptions) == 0 {
		return fmt.Errorf("no tenant subscriptions could be started")
	}

	w.logger.Info("workers started",
		"tenant_count", len(w.subscriptions),
		"topic", domain.TopicTransactionIngested,
		"queue", queue,
	)
	return nil
}

func (w *Worker) handle(ctx context.Context, tenantID string, msg *domain.Message, timeout time.Duration) error {
	w.mu.Lock()
	if err := w.ctx.Err(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	start := time.Now()

	var ev pipeline.TransactionIngested
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		w.failed.Add(1)
		w.logger.Error("failed to parse ingest event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.SenderID == "" {
		w.failed.Add(1)
		return fmt.Errorf("ingest event %s has no sender", msg.ID)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := w.analyzer.Run(runCtx, tenantID, pipeline.Request{
		UserID:        ev.SenderID,
		TransactionID: ev.TransactionID,
	})
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("async analysis failed",
			"tenant_id", tenantID,
			"transaction_id", ev.TransactionID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	w.logger.Debug("transaction analyzed",
		"tenant_id", tenantID,
		"transaction_id", ev.TransactionID,
		"analysis_id", a.ID,
		"status", a.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight analyses.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats reports worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
