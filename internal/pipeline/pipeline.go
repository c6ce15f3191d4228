// Package pipeline loads a subject's ledger activity, scores it, evaluates
// alert policies, and records the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
)

var (
	ErrSubjectRequired     = errors.New("userId or transactionId is required")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// maxSendersPerQuery bounds the IN list of a single network expansion query.
const maxSendersPerQuery = 500

// Request names the subject of an analysis. When only TransactionID is set,
// the transaction's sender is analyzed.
type Request struct {
	UserID        string `json:"userId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// Options wires a Pipeline. Repo, Engine and Policies are required.
type Options struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Engine   *risk.Engine
	Policies *policy.Engine
	Metrics  *metrics.Metrics
	Config   domain.PipelineConfig
	Logger   *slog.Logger
	Tracer   trace.Tracer

	// Clock returns the analysis time. Defaults to time.Now.
	Clock func() time.Time
}

// Pipeline runs analyses. It is safe for concurrent use.
type Pipeline struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *risk.Engine
	policies *policy.Engine
	metrics  *metrics.Metrics
	cfg      domain.PipelineConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Repo == nil || opts.Engine == nil || opts.Policies == nil {
		return nil, fmt.Errorf("pipeline requires a repository, risk engine and policy engine")
	}

	p := &Pipeline{
		repo:     opts.Repo,
		cache:    opts.Cache,
		bus:      opts.Bus,
		engine:   opts.Engine,
		policies: opts.Policies,
		metrics:  opts.Metrics,
		cfg:      withDefaults(opts.Config),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		now:      opts.Clock,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("kestrel-pipeline")
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func withDefaults(cfg domain.PipelineConfig) domain.PipelineConfig {
	if cfg.HistoryWindow < 0 {
		cfg.HistoryWindow = 0
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 24 * time.Hour
	}
	if cfg.GraphDepth < 0 {
		cfg.GraphDepth = 0
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = time.Minute
	}
	if cfg.AnalysisTTL <= 0 {
		cfg.AnalysisTTL = 5 * time.Minute
	}
	return cfg
}

// Run analyzes one subject and returns the persisted analysis.
// Failures to store, cache or publish the result are logged and do not fail the run.
func (p *Pipeline) Run(ctx context.Context, tenantID string, req Request) (*domain.Analysis, error) {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("user.id", req.UserID),
		attribute.String("transaction.id", req.TransactionID),
	))
	defer span.End()

	userID, err := p.resolveSubject(ctx, tenantID, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("subject.id", userID))

	now := p.now()
	history, err := p.loadHistory(ctx, tenantID, userID, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	recent := sentSince(history, userID, now.Add(-p.cfg.RecentWindow))

	wallet, err := p.repo.GetWallet(ctx, tenantID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		wallet = nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	network := p.expandNetwork(ctx, tenantID, userID, history, p.historySince(now))
	loadMs := time.Since(start).Milliseconds()

	engineStart := time.Now()
	result := p.engine.Analyze(ctx, &risk.Input{
		UserID:  userID,
		History: history,
		Recent:  recent,
		Wallet:  wallet,
		Network: network,
		Now:     now,
	})
	engineMs := time.Since(engineStart).Milliseconds()

	policyStart := time.Now()
	alerts := p.policies.EvaluateAll(ctx, userID, result)
	policyMs := time.Since(policyStart).Milliseconds()

	status := domain.StatusNoAlert
	if policy.Triggered(alerts) {
		status = domain.StatusAlert
	}

	a := &domain.Analysis{
		ID:            newAnalysisID(),
		TenantID:      tenantID,
		UserID:        userID,
		TransactionID: req.TransactionID,
		Status:        status,
		Result:        result,
		Alerts:        alerts,
		Metadata: domain.AnalysisRunMetadata{
			TraceID:           traceID(ctx),
			HistoryCount:      len(history),
			RecentCount:       len(recent),
			NetworkCount:      len(network),
			LoadMs:            loadMs,
			EngineMs:          engineMs,
			PolicyMs:          policyMs,
			PoliciesEvaluated: len(alerts),
			EngineVersion:     risk.Version,
		},
		CreatedAt: now.UTC(),
	}
	a.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.String("analysis.id", a.ID),
		attribute.String("analysis.status", a.Status),
	)

	p.record(ctx, tenantID, a)
	return a, nil
}

func (p *Pipeline) resolveSubject(ctx context.Context, tenantID string, req Request) (string, error) {
	if req.TransactionID == "" {
		if req.UserID == "" {
			return "", ErrSubjectRequired
		}
		return req.UserID, nil
	}

	tx, err := p.repo.GetTransaction(ctx, tenantID, req.TransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrTransactionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load transaction: %w", err)
	}
	if req.UserID != "" {
		return req.UserID, nil
	}
	return tx.SenderID, nil
}

// historySince is the oldest timestamp loaded for analysis. The zero time
// means the full ledger history.
func (p *Pipeline) historySince(now time.Time) time.Time {
	if p.cfg.HistoryWindow <= 0 {
		return time.Time{}
	}
	return now.Add(-p.cfg.HistoryWindow)
}

// loadHistory returns the subject's sent and received transactions, capped by
// HistoryWindow when one is set. A cached list is re-filtered since it may
// have been stored at an earlier time.
func (p *Pipeline) loadHistory(ctx context.Context, tenantID, userID string, now time.Time) ([]*domain.Transaction, error) {
	since := p.historySince(now)

	if p.cache != nil {
		if txs, ok := cache.GetHistory(ctx, p.cache, tenantID, userID); ok {
			return within(txs, since), nil
		}
	}

	txs, err := p.repo.ListTransactionsByUser(ctx, tenantID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if p.cache != nil {
		if err := cache.SetHistory(ctx, p.cache, tenantID, userID, txs, p.cfg.HistoryTTL); err != nil {
			p.logger.Warn("failed to cache history", "user_id", userID, "error", err)
		}
	}
	return txs, nil
}

// expandNetwork follows outgoing transfers breadth-first from the subject's
// counterparties for up to GraphDepth hops. Expansion errors truncate the network.
func (p *Pipeline) expandNetwork(ctx context.Context, tenantID, userID string, history []*domain.Transaction, since time.Time) []*domain.Transaction {
	network := make([]*domain.Transaction, 0, len(history))
	seen := make(map[string]struct{}, len(history))
	visited := map[string]struct{}{userID: {}}
	var frontier []string

	add := func(tx *domain.Transaction) {
		if _, dup := seen[tx.ID]; dup {
			return
		}
		seen[tx.ID] = struct{}{}
		network = append(network, tx)
		if _, ok := visited[tx.RecipientID]; !ok {
			visited[tx.RecipientID] = struct{}{}
			frontier = append(frontier, tx.RecipientID)
		}
	}

	for _, tx := range history {
		if tx.SenderID == userID {
			add(tx)
		} else if _, dup := seen[tx.ID]; !dup {
			seen[tx.ID] = struct{}{}
			network = append(network, tx)
		}
	}

	for hop := 0; hop < p.cfg.GraphDepth && len(frontier) > 0; hop++ {
		senders := frontier
		frontier = nil

		for start := 0; start < len(senders); start += maxSendersPerQuery {
			end := min(start+maxSendersPerQuery, len(senders))
			txs, err := p.repo.ListTransactionsBySenders(ctx, tenantID, senders[start:end], since)
			if err != nil {
				p.logger.Warn("network expansion stopped",
					"user_id", userID,
					"hop", hop+1,
					"error", err,
				)
				return network
			}
			for _, tx := range txs {
				add(tx)
			}
		}
	}

	return network
}

func (p *Pipeline) record(ctx context.Context, tenantID string, a *domain.Analysis) {
	if err := p.repo.SaveAnalysis(ctx, tenantID, a); err != nil {
		p.logger.Error("failed to save analysis",
			"analysis_id", a.ID,
			"user_id", a.UserID,
			"error", err,
		)
	}

	if p.cache != nil {
		if err := p.cache.SetAnalysis(ctx, tenantID, a, p.cfg.AnalysisTTL); err != nil {
			p.logger.Warn("failed to cache analysis", "analysis_id", a.ID, "error", err)
		}
	}

	if p.bus != nil {
		event := newCompleted(a)
		if err := bus.PublishJSON(ctx, p.bus, tenantID, domain.TopicAnalysisCompleted, event); err != nil {
			p.logger.Warn("failed to publish analysis", "analysis_id", a.ID, "error", err)
		}
		if a.Status == domain.StatusAlert {
			if err := bus.PublishJSON(ctx, p.bus, tenantID, domain.TopicAlert, event); err != nil {
				p.logger.Warn("failed to publish alert", "analysis_id", a.ID, "error", err)
			}
		}
	}

	p.metrics.ObserveAnalysis(a)

	p.logger.Info("analysis completed",
		"analysis_id", a.ID,
		"tenant_id", tenantID,
		"user_id", a.UserID,
		"risk_score", a.Result.RiskScore,
		"tier", a.Result.OverallRisk,
		"status", a.Status,
		"total_ms", a.Metadata.TotalMs,
	)
}

// Ingest stores a ledger transaction, invalidates the history of both parties,
// and announces it on the bus. Missing ID and timestamps are filled in.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: transaction is required", repository.ErrInvalidInput)
	}
	now := p.now().UTC()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = now
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.TenantID = tenantID

	if err := p.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		return err
	}

	var count int64
	if p.cache != nil {
		if err := cache.InvalidateHistory(ctx, p.cache, tenantID, tx.SenderID, tx.RecipientID); err != nil {
			p.logger.Warn("failed to invalidate history", "transaction_id", tx.ID, "error", err)
		}
		n, err := p.cache.IncrementCounter(ctx, tenantID, domain.CacheKeyIngest+tx.SenderID, p.cfg.RecentWindow)
		if err != nil {
			p.logger.Warn("failed to count ingest", "sender_id", tx.SenderID, "error", err)
		}
		count = n
	}

	p.metrics.ObserveIngest(tx.Type)

	if p.bus != nil {
		if err := bus.PublishJSON(ctx, p.bus, tenantID, domain.TopicTransactionIngested, newIngested(tx, count)); err != nil {
			p.logger.Warn("failed to publish transaction", "transaction_id", tx.ID, "error", err)
		}
	}
	return nil
}

// Lookup returns a stored analysis, reading through the cache.
func (p *Pipeline) Lookup(ctx context.Context, tenantID, analysisID string) (*domain.Analysis, error) {
	if p.cache != nil {
		a, err := p.cache.GetAnalysis(ctx, tenantID, analysisID)
		if err != nil {
			p.logger.Warn("analysis cache read failed", "analysis_id", analysisID, "error", err)
		} else if a != nil {
			return a, nil
		}
	}

	a, err := p.repo.GetAnalysis(ctx, tenantID, analysisID)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		_ = p.cache.SetAnalysis(ctx, tenantID, a, p.cfg.AnalysisTTL)
	}
	return a, nil
}

func newAnalysisID() string {
	return "fraud_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

// sentSince returns the subject's outgoing transactions at or after since.
func sentSince(txs []*domain.Transaction, userID string, since time.Time) []*domain.Transaction {
	var out []*domain.Transaction
	for _, tx := range txs {
		if tx.SenderID == userID && !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	return out
}

func within(txs []*domain.Transaction, since time.Time) []*domain.Transaction {
	if since.IsZero() {
		return txs
	}
	out := make([]*domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	return out
}
