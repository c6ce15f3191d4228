// Package risk combines the individual analyzers into a composite fraud risk assessment.
package risk

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/analyzers"
	"github.com/opensource-finance/kestrel/internal/circular"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// Version identifies the scoring model.
const Version = "1.0.0"

// Input is everything the engine needs to score one subject.
type Input struct {
	UserID string

	// History is the subject's transactions over the long window.
	History []*domain.Transaction

	// Recent is the short-window subset used for velocity and behaviour checks.
	Recent []*domain.Transaction

	// Wallet may be nil.
	Wallet *domain.Wallet

	// Network holds the edges searched for cycles. When nil, History is used.
	Network []*domain.Transaction

	// Now is the analysis time. Zero means time.Now().
	Now time.Time
}

// Options configures an Engine.
type Options struct {
	// Location for hour-of-day checks. Nil means time.Local.
	Location *time.Location

	// DefaultCountry is reported when no receiver country is known.
	DefaultCountry string

	// Resolver is consulted for IP-based country lookup. May be nil.
	Resolver geo.Resolver

	// CycleBudget bounds the circular flow search. Zero means the package default.
	CycleBudget int

	Tracer trace.Tracer
}

// Engine scores transaction activity. It holds no per-call state and is safe
// for concurrent use.
type Engine struct {
	loc            *time.Location
	defaultCountry string
	resolver       geo.Resolver
	detector       circular.Detector
	tracer         trace.Tracer
}

// NewEngine creates a scoring engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		loc:            opts.Location,
		defaultCountry: opts.DefaultCountry,
		resolver:       opts.Resolver,
		detector:       circular.Detector{Budget: opts.CycleBudget},
		tracer:         opts.Tracer,
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.defaultCountry == "" {
		e.defaultCountry = "US"
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("kestrel-risk")
	}
	return e
}

// Analyze runs all analyzers concurrently and aggregates their scores.
// It never fails: missing or empty inputs produce neutral scores.
func (e *Engine) Analyze(ctx context.Context, in *Input) *domain.FraudAnalysisResult {
	if in == nil {
		in = &Input{}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	network := in.Network
	if network == nil {
		network = in.History
	}

	_, span := e.tracer.Start(ctx, "risk.Analyze", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.Int("history.count", len(in.History)),
		attribute.Int("recent.count", len(in.Recent)),
		attribute.Int("network.count", len(network)),
	))
	defer span.End()

	var (
		scores ComponentScores
		geoRes *domain.GeographicRiskResult
		cycles *domain.CircularFlowResult
		wg     sync.WaitGroup
	)

	wg.Add(7)
	go func() {
		defer wg.Done()
		scores.Velocity = analyzers.Velocity(in.Recent, now)
	}()
	go func() {
		defer wg.Done()
		scores.Amount = analyzers.AmountAnomaly(in.Recent, in.History)
	}()
	go func() {
		defer wg.Done()
		scores.Time = analyzers.TimePattern(in.Recent, e.loc)
	}()
	go func() {
		defer wg.Done()
		scores.Balance = analyzers.BalanceBehavior(in.Recent, in.Wallet)
	}()
	go func() {
		defer wg.Done()
		scores.Recipient = analyzers.RecipientPattern(in.Recent, in.History)
	}()
	go func() {
		defer wg.Done()
		geoRes = geo.Analyze(in.History, e.resolver)
	}()
	go func() {
		defer wg.Done()
		cycles = e.detector.Detect(network, in.UserID)
	}()
	wg.Wait()

	scores.Geographic = geoRes.Score
	scores.Circular = cycles.Score

	raw := WeightedScore(scores)
	tier := TierFor(raw)

	result := &domain.FraudAnalysisResult{
		OverallRisk:           tier,
		RiskScore:             roundScore(raw),
		Confidence:            Confidence(in, len(geoRes.Jurisdictions) > 0),
		VelocityScore:         scores.Velocity,
		AmountAnomalyScore:    scores.Amount,
		TimePatternScore:      scores.Time,
		BalanceBehaviorScore:  scores.Balance,
		RecipientPatternScore: scores.Recipient,
		GeographicRiskScore:   scores.Geographic,
		CircularFlowScore:     scores.Circular,
	}
	result.RiskFactors = buildFactors(scores, in, geoRes, cycles)
	if cycles.Detected {
		result.CircularFlows = cycles
	}
	if len(geoRes.Jurisdictions) > 0 {
		result.GeographicRisk = geoRes
	}
	result.Metadata = e.summarize(in, now, result.RiskFactors)

	span.SetAttributes(
		attribute.Float64("risk.score", result.RiskScore),
		attribute.String("risk.tier", string(tier)),
		attribute.Int("risk.factors", len(result.RiskFactors)),
	)
	if cycles.Truncated {
		span.AddEvent("circular search truncated")
	}

	return result
}

// Confidence reflects how much data backed the assessment.
func Confidence(in *Input, hasJurisdictions bool) float64 {
	c := 0.8
	if len(in.History) < 5 {
		c -= 0.1
	}
	if len(in.Recent) < 2 {
		c -= 0.1
	}
	if in.Wallet == nil {
		c -= 0.1
	}
	if hasJurisdictions {
		c += 0.05
	}
	c = stats.Clamp(c, 0.3, 1)
	return roundTo(c, 2)
}

func (e *Engine) summarize(in *Input, now time.Time, factors []domain.RiskFactor) domain.AnalysisMetadata {
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	md := domain.AnalysisMetadata{
		AvgTransactionAmount: "0",
		StdDevAmount:         "0",
		WalletBalance:        "0",
		SuspiciousPatterns:   make([]string, 0, len(factors)),
	}
	for _, tx := range in.History {
		if tx == nil {
			continue
		}
		if !tx.Timestamp.Before(dayAgo) {
			md.TransactionCount24h++
		}
		if !tx.Timestamp.Before(weekAgo) {
			md.TransactionCount7d++
		}
	}

	if amounts := analyzers.Amounts(in.History); len(amounts) > 0 {
		md.AvgTransactionAmount = formatAmount(stats.Mean(amounts))
		md.StdDevAmount = formatAmount(stats.StdDev(amounts))
	}

	md.UniqueRecipients = len(analyzers.DistinctRecipients(in.History))
	md.UniqueRecipients24h = len(analyzers.DistinctRecipients(in.Recent))

	if in.Wallet != nil {
		md.WalletBalance = in.Wallet.Balance.String()
	}

	for _, f := range factors {
		md.SuspiciousPatterns = append(md.SuspiciousPatterns, f.Factor)
	}

	md.ReceiverCountries = geo.Countries(in.History, e.resolver)
	if len(md.ReceiverCountries) == 0 {
		md.ReceiverCountries = []string{e.defaultCountry}
	}
	return md
}
