package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var now = time.Date(2025, 11, 29, 4, 30, 0, 0, time.UTC)

func newTx(id, from, to string, amount int64, ts time.Time, meta map[string]interface{}) *domain.Transaction {
	return &domain.Transaction{
		ID:          id,
		SenderID:    from,
		RecipientID: to,
		Amount:      decimal.NewFromInt(amount),
		Currency:    "TRUP",
		Timestamp:   ts,
		Metadata:    meta,
	}
}

func newTestEngine() *Engine {
	return NewEngine(Options{Location: time.UTC})
}

func TestWeightsSumToOne(t *testing.T) {
	sum := Weights.Velocity + Weights.Amount + Weights.Time + Weights.Balance +
		Weights.Recipient + Weights.Geographic + Weights.Circular
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestWeightedScoreSingleComponent(t *testing.T) {
	tests := []struct {
		name   string
		scores ComponentScores
		want   float64
	}{
		{"Velocity", ComponentScores{Velocity: 100}, 20},
		{"AmountAnomaly", ComponentScores{Amount: 100}, 25},
		{"TimePattern", ComponentScores{Time: 100}, 15},
		{"BalanceBehavior", ComponentScores{Balance: 100}, 15},
		{"RecipientPattern", ComponentScores{Recipient: 100}, 10},
		{"Geographic", ComponentScores{Geographic: 100}, 10},
		{"CircularFlow", ComponentScores{Circular: 100}, 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, WeightedScore(tc.scores), 1e-9)
		})
	}

	all := ComponentScores{Velocity: 100, Amount: 100, Time: 100, Balance: 100, Recipient: 100, Geographic: 100, Circular: 100}
	assert.InDelta(t, 100, WeightedScore(all), 1e-9)
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.RiskTier
	}{
		{0, domain.RiskLow},
		{30, domain.RiskLow},
		{30.0001, domain.RiskMedium},
		{70, domain.RiskMedium},
		{70.0001, domain.RiskHigh},
		{100, domain.RiskHigh},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%v", tc.score), func(t *testing.T) {
			assert.Equal(t, tc.want, TierFor(tc.score))
		})
	}
}

func TestWeightedScoreRuralScenario(t *testing.T) {
	s := ComponentScores{Velocity: 0, Amount: 100, Time: 60, Balance: 80}
	score := WeightedScore(s)
	assert.InDelta(t, 46, score, 1e-9)
	assert.Equal(t, domain.RiskMedium, TierFor(score))
}

func TestColorAndFormat(t *testing.T) {
	assert.Equal(t, "green", Color(30))
	assert.Equal(t, "yellow", Color(31))
	assert.Equal(t, "red", Color(71))
	assert.Equal(t, "46%", FormatScore(45.6))
}

func TestAnalyzeEmptyInput(t *testing.T) {
	res := newTestEngine().Analyze(context.Background(), &Input{UserID: "u1", Now: now})

	assert.Equal(t, domain.RiskLow, res.OverallRisk)
	assert.Equal(t, 0.0, res.RiskScore)
	assert.Equal(t, 0.5, res.Confidence)
	assert.Empty(t, res.RiskFactors)
	assert.Nil(t, res.CircularFlows)
	assert.Nil(t, res.GeographicRisk)
	assert.Equal(t, "0", res.Metadata.AvgTransactionAmount)
	assert.Equal(t, "0", res.Metadata.StdDevAmount)
	assert.Equal(t, "0", res.Metadata.WalletBalance)
	assert.Equal(t, []string{"US"}, res.Metadata.ReceiverCountries)

	nilInput := newTestEngine().Analyze(context.Background(), nil)
	assert.Equal(t, domain.RiskLow, nilInput.OverallRisk)
}

// ruralInput: history averages 50 with stddev 10, then a 500 transfer at 4am
// drains most of a 600 balance.
func ruralInput() *Input {
	var history []*domain.Transaction
	for i := 0; i < 10; i++ {
		amount := int64(40)
		if i%2 == 1 {
			amount = 60
		}
		ts := time.Date(2025, 11, 23+i%5, 14, i, 0, 0, time.UTC)
		history = append(history, newTx(fmt.Sprintf("h%d", i), "rural-user", "shop", amount, ts, nil))
	}
	recent := []*domain.Transaction{
		newTx("late", "rural-user", "stranger", 500, time.Date(2025, 11, 29, 4, 0, 0, 0, time.UTC), nil),
	}
	return &Input{
		UserID:  "rural-user",
		History: history,
		Recent:  recent,
		Wallet:  &domain.Wallet{UserID: "rural-user", Balance: decimal.NewFromInt(600)},
		Now:     now,
	}
}

func TestAnalyzeRuralLateNight(t *testing.T) {
	res := newTestEngine().Analyze(context.Background(), ruralInput())

	assert.Equal(t, 0.0, res.VelocityScore)
	assert.Equal(t, 100.0, res.AmountAnomalyScore)
	assert.Equal(t, 60.0, res.TimePatternScore)
	assert.Equal(t, 80.0, res.BalanceBehaviorScore)
	assert.Equal(t, 0.0, res.RecipientPatternScore)
	assert.Equal(t, 0.0, res.GeographicRiskScore)
	assert.Equal(t, 0.0, res.CircularFlowScore)
	assert.Equal(t, 46.0, res.RiskScore)
	assert.Equal(t, domain.RiskMedium, res.OverallRisk)

	// 0.8 - 0.1 (single recent transaction)
	assert.Equal(t, 0.7, res.Confidence)

	require.Len(t, res.RiskFactors, 3)
	assert.Equal(t, FactorAmount, res.RiskFactors[0].Factor)
	assert.Equal(t, domain.RiskHigh, res.RiskFactors[0].Severity)
	assert.Equal(t, FactorTiming, res.RiskFactors[1].Factor)
	assert.Equal(t, domain.RiskMedium, res.RiskFactors[1].Severity)
	assert.Equal(t, FactorDraining, res.RiskFactors[2].Factor)
	assert.Equal(t, domain.RiskHigh, res.RiskFactors[2].Severity)
	assert.Equal(t, []string{FactorAmount, FactorTiming, FactorDraining}, res.Metadata.SuspiciousPatterns)

	assert.Equal(t, "50.00000000", res.Metadata.AvgTransactionAmount)
	assert.Equal(t, "10.00000000", res.Metadata.StdDevAmount)
	assert.Equal(t, "600", res.Metadata.WalletBalance)
	assert.Equal(t, 1, res.Metadata.UniqueRecipients)
	assert.Equal(t, 1, res.Metadata.UniqueRecipients24h)
	assert.Equal(t, 0, res.Metadata.TransactionCount24h)
	assert.Equal(t, 10, res.Metadata.TransactionCount7d)
}

func TestAnalyzeNormalTransfer(t *testing.T) {
	afternoon := time.Date(2025, 11, 29, 14, 0, 0, 0, time.UTC)
	var history []*domain.Transaction
	for i := 0; i < 10; i++ {
		history = append(history, newTx(fmt.Sprintf("h%d", i), "u1", "grocer", int64(80+i*2), afternoon.Add(-time.Duration(i+1)*24*time.Hour), nil))
	}
	recent := []*domain.Transaction{
		newTx("r1", "u1", "grocer", 100, afternoon.Add(-time.Hour), nil),
		newTx("r2", "u1", "grocer", 90, afternoon, nil),
	}
	res := newTestEngine().Analyze(context.Background(), &Input{
		UserID:  "u1",
		History: history,
		Recent:  recent,
		Wallet:  &domain.Wallet{UserID: "u1", Balance: decimal.NewFromInt(5000)},
		Now:     afternoon,
	})

	assert.Equal(t, domain.RiskLow, res.OverallRisk)
	assert.Less(t, res.RiskScore, 31.0)
	assert.Empty(t, res.RiskFactors)
	assert.Equal(t, 0.8, res.Confidence)
}

func TestAnalyzeIdempotent(t *testing.T) {
	e := newTestEngine()
	in := ruralInput()
	first := e.Analyze(context.Background(), in)
	second := e.Analyze(context.Background(), in)
	assert.Equal(t, first, second)
}

func TestAnalyzeGeographicAndCircular(t *testing.T) {
	base := now.Add(-6 * time.Hour)
	history := []*domain.Transaction{
		newTx("1", "A", "B", 15000, base, map[string]interface{}{"recipientCountry": "KP"}),
		newTx("2", "B", "C", 15000, base.Add(time.Hour), map[string]interface{}{"recipientCountry": "IR"}),
		newTx("3", "C", "A", 15000, base.Add(2*time.Hour), map[string]interface{}{"recipientCountry": "KP"}),
	}
	res := newTestEngine().Analyze(context.Background(), &Input{UserID: "A", History: history, Now: now})

	assert.Equal(t, 100.0, res.GeographicRiskScore)
	assert.Equal(t, 85.0, res.CircularFlowScore)
	require.NotNil(t, res.CircularFlows)
	require.NotNil(t, res.GeographicRisk)
	assert.Equal(t, []string{"KP", "IR"}, res.GeographicRisk.HighRiskCountries)
	assert.Equal(t, []string{"KP", "IR"}, res.Metadata.ReceiverCountries)

	// 0.8 - 0.1 - 0.1 - 0.1 + 0.05
	assert.Equal(t, 0.55, res.Confidence)

	require.Len(t, res.RiskFactors, 2)
	geoFactor := res.RiskFactors[0]
	assert.Equal(t, FactorJurisdiction, geoFactor.Factor)
	assert.Equal(t, "Transactions involving FATF-listed countries: KP, IR", geoFactor.Description)
	assert.Equal(t, 2, geoFactor.Details["jurisdictionCount"])

	cycleFactor := res.RiskFactors[1]
	assert.Equal(t, FactorCircular, cycleFactor.Factor)
	assert.Equal(t, domain.RiskHigh, cycleFactor.Severity)
	assert.Equal(t, "Detected 1 potential money laundering cycle(s)", cycleFactor.Description)
	assert.Equal(t, 4, cycleFactor.Details["shortestCycle"])

	// 0.10*100 + 0.05*85 = 14.25
	assert.Equal(t, 14.0, res.RiskScore)
	assert.Equal(t, domain.RiskLow, res.OverallRisk)
}

func TestAnalyzeUsesNetworkForCycles(t *testing.T) {
	history := []*domain.Transaction{newTx("1", "A", "B", 10, now.Add(-time.Hour), nil)}
	network := append(history, newTx("2", "B", "A", 10, now.Add(-30*time.Minute), nil))

	withoutNetwork := newTestEngine().Analyze(context.Background(), &Input{UserID: "A", History: history, Now: now})
	assert.Equal(t, 0.0, withoutNetwork.CircularFlowScore)

	withNetwork := newTestEngine().Analyze(context.Background(), &Input{UserID: "A", History: history, Network: network, Now: now})
	assert.Equal(t, 70.0, withNetwork.CircularFlowScore)
}

func TestAnalyzeScoresInRange(t *testing.T) {
	var recent []*domain.Transaction
	for i := 0; i < 80; i++ {
		recent = append(recent, newTx(fmt.Sprintf("r%d", i), "u", fmt.Sprintf("new-%d", i), int64(1000*(i+1)), now.Add(-time.Duration(i)*time.Second), map[string]interface{}{"country": "KP"}))
	}
	history := append([]*domain.Transaction{newTx("h", "u", "x", 1, now.Add(-48*time.Hour), nil)}, recent...)

	res := newTestEngine().Analyze(context.Background(), &Input{
		UserID:  "u",
		History: history,
		Recent:  recent,
		Wallet:  &domain.Wallet{UserID: "u", Balance: decimal.NewFromInt(100)},
		Now:     now,
	})

	for _, v := range []float64{
		res.RiskScore, res.VelocityScore, res.AmountAnomalyScore, res.TimePatternScore,
		res.BalanceBehaviorScore, res.RecipientPatternScore, res.GeographicRiskScore, res.CircularFlowScore,
	} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
	assert.GreaterOrEqual(t, res.Confidence, 0.3)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	assert.Equal(t, domain.RiskMedium, res.OverallRisk)
	assert.Equal(t, 100.0, res.VelocityScore)
	assert.Equal(t, 70.0, res.TimePatternScore)
}

func TestAnalyzeRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	e := NewEngine(Options{Location: time.UTC, Tracer: tp.Tracer("test")})

	e.Analyze(context.Background(), ruralInput())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "risk.Analyze", spans[0].Name())
}
