package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Tier boundaries on the weighted score.
const (
	LowMax    = 30
	MediumMax = 70
)

// ComponentScores holds the rounded per-analyzer scores.
type ComponentScores struct {
	Velocity   float64 `json:"velocity"`
	Amount     float64 `json:"amount"`
	Time       float64 `json:"time"`
	Balance    float64 `json:"balance"`
	Recipient  float64 `json:"recipient"`
	Geographic float64 `json:"geographic"`
	Circular   float64 `json:"circular"`
}

// Weights applied to each component. They sum to 1.
var Weights = ComponentScores{
	Velocity:   0.20,
	Amount:     0.25,
	Time:       0.15,
	Balance:    0.15,
	Recipient:  0.10,
	Geographic: 0.10,
	Circular:   0.05,
}

// WeightedScore returns the unrounded weighted sum of the component scores.
func WeightedScore(s ComponentScores) float64 {
	return s.Velocity*Weights.Velocity +
		s.Amount*Weights.Amount +
		s.Time*Weights.Time +
		s.Balance*Weights.Balance +
		s.Recipient*Weights.Recipient +
		s.Geographic*Weights.Geographic +
		s.Circular*Weights.Circular
}

// TierFor classifies an unrounded weighted score.
func TierFor(score float64) domain.RiskTier {
	switch {
	case score <= LowMax:
		return domain.RiskLow
	case score <= MediumMax:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

// severityFor is the factor severity for a component score above the reporting threshold.
func severityFor(score float64) domain.RiskTier {
	if score > MediumMax {
		return domain.RiskHigh
	}
	return domain.RiskMedium
}

// Color maps a score to a display color.
func Color(score float64) string {
	switch {
	case score <= LowMax:
		return "green"
	case score <= MediumMax:
		return "yellow"
	default:
		return "red"
	}
}

// FormatScore renders a score as a whole-number percentage.
func FormatScore(score float64) string {
	return decimal.NewFromFloat(roundScore(score)).String() + "%"
}

func roundScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(100, math.Round(v))
}

func roundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

func formatAmount(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	return decimal.NewFromFloat(v).StringFixed(8)
}
