package analyzers

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// ZScoreThreshold is the deviation above which an amount counts as anomalous.
const ZScoreThreshold = 3

// Amounts extracts transaction amounts as floats.
func Amounts(txs []*domain.Transaction) []float64 {
	out := make([]float64, 0, len(txs))
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		out = append(out, tx.AmountFloat())
	}
	return out
}

// AmountAnomaly scores recent amounts by their z-score against the full history.
func AmountAnomaly(recent, history []*domain.Transaction) float64 {
	if len(history) == 0 || len(recent) == 0 {
		return 0
	}

	amounts := Amounts(history)
	mean := stats.Mean(amounts)
	sd := stats.StdDev(amounts)

	var score float64
	for _, tx := range recent {
		if tx == nil {
			continue
		}
		z := stats.ZScore(tx.AmountFloat(), mean, sd)
		if z > ZScoreThreshold {
			score = math.Max(score, math.Min(100, z/5*100))
		}
	}
	return math.Round(score)
}
