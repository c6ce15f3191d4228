package analyzers

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const minDistinctRecipients = 5

// RecipientCounts counts occurrences of each recipient across the given sets,
// counting a transaction ID only once. Transactions without an ID are always counted.
func RecipientCounts(sets ...[]*domain.Transaction) map[string]int {
	counts := make(map[string]int)
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, tx := range set {
			if tx == nil {
				continue
			}
			if tx.ID != "" {
				if _, dup := seen[tx.ID]; dup {
					continue
				}
				seen[tx.ID] = struct{}{}
			}
			counts[tx.RecipientID]++
		}
	}
	return counts
}

// DistinctRecipients returns recipient IDs in first-seen order.
func DistinctRecipients(txs []*domain.Transaction) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		if _, ok := seen[tx.RecipientID]; ok {
			continue
		}
		seen[tx.RecipientID] = struct{}{}
		out = append(out, tx.RecipientID)
	}
	return out
}

// RecipientPattern scores fan-out to many recipients that have little or no prior history.
func RecipientPattern(recent, history []*domain.Transaction) float64 {
	distinct := DistinctRecipients(recent)
	if len(distinct) <= minDistinctRecipients {
		return 0
	}

	counts := RecipientCounts(history, recent)
	var fresh int
	for _, r := range distinct {
		if counts[r] <= 1 {
			fresh++
		}
	}

	n := float64(len(distinct))
	if float64(fresh) <= n*0.5 {
		return 0
	}
	return math.Round(math.Min(100, float64(fresh)/n*80))
}
