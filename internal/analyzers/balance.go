package analyzers

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// BalanceBehavior scores transactions that move a large share of the wallet balance.
func BalanceBehavior(recent []*domain.Transaction, wallet *domain.Wallet) float64 {
	if wallet == nil || len(recent) == 0 || !wallet.Balance.IsPositive() {
		return 0
	}

	balance := wallet.BalanceFloat()
	var score float64
	for _, tx := range recent {
		if tx == nil {
			continue
		}
		ratio := tx.AmountFloat() / balance
		switch {
		case ratio > 0.8:
			score = 80
		case ratio > 0.5 && score < 50:
			score = 50
		}
	}
	return score
}
