// Package circular detects transfer cycles that return funds to their originator.
package circular

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// MaxPathNodes bounds a cycle to five hops including the subject at both ends.
	MaxPathNodes = 6

	// MaxReportedCycles is the number of cycles kept in the result.
	MaxReportedCycles = 5

	// DefaultBudget is the number of search frames explored before giving up.
	DefaultBudget = 200000

	quickCycle = 24 * 60 * 60 * 1000 // ms
)

var largeAmount = decimal.NewFromInt(10000)

type edge struct {
	to     string
	amount decimal.Decimal
	ts     int64 // unix ms
}

type frame struct {
	path    []string
	amounts []decimal.Decimal
	ts      []int64
}

// Detector searches for cycles with a bounded amount of work.
type Detector struct {
	// Budget caps the number of DFS frames. Zero means DefaultBudget.
	Budget int
}

// Detect runs a Detector with the default budget.
func Detect(txs []*domain.Transaction, userID string) *domain.CircularFlowResult {
	return Detector{}.Detect(txs, userID)
}

// Detect builds a sender->recipient multigraph from txs and returns every
// path that starts and ends at userID without revisiting an intermediate node.
func (d Detector) Detect(txs []*domain.Transaction, userID string) *domain.CircularFlowResult {
	result := &domain.CircularFlowResult{Cycles: []domain.Cycle{}}
	if userID == "" || len(txs) == 0 {
		return result
	}

	budget := d.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	graph := make(map[string][]edge)
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		graph[tx.SenderID] = append(graph[tx.SenderID], edge{
			to:     tx.RecipientID,
			amount: tx.Amount,
			ts:     tx.Timestamp.UnixMilli(),
		})
	}

	roots := graph[userID]
	if len(roots) == 0 {
		return result
	}

	// Children are pushed in reverse so frames pop in the same order a
	// recursive walk would visit them.
	stack := make([]frame, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		e := roots[i]
		stack = append(stack, frame{
			path:    []string{userID, e.to},
			amounts: []decimal.Decimal{e.amount},
			ts:      []int64{e.ts},
		})
	}

	var score float64
	var explored int
	for len(stack) > 0 {
		if explored >= budget {
			result.Truncated = true
			break
		}
		explored++

		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		current := f.path[len(f.path)-1]

		if current == userID {
			c, mean := newCycle(f)
			result.CycleCount++
			score += cycleWeight(c, mean)
			if len(result.Cycles) < MaxReportedCycles {
				result.Cycles = append(result.Cycles, c)
			}
			continue
		}

		if len(f.path) >= MaxPathNodes || onPath(f.path[:len(f.path)-1], current) {
			continue
		}

		out := graph[current]
		for i := len(out) - 1; i >= 0; i-- {
			e := out[i]
			stack = append(stack, frame{
				path:    append(f.path[:len(f.path):len(f.path)], e.to),
				amounts: append(f.amounts[:len(f.amounts):len(f.amounts)], e.amount),
				ts:      append(f.ts[:len(f.ts):len(f.ts)], e.ts),
			})
		}
	}

	if result.CycleCount > 0 {
		result.Detected = true
		result.Score = math.Min(100, 40+score)
	}
	return result
}

func onPath(path []string, node string) bool {
	for _, p := range path {
		if p == node {
			return true
		}
	}
	return false
}

func newCycle(f frame) (domain.Cycle, decimal.Decimal) {
	mean := decimal.Avg(f.amounts[0], f.amounts[1:]...)
	lo, hi := f.ts[0], f.ts[0]
	for _, t := range f.ts[1:] {
		if t < lo {
			lo = t
		}
		if t > hi {
			hi = t
		}
	}
	path := make([]string, len(f.path))
	copy(path, f.path)
	return domain.Cycle{
		Path:       path,
		Amount:     mean.Round(8).InexactFloat64(),
		TimeSpanMs: hi - lo,
	}, mean
}

// cycleWeight compares the exact mean so amounts just above the large-cycle
// threshold are not lost to float rounding.
func cycleWeight(c domain.Cycle, mean decimal.Decimal) float64 {
	w := 10.0
	if c.TimeSpanMs < quickCycle {
		w += 20
	}
	if mean.GreaterThan(largeAmount) {
		w += 15
	}
	return w
}
