// Package policy provides the CEL-Go based alert policy engine.
// Policies are boolean expressions over a completed fraud analysis.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based alert policy engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledPolicy
	fallback   *CompiledPolicy
	maxWorkers int
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Policy  *domain.Policy
	Program cel.Program
}

// NewEngine creates a new policy engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("velocity_score", cel.DoubleType),
		cel.Variable("amount_score", cel.DoubleType),
		cel.Variable("time_score", cel.DoubleType),
		cel.Variable("balance_score", cel.DoubleType),
		cel.Variable("recipient_score", cel.DoubleType),
		cel.Variable("geographic_score", cel.DoubleType),
		cel.Variable("circular_score", cel.DoubleType),
		cel.Variable("factors", cel.ListType(cel.StringType)),
		cel.Variable("countries", cel.ListType(cel.StringType)),
		cel.Variable("high_risk_countries", cel.ListType(cel.StringType)),
		cel.Variable("cycle_count", cel.IntType),
		cel.Variable("tx_count_24h", cel.IntType),
		cel.Variable("tx_count_7d", cel.IntType),
		cel.Variable("wallet_balance", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledPolicy),
		maxWorkers: maxWorkers,
	}

	e.fallback, err = e.compile(DefaultPolicy())
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ValidatePolicy compiles a policy without loading it.
func (e *Engine) ValidatePolicy(p *domain.Policy) error {
	if p == nil {
		return fmt.Errorf("policy is required")
	}
	_, err := e.compile(p)
	return err
}

// LoadPolicy compiles and loads a policy into the engine.
func (e *Engine) LoadPolicy(p *domain.Policy) error {
	compiled, err := e.compile(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled[p.ID] = compiled
	return nil
}

// UnloadPolicy removes a policy from the engine.
func (e *Engine) UnloadPolicy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiled, id)
}

// Reload replaces all loaded policies. Disabled policies are skipped.
// On a compile error the previously loaded set is kept.
func (e *Engine) Reload(policies []*domain.Policy) error {
	next := make(map[string]*CompiledPolicy)
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		compiled, err := e.compile(p)
		if err != nil {
			return err
		}
		next[p.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// PoliciesCount returns the number of loaded policies.
func (e *Engine) PoliciesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Policies returns the loaded policies ordered by ID.
func (e *Engine) Policies() []*domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.Policy, 0, len(e.compiled))
	for _, c := range e.compiled {
		out = append(out, c.Policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activation builds the CEL variables for a result.
func Activation(userID string, r *domain.FraudAnalysisResult) map[string]any {
	if r == nil {
		r = &domain.FraudAnalysisResult{OverallRisk: domain.RiskLow}
	}

	var highRisk, countries []string
	if r.GeographicRisk != nil {
		highRisk = r.GeographicRisk.HighRiskCountries
		for _, j := range r.GeographicRisk.Jurisdictions {
			countries = append(countries, j.Country)
		}
	}
	var cycles int64
	if r.CircularFlows != nil {
		cycles = int64(r.CircularFlows.CycleCount)
	}
	balance, _ := decimal.NewFromString(r.Metadata.WalletBalance)
	walletBalance, _ := balance.Float64()

	return map[string]any{
		"user_id":             userID,
		"risk_score":          r.RiskScore,
		"tier":                string(r.OverallRisk),
		"confidence":          r.Confidence,
		"velocity_score":      r.VelocityScore,
		"amount_score":        r.AmountAnomalyScore,
		"time_score":          r.TimePatternScore,
		"balance_score":       r.BalanceBehaviorScore,
		"recipient_score":     r.RecipientPatternScore,
		"geographic_score":    r.GeographicRiskScore,
		"circular_score":      r.CircularFlowScore,
		"factors":             nonNil(r.Metadata.SuspiciousPatterns),
		"countries":           nonNil(countries),
		"high_risk_countries": nonNil(highRisk),
		"cycle_count":         cycles,
		"tx_count_24h":        int64(r.Metadata.TransactionCount24h),
		"tx_count_7d":         int64(r.Metadata.TransactionCount7d),
		"wallet_balance":      walletBalance,
	}
}

// EvaluateAll evaluates every loaded policy in parallel. With no policies
// loaded, the default policy is evaluated instead. Results are ordered by policy ID.
func (e *Engine) EvaluateAll(ctx context.Context, userID string, r *domain.FraudAnalysisResult) []domain.PolicyResult {
	e.mu.RLock()
	policies := make([]*CompiledPolicy, 0, len(e.compiled))
	for _, p := range e.compiled {
		policies = append(policies, p)
	}
	e.mu.RUnlock()

	if len(policies) == 0 {
		policies = append(policies, e.fallback)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Policy.ID < policies[j].Policy.ID })

	activation := Activation(userID, r)

	results := make([]domain.PolicyResult, len(policies))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, p := range policies {
		wg.Add(1)
		go func(idx int, cp *CompiledPolicy) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluate(ctx, cp, activation)
		}(i, p)
	}

	wg.Wait()
	return results
}

// Triggered reports whether any result fired.
func Triggered(results []domain.PolicyResult) bool {
	for _, r := range results {
		if r.Triggered {
			return true
		}
	}
	return false
}

func evaluate(ctx context.Context, cp *CompiledPolicy, activation map[string]any) domain.PolicyResult {
	start := time.Now()
	result := domain.PolicyResult{
		PolicyID: cp.Policy.ID,
		Name:     cp.Policy.Name,
		Severity: cp.Policy.Severity,
	}

	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		return result
	}

	out, _, err := cp.Program.Eval(activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	if b, ok := out.(types.Bool); ok {
		result.Triggered = bool(b)
	}
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

func (e *Engine) compile(p *domain.Policy) (*CompiledPolicy, error) {
	ast, issues := e.env.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", p.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", p.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", p.ID, err)
	}

	return &CompiledPolicy{Policy: p, Program: program}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
