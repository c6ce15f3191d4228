package domain

// GlobalTenantID owns policies that apply to all tenants.
const GlobalTenantID = "*"

// Policy is a CEL alert condition evaluated over a FraudAnalysisResult.
type Policy struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Boolean CEL expression, e.g. `risk_score > 60 && cycle_count > 0`
	Expression string `json:"expression"`

	Severity RiskTier `json:"severity"`
	Enabled  bool     `json:"enabled"`
}

// PolicyRequest is the API request payload for creating a policy.
type PolicyRequest struct {
	ID          string   `json:"id" validate:"required,max=128"`
	Name        string   `json:"name" validate:"required,max=256"`
	Description string   `json:"description" validate:"max=1024"`
	Expression  string   `json:"expression" validate:"required,max=4096"`
	Severity    RiskTier `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	Enabled     *bool    `json:"enabled,omitempty"`
}

// ToPolicy converts a request to a Policy.
func (r *PolicyRequest) ToPolicy(tenantID string) *Policy {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	sev := r.Severity
	if sev == "" {
		sev = RiskHigh
	}
	return &Policy{
		ID:          r.ID,
		TenantID:    tenantID,
		Name:        r.Name,
		Description: r.Description,
		Expression:  r.Expression,
		Severity:    sev,
		Enabled:     enabled,
	}
}
