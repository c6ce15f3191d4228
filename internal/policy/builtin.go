package policy

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultPolicyID identifies the policy used when none are configured.
const DefaultPolicyID = "default-high-risk"

// DefaultPolicy alerts on every HIGH tier result.
func DefaultPolicy() *domain.Policy {
	return &domain.Policy{
		ID:          DefaultPolicyID,
		Name:        "High Risk",
		Description: "Alert when the overall risk tier is HIGH",
		Expression:  `tier == "HIGH"`,
		Severity:    domain.RiskHigh,
		Enabled:     true,
	}
}
