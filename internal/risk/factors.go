package risk

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ReportThreshold is the component score above which a risk factor is reported.
const ReportThreshold = 30

// Factor names.
const (
	FactorVelocity     = "High Transaction Velocity"
	FactorAmount       = "Amount Anomaly"
	FactorTiming       = "Suspicious Timing"
	FactorDraining     = "Account Draining"
	FactorRecipients   = "Unusual Recipient Pattern"
	FactorJurisdiction = "High-Risk Jurisdiction"
	FactorCircular     = "Circular Transaction Pattern"
)

func buildFactors(s ComponentScores, in *Input, g *domain.GeographicRiskResult, c *domain.CircularFlowResult) []domain.RiskFactor {
	factors := []domain.RiskFactor{}
	add := func(name string, score float64, desc string, details map[string]interface{}) {
		if score <= ReportThreshold {
			return
		}
		factors = append(factors, domain.RiskFactor{
			Factor:      name,
			Score:       score,
			Description: desc,
			Severity:    severityFor(score),
			Details:     details,
		})
	}

	add(FactorVelocity, s.Velocity,
		fmt.Sprintf("%d transactions detected. Threshold exceeded.", len(in.Recent)), nil)
	add(FactorAmount, s.Amount,
		"Transaction amounts deviate significantly from historical patterns", nil)
	add(FactorTiming, s.Time,
		"Transactions at unusual hours or rapid succession", nil)
	add(FactorDraining, s.Balance,
		"Large transaction amounts relative to wallet balance", nil)
	add(FactorRecipients, s.Recipient,
		"Multiple new recipients in short time period", nil)

	if s.Geographic > ReportThreshold {
		desc := "Transactions involving elevated-risk jurisdictions"
		if len(g.HighRiskCountries) > 0 {
			desc = "Transactions involving FATF-listed countries: " + strings.Join(g.HighRiskCountries, ", ")
		}
		add(FactorJurisdiction, s.Geographic, desc, map[string]interface{}{
			"highRiskCountries": g.HighRiskCountries,
			"jurisdictionCount": len(g.Jurisdictions),
		})
	}

	if s.Circular > ReportThreshold {
		shortest := 0
		for i, cy := range c.Cycles {
			if i == 0 || len(cy.Path) < shortest {
				shortest = len(cy.Path)
			}
		}
		add(FactorCircular, s.Circular,
			fmt.Sprintf("Detected %d potential money laundering cycle(s)", c.CycleCount),
			map[string]interface{}{
				"cycleCount":    c.CycleCount,
				"shortestCycle": shortest,
			})
	}

	return factors
}
