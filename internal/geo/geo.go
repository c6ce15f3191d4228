package geo

import (
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metadata keys checked for an explicit country, in priority order.
var countryKeys = []string{"recipientCountry", "recipient_country", "country", "jurisdiction"}

// Metadata keys checked for a counterparty IP when a Resolver is configured.
var ipKeys = []string{"ipAddress", "ip"}

// Resolver maps an IP address to an ISO 3166-1 alpha-2 country code.
type Resolver interface {
	CountryForIP(ip string) (string, bool)
}

// ExtractCountry returns the upper-case two-letter country for a transaction,
// or "" when none can be determined. The resolver may be nil.
func ExtractCountry(tx *domain.Transaction, resolver Resolver) string {
	if tx == nil {
		return ""
	}

	for _, key := range countryKeys {
		if s, ok := tx.Metadata[key].(string); ok {
			if code := normalize(s); code != "" {
				return code
			}
		}
	}

	if i := strings.LastIndexByte(tx.RecipientID, '_'); i >= 0 {
		if suffix := tx.RecipientID[i+1:]; len(suffix) == 2 {
			if code := normalize(suffix); code != "" {
				return code
			}
		}
	}

	if resolver != nil {
		for _, key := range ipKeys {
			if ip, ok := tx.Metadata[key].(string); ok && ip != "" {
				if code, ok := resolver.CountryForIP(ip); ok {
					return normalize(code)
				}
			}
		}
	}

	return ""
}

// normalize upper-cases s and keeps its first two characters when both are letters.
func normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return ""
	}
	s = s[:2]
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return ""
		}
	}
	return s
}

// Countries returns the distinct countries of txs in first-seen order.
func Countries(txs []*domain.Transaction, resolver Resolver) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tx := range txs {
		c := ExtractCountry(tx, resolver)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Analyze scores the history by jurisdiction risk, weighted by transaction count.
func Analyze(history []*domain.Transaction, resolver Resolver) *domain.GeographicRiskResult {
	result := &domain.GeographicRiskResult{
		HighRiskCountries: []string{},
		Jurisdictions:     []domain.JurisdictionStat{},
	}

	index := make(map[string]int)
	var totals []decimal.Decimal
	for _, tx := range history {
		country := ExtractCountry(tx, resolver)
		if country == "" {
			continue
		}
		i, ok := index[country]
		if !ok {
			level, reason := Classify(country)
			i = len(result.Jurisdictions)
			index[country] = i
			result.Jurisdictions = append(result.Jurisdictions, domain.JurisdictionStat{
				Country:   country,
				RiskLevel: level,
				Reason:    reason,
			})
			totals = append(totals, decimal.Zero)
			if IsHighRisk(country) {
				result.HighRiskCountries = append(result.HighRiskCountries, country)
			}
		}
		result.Jurisdictions[i].TransactionCount++
		totals[i] = totals[i].Add(tx.Amount)
	}
	for i := range result.Jurisdictions {
		result.Jurisdictions[i].TotalAmount = totals[i].InexactFloat64()
	}

	if len(result.Jurisdictions) == 0 {
		return result
	}

	var weighted float64
	var total int
	for _, j := range result.Jurisdictions {
		weighted += SeverityScore(j.RiskLevel) * float64(j.TransactionCount)
		total += j.TransactionCount
	}
	result.Score = math.Round(weighted / float64(total))

	sort.SliceStable(result.Jurisdictions, func(a, b int) bool {
		return rank(result.Jurisdictions[a].RiskLevel) > rank(result.Jurisdictions[b].RiskLevel)
	})
	return result
}
