// Package geo classifies transaction counterparties by jurisdiction risk.
package geo

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

type listing struct {
	level  domain.JurisdictionRisk
	reason string
}

// FATF black list, sanctions and conflict zones.
var highRisk = map[string]listing{
	"KP": {domain.JurisdictionCritical, "FATF Black List - North Korea"},
	"IR": {domain.JurisdictionCritical, "FATF Black List - Iran"},
	"MM": {domain.JurisdictionCritical, "FATF Black List - Myanmar"},
	"SY": {domain.JurisdictionHigh, "Sanctions - Syria"},
	"YE": {domain.JurisdictionHigh, "Conflict Zone - Yemen"},
	"VE": {domain.JurisdictionHigh, "Sanctions risk - Venezuela"},
	"BY": {domain.JurisdictionHigh, "Sanctions risk - Belarus"},
	"RU": {domain.JurisdictionHigh, "Sanctions risk - Russia"},
	"CU": {domain.JurisdictionHigh, "Sanctions - Cuba"},
}

// FATF gray list (increased monitoring), partial.
var mediumRisk = map[string]string{
	"PK": "FATF Gray List - Pakistan",
	"NG": "FATF Gray List - Nigeria",
	"TZ": "FATF Gray List - Tanzania",
	"VN": "FATF Gray List - Vietnam",
	"JM": "FATF Gray List - Jamaica",
	"PA": "FATF Gray List - Panama",
	"PH": "FATF Gray List - Philippines",
	"ZA": "FATF Gray List - South Africa",
	"TR": "FATF Gray List - Turkey",
	"AE": "FATF Gray List - UAE",
}

// Classify returns the risk level of a country code and the listing reason.
// Unlisted countries are LOW with an empty reason.
func Classify(country string) (domain.JurisdictionRisk, string) {
	if l, ok := highRisk[country]; ok {
		return l.level, l.reason
	}
	if reason, ok := mediumRisk[country]; ok {
		return domain.JurisdictionMedium, reason
	}
	return domain.JurisdictionLow, ""
}

// IsHighRisk reports whether a country is on the critical or high list.
func IsHighRisk(country string) bool {
	_, ok := highRisk[country]
	return ok
}

// SeverityScore maps a risk level to its contribution to the geographic score.
func SeverityScore(level domain.JurisdictionRisk) float64 {
	switch level {
	case domain.JurisdictionCritical:
		return 100
	case domain.JurisdictionHigh:
		return 75
	case domain.JurisdictionMedium:
		return 40
	default:
		return 0
	}
}

func rank(level domain.JurisdictionRisk) int {
	switch level {
	case domain.JurisdictionCritical:
		return 3
	case domain.JurisdictionHigh:
		return 2
	case domain.JurisdictionMedium:
		return 1
	default:
		return 0
	}
}
