// Package analyzers implements the per-signal risk scorers.
// Each analyzer is a pure function of its inputs and returns a score in [0, 100]
// rounded to the nearest integer. Empty input always scores 0.
package analyzers

import (
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Velocity thresholds.
const (
	HourlyThreshold = 10
	DailyThreshold  = 50
)

// VelocityCounts returns how many transactions fall within the last hour and the last day.
func VelocityCounts(recent []*domain.Transaction, now time.Time) (hour, day int) {
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)
	for _, tx := range recent {
		if tx == nil {
			continue
		}
		if !tx.Timestamp.Before(hourAgo) {
			hour++
		}
		if !tx.Timestamp.Before(dayAgo) {
			day++
		}
	}
	return hour, day
}

// Velocity scores burst activity over the trailing hour and day.
func Velocity(recent []*domain.Transaction, now time.Time) float64 {
	hour, day := VelocityCounts(recent, now)

	var score float64
	if hour > HourlyThreshold {
		score = math.Min(100, float64(hour)/HourlyThreshold*50)
	}
	if day > DailyThreshold {
		score = math.Max(score, math.Min(100, float64(day)/DailyThreshold*60))
	}
	return math.Round(score)
}
