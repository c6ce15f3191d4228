package analyzers

import (
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Suspicious local hours are [SuspiciousHourStart, SuspiciousHourEnd).
const (
	SuspiciousHourStart = 2
	SuspiciousHourEnd   = 6

	burstLimit = 3
	burstScore = 70
)

// TimePattern scores off-hours activity and same-minute bursts.
// Hours are evaluated in loc; a nil loc means time.Local.
func TimePattern(recent []*domain.Transaction, loc *time.Location) float64 {
	if loc == nil {
		loc = time.Local
	}

	var total, suspicious int
	perMinute := make(map[int]int)
	var score float64

	for _, tx := range recent {
		if tx == nil {
			continue
		}
		total++
		local := tx.Timestamp.In(loc)
		hour := local.Hour()
		if hour >= SuspiciousHourStart && hour < SuspiciousHourEnd {
			suspicious++
		}

		// Keyed on wall-clock hour and minute only, regardless of date.
		key := hour*60 + local.Minute()
		perMinute[key]++
		if perMinute[key] > burstLimit {
			score = burstScore
		}
	}

	if total == 0 {
		return 0
	}

	score = math.Max(score, float64(suspicious)/float64(total)*60)
	return math.Round(score)
}
