// Package stats provides the descriptive statistics used by the scoring engine.
// All functions return 0 rather than NaN or Inf for degenerate input.
package stats

import "math"

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	sd := math.Sqrt(sq / float64(len(values)))
	if math.IsNaN(sd) || math.IsInf(sd, 0) {
		return 0
	}
	return sd
}

// ZScore returns |x-mean|/stddev, or 0 when stddev is not positive.
func ZScore(x, mean, stddev float64) float64 {
	if stddev <= 0 || math.IsNaN(stddev) {
		return 0
	}
	return math.Abs(x-mean) / stddev
}

// Clamp bounds v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
