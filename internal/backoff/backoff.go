// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math"
	"time"
)

// Exponential returns the delay before retry number attempt (1-based):
// base * factor^(attempt-1), capped at limit.
func Exponential(base time.Duration, factor float64, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if factor < 1 {
		factor = 1
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}
