// Package backoff computes restart delays after consecutive crashes.
package backoff

import (
	"math"
	"time"
)

// DefaultInterval is the base interval used when a service sets none.
const DefaultInterval = time.Second

// Delay returns base * 2^(crashes-1). crashes below 1 is treated as 1 and a
// non-positive base falls back to DefaultInterval. The delay is not capped;
// only a result that would overflow time.Duration saturates at its maximum.
func Delay(base time.Duration, crashes int) time.Duration {
	if base <= 0 {
		base = DefaultInterval
	}
	if crashes < 1 {
		crashes = 1
	}
	shift := crashes - 1
	if shift >= 63 || base > time.Duration(math.MaxInt64>>uint(shift)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(shift)
}
