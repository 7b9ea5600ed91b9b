package pipeline

import (
	"math"
	"math/rand"
	"time"
)

func randInt63n(n int64) int64 { return rand.Int63n(n) }

// backoffWithJitter doubles base per attempt, caps at max, and returns a
// value in [wait/2, wait). A zero base disables the delay.
func backoffWithJitter(base, max time.Duration, attempt int, jitter func(int64) int64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && (exp > float64(max) || wait > max) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(jitter(half))
}
