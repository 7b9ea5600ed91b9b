package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Spacer enforces a minimum delay between consecutive stage calls, shared by
// every worker of a runner.
type Spacer struct {
	limiter *rate.Limiter
}

// NewSpacer returns a spacer allowing one call per delay. A zero delay
// disables spacing.
func NewSpacer(delay time.Duration) *Spacer {
	if delay <= 0 {
		return &Spacer{}
	}
	return &Spacer{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next call may start or ctx is done.
func (s *Spacer) Wait(ctx context.Context) error {
	if s == nil || s.limiter == nil {
		return ctx.Err()
	}
	return s.limiter.Wait(ctx)
}
