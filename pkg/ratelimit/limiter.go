// Package ratelimit provides a blocking per-minute call budget for external
// data access. Wait suspends the caller when the budget is exhausted, so it
// must not be invoked from a hot loop that cannot afford to sleep.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter enforces a calls-per-minute budget.
type Limiter struct {
	limiter *rate.Limiter
}

// NewPerMinute creates a limiter allowing callsPerMinute sustained calls with
// a burst of the same size.
func NewPerMinute(callsPerMinute int) *Limiter {
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), callsPerMinute),
	}
}

// Wait blocks until a call is permitted or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a call is permitted right now without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
