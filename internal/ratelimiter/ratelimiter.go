// Package ratelimiter throttles how fast listeners accept connections.
//
// It wraps a token bucket from golang.org/x/time/rate. A limiter created
// with a zero rate never blocks, so callers do not need a separate code
// path for "unlimited".
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket refilled at a fixed number of events per
// second. Safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing perSecond events with bursts of up to
// burst. perSecond <= 0 means unlimited; a burst below one is raised to one.
func New(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))}
}

// Unlimited reports whether the limiter never blocks.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Delay reserves a token and returns how long the caller must wait before
// using it. Zero means proceed now.
func (r *RateLimiter) Delay() time.Duration {
	return r.limiter.Reserve().Delay()
}

// SetLimit changes the refill rate. perSecond <= 0 removes the limit. The
// burst is kept unless it would stop every event.
func (r *RateLimiter) SetLimit(perSecond float64) {
	if perSecond <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
	if r.limiter.Burst() < 1 {
		r.limiter.SetBurst(1)
	}
}

// Tokens returns the tokens currently available.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
