// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the hub from chat floods.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter allows capacity envelopes per interval with bursts up to
// capacity. A nil *rateLimiter allows everything.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	perSecond := float64(capacity) / interval.Seconds()
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), capacity)}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
