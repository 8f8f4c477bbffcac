// Package ratelimit provides the per-consumer token bucket applied to
// inbound wire messages.
package ratelimit

import "golang.org/x/time/rate"

// Defaults applied by NewLimiter when parameters are zero.
const (
	DefaultTokensPerSecond = 5.0
	DefaultBurstSize       = 10
)

// Limiter is a token bucket with capacity burstSize refilled at
// tokensPerSecond. One token is consumed per inbound consumer frame.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter creates a full bucket, filling in defaults for zero
// parameters.
func NewLimiter(tokensPerSecond float64, burstSize int) *Limiter {
	if tokensPerSecond <= 0 {
		tokensPerSecond = DefaultTokensPerSecond
	}
	if burstSize <= 0 {
		burstSize = DefaultBurstSize
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(tokensPerSecond), burstSize),
	}
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.bucket.Tokens()
}
