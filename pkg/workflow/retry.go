package workflow

import (
	"math"
	"math/rand"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

// RetryPolicy bounds the live attempts of one activity call.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter is the fraction (0 to 1) by which a delay is randomly spread.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used for collaborator calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		Jitter:         0.25,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// ShouldRetry reports whether another attempt follows a failed attempt.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	return engine.IsRetryable(err) && attempt < p.normalized().MaxAttempts
}

// Backoff returns the delay after the given failed attempt (1-based).
// Throttled errors wait longer than transient ones; conflicts sit in between.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	p = p.normalized()

	base := p.InitialBackoff
	switch {
	case engine.IsThrottled(err):
		base *= 5
	case engine.IsConflict(err):
		base *= 2
	}

	delay := time.Duration(float64(base) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}

	if p.Jitter > 0 && delay > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration(spread * (2*rand.Float64() - 1))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
