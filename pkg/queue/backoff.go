package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays for failed requests.
// Implementations must be safe for concurrent use.
type BackoffPolicy interface {
	// NextDelay returns the delay before the given retry. retryCount is
	// the number of attempts already made, starting at 0 for the first retry.
	NextDelay(retryCount int) time.Duration
}

// ExponentialBackoff implements exponential backoff with optional
// symmetric jitter. Jitter spreads retries so that requests failed by
// the same outage do not storm the destination in lockstep.
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	JitterFactor float64
}

// NextDelay calculates min(BaseDelay * Multiplier^retryCount, MaxDelay),
// perturbed by up to ±JitterFactor when jitter is enabled.
func (e ExponentialBackoff) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	base := e.BaseDelay
	if base == 0 {
		base = time.Second
	}

	maxDelay := e.MaxDelay
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}

	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	delay := float64(base) * math.Pow(multiplier, float64(retryCount))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if e.Jitter && e.JitterFactor > 0 {
		// Random factor in (1-JitterFactor, 1+JitterFactor).
		delay *= 1 + (rand.Float64()*2-1)*e.JitterFactor
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// FixedBackoff returns the same delay for every retry. Used for the
// short reschedule applied when a circuit breaker denies execution.
type FixedBackoff struct {
	Delay time.Duration
}

// NextDelay always returns the configured delay.
func (f FixedBackoff) NextDelay(int) time.Duration { return f.Delay }

// DefaultBackoff returns the production defaults: 1s base doubling up
// to 30s with 10% jitter.
func DefaultBackoff() BackoffPolicy {
	return ExponentialBackoff{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		JitterFactor: 0.1,
	}
}
