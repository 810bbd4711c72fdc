package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// ExponentialBackoff implements capped exponential backoff with optional jitter.
// The delay before retry r (zero-indexed) is min(initialDelay * multiplier^r, maxDelay).
type ExponentialBackoff struct {
	// initialDelay is the wait before the second attempt
	initialDelay time.Duration

	// maxDelay caps every wait
	maxDelay time.Duration

	// multiplier is the growth factor (2.0 by default)
	multiplier float64

	// maxAttempts is the total number of attempts including the first
	maxAttempts int

	// jitter adds +/- randomness (0.0-1.0); zero keeps delays deterministic
	jitter float64

	// jitterFunc provides random values [0, 1) for jitter calculation
	jitterFunc func() float64
}

// BackoffOption is a functional option for configuring ExponentialBackoff.
type BackoffOption func(*ExponentialBackoff)

// WithInitialDelay sets the wait before the second attempt.
func WithInitialDelay(d time.Duration) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.initialDelay = d
	}
}

// WithMaxDelay sets the maximum delay between attempts.
func WithMaxDelay(d time.Duration) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.maxDelay = d
	}
}

// WithMultiplier sets the factor by which delay increases between attempts.
func WithMultiplier(m float64) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.multiplier = m
	}
}

// WithJitter sets the jitter factor (0.0-1.0) to add randomness to delays.
func WithJitter(j float64) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.jitter = j
	}
}

// WithJitterFunc sets a custom function for generating random jitter values.
func WithJitterFunc(f func() float64) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.jitterFunc = f
	}
}

// NewExponentialBackoff creates a backoff strategy allowing maxAttempts total attempts.
//
// Example:
//
//	backoff := retry.NewExponentialBackoff(3,
//	    retry.WithInitialDelay(100 * time.Millisecond),
//	    retry.WithMaxDelay(time.Second),
//	)
func NewExponentialBackoff(maxAttempts int, opts ...BackoffOption) *ExponentialBackoff {
	b := &ExponentialBackoff{
		initialDelay: pgguard.DefaultRetryBaseDelay,
		maxDelay:     pgguard.DefaultRetryMaxDelay,
		multiplier:   2.0,
		maxAttempts:  maxAttempts,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.maxAttempts < 1 {
		b.maxAttempts = 1
	}

	return b
}

// FromPolicy builds the strategy described by a RetryPolicy.
func FromPolicy(p pgguard.RetryPolicy, opts ...BackoffOption) *ExponentialBackoff {
	base := []BackoffOption{WithInitialDelay(p.BaseDelay), WithMaxDelay(p.MaxDelay)}
	return NewExponentialBackoff(p.MaxAttempts, append(base, opts...)...)
}

// NextDelay returns the wait before retry number retry (0 = before the second attempt).
func (b *ExponentialBackoff) NextDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}

	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(retry))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	if b.jitter > 0 {
		jitterFunc := b.jitterFunc
		if jitterFunc == nil {
			jitterFunc = rand.Float64
		}

		// Map [0,1) to [-1,1) and scale: delay * (1 +/- jitter)
		randomOffset := (jitterFunc() - 0.5) * 2.0
		delay *= 1.0 + (b.jitter * randomOffset)
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// MaxAttempts returns the total number of attempts, including the first.
func (b *ExponentialBackoff) MaxAttempts() int {
	return b.maxAttempts
}

// InitialDelay returns the initial delay for tests and debugging.
func (b *ExponentialBackoff) InitialDelay() time.Duration {
	return b.initialDelay
}

// MaxDelay returns the maximum delay for tests and debugging.
func (b *ExponentialBackoff) MaxDelay() time.Duration {
	return b.maxDelay
}
