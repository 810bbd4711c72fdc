// Package breaker implements the circuit breaker that gates every database
// operation of one pool manager.
//
// State machine, initial state Closed:
//
//	Closed   --failure, count<threshold-->  Closed
//	Closed   --failure, count>=threshold--> Open
//	Open     --cooldown elapsed-->          HalfOpen (next call runs)
//	HalfOpen --success-->                   Closed (count reset)
//	HalfOpen --failure-->                   Open
//
// Calls rejected while Open never run the operation and return an error
// wrapping pgguard.ErrCircuitOpen. Concurrent calls in HalfOpen all run; any
// failure among them reopens the breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vvka-141/pgguard/internal/logging"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// Config configures a CircuitBreaker.
type Config struct {
	// Threshold is the consecutive failure count that trips Closed to Open.
	Threshold int

	// Cooldown is how long Open lasts before a probe is allowed.
	Cooldown time.Duration

	// OnStateChange is called synchronously after every transition, outside the lock.
	OnStateChange func(from, to pgguard.BreakerState)

	// IsFailure decides whether an error counts against the breaker.
	// The default counts everything except context.Canceled.
	IsFailure func(err error) bool

	// Clock returns the current time; time.Now when nil.
	Clock func() time.Time

	Logger pgguard.Logger
}

// DefaultConfig returns the default threshold and cooldown.
func DefaultConfig() Config {
	return Config{
		Threshold: pgguard.DefaultBreakerThreshold,
		Cooldown:  pgguard.DefaultBreakerCooldown,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	state           pgguard.BreakerState
	failureCount    int
	lastFailureTime time.Time
	rejections      uint64
}

// New creates a breaker in the Closed state.
func New(cfg Config) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = pgguard.DefaultBreakerThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = pgguard.DefaultBreakerCooldown
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNullLogger()
	}
	return &CircuitBreaker{cfg: cfg, state: pgguard.BreakerClosed}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)

	if err != nil && cb.cfg.IsFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

// allow performs the Open to HalfOpen transition when the cooldown elapsed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()

	switch cb.state {
	case pgguard.BreakerOpen:
		elapsed := cb.cfg.Clock().Sub(cb.lastFailureTime)
		if elapsed < cb.cfg.Cooldown {
			cb.rejections++
			remaining := cb.cfg.Cooldown - elapsed
			cb.mu.Unlock()
			return fmt.Errorf("retry in %s: %w", remaining.Round(time.Millisecond), pgguard.ErrCircuitOpen)
		}
		cb.mu.Unlock()
		cb.transition(pgguard.BreakerOpen, pgguard.BreakerHalfOpen)
		return nil
	default:
		cb.mu.Unlock()
		return nil
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	cb.failureCount++
	cb.lastFailureTime = cb.cfg.Clock()

	from := cb.state
	trip := from == pgguard.BreakerHalfOpen ||
		(from == pgguard.BreakerClosed && cb.failureCount >= cb.cfg.Threshold)
	cb.mu.Unlock()

	if trip {
		cb.transition(from, pgguard.BreakerOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	from := cb.state
	if from == pgguard.BreakerClosed {
		cb.failureCount = 0
		cb.mu.Unlock()
		return
	}
	cb.mu.Unlock()

	if from == pgguard.BreakerHalfOpen {
		cb.transition(pgguard.BreakerHalfOpen, pgguard.BreakerClosed)
	}
}

// transition moves from -> to if the breaker is still in from.
func (cb *CircuitBreaker) transition(from, to pgguard.BreakerState) {
	cb.mu.Lock()
	if cb.state != from {
		cb.mu.Unlock()
		return
	}
	cb.state = to
	if to == pgguard.BreakerClosed {
		cb.failureCount = 0
	}
	failures := cb.failureCount
	cb.mu.Unlock()

	if to == pgguard.BreakerClosed {
		cb.cfg.Logger.Info("circuit breaker closed", "from", from.String())
	} else {
		cb.cfg.Logger.Warn("circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
			"failures", failures,
			"cooldown", cb.cfg.Cooldown)
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// State returns the current state without side effects. An Open breaker
// whose cooldown elapsed still reports Open until the next call probes it.
func (cb *CircuitBreaker) State() pgguard.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a snapshot for diagnostics.
func (cb *CircuitBreaker) Status() pgguard.CircuitBreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return pgguard.CircuitBreakerStatus{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		Threshold:       cb.cfg.Threshold,
		Cooldown:        cb.cfg.Cooldown,
		LastFailureTime: cb.lastFailureTime,
		Rejections:      cb.rejections,
	}
}

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()

	if from != pgguard.BreakerClosed {
		cb.transition(from, pgguard.BreakerClosed)
	}
}
