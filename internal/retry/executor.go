package retry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vvka-141/pgguard/internal/logging"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

const tracerName = "github.com/vvka-141/pgguard/internal/retry"

// Gate decides whether an attempt may run. The circuit breaker implements it;
// a rejected attempt returns an error wrapping pgguard.ErrCircuitOpen without
// calling fn.
type Gate interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

type passthroughGate struct{}

func (passthroughGate) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Executor runs one operation with bounded retries, backoff and gating.
//
// Thread Safety:
// The Executor is safe for concurrent use. WithOnRetry() returns a NEW
// instance sharing the same counters; the receiver is never modified.
type Executor struct {
	classifier    pgguard.ErrorClassifier
	strategy      pgguard.BackoffStrategy
	gate          Gate
	logger        pgguard.Logger
	observer      pgguard.Observer
	tracer        trace.Tracer
	slowThreshold time.Duration
	onRetry       func(attempt int, err error, delay time.Duration)

	counters *counters
}

type counters struct {
	attempts          atomic.Uint64
	successes         atomic.Uint64
	failures          atomic.Uint64
	retries           atomic.Uint64
	slowOperations    atomic.Uint64
	breakerRejections atomic.Uint64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGate routes every attempt through g (usually a circuit breaker).
func WithGate(g Gate) ExecutorOption {
	return func(e *Executor) {
		if g != nil {
			e.gate = g
		}
	}
}

// WithLogger sets the logger for retry and slow-operation warnings.
func WithLogger(l pgguard.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver sets the sink for per-attempt observations.
func WithObserver(o pgguard.Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithSlowThreshold sets the duration above which an attempt is reported as slow.
// Zero disables slow-operation reporting.
func WithSlowThreshold(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.slowThreshold = d
	}
}

// WithTracerProvider sets the provider used for operation spans.
func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(e *Executor) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewExecutor creates a new retry executor with the given configuration.
// Panics if classifier or strategy is nil.
func NewExecutor(
	classifier pgguard.ErrorClassifier,
	strategy pgguard.BackoffStrategy,
	opts ...ExecutorOption,
) *Executor {
	if classifier == nil {
		panic("classifier cannot be nil")
	}
	if strategy == nil {
		panic("strategy cannot be nil")
	}
	e := &Executor{
		classifier:    classifier,
		strategy:      strategy,
		gate:          passthroughGate{},
		logger:        logging.NewNullLogger(),
		observer:      pgguard.NopObserver{},
		tracer:        otel.Tracer(tracerName),
		slowThreshold: pgguard.DefaultSlowOperationThreshold,
		counters:      &counters{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithOnRetry returns a new Executor with the specified retry callback.
//
// This method does NOT modify the receiver; it returns a new instance.
func (e *Executor) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Executor {
	clone := *e
	clone.onRetry = callback
	return &clone
}

// Classifier returns the classifier used to decide retries.
func (e *Executor) Classifier() pgguard.ErrorClassifier {
	return e.classifier
}

// Strategy returns the backoff strategy.
func (e *Executor) Strategy() pgguard.BackoffStrategy {
	return e.strategy
}

// Metrics returns a snapshot of the cumulative counters.
func (e *Executor) Metrics() pgguard.ExecutorMetrics {
	c := e.counters
	return pgguard.ExecutorMetrics{
		Attempts:          c.attempts.Load(),
		Successes:         c.successes.Load(),
		Failures:          c.failures.Load(),
		Retries:           c.retries.Load(),
		SlowOperations:    c.slowOperations.Load(),
		BreakerRejections: c.breakerRejections.Load(),
	}
}

// Execute runs operation with retry logic. The returned error is nil,
// an error wrapping pgguard.ErrCircuitOpen, or a *pgguard.DBError.
func (e *Executor) Execute(ctx context.Context, operation, resource string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, operation, resource, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn under e and returns the value of the first successful attempt.
//
// For attempt n = 1..MaxAttempts: the gate is consulted, fn runs, the attempt
// is observed, and a failure is classified. Non-retryable failures and the
// final attempt stop the loop. A TransactionConflict is not retried when ctx
// is already inside a coordinated transaction; the coordinator retries it.
func Do[T any](ctx context.Context, e *Executor, operation, resource string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := e.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("db.operation", operation),
		attribute.String("db.resource", resource),
	))
	defer span.End()

	var zero T
	maxAttempts := e.strategy.MaxAttempts()
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	_, inTx := pgguard.TransactionIDFromContext(ctx)

	for attempt := 1; ; attempt++ {
		var (
			result T
			ran    bool
			start  time.Time
		)

		err := e.gate.Execute(ctx, func(ctx context.Context) error {
			ran = true
			start = time.Now()
			var opErr error
			result, opErr = fn(ctx)
			return opErr
		})

		if !ran {
			e.counters.breakerRejections.Add(1)
			span.SetStatus(codes.Error, "circuit open")
			if err == nil {
				err = pgguard.ErrCircuitOpen
			}
			return zero, fmt.Errorf("%s: %w", operation, err)
		}

		e.counters.attempts.Add(1)
		elapsed := time.Since(start)
		e.observe(operation, resource, elapsed, rowCount(result), err == nil)

		if err == nil {
			e.counters.successes.Add(1)
			span.SetAttributes(attribute.Int("db.attempts", attempt))
			return result, nil
		}

		e.counters.failures.Add(1)
		span.RecordError(err)

		c := e.classifier.Classify(err, operation, map[string]any{"resource": resource, "attempt": attempt})
		retryable := c.Retryable
		if inTx && c.Kind == pgguard.KindTransactionConflict {
			retryable = false
		}

		if !retryable || attempt >= maxAttempts {
			span.SetAttributes(attribute.Int("db.attempts", attempt), attribute.String("db.error_kind", c.Kind.String()))
			span.SetStatus(codes.Error, c.Kind.String())
			return zero, pgguard.NewDBError(c, attempt, err)
		}

		delay := e.strategy.NextDelay(attempt - 1)
		e.counters.retries.Add(1)
		e.logger.Warn("retrying database operation",
			"operation", operation,
			"resource", resource,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"kind", c.Kind.String(),
			"code", c.OriginalCode,
			"delay", delay,
			"error", err)
		if e.onRetry != nil {
			e.onRetry(attempt, err, delay)
		}

		if waitErr := sleep(ctx, delay); waitErr != nil {
			span.SetStatus(codes.Error, "canceled during backoff")
			return zero, pgguard.NewDBError(c, attempt, errors.Join(err, waitErr))
		}
	}
}

func (e *Executor) observe(operation, resource string, elapsed time.Duration, rows int64, success bool) {
	ms := float64(elapsed) / float64(time.Millisecond)
	e.observer.ObserveOperation(operation, resource, ms, rows, success)

	if e.slowThreshold > 0 && elapsed > e.slowThreshold {
		e.counters.slowOperations.Add(1)
		e.logger.Warn("slow database operation",
			"operation", operation,
			"resource", resource,
			"duration", elapsed,
			"threshold", e.slowThreshold,
			"success", success)
		if so, ok := e.observer.(pgguard.SlowOperationObserver); ok {
			so.ObserveSlowOperation(operation, resource, ms)
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// rowCount reports rows for command tags and slice results. Scalars are
// computed values, not rows, and count as zero.
func rowCount(v any) int64 {
	if r, ok := v.(interface{ RowsAffected() int64 }); ok {
		return r.RowsAffected()
	}
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return int64(rv.Len())
	}
	return 0
}
