// Package txn runs caller-supplied work atomically on one borrowed connection,
// with whole-transaction retry on serialization conflicts, savepoints and
// chunked batches.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vvka-141/pgguard/internal/logging"
	"github.com/vvka-141/pgguard/internal/retry"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

const defaultTxName = "transaction"

// rollbackTimeout bounds ROLLBACK when the caller's context is already done.
const rollbackTimeout = 5 * time.Second

// ConnectionSource lends dedicated connections. The pool manager implements it.
type ConnectionSource interface {
	Acquire(ctx context.Context) (pgguard.PooledConnection, error)
}

// Func is the transactional work. Statements must be issued on tx, in order.
type Func func(ctx context.Context, tx pgguard.Querier, txCtx *TxContext) error

// Coordinator is safe for concurrent use; each Execute borrows its own connection.
type Coordinator struct {
	source     ConnectionSource
	classifier pgguard.ErrorClassifier
	backoff    pgguard.BackoffStrategy
	gate       retry.Gate
	logger     pgguard.Logger
	observer   pgguard.Observer
	newID      func() string

	started     atomic.Uint64
	committed   atomic.Uint64
	rolledBack  atomic.Uint64
	retried     atomic.Uint64
	rollbackErr atomic.Uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGate routes each attempt through g.
func WithGate(g retry.Gate) Option {
	return func(c *Coordinator) { c.gate = g }
}

// WithLogger sets the logger.
func WithLogger(l pgguard.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObserver reports one observation per attempt.
func WithObserver(o pgguard.Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithIDFunc replaces the transaction ID generator.
func WithIDFunc(f func() string) Option {
	return func(c *Coordinator) { c.newID = f }
}

// New creates a Coordinator. backoff supplies both the default attempt bound
// and the wait between attempts.
func New(source ConnectionSource, classifier pgguard.ErrorClassifier, backoff pgguard.BackoffStrategy, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:     source,
		classifier: classifier,
		backoff:    backoff,
		logger:     logging.NewNullLogger(),
		observer:   pgguard.NopObserver{},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metrics returns a snapshot of the cumulative counters.
func (c *Coordinator) Metrics() pgguard.TransactionMetrics {
	return pgguard.TransactionMetrics{
		Started:     c.started.Load(),
		Committed:   c.committed.Load(),
		RolledBack:  c.rolledBack.Load(),
		Retried:     c.retried.Load(),
		RollbackErr: c.rollbackErr.Load(),
	}
}

// Execute runs fn in a transaction. A TransactionConflict failure retries the
// whole transaction while attempts remain; any other failure is returned as a
// *pgguard.DBError after rollback. Breaker rejections wrap pgguard.ErrCircuitOpen.
func (c *Coordinator) Execute(ctx context.Context, opts pgguard.TxOptions, fn Func) error {
	level, err := pgguard.ParseIsolationLevel(string(opts.IsolationLevel))
	if err != nil {
		return err
	}
	name := opts.Name
	if name == "" {
		name = defaultTxName
	}
	maxAttempts := opts.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = c.backoff.MaxAttempts()
	}

	for attempt := 1; ; attempt++ {
		txCtx := newTxContext(c.newID(), name, attempt)

		ran := false
		err := c.gateExecute(ctx, func(ctx context.Context) error {
			ran = true
			return c.attempt(ctx, level, txCtx, fn)
		})
		if err == nil {
			return nil
		}
		if !ran {
			return fmt.Errorf("%s: %w", name, err)
		}

		cl := c.classifier.Classify(err, name, map[string]any{"tx_id": txCtx.ID, "attempt": attempt})
		if cl.Kind != pgguard.KindTransactionConflict || attempt >= maxAttempts {
			return pgguard.NewDBError(cl, attempt, err)
		}

		delay := c.backoff.NextDelay(attempt - 1)
		c.retried.Add(1)
		c.logger.Warn("retrying transaction",
			"name", name,
			"tx_id", txCtx.ID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"code", cl.OriginalCode,
			"delay", delay)

		if waitErr := wait(ctx, delay); waitErr != nil {
			return pgguard.NewDBError(cl, attempt, errors.Join(err, waitErr))
		}
	}
}

func (c *Coordinator) gateExecute(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.gate == nil {
		return fn(ctx)
	}
	return c.gate.Execute(ctx, fn)
}

// attempt runs one BEGIN..COMMIT cycle. The connection is released on every path.
func (c *Coordinator) attempt(ctx context.Context, level pgguard.IsolationLevel, txCtx *TxContext, fn Func) (err error) {
	start := time.Now()
	defer func() {
		c.observer.ObserveOperation(txCtx.Name, "transaction", float64(time.Since(start))/float64(time.Millisecond), 0, err == nil)
	}()

	conn, err := c.source.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("BEGIN: %w", err)
	}
	c.started.Add(1)
	txCtx.Log("BEGIN")

	if level != pgguard.IsolationDefault {
		stmt := "SET TRANSACTION ISOLATION LEVEL " + string(level)
		if _, err := conn.Exec(ctx, stmt); err != nil {
			c.rollback(ctx, conn, txCtx, err)
			return fmt.Errorf("%s: %w", stmt, err)
		}
		txCtx.Log("%s", stmt)
	}

	if err := fn(pgguard.ContextWithTransaction(ctx, txCtx.ID), conn, txCtx); err != nil {
		c.rollback(ctx, conn, txCtx, err)
		return err
	}

	tag, err := conn.Exec(ctx, "COMMIT")
	if err == nil && tag.String() == "ROLLBACK" {
		// The server rolls back an aborted transaction on COMMIT without an error.
		c.rolledBack.Add(1)
		txCtx.Log("ROLLBACK")
		return pgx.ErrTxCommitRollback
	}
	if err != nil {
		c.rollback(ctx, conn, txCtx, err)
		return fmt.Errorf("COMMIT: %w", err)
	}

	c.committed.Add(1)
	txCtx.Log("COMMIT")
	c.logger.Debug("transaction committed",
		"name", txCtx.Name,
		"tx_id", txCtx.ID,
		"attempt", txCtx.Attempt,
		"duration", txCtx.Elapsed(),
		"operations", len(txCtx.Operations()))
	return nil
}

// rollback is best-effort: its failure is logged and never replaces cause.
func (c *Coordinator) rollback(ctx context.Context, conn pgguard.Querier, txCtx *TxContext, cause error) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	c.rolledBack.Add(1)
	if _, err := conn.Exec(rbCtx, "ROLLBACK"); err != nil {
		c.rollbackErr.Add(1)
		c.logger.Error("rollback failed",
			"name", txCtx.Name,
			"tx_id", txCtx.ID,
			"cause", cause,
			"error", err)
		return
	}
	txCtx.Log("ROLLBACK")
	c.logger.Debug("transaction rolled back", "name", txCtx.Name, "tx_id", txCtx.ID, "cause", cause)
}

// ExecuteWithSavepoints runs fn in a transaction with a SavepointManager bound to it.
func (c *Coordinator) ExecuteWithSavepoints(ctx context.Context, opts pgguard.TxOptions, fn func(ctx context.Context, tx pgguard.Querier, sp *SavepointManager, txCtx *TxContext) error) error {
	return c.Execute(ctx, opts, func(ctx context.Context, tx pgguard.Querier, txCtx *TxContext) error {
		return fn(ctx, tx, NewSavepointManager(tx, txCtx), txCtx)
	})
}

// Run is Execute for work that produces a value. The value of the committed
// attempt is returned.
func Run[T any](ctx context.Context, c *Coordinator, opts pgguard.TxOptions, fn func(ctx context.Context, tx pgguard.Querier, txCtx *TxContext) (T, error)) (T, error) {
	var result T
	err := c.Execute(ctx, opts, func(ctx context.Context, tx pgguard.Querier, txCtx *TxContext) error {
		v, err := fn(ctx, tx, txCtx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
