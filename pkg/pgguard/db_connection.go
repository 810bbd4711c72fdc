package pgguard

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement surface handed to caller operations, both for
// single operations and inside transactions.
//
// Thread-Safety: a Querier obtained from a borrowed connection must not be
// shared between goroutines; statements on it execute strictly in order.
type Querier interface {
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// Query executes a query that returns rows. The caller must close the rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// QueryRow executes a query that is expected to return at most one row.
	// Errors are deferred until Row's Scan method is called.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PooledConnection represents a connection borrowed from a pool.
// The borrower must call Release() exactly once when done.
type PooledConnection interface {
	Querier

	// Release returns the connection to the pool.
	// After calling Release, the connection must not be used.
	Release()
}

// ConnectionPool is the resource owned by the pool manager.
//
// Thread-Safety: implementations must be safe for concurrent use.
type ConnectionPool interface {
	// Acquire borrows a dedicated connection, waiting while the pool is exhausted
	// until ctx is done.
	Acquire(ctx context.Context) (PooledConnection, error)

	// Ping runs a trivial round-trip query.
	Ping(ctx context.Context) error

	// Stat returns a point-in-time snapshot of the pool.
	Stat() PoolStats

	// Close drains and closes every pooled connection.
	Close()
}

// Observer receives one event per executed operation attempt.
// Implementations must never block or panic; they are called inline.
type Observer interface {
	ObserveOperation(operation, resource string, durationMs float64, rowCount int64, success bool)
}

// SlowOperationObserver is implemented by observers that also want a
// distinct event when an attempt exceeds the slow-operation threshold.
type SlowOperationObserver interface {
	ObserveSlowOperation(operation, resource string, durationMs float64)
}

// BreakerObserver is implemented by observers that export the breaker state.
type BreakerObserver interface {
	ObserveBreakerState(state BreakerState)
}

// PoolObserver is implemented by observers that export pool gauges. It is
// called by the background monitor.
type PoolObserver interface {
	ObservePoolStats(stats PoolStats)
}

// NopObserver discards every observation.
type NopObserver struct{}

// ObserveOperation is a no-op.
func (NopObserver) ObserveOperation(string, string, float64, int64, bool) {}

type txMarkerKey struct{}

// ContextWithTransaction marks ctx as running inside the transaction txID.
func ContextWithTransaction(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txMarkerKey{}, txID)
}

// TransactionIDFromContext returns the enclosing transaction ID, if any.
func TransactionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(txMarkerKey{}).(string)
	return id, ok && id != ""
}
