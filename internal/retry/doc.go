// Package retry classifies PostgreSQL failures and re-runs operations with
// exponential backoff.
//
// # Example Usage
//
//	classifier := retry.NewPostgreSQLErrorClassifier()
//	strategy := retry.FromPolicy(pgguard.DefaultRetryPolicy())
//	executor := retry.NewExecutor(classifier, strategy, retry.WithGate(cb))
//
//	rows, err := retry.Do(ctx, executor, "users.list", "users", func(ctx context.Context) ([]User, error) {
//	    return listUsers(ctx)
//	})
//
// # Error Classification
//
// PostgreSQLErrorClassifier turns any error into a pgguard.Classification.
// SQLSTATE codes take precedence, then socket errnos and timeouts, then
// message patterns. Everything else is KindUnknown and not retried.
//
// # Backoff Strategies
//
// ExponentialBackoff waits initialDelay * 2^(n-2) before attempt n (n >= 2),
// capped at maxDelay. Jitter is off unless WithJitter is given.
//
// # Gating
//
// Every attempt passes through a Gate. When the gate rejects an attempt the
// executor returns immediately without consuming the remaining attempts.
//
// # Thread Safety
//
// Executor instances are safe for concurrent use. Use WithOnRetry() to create
// independent configurations per goroutine.
package retry
