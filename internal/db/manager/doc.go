// Package manager provides the pool manager: the single entry point through
// which application code reaches PostgreSQL.
//
// A Manager owns one pgxpool-backed pool plus the circuit breaker, retrying
// executor and transaction coordinator that guard it. Every operation is
// routed through the breaker; single operations are retried by the executor
// and transactions are retried as a whole by the coordinator.
//
// # Example Usage
//
//	mgr := manager.New(cfg, manager.WithLogger(logger), manager.WithObserver(collector))
//	if err := mgr.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	rows, err := mgr.ExecuteRawQuery(ctx, "SELECT id, name FROM users WHERE active = $1", true)
//
//	err = mgr.ExecuteInTransaction(ctx, pgguard.TxOptions{IsolationLevel: pgguard.IsolationSerializable},
//	    func(ctx context.Context, tx pgguard.Querier, txCtx *txn.TxContext) error {
//	        _, err := tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2", 10, 1)
//	        return err
//	    })
//
// # Unconfigured Mode
//
// A PoolConfig without a connection string is valid. Initialize succeeds
// and every operation returns pgguard.ErrNotInitialized, so applications can
// start without a database.
//
// # Thread Safety
//
// Manager is safe for concurrent use. The breaker is shared by every caller
// of one Manager, so a failing database trips it for all of them.
package manager
