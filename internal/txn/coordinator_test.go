package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vvka-141/pgguard/internal/logging"
	"github.com/vvka-141/pgguard/internal/retry"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

var errConflict = &pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"}

func newTestCoordinator(src *fakeSource, maxAttempts int, opts ...Option) *Coordinator {
	backoff := retry.NewExponentialBackoff(maxAttempts,
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond))
	seq := 0
	opts = append([]Option{WithIDFunc(func() string {
		seq++
		return fmt.Sprintf("tx-%d", seq)
	})}, opts...)
	return New(src, retry.NewPostgreSQLErrorClassifier(), backoff, opts...)
}

func TestExecute_Commit(t *testing.T) {
	conn := newFakeConn()
	src := &fakeSource{conn: conn}
	c := newTestCoordinator(src, 3)

	var seenID string
	var inTx bool
	err := c.Execute(context.Background(), pgguard.TxOptions{}, func(ctx context.Context, tx pgguard.Querier, txCtx *TxContext) error {
		seenID, inTx = pgguard.TransactionIDFromContext(ctx)
		assert.Equal(t, "transaction", txCtx.Name)
		assert.Equal(t, 1, txCtx.Attempt)
		_, err := tx.Exec(ctx, "INSERT INTO t VALUES (1)")
		return err
	})

	require.NoError(t, err)
	assert.True(t, inTx)
	assert.Equal(t, "tx-1", seenID)
	assert.Equal(t, []string{"BEGIN", "INSERT INTO t VALUES (1)", "COMMIT"}, conn.Statements())
	assert.Equal(t, 1, conn.released)

	m := c.Metrics()
	assert.Equal(t, uint64(1), m.Started)
	assert.Equal(t, uint64(1), m.Committed)
	assert.Zero(t, m.RolledBack)
}

func TestExecute_IsolationLevel(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(&fakeSource{conn: conn}, 1)

	err := c.Execute(context.Background(), pgguard.TxOptions{IsolationLevel: "serializable"}, func(context.Context, pgguard.Querier, *TxContext) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE", "COMMIT"}, conn.Statements())
}

func TestExecute_InvalidIsolationLevel(t *testing.T) {
	src := &fakeSource{conn: newFakeConn()}
	c := newTestCoordinator(src, 1)

	err := c.Execute(context.Background(), pgguard.TxOptions{IsolationLevel: "snapshot"}, func(context.Context, pgguard.Querier, *TxContext) error {
		t.Fatal("fn must not run")
		return nil
	})

	require.ErrorIs(t, err, pgguard.ErrInvalidIsolationLevel)
	assert.Zero(t, src.acquired)
}

func TestExecute_RollbackOnFailure(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(&fakeSource{conn: conn}, 3)
	boom := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

	err := c.Execute(context.Background(), pgguard.TxOptions{Name: "create-user"}, func(ctx context.Context, tx pgguard.Querier, _ *TxContext) error {
		if _, err := tx.Exec(ctx, "INSERT INTO users VALUES (1)"); err != nil {
			return err
		}
		return boom
	})

	var dbErr *pgguard.DBError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, pgguard.KindConstraintViolation, dbErr.Kind)
	assert.Equal(t, 1, dbErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"BEGIN", "INSERT INTO users VALUES (1)", "ROLLBACK"}, conn.Statements())
	assert.Equal(t, 1, conn.released)
	assert.Equal(t, uint64(1), c.Metrics().RolledBack)
}

func TestExecute_RollbackFailureDoesNotMaskCause(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	conn := newFakeConn()
	conn.failOn["ROLLBACK"] = errors.New("connection reset by peer")
	c := newTestCoordinator(&fakeSource{conn: conn}, 1, WithLogger(logging.NewZapLogger(zap.New(core))))
	cause := errors.New("validation failed")

	err := c.Execute(context.Background(), pgguard.TxOptions{}, func(context.Context, pgguard.Querier, *TxContext) error {
		return cause
	})

	require.ErrorIs(t, err, cause)
	assert.NotContains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, logs.FilterMessage("rollback failed").Len())
	assert.Equal(t, uint64(1), c.Metrics().RollbackErr)
	assert.Equal(t, 1, conn.released)
}

func TestExecute_RollbackRunsAfterCancel(t *testing.T) {
	conn := newFakeConn()
	c := newTestCoordinator(&fakeSource{conn: conn}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	err := c.Execute(ctx, pgguard.TxOptions{}, func(ctx context.Context, _ pgguard.Querier, _ *TxContext) error {
		cancel()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, conn.Statements())
}

func TestExecute_RetriesConflict(t *testing.T) {
	conn := newFakeConn()
	src := &fakeSource{conn: conn}
	c := newTestCoordinator(src, 3)

	var attempts, ids []string
	err := c.Execute(context.Background(), pgguard.TxOptions{}, func(_ context.Context, _ pgguard.Querier, txCtx *TxContext) error {
		attempts = append(attempts, fmt.Sprint(txCtx.Attempt))
		ids = append(ids, txCtx.ID)
		if txCtx.Attempt < 3 {
			return errConflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, attempts)
	assert.Equal(t, []string{"tx-1", "tx-2", "tx-3"}, ids)
	assert.Equal(t, 3, src.acquired)
	assert.Equal(t, 3, conn.released)
	assert.Equal(t, uint64(2), c.Metrics().Retried)
	assert.Equal(t, []string{"BEGIN", "ROLLBACK", "BEGIN", "ROLLBACK", "BEGIN", "COMMIT"}, conn.Statements())
}

func TestExecute_ConflictExhaustsAttempts(t *testing.T) {
	c := newTestCoordinator(&fakeSource{conn: newFakeConn()}, 3)

	calls := 0
	err := c.Execute(context.Background(), pgguard.TxOptions{MaxRetries: 2}, func(context.Context, pgguard.Querier, *TxContext) error {
		calls++
		return errConflict
	})

	var dbErr *pgguard.DBError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, pgguard.KindTransactionConflict, dbErr.Kind)
	assert.Equal(t, 2, dbErr.Attempts)
	assert.Equal(t, 2, calls)
}

func TestExecute_DoesNotRetryOtherKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind pgguard.ErrorKind
	}{
		{"connection", &pgconn.PgError{Code: "08006"}, pgguard.KindConnectionFailure},
		{"syntax", &pgconn.PgError{Code: "42601"}, pgguard.KindQueryError},
		{"plain", errors.New("boom"), pgguard.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(&fakeSource{conn: newFakeConn()}, 5)
			calls := 0
			err := c.Execute(context.Background(), pgguard.TxOptions{}, func(context.Context, pgguard.Querier, *TxContext) error {
				calls++
				return tt.err
			})

			var dbErr *pgguard.DBError
			require.ErrorAs(t, err, &dbErr)
			assert.Equal(t, tt.kind, dbErr.Kind)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestExecute_CommitReportsRollback(t *testing.T) {
	conn := newFakeConn()
	conn.tags["COMMIT"] = "ROLLBACK"
	c := newTestCoordinator(&fakeSource{conn: conn}, 3)

	err := c.Execute(context.Background(), pgguard.TxOptions{}, func(context.Context, pgguard.Querier, *TxContext) error {
		return nil
	})

	require.ErrorIs(t, err, pgx.ErrTxCommitRollback)
	assert.Zero(t, c.Metrics().Committed)
	assert.Equal(t, 1, conn.released)
}

func TestExecute_CommitFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failOn["COMMIT"] = &pgconn.PgError{Code: "40001"}
	c := newTestCoordinator(&fakeSource{conn: conn}, 2)

	err := c.Execute(context.Background(), pgguard.TxOptions{}, func(context.Context, pgguard.Querier, *TxContext) error {
		return nil
	})

	var dbErr *pgguard.DBError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, 2, dbErr.Attempts)
	assert.Equal(t, 2, conn.released)
}

func TestExecute_AcquireFailure(t *testing.T) {
	src := &fakeSource{acquireErr: &pgconn.PgError{Code: "53300", Message: "too many clients"}}
	c := newTestCoordinator(src, 3)

	err := c.Execute(context.Background(), pgguard.TxOptions{}, func(context.Context, pgguard.Querier, *TxContext) error {
		t.Fatal("fn must not run")
		return nil
	})

	var dbErr *pgguard.DBError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, pgguard.KindResourceExhaustion, dbErr.Kind)
	assert.Zero(t, c.Metrics().Started)
}

type rejectingGate struct{}

func (rejectingGate) Execute(context.Context, func(context.Context) error) error {
	return fmt.Errorf("retry in 1s: %w", pgguard.ErrCircuitOpen)
}

func TestExecute_GateRejection(t *testing.T) {
	src := &fakeSource{conn: newFakeConn()}
	c := newTestCoordinator(src, 3, WithGate(rejectingGate{}))

	err := c.Execute(context.Background(), pgguard.TxOptions{Name: "transfer"}, func(context.Context, pgguard.Querier, *TxContext) error {
		return nil
	})

	require.ErrorIs(t, err, pgguard.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "transfer")
	assert.Zero(t, src.acquired)
}

func TestRun_ReturnsCommittedValue(t *testing.T) {
	c := newTestCoordinator(&fakeSource{conn: newFakeConn()}, 3)

	got, err := Run(context.Background(), c, pgguard.TxOptions{}, func(_ context.Context, _ pgguard.Querier, txCtx *TxContext) (int, error) {
		if txCtx.Attempt == 1 {
			return 1, errConflict
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = Run(context.Background(), c, pgguard.TxOptions{}, func(context.Context, pgguard.Querier, *TxContext) (int, error) {
		return 7, errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, got)
}

func TestExecute_OperationsLog(t *testing.T) {
	var ops []string
	c := newTestCoordinator(&fakeSource{conn: newFakeConn()}, 1)

	err := c.Execute(context.Background(), pgguard.TxOptions{}, func(_ context.Context, _ pgguard.Querier, txCtx *TxContext) error {
		txCtx.Log("insert %d rows", 3)
		ops = txCtx.Operations()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "insert 3 rows"}, ops)
}
