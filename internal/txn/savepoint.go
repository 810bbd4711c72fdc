package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// Savepoint is a named marker inside the enclosing transaction.
type Savepoint struct {
	Name string
}

// SavepointManager issues savepoint statements on one transaction's connection.
// It is not safe for concurrent use; neither is the connection it wraps.
// Releasing or rolling back a savepoint twice is a caller error and surfaces
// as the server's error.
type SavepointManager struct {
	tx    pgguard.Querier
	txCtx *TxContext
	seq   int
	used  map[string]struct{}
}

// NewSavepointManager binds a manager to tx.
func NewSavepointManager(tx pgguard.Querier, txCtx *TxContext) *SavepointManager {
	return &SavepointManager{tx: tx, txCtx: txCtx, used: make(map[string]struct{})}
}

// Create issues SAVEPOINT. An empty name is replaced by the first sp_<n>
// not yet used in this transaction.
func (m *SavepointManager) Create(ctx context.Context, name string) (Savepoint, error) {
	if name == "" {
		name = m.nextName()
	}
	if err := m.exec(ctx, "SAVEPOINT", name); err != nil {
		return Savepoint{}, err
	}
	m.used[name] = struct{}{}
	return Savepoint{Name: name}, nil
}

func (m *SavepointManager) nextName() string {
	for {
		m.seq++
		name := fmt.Sprintf("sp_%d", m.seq)
		if _, taken := m.used[name]; !taken {
			return name
		}
	}
}

// Release issues RELEASE SAVEPOINT.
func (m *SavepointManager) Release(ctx context.Context, sp Savepoint) error {
	return m.exec(ctx, "RELEASE SAVEPOINT", sp.Name)
}

// RollbackTo issues ROLLBACK TO SAVEPOINT, undoing only the statements
// issued after sp.
func (m *SavepointManager) RollbackTo(ctx context.Context, sp Savepoint) error {
	return m.exec(ctx, "ROLLBACK TO SAVEPOINT", sp.Name)
}

// Run executes fn inside a new savepoint: it is rolled back to when fn fails
// and released otherwise. fn's error is returned unchanged, joined with any
// rollback failure.
func (m *SavepointManager) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sp, err := m.Create(ctx, name)
	if err != nil {
		return err
	}

	if fnErr := fn(ctx); fnErr != nil {
		if rbErr := m.RollbackTo(ctx, sp); rbErr != nil {
			return errors.Join(fnErr, rbErr)
		}
		return fnErr
	}

	return m.Release(ctx, sp)
}

func (m *SavepointManager) exec(ctx context.Context, verb, name string) error {
	stmt := verb + " " + pgx.Identifier{name}.Sanitize()
	if _, err := m.tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%s: %w", stmt, err)
	}
	m.txCtx.Log("%s", stmt)
	return nil
}
