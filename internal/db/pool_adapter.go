package db

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// PoolAdapter adapts *pgxpool.Pool to pgguard.ConnectionPool.
//
// Thread-Safety: Safe for concurrent use (pgxpool.Pool is thread-safe).
type PoolAdapter struct {
	pool    *pgxpool.Pool
	closers []func()

	waiting   atomic.Int64
	closeOnce sync.Once
}

// NewPoolAdapter wraps pool. closers run after the pool is closed.
func NewPoolAdapter(pool *pgxpool.Pool, closers ...func()) *PoolAdapter {
	return &PoolAdapter{pool: pool, closers: closers}
}

// Acquire borrows a dedicated connection. Callers blocked here are reported
// as waiting in Stat.
func (p *PoolAdapter) Acquire(ctx context.Context) (pgguard.PooledConnection, error) {
	p.waiting.Add(1)
	conn, err := p.pool.Acquire(ctx)
	p.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	return &pooledConnAdapter{conn: conn}, nil
}

// Ping runs the trivial probe query on a pooled connection.
func (p *PoolAdapter) Ping(ctx context.Context) error {
	var one int
	return p.pool.QueryRow(ctx, pgguard.DefaultHealthProbeQuery).Scan(&one)
}

// Stat returns a snapshot of the pool counters.
func (p *PoolAdapter) Stat() pgguard.PoolStats {
	s := p.pool.Stat()
	return pgguard.PoolStats{
		Total:   int(s.TotalConns()),
		Idle:    int(s.IdleConns()),
		InUse:   int(s.AcquiredConns()),
		Waiting: int(p.waiting.Load()),
		Max:     int(s.MaxConns()),
	}
}

// Close closes the pool once, waiting for borrowed connections to be released.
func (p *PoolAdapter) Close() {
	p.closeOnce.Do(func() {
		p.pool.Close()
		for _, c := range p.closers {
			c()
		}
	})
}

// pooledConnAdapter adapts *pgxpool.Conn to pgguard.PooledConnection.
type pooledConnAdapter struct {
	conn *pgxpool.Conn
}

func (c *pooledConnAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *pooledConnAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pooledConnAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

// Release returns the connection to the pool.
func (c *pooledConnAdapter) Release() {
	c.conn.Release()
}

var (
	_ pgguard.ConnectionPool   = (*PoolAdapter)(nil)
	_ pgguard.PooledConnection = (*pooledConnAdapter)(nil)
)
