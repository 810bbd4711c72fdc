package txn

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// fakeConn records every statement and fails the ones listed in failOn.
type fakeConn struct {
	mu         sync.Mutex
	statements []string
	failOn     map[string]error
	tags       map[string]string
	released   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{failOn: map[string]error{}, tags: map[string]string{}}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = append(c.statements, sql)
	if err, ok := c.failOn[sql]; ok {
		return pgconn.CommandTag{}, err
	}
	if tag, ok := c.tags[sql]; ok {
		return pgconn.NewCommandTag(tag), nil
	}
	return pgconn.NewCommandTag(strings.SplitN(sql, " ", 2)[0]), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, nil
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

func (c *fakeConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statements...)
}

// fakeSource hands out the same connection and counts acquisitions.
type fakeSource struct {
	conn       *fakeConn
	acquireErr error
	acquired   int
}

func (s *fakeSource) Acquire(context.Context) (pgguard.PooledConnection, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	s.acquired++
	return s.conn, nil
}
