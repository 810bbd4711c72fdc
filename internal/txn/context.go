package txn

import (
	"fmt"
	"sync"
	"time"
)

// TxContext describes one transaction attempt. It is handed to the caller's
// function by reference and discarded when the attempt commits or rolls back.
type TxContext struct {
	ID        string
	Name      string
	Attempt   int
	StartTime time.Time

	mu  sync.Mutex
	ops []string
}

func newTxContext(id, name string, attempt int) *TxContext {
	return &TxContext{ID: id, Name: name, Attempt: attempt, StartTime: time.Now()}
}

// Log appends an entry to the operations log. Safe on a nil receiver.
func (c *TxContext) Log(format string, args ...any) {
	if c == nil {
		return
	}
	entry := format
	if len(args) > 0 {
		entry = fmt.Sprintf(format, args...)
	}
	c.mu.Lock()
	c.ops = append(c.ops, entry)
	c.mu.Unlock()
}

// Operations returns a copy of the operations log in issue order.
func (c *TxContext) Operations() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ops))
	copy(out, c.ops)
	return out
}

// Elapsed returns the time since the attempt began.
func (c *TxContext) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}
