package txn

import (
	"context"
	"fmt"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// BatchFunc processes one chunk of items on the transaction's connection.
type BatchFunc[T any] func(ctx context.Context, chunk []T, tx pgguard.Querier, txCtx *TxContext) error

// ChunkError reports the chunk that stopped a batch.
type ChunkError struct {
	Chunk      int // 1-based
	Start, End int // item range [Start, End)
	Err        error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("batch chunk %d (items %d-%d) failed: %v", e.Chunk, e.Start, e.End-1, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// RunBatch partitions items into chunks of size (the last may be smaller) and
// calls proc for each chunk in order, stopping at the first failure. Effects of
// earlier chunks are governed by the enclosing transaction.
func RunBatch[T any](ctx context.Context, tx pgguard.Querier, txCtx *TxContext, items []T, size int, proc BatchFunc[T]) error {
	if size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d: %w", size, pgguard.ErrInvalidConfig)
	}

	chunk := 0
	for start := 0; start < len(items); start += size {
		chunk++
		end := min(start+size, len(items))

		if err := proc(ctx, items[start:end], tx, txCtx); err != nil {
			txCtx.Log("chunk %d failed", chunk)
			return &ChunkError{Chunk: chunk, Start: start, End: end, Err: err}
		}
		txCtx.Log("chunk %d: %d items", chunk, end-start)
	}
	return nil
}

// ExecuteBatch runs RunBatch inside one transaction, so a failing chunk
// rolls back every earlier chunk too.
func ExecuteBatch[T any](ctx context.Context, c *Coordinator, opts pgguard.TxOptions, items []T, size int, proc BatchFunc[T]) error {
	if size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d: %w", size, pgguard.ErrInvalidConfig)
	}
	if opts.Name == "" {
		opts.Name = "batch"
	}
	return c.Execute(ctx, opts, func(ctx context.Context, tx pgguard.Querier, txCtx *TxContext) error {
		return RunBatch(ctx, tx, txCtx, items, size, proc)
	})
}
