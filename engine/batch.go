package engine

import (
	"fmt"

	"github.com/hupe1980/pmemkv/internal/record"
)

// WriteBatch accumulates operations for a single Write call. Operations
// are applied in order; each one is individually atomic, the batch as a
// whole is not (a failed operation leaves earlier ones applied).
type WriteBatch struct {
	max int
	ops []batchOp
}

type batchOp struct {
	tag        record.Type
	collection string
	key        []byte
	value      []byte
}

// NewWriteBatch returns an empty batch bound to the engine's limit.
func (e *Engine) NewWriteBatch() *WriteBatch {
	return &WriteBatch{max: e.opts.MaxBatchOps}
}

// Len returns the number of buffered operations.
func (b *WriteBatch) Len() int { return len(b.ops) }

// Reset clears the batch for reuse.
func (b *WriteBatch) Reset() { b.ops = b.ops[:0] }

func (b *WriteBatch) append(op batchOp) {
	b.ops = append(b.ops, op)
}

func cloneBytes(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// Put buffers an unordered put.
func (b *WriteBatch) Put(key, value []byte) {
	b.append(batchOp{tag: record.TypeStringPut, key: cloneBytes(key), value: cloneBytes(value)})
}

// Delete buffers an unordered delete.
func (b *WriteBatch) Delete(key []byte) {
	b.append(batchOp{tag: record.TypeStringDelete, key: cloneBytes(key)})
}

// SortedPut buffers a put into a sorted collection.
func (b *WriteBatch) SortedPut(collection string, key, value []byte) {
	b.append(batchOp{tag: record.TypeSortedPut, collection: collection, key: cloneBytes(key), value: cloneBytes(value)})
}

// SortedDelete buffers a delete from a sorted collection.
func (b *WriteBatch) SortedDelete(collection string, key []byte) {
	b.append(batchOp{tag: record.TypeSortedDelete, collection: collection, key: cloneBytes(key)})
}

// Write applies the batch in order.
func (e *Engine) Write(b *WriteBatch) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(b.ops) > b.max {
		return fmt.Errorf("%w: %d operations exceed the maximum of %d", ErrBatchOverflow, len(b.ops), b.max)
	}
	for _, op := range b.ops {
		var err error
		switch op.tag {
		case record.TypeStringPut:
			err = e.Put(op.key, op.value)
		case record.TypeStringDelete:
			err = e.Delete(op.key)
		case record.TypeSortedPut:
			err = e.SortedPut(op.collection, op.key, op.value)
		case record.TypeSortedDelete:
			err = e.SortedDelete(op.collection, op.key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
