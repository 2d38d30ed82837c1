package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no live record exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrMemoryOverflow is returned when the volatile allocator or the
	// registered-thread budget is exhausted.
	ErrMemoryOverflow = errors.New("volatile memory overflow")

	// ErrPmemOverflow is returned when the PMem pool is exhausted.
	ErrPmemOverflow = errors.New("pmem overflow")

	// ErrPmemMapFile is returned when the PMem file cannot be created,
	// sized or mapped.
	ErrPmemMapFile = errors.New("pmem map file")

	// ErrBatchOverflow is returned when a write batch exceeds the
	// configured maximum number of operations.
	ErrBatchOverflow = errors.New("batch overflow")

	// ErrCorruption is returned when recovery encounters a record chain
	// it cannot reconcile.
	ErrCorruption = errors.New("corruption")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrEmptyKey is returned when an operation is given a zero-length
	// key or collection name.
	ErrEmptyKey = errors.New("empty key")
)

// CorruptionError describes an unreconcilable record found during
// recovery. It matches ErrCorruption under errors.Is.
type CorruptionError struct {
	Offset uint64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption at offset %d: %s", e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }
