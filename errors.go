package pmemkv

import (
	"github.com/hupe1980/pmemkv/engine"
)

// The engine-layer sentinels are re-exported so callers can match errors
// without importing the engine package.
var (
	// ErrNotFound is returned when no live record exists for a key.
	ErrNotFound = engine.ErrNotFound

	// ErrMemoryOverflow is returned when volatile memory is exhausted.
	ErrMemoryOverflow = engine.ErrMemoryOverflow

	// ErrPmemOverflow is returned when the PMem pool is exhausted.
	ErrPmemOverflow = engine.ErrPmemOverflow

	// ErrPmemMapFile is returned when the PMem file cannot be mapped.
	ErrPmemMapFile = engine.ErrPmemMapFile

	// ErrBatchOverflow is returned when a write batch is too large.
	ErrBatchOverflow = engine.ErrBatchOverflow

	// ErrCorruption is returned when recovery cannot reconcile a record.
	ErrCorruption = engine.ErrCorruption

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = engine.ErrClosed

	// ErrEmptyKey is returned for zero-length keys or collection names.
	ErrEmptyKey = engine.ErrEmptyKey
)

// CorruptionError carries the offset and reason of an unreconcilable
// record; it matches ErrCorruption under errors.Is.
type CorruptionError = engine.CorruptionError
