package engine

import (
	"log/slog"
)

// Options configures an Engine.
type Options struct {
	// PMemFileSize is the size of the backing PMem file in bytes. It is
	// fixed at creation; opening an existing file keeps its size.
	PMemFileSize uint64

	// PMemSegmentSize is the allocation segment size. Each writer thread
	// bump-allocates from its own segment; a single record cannot exceed
	// this size.
	PMemSegmentSize uint64

	// MaxWriteThreads bounds the number of concurrently registered
	// writer threads. Thread ids are pooled, so the bound applies to
	// concurrent operations, not to goroutines ever seen.
	MaxWriteThreads int

	// HashBucketNum is the number of main hash buckets (power of two).
	HashBucketNum uint64

	// HashBucketSize is the byte size of one hash bucket.
	HashBucketSize uint32

	// HashSlotGrain is the number of consecutive buckets per shard lock.
	HashSlotGrain uint64

	// VolatileChunkSize is the chunk size of the volatile allocator.
	VolatileChunkSize int

	// VolatileLimit caps the volatile allocator; <= 0 means unbounded.
	VolatileLimit int64

	// SyncWrites flushes every persisted range with msync. Disabling it
	// trades crash durability for write throughput.
	SyncWrites bool

	// MaxBatchOps bounds the number of operations in one write batch.
	MaxBatchOps int

	// Logger receives structured engine logs. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOptions sizes the engine for moderate data sets.
var DefaultOptions = Options{
	PMemFileSize:      256 << 20,
	PMemSegmentSize:   4 << 20,
	MaxWriteThreads:   64,
	HashBucketNum:     1 << 16,
	HashBucketSize:    128,
	HashSlotGrain:     64,
	VolatileChunkSize: 1 << 20,
	VolatileLimit:     0,
	SyncWrites:        true,
	MaxBatchOps:       1 << 16,
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

// WithSyncWrites toggles per-write msync.
func WithSyncWrites(sync bool) func(*Options) {
	return func(o *Options) { o.SyncWrites = sync }
}

// WithPMemFileSize sets the backing file size for fresh engines.
func WithPMemFileSize(size uint64) func(*Options) {
	return func(o *Options) { o.PMemFileSize = size }
}
