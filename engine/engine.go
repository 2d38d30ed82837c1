// Package engine implements the core of the pmemkv storage engine.
//
// All mutations run through the same Search -> Lock -> Link -> Commit
// sequence: probe the hash index under its shard lock, for sorted writes
// locate the insertion window in the skip list, take the neighbour shard
// locks in ascending address order, persist the record, splice the
// persistent chain and the skip list bottom-up, and finally swing the hash
// entry. Reads never lock; they rely on the bottom-up publication order
// and verify every prefix match against the referenced record's key.
package engine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hupe1980/pmemkv/internal/dram"
	"github.com/hupe1980/pmemkv/internal/hashtable"
	"github.com/hupe1980/pmemkv/internal/pmem"
	"github.com/hupe1980/pmemkv/internal/record"
	"github.com/hupe1980/pmemkv/internal/skiplist"
	"github.com/hupe1980/pmemkv/internal/threads"
)

// Engine is the storage engine core.
type Engine struct {
	opts Options

	pm    *pmem.Allocator
	dram  *dram.Allocator
	table *hashtable.Table
	lists *xsync.MapOf[string, *skiplist.List]

	threads   *threads.Manager
	tokens    sync.Pool
	reclaimer *Reclaimer

	seq       atomic.Uint64
	listIDSeq atomic.Uint64

	createMu sync.Mutex

	logger  *slog.Logger
	metrics *Metrics

	activeIters atomic.Int64
	closed      atomic.Bool
}

// token carries the dense thread id an operation runs under. Tokens are
// pooled, so the id count stays bounded by the concurrency actually seen.
type token struct {
	tid int
}

// Open creates or reopens the engine backed by the PMem file at path.
// Reopening an existing file rebuilds the volatile indexes from the
// persisted records before returning.
func Open(path string, optFns ...func(*Options)) (*Engine, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pm, fresh, err := pmem.Open(path, opts.PMemFileSize, opts.PMemSegmentSize, opts.MaxWriteThreads, opts.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPmemMapFile, err)
	}

	d, err := dram.New(opts.VolatileChunkSize, opts.VolatileLimit)
	if err != nil {
		_ = pm.Close()
		return nil, fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}

	e := &Engine{
		opts:      opts,
		pm:        pm,
		dram:      d,
		lists:     xsync.NewMapOf[string, *skiplist.List](),
		threads:   threads.NewManager(opts.MaxWriteThreads),
		reclaimer: NewReclaimer(opts.MaxWriteThreads),
		logger:    logger,
		metrics:   newMetrics(),
	}
	e.tokens.New = func() any {
		tid, err := e.threads.Register()
		if err != nil {
			return nil
		}
		t := &token{tid: tid}
		// The pool drops idle tokens on GC; hand their ids back.
		runtime.SetFinalizer(t, func(t *token) { e.threads.Deregister(t.tid) })
		return t
	}

	e.table, err = hashtable.New(d, e.resolveEntry, func(o *hashtable.Options) {
		o.BucketNum = opts.HashBucketNum
		o.BucketSize = opts.HashBucketSize
		o.SlotGrain = opts.HashSlotGrain
	})
	if err != nil {
		_ = pm.Close()
		return nil, fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}

	if fresh {
		e.logger.Info("engine created", "path", path, "file_size", pm.SegmentCount()*pm.SegmentSize())
	} else if err := e.recover(); err != nil {
		_ = pm.Close()
		return nil, err
	}
	return e, nil
}

// Close drains readers and iterators, flushes the mapping and releases it.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for e.activeIters.Load() > 0 {
		e.reclaimer.Drain()
	}
	e.reclaimer.Drain()
	err := e.pm.Close()
	e.logger.Info("engine closed")
	return err
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats { return e.metrics.snapshot() }

// Metrics returns the engine's metrics set for scraping.
func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) acquireToken() (*token, error) {
	v := e.tokens.Get()
	if v == nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryOverflow, threads.ErrExhausted)
	}
	return v.(*token), nil
}

func (e *Engine) releaseToken(t *token) { e.tokens.Put(t) }

// begin pins the operation into the current epoch. The closed check runs
// after the pin: Close marks the engine closed before draining epochs, so
// an operation that passes the check holds the mapping open until end.
func (e *Engine) begin() (*token, error) {
	tok, err := e.acquireToken()
	if err != nil {
		return nil, err
	}
	e.reclaimer.Enter(tok.tid)
	if e.closed.Load() {
		e.end(tok)
		return nil, ErrClosed
	}
	return tok, nil
}

func (e *Engine) end(tok *token) {
	e.reclaimer.Exit(tok.tid)
	e.releaseToken(tok)
}

// resolveEntry hands the hash table the key stored behind an entry
// payload: the record itself for unordered entries, the node's record for
// sorted entries.
func (e *Engine) resolveEntry(tag record.Type, payload uint64) ([]byte, bool) {
	switch {
	case tag&record.MaskString != 0:
		return record.Key(e.stringRecordAt(payload)), true
	case tag&record.MaskSorted != 0:
		return skiplist.NodeKey(e.dram, e.pm, payload), true
	default:
		return nil, false
	}
}

// stringRecordAt returns the full byte range of the unordered record at
// off.
func (e *Engine) stringRecordAt(off uint64) []byte {
	hdr := record.DecodeHeader(e.pm.Bytes(off, record.StringHeaderSize))
	return e.pm.Bytes(off, record.Size(hdr.Type, int(hdr.KeySize), int(hdr.ValueSize)))
}

func validateKV(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > math.MaxUint16-skiplist.CollectionIDLen {
		return fmt.Errorf("%w: key of %d bytes", ErrPmemOverflow, len(key))
	}
	if uint64(len(value)) > math.MaxUint32 {
		return fmt.Errorf("%w: value of %d bytes", ErrPmemOverflow, len(value))
	}
	return nil
}

// getList returns the index of an existing sorted collection.
func (e *Engine) getList(collection string) (*skiplist.List, bool) {
	return e.lists.Load(collection)
}

// getOrCreateList returns the collection index, creating and persisting
// the collection header on first use.
func (e *Engine) getOrCreateList(collection string, tok *token) (*skiplist.List, error) {
	if l, ok := e.lists.Load(collection); ok {
		return l, nil
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	if l, ok := e.lists.Load(collection); ok {
		return l, nil
	}

	id := e.listIDSeq.Add(1)
	ts := e.seq.Add(1)

	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], id)

	name := []byte(collection)
	size := record.Size(record.TypeSortedHeader, len(name), len(idBytes))
	se, err := e.pm.Allocate(tok.tid, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPmemOverflow, err)
	}

	b := e.pm.Bytes(se.Offset, size)
	// The header closes the chain on itself until members arrive.
	record.Encode(b, record.TypeSortedHeader, ts, se.Offset, se.Offset, name, idBytes[:])
	if err := e.pm.Persist(se.Offset, size); err != nil {
		return nil, err
	}

	l, err := skiplist.New(e.dram, e.pm, collection, id, se.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}
	e.lists.Store(collection, l)
	e.logger.Debug("collection created", "name", collection, "id", id)
	return l, nil
}
