// Package pmemkv is an embedded key-value engine for byte-addressable
// persistent memory, emulated on ordinary systems by a memory-mapped file
// with explicit flush points.
//
// Records live durably in PMem and survive restarts; the indexes over them
// are volatile and rebuilt on open. Two key spaces are offered:
//
//   - an unordered space served by a sharded hash index
//     (Put / Get / Delete)
//   - named sorted collections served by the hash index plus a concurrent
//     skip list over a persistent doubly-linked record chain
//     (SortedPut / SortedGet / SortedDelete / NewSortedIterator)
//
// Reads are lock-free; writes serialize on per-shard spin locks around a
// single point operation. Within one key the engine is linearizable.
//
// # Quick start
//
//	db, err := pmemkv.Open("./data/pmem.db")
//	if err != nil {
//		panic(err)
//	}
//	defer db.Close()
//
//	_ = db.Put([]byte("greeting"), []byte("hello"))
//	_ = db.SortedPut("scores", []byte("alice"), []byte("42"))
//
//	it, _ := db.NewSortedIterator("scores")
//	defer it.Close()
//	for it.SeekToFirst(); it.Valid(); it.Next() {
//		fmt.Printf("%s=%s\n", it.Key(), it.Value())
//	}
package pmemkv

import (
	"github.com/hupe1980/pmemkv/engine"
)

// DB is a handle to an open engine.
type DB struct {
	eng *engine.Engine
}

// Options configures Open. See engine.Options for the field documentation.
type Options = engine.Options

// Stats is a snapshot of the engine counters.
type Stats = engine.Stats

// SortedIterator iterates a sorted collection in key order.
type SortedIterator = engine.SortedIterator

// WriteBatch accumulates operations for a single Write call.
type WriteBatch = engine.WriteBatch

// Open creates or reopens the engine backed by the PMem file at path.
func Open(path string, optFns ...func(*Options)) (*DB, error) {
	eng, err := engine.Open(path, optFns...)
	if err != nil {
		return nil, err
	}
	return &DB{eng: eng}, nil
}

// Get returns the value stored under key in the unordered key space.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.eng.Get(key)
}

// Put stores value under key in the unordered key space.
func (db *DB) Put(key, value []byte) error {
	return db.eng.Put(key, value)
}

// Delete removes key from the unordered key space.
func (db *DB) Delete(key []byte) error {
	return db.eng.Delete(key)
}

// SortedGet returns the value stored under key in a sorted collection.
func (db *DB) SortedGet(collection string, key []byte) ([]byte, error) {
	return db.eng.SortedGet(collection, key)
}

// SortedPut stores value under key in a sorted collection, creating the
// collection on first use.
func (db *DB) SortedPut(collection string, key, value []byte) error {
	return db.eng.SortedPut(collection, key, value)
}

// SortedDelete removes key from a sorted collection.
func (db *DB) SortedDelete(collection string, key []byte) error {
	return db.eng.SortedDelete(collection, key)
}

// NewSortedIterator returns an iterator over an existing sorted
// collection. Close it before closing the database.
func (db *DB) NewSortedIterator(collection string) (*SortedIterator, error) {
	return db.eng.NewSortedIterator(collection)
}

// NewWriteBatch returns an empty write batch.
func (db *DB) NewWriteBatch() *WriteBatch {
	return db.eng.NewWriteBatch()
}

// Write applies a batch in order. Each operation is individually atomic.
func (db *DB) Write(b *WriteBatch) error {
	return db.eng.Write(b)
}

// Stats returns a snapshot of the engine counters.
func (db *DB) Stats() Stats {
	return db.eng.Stats()
}

// Metrics returns the engine metrics set for Prometheus scraping.
func (db *DB) Metrics() *engine.Metrics {
	return db.eng.Metrics()
}

// Close drains readers and iterators, flushes the mapping and closes the
// engine.
func (db *DB) Close() error {
	return db.eng.Close()
}
