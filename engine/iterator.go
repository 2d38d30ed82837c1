package engine

import (
	"github.com/hupe1980/pmemkv/internal/skiplist"
)

// SortedIterator iterates a sorted collection in key order.
//
// Positioning goes through the skip list; stepping follows the persistent
// record chain, so each Next or Prev observes the chain as it is at that
// moment rather than a whole-scan snapshot. The iterator holds the engine
// mapping open: Close it before closing the engine.
type SortedIterator struct {
	e      *Engine
	it     *skiplist.Iterator
	closed bool
}

// NewSortedIterator returns an iterator over an existing sorted
// collection.
func (e *Engine) NewSortedIterator(collection string) (*SortedIterator, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if collection == "" {
		return nil, ErrEmptyKey
	}
	list, ok := e.getList(collection)
	if !ok {
		return nil, ErrNotFound
	}
	e.activeIters.Add(1)
	if e.closed.Load() {
		e.activeIters.Add(-1)
		return nil, ErrClosed
	}
	return &SortedIterator{e: e, it: list.NewIterator()}, nil
}

// Seek positions the iterator at the first key >= key.
func (s *SortedIterator) Seek(key []byte) { s.it.Seek(key) }

// SeekToFirst positions the iterator at the smallest key.
func (s *SortedIterator) SeekToFirst() { s.it.SeekToFirst() }

// SeekToLast positions the iterator at the largest key.
func (s *SortedIterator) SeekToLast() { s.it.SeekToLast() }

// Valid reports whether the iterator is positioned on a live record.
func (s *SortedIterator) Valid() bool { return s.it.Valid() }

// Next advances to the next live key and reports validity.
func (s *SortedIterator) Next() bool { return s.it.Next() }

// Prev steps back to the previous live key and reports validity.
func (s *SortedIterator) Prev() bool { return s.it.Prev() }

// Key returns a copy of the current key.
func (s *SortedIterator) Key() []byte { return s.it.Key() }

// Value returns a copy of the current value.
func (s *SortedIterator) Value() []byte { return s.it.Value() }

// Close releases the iterator's hold on the engine.
func (s *SortedIterator) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.e.activeIters.Add(-1)
}
