package engine

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/hupe1980/pmemkv/internal/hashtable"
	"github.com/hupe1980/pmemkv/internal/record"
	"github.com/hupe1980/pmemkv/internal/skiplist"
	"github.com/hupe1980/pmemkv/internal/spin"
)

// SortedGet returns the value of key in a sorted collection.
func (e *Engine) SortedGet(collection string, key []byte) ([]byte, error) {
	if len(key) == 0 || collection == "" {
		return nil, ErrEmptyKey
	}
	tok, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer e.end(tok)

	list, ok := e.getList(collection)
	if !ok {
		e.metrics.sortedGets.Inc()
		return nil, ErrNotFound
	}

	ikey := skiplist.InternalKey(list.ID(), key)
	hint := e.table.Hint(ikey)
	entry, ok := e.table.SearchForRead(hint, ikey, record.MaskSorted)
	if !ok {
		e.metrics.sortedGets.Inc()
		return nil, ErrNotFound
	}

	rec := list.RecordBytes(list.RecordOff(entry.Payload))
	if record.DecodeHeader(rec).Type != record.TypeSortedPut {
		e.metrics.sortedGets.Inc()
		return nil, ErrNotFound
	}
	v := record.Value(rec)
	out := make([]byte, len(v))
	copy(out, v)
	e.metrics.sortedGets.Inc()
	return out, nil
}

// SortedPut stores value under key in a sorted collection, creating the
// collection on first use.
func (e *Engine) SortedPut(collection string, key, value []byte) error {
	if collection == "" {
		return ErrEmptyKey
	}
	if err := validateKV(key, value); err != nil {
		return err
	}
	tok, err := e.begin()
	if err != nil {
		return err
	}
	defer e.end(tok)

	list, err := e.getOrCreateList(collection, tok)
	if err != nil {
		return err
	}
	if err := e.sortedWrite(tok, list, key, value, record.TypeSortedPut); err != nil {
		return err
	}
	e.metrics.sortedPuts.Inc()
	return nil
}

// SortedDelete removes key from a sorted collection. Deleting an absent
// key, or one already deleted, is a no-op.
func (e *Engine) SortedDelete(collection string, key []byte) error {
	if len(key) == 0 || collection == "" {
		return ErrEmptyKey
	}
	tok, err := e.begin()
	if err != nil {
		return err
	}
	defer e.end(tok)

	list, ok := e.getList(collection)
	if !ok {
		e.metrics.sortedDeletes.Inc()
		return nil
	}
	if err := e.sortedWrite(tok, list, key, nil, record.TypeSortedDelete); err != nil {
		return err
	}
	e.metrics.sortedDeletes.Inc()
	return nil
}

// sortedWrite dispatches between the insert and update paths until one of
// them commits. A path bails out whenever the state it validated under the
// locks has moved, so every retry restarts from a fresh search.
func (e *Engine) sortedWrite(tok *token, list *skiplist.List, key, value []byte, tag record.Type) error {
	ikey := skiplist.InternalKey(list.ID(), key)
	hint := e.table.Hint(ikey)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			e.metrics.writeRetries.Inc()
		}

		var retry bool
		var err error
		if _, ok := e.table.SearchForRead(hint, ikey, record.MaskSorted); ok {
			retry, err = e.sortedUpdate(tok, list, hint, ikey, value, tag)
		} else {
			retry, err = e.sortedInsert(tok, list, hint, ikey, value, tag)
		}
		if !retry {
			// Updates retire replaced nodes; free whatever has drained.
			e.reclaimer.Collect()
			return err
		}
	}
}

// sortedInsert links a brand-new key between its neighbours.
func (e *Engine) sortedInsert(tok *token, list *skiplist.List, hint hashtableHint, ikey, value []byte, tag record.Type) (bool, error) {
	if tag == record.TypeSortedDelete {
		// Nothing to delete; a concurrent insert after this point is
		// ordered after the delete.
		return false, nil
	}

	var s skiplist.Splice
	list.Seek(ikey, &s)

	prevB := list.RecordBytes(s.PrevRec)
	nextB := list.RecordBytes(s.NextRec)
	prevHint := e.table.Hint(record.Key(prevB))
	nextHint := e.table.Hint(record.Key(nextB))

	unlock := acquireOrdered(hint.Spin, prevHint.Spin, nextHint.Spin)
	defer unlock()

	slot, _, found, err := e.table.SearchForWrite(hint, ikey, record.MaskSorted)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}
	if found {
		// Lost the race to another writer of the same key; take the
		// update path.
		return true, nil
	}

	// The window must not have moved between the seek and the locks.
	if list.Next(s.Prevs[1], 1) != s.Nexts[1] ||
		record.LoadNext(prevB) != s.NextRec ||
		record.LoadPrev(nextB) != s.PrevRec {
		return true, nil
	}

	ts := e.seq.Add(1)
	size := record.Size(tag, len(ikey), len(value))
	se, err := e.pm.Allocate(tok.tid, size)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPmemOverflow, err)
	}

	height := skiplist.RandomHeight()
	node, err := list.NewNode(ikey, se.Offset, height)
	if err != nil {
		// The extent was never written; hand it straight back.
		e.pm.Free(tok.tid, se)
		return false, fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}

	b := e.pm.Bytes(se.Offset, size)
	record.Encode(b, tag, ts, s.PrevRec, s.NextRec, ikey, value)
	if err := e.pm.Persist(se.Offset, size); err != nil {
		return false, err
	}
	if err := list.SpliceChain(s.PrevRec, s.NextRec, se.Offset); err != nil {
		return false, err
	}
	list.Link(&s, ikey, node)
	e.table.Insert(hint, slot, tag, node)
	return false, nil
}

// sortedUpdate replaces the record and the node behind an existing key:
// the new record inherits the old one's chain neighbours, a fresh node is
// linked in place of the old one, and the old node's memory is retired
// through the epoch reclaimer so no reader ever dereferences freed
// arena space. The old record stays allocated until the next restart
// reclaims superseded extents. This is also where a delete-marked node
// is physically unlinked: the first write that lands on a tombstone
// replaces it.
func (e *Engine) sortedUpdate(tok *token, list *skiplist.List, hint hashtableHint, ikey, value []byte, tag record.Type) (bool, error) {
	entry, ok := e.table.SearchForRead(hint, ikey, record.MaskSorted)
	if !ok {
		return true, nil
	}
	node := entry.Payload
	oldOff := list.RecordOff(node)
	oldB := list.RecordBytes(oldOff)
	prevOff := record.LoadPrev(oldB)
	nextOff := record.LoadNext(oldB)

	prevB := list.RecordBytes(prevOff)
	nextB := list.RecordBytes(nextOff)
	prevHint := e.table.Hint(record.Key(prevB))
	nextHint := e.table.Hint(record.Key(nextB))

	unlock := acquireOrdered(hint.Spin, prevHint.Spin, nextHint.Spin)
	defer unlock()

	slot, held, found, err := e.table.SearchForWrite(hint, ikey, record.MaskSorted)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}
	if !found || held.Payload != node {
		return true, nil
	}
	if tag == record.TypeSortedDelete && held.Tag == record.TypeSortedDelete {
		return false, nil
	}
	if list.RecordOff(node) != oldOff ||
		record.LoadPrev(oldB) != prevOff || record.LoadNext(oldB) != nextOff ||
		record.LoadNext(prevB) != oldOff || record.LoadPrev(nextB) != oldOff {
		return true, nil
	}

	var s skiplist.Splice
	list.Seek(ikey, &s)
	if s.Nexts[1] != node {
		return true, nil
	}

	ts := e.seq.Add(1)
	size := record.Size(tag, len(ikey), len(value))
	se, err := e.pm.Allocate(tok.tid, size)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPmemOverflow, err)
	}

	newNode, err := list.NewNode(ikey, se.Offset, skiplist.RandomHeight())
	if err != nil {
		// The extent was never written; hand it straight back.
		e.pm.Free(tok.tid, se)
		return false, fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}

	b := e.pm.Bytes(se.Offset, size)
	record.Encode(b, tag, ts, prevOff, nextOff, ikey, value)
	if err := e.pm.Persist(se.Offset, size); err != nil {
		return false, err
	}
	if err := list.SpliceChain(prevOff, nextOff, se.Offset); err != nil {
		return false, err
	}

	// Between the unlink and the final hash swing readers still resolve
	// through the hash entry, which keeps naming the old node; its
	// memory is protected by the epoch it was retired in.
	list.Unlink(&s, ikey, node)
	list.Seek(ikey, &s)
	list.Link(&s, ikey, newNode)
	e.table.Insert(hint, slot, tag, newNode)

	allocOff, allocSize := list.Allocation(node)
	e.reclaimer.Retire(func() { e.dram.Free(allocOff, allocSize) })
	return false, nil
}

// hashtableHint aliases the hash table hint to keep signatures short.
type hashtableHint = hashtable.Hint

// acquireOrdered locks the deduplicated mutex set in ascending address
// order and returns the matching unlock.
func acquireOrdered(ms ...*spin.Mutex) func() {
	set := ms[:0]
	for _, m := range ms {
		dup := false
		for _, held := range set {
			if held == m {
				dup = true
				break
			}
		}
		if !dup {
			set = append(set, m)
		}
	}
	sort.Slice(set, func(i, j int) bool {
		return uintptr(unsafe.Pointer(set[i])) < uintptr(unsafe.Pointer(set[j]))
	})
	for _, m := range set {
		m.Lock()
	}
	return func() {
		for i := len(set) - 1; i >= 0; i-- {
			set[i].Unlock()
		}
	}
}
