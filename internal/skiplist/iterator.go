package skiplist

import "github.com/hupe1980/pmemkv/internal/record"

// Iterator walks a sorted collection in key order.
//
// Positioning goes through the skip list, but stepping follows the
// persistent record chain, so a long scan never holds index references.
// Each step resolves against the chain as it is at that moment; tombstone
// records are skipped transparently.
type Iterator struct {
	l   *List
	cur uint64 // record offset; 0 when exhausted
}

// NewIterator returns an unpositioned iterator over l.
func (l *List) NewIterator() *Iterator {
	return &Iterator{l: l}
}

// skipForward advances off past tombstones. It returns 0 once the walk
// wraps around to the collection header.
func (it *Iterator) skipForward(off uint64) uint64 {
	for off != it.l.headerRecOff {
		b := it.l.RecordBytes(off)
		if !record.DecodeHeader(b).Type.IsDelete() {
			return off
		}
		off = record.LoadNext(b)
	}
	return 0
}

func (it *Iterator) skipBackward(off uint64) uint64 {
	for off != it.l.headerRecOff {
		b := it.l.RecordBytes(off)
		if !record.DecodeHeader(b).Type.IsDelete() {
			return off
		}
		off = record.LoadPrev(b)
	}
	return 0
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	var s Splice
	it.l.Seek(InternalKey(it.l.id, key), &s)
	it.cur = it.skipForward(s.NextRec)
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	header := it.l.RecordBytes(it.l.headerRecOff)
	it.cur = it.skipForward(record.LoadNext(header))
}

// SeekToLast positions the iterator at the largest key.
func (it *Iterator) SeekToLast() {
	header := it.l.RecordBytes(it.l.headerRecOff)
	it.cur = it.skipBackward(record.LoadPrev(header))
}

// Valid reports whether the iterator is positioned on a record.
func (it *Iterator) Valid() bool { return it.cur != 0 }

// Next advances to the next live record. It reports whether the iterator
// is still valid.
func (it *Iterator) Next() bool {
	if !it.Valid() {
		return false
	}
	it.cur = it.skipForward(record.LoadNext(it.l.RecordBytes(it.cur)))
	return it.Valid()
}

// Prev steps back to the previous live record. It reports whether the
// iterator is still valid.
func (it *Iterator) Prev() bool {
	if !it.Valid() {
		return false
	}
	it.cur = it.skipBackward(record.LoadPrev(it.l.RecordBytes(it.cur)))
	return it.Valid()
}

// Key returns a copy of the current user key.
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	k := UserKey(record.Key(it.l.RecordBytes(it.cur)))
	out := make([]byte, len(k))
	copy(out, k)
	return out
}

// Value returns a copy of the current value.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	v := record.Value(it.l.RecordBytes(it.cur))
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
