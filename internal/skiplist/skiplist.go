// Package skiplist implements the volatile ordered index over a sorted
// collection's persistent record chain.
//
// Nodes live in the volatile chunk allocator and are addressed by stable
// 64-bit handles, so the hash index can reference a node without pinning a
// Go pointer. A node's next-pointer array is placed at negative offsets
// from the node base: the base handle never changes while the level count
// varies per node.
//
//	alloc start:  [next[height]] ... [next[2]] [next[1]]
//	node base:    record offset (8) | height (2) | cached key len (2) |
//	              reserved (4) | cached key bytes
//
// Readers descend lock-free with atomic loads. Writers publish bottom-up:
// once a reader finds a node at level k it will find it at every lower
// level, and the level-1 chain always mirrors the persistent chain of
// completed writes.
package skiplist

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"sync/atomic"

	"github.com/hupe1980/pmemkv/internal/dram"
	"github.com/hupe1980/pmemkv/internal/pmem"
	"github.com/hupe1980/pmemkv/internal/record"
)

const (
	// MaxHeight is the tallest tower a node can have.
	MaxHeight = 12
	// cacheHeight is the minimum height at which a node caches its key;
	// tall nodes are visited on most descents, so sparing them the PMem
	// dereference pays for the extra bytes.
	cacheHeight = 3
	// inlineKeyLen caches short user keys regardless of height.
	inlineKeyLen = 4

	// node base layout
	nodeRecordOff = 0
	nodeHeightOff = 8
	nodeKeyLenOff = 10
	nodeBaseSize  = 16

	// CollectionIDLen prefixes every member key with its collection id,
	// so keys from different collections never compare or hash equal.
	CollectionIDLen = 8
)

// InternalKey prefixes a user key with the collection id.
func InternalKey(id uint64, key []byte) []byte {
	ik := make([]byte, CollectionIDLen+len(key))
	binary.BigEndian.PutUint64(ik, id)
	copy(ik[CollectionIDLen:], key)
	return ik
}

// UserKey strips the collection id prefix from an internal key.
func UserKey(ik []byte) []byte { return ik[CollectionIDLen:] }

// RandomHeight draws a tower height in [1, MaxHeight], adding each level
// with probability one half.
func RandomHeight() int {
	h := 1
	for h < MaxHeight && rand.Uint32()&1 == 1 {
		h++
	}
	return h
}

// List is the ordered index of one sorted collection.
type List struct {
	name         string
	id           uint64
	header       uint64
	headerRecOff uint64
	arena        *dram.Allocator
	pm           *pmem.Allocator
}

// New creates the index for a collection anchored at the header record at
// headerRecOff. The header node spans all levels.
func New(arena *dram.Allocator, pm *pmem.Allocator, name string, id uint64, headerRecOff uint64) (*List, error) {
	l := &List{
		name:         name,
		id:           id,
		headerRecOff: headerRecOff,
		arena:        arena,
		pm:           pm,
	}
	h, err := l.newNode(nil, headerRecOff, MaxHeight, false)
	if err != nil {
		return nil, err
	}
	l.header = h
	return l, nil
}

// Name returns the collection name.
func (l *List) Name() string { return l.name }

// ID returns the collection id.
func (l *List) ID() uint64 { return l.id }

// Header returns the header node handle.
func (l *List) Header() uint64 { return l.header }

// HeaderRecordOffset returns the PMem offset of the header record.
func (l *List) HeaderRecordOffset() uint64 { return l.headerRecOff }

func (l *List) newNode(ikey []byte, recOff uint64, height int, cache bool) (uint64, error) {
	size := 8*height + nodeBaseSize
	if cache {
		size += len(ikey)
	}
	alloc, err := l.arena.Alloc(size)
	if err != nil {
		return 0, err
	}
	base := alloc + uint64(8*height)
	b := l.arena.Bytes(base, nodeBaseSize)
	binary.LittleEndian.PutUint64(b[nodeRecordOff:], recOff)
	binary.LittleEndian.PutUint16(b[nodeHeightOff:], uint16(height))
	if cache {
		binary.LittleEndian.PutUint16(b[nodeKeyLenOff:], uint16(len(ikey)))
		copy(l.arena.Bytes(base+nodeBaseSize, len(ikey)), ikey)
	}
	return base, nil
}

// NewNode allocates a node of the given height for the record at recOff.
// The key is cached inline when the node is tall or the user key is short.
func (l *List) NewNode(ikey []byte, recOff uint64, height int) (uint64, error) {
	cache := height >= cacheHeight || len(ikey)-CollectionIDLen <= inlineKeyLen
	return l.newNode(ikey, recOff, height, cache)
}

// Height returns the tower height of node n.
func (l *List) Height(n uint64) int {
	b := l.arena.Bytes(n, nodeBaseSize)
	return int(binary.LittleEndian.Uint16(b[nodeHeightOff:]))
}

// NodeKey returns the internal key of an arbitrary node handle. The hash
// index resolver uses it to verify entries without knowing which
// collection a node belongs to.
func NodeKey(a *dram.Allocator, pm *pmem.Allocator, n uint64) []byte {
	b := a.Bytes(n, nodeBaseSize)
	if kl := binary.LittleEndian.Uint16(b[nodeKeyLenOff:]); kl > 0 {
		return a.Bytes(n+nodeBaseSize, int(kl))
	}
	recOff := atomic.LoadUint64((*uint64)(a.Pointer(n + nodeRecordOff)))
	return record.Key(recordBytesAt(pm, recOff))
}

func recordBytesAt(pm *pmem.Allocator, off uint64) []byte {
	hdr := record.DecodeHeader(pm.Bytes(off, record.SortedHeaderSize))
	return pm.Bytes(off, record.Size(hdr.Type, int(hdr.KeySize), int(hdr.ValueSize)))
}

// RecordOff atomically reads the backing record offset of node n.
func (l *List) RecordOff(n uint64) uint64 {
	return atomic.LoadUint64((*uint64)(l.arena.Pointer(n + nodeRecordOff)))
}

// Allocation returns the arena extent backing node n, for handing the
// node's memory to the epoch reclaimer once it has been unlinked.
func (l *List) Allocation(n uint64) (uint64, int) {
	b := l.arena.Bytes(n, nodeBaseSize)
	height := int(binary.LittleEndian.Uint16(b[nodeHeightOff:]))
	cached := int(binary.LittleEndian.Uint16(b[nodeKeyLenOff:]))
	return n - uint64(8*height), 8*height + nodeBaseSize + cached
}

// Key returns the internal key of node n, from the inline cache when
// present and from the backing record otherwise.
func (l *List) Key(n uint64) []byte {
	return NodeKey(l.arena, l.pm, n)
}

// Next atomically reads the successor of n at level (1-based).
func (l *List) Next(n uint64, level int) uint64 {
	return atomic.LoadUint64((*uint64)(l.arena.Pointer(n - uint64(8*level))))
}

// SetNext publishes next as the successor of n at level.
func (l *List) SetNext(n uint64, level int, next uint64) {
	atomic.StoreUint64((*uint64)(l.arena.Pointer(n-uint64(8*level))), next)
}

// CASNext swaps the successor of n at level from old to new.
func (l *List) CASNext(n uint64, level int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(l.arena.Pointer(n-uint64(8*level))), old, new)
}

// RecordBytes returns the full byte range of the sorted record at off.
func (l *List) RecordBytes(off uint64) []byte {
	return recordBytesAt(l.pm, off)
}

// Splice records the insertion window at every level plus the persistent
// neighbours at level 1.
type Splice struct {
	Prevs   [MaxHeight + 1]uint64
	Nexts   [MaxHeight + 1]uint64
	PrevRec uint64
	NextRec uint64
}

// Seek locates the window for ikey and fills s. It is lock-free; under
// concurrent writes the recorded window may be stale by the time the
// caller acts on it, which the caller detects after locking.
func (l *List) Seek(ikey []byte, s *Splice) {
	prev := l.header
	for level := MaxHeight; level >= 1; level-- {
		next := l.Next(prev, level)
		for next != 0 && bytes.Compare(l.Key(next), ikey) < 0 {
			prev = next
			next = l.Next(prev, level)
		}
		s.Prevs[level] = prev
		s.Nexts[level] = next
	}
	s.PrevRec = l.RecordOff(s.Prevs[1])
	if s.Nexts[1] != 0 {
		s.NextRec = l.RecordOff(s.Nexts[1])
	} else {
		s.NextRec = l.headerRecOff
	}
}

// Recompute repairs one level of the splice after a lost race, advancing
// from the stale prev instead of redoing the whole descent.
func (s *Splice) Recompute(l *List, ikey []byte, level int) {
	for {
		next := l.Next(s.Prevs[level], level)
		if next == 0 {
			s.Nexts[level] = 0
			return
		}
		if bytes.Compare(l.Key(next), ikey) < 0 {
			s.Prevs[level] = next
			continue
		}
		s.Nexts[level] = next
		return
	}
}

// Link publishes the pre-allocated node n into the list, level by level,
// bottom-up. The caller must hold the neighbour locks covering the level-1
// window; levels above 1 race with unrelated inserts, so a failed CAS
// recomputes just that level and retries.
func (l *List) Link(s *Splice, ikey []byte, n uint64) {
	height := l.Height(n)
	for level := 1; level <= height; level++ {
		for {
			l.SetNext(n, level, s.Nexts[level])
			if l.CASNext(s.Prevs[level], level, s.Nexts[level], n) {
				break
			}
			s.Recompute(l, ikey, level)
		}
	}
}

// Unlink removes node n, whose key is ikey, from every level it is
// linked at, top-down so readers lose the shortcuts before the level-1
// link. The caller must hold the neighbour locks covering the level-1
// window; upper levels race with unrelated inserts and retry through
// recompute. The node's memory stays valid until the epoch reclaimer
// frees it.
func (l *List) Unlink(s *Splice, ikey []byte, n uint64) {
	height := l.Height(n)
	for level := height; level >= 1; level-- {
		for {
			s.Recompute(l, ikey, level)
			if s.Nexts[level] != n {
				break
			}
			if l.CASNext(s.Prevs[level], level, n, l.Next(n, level)) {
				break
			}
		}
	}
}

// SpliceChain makes newOff the chain element between prevOff and nextOff,
// persisting each mutated word. It covers both fresh inserts (prev and
// next were adjacent) and in-place replacement (the old record shared the
// same neighbours). The record at newOff must already be persisted with
// its prev and next words set.
func (l *List) SpliceChain(prevOff, nextOff, newOff uint64) error {
	next := l.pm.Bytes(nextOff, record.SortedHeaderSize)
	record.StorePrev(next, newOff)
	if err := l.pm.Persist(nextOff+record.PrevFieldOffset, 8); err != nil {
		return err
	}
	prev := l.pm.Bytes(prevOff, record.SortedHeaderSize)
	record.StoreNext(prev, newOff)
	return l.pm.Persist(prevOff+record.NextFieldOffset, 8)
}

// Builder links nodes for records visited in ascending key order, used by
// recovery to rebuild the index from the persistent chain.
type Builder struct {
	l     *List
	tails [MaxHeight + 1]uint64
}

// NewBuilder returns a Builder whose tails start at the header.
func NewBuilder(l *List) *Builder {
	b := &Builder{l: l}
	for i := 1; i <= MaxHeight; i++ {
		b.tails[i] = l.header
	}
	return b
}

// Append creates a node for the record at recOff, whose key must follow
// all previously appended keys, and links it at a random height.
func (b *Builder) Append(ikey []byte, recOff uint64) (uint64, error) {
	height := RandomHeight()
	n, err := b.l.NewNode(ikey, recOff, height)
	if err != nil {
		return 0, err
	}
	for level := 1; level <= height; level++ {
		b.l.SetNext(b.tails[level], level, n)
		b.tails[level] = n
	}
	return n, nil
}
