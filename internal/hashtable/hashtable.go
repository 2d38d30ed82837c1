// Package hashtable implements the sharded open-addressed hash index.
//
// The table maps keys to 16-byte entries: a 32-bit hash prefix, a 16-bit
// type tag and a 64-bit payload. For unordered keys the payload is a PMem
// record offset, for sorted keys it is a skip list node handle; the table
// itself never interprets payloads beyond handing them to the resolver for
// key verification.
//
// Buckets are grouped into shards; one spin mutex per shard serializes all
// writes to its buckets. Reads take no locks: they filter on the cached
// prefix and then verify the full key against the referenced record, so a
// stale or half-written entry can never produce a false match.
package hashtable

import (
	"bytes"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/pmemkv/internal/dram"
	"github.com/hupe1980/pmemkv/internal/record"
	"github.com/hupe1980/pmemkv/internal/spin"
)

const (
	entrySize = 16
	// chainPtrSize is the trailing overflow pointer of each bucket.
	chainPtrSize = 8
)

// Resolver returns the key stored behind an entry payload, so the table
// can verify prefix matches. ok is false when the payload cannot be
// resolved (the caller then treats the entry as a non-match).
type Resolver func(tag record.Type, payload uint64) (key []byte, ok bool)

// Options configures a Table.
type Options struct {
	// BucketNum is the number of main buckets; it must be a power of two.
	BucketNum uint64
	// BucketSize is the byte size of one bucket.
	BucketSize uint32
	// SlotGrain is the number of consecutive buckets sharing one shard
	// mutex.
	SlotGrain uint64
}

// DefaultOptions sizes the table for a few million keys.
var DefaultOptions = Options{
	BucketNum:  1 << 16,
	BucketSize: 128,
	SlotGrain:  64,
}

// Hint carries the precomputed routing for one key, so a caller can hash
// once and reuse the result across search, lock and insert.
type Hint struct {
	Hash   uint64
	Bucket uint64
	Slot   uint64
	Spin   *spin.Mutex
}

// Entry is a decoded hash entry.
type Entry struct {
	Prefix  uint32
	Tag     record.Type
	Payload uint64
}

// Slot identifies the entry position a write should target.
type Slot struct {
	entryOff uint64
	bucket   uint64
	isNew    bool
}

// Table is the sharded hash index.
type Table struct {
	opts       Options
	entriesPer uint64
	groupOffs  []uint64
	counts     []uint32
	shards     []spin.Mutex
	dram       *dram.Allocator
	resolve    Resolver
}

// New creates a Table with buckets allocated from d.
func New(d *dram.Allocator, resolve Resolver, optFns ...func(o *Options)) (*Table, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	numShards := opts.BucketNum / opts.SlotGrain
	t := &Table{
		opts:       opts,
		entriesPer: uint64((opts.BucketSize - chainPtrSize) / entrySize),
		groupOffs:  make([]uint64, numShards),
		counts:     make([]uint32, opts.BucketNum),
		shards:     make([]spin.Mutex, numShards),
		dram:       d,
		resolve:    resolve,
	}
	groupBytes := int(opts.SlotGrain * uint64(opts.BucketSize))
	for i := range t.groupOffs {
		off, err := d.Alloc(groupBytes)
		if err != nil {
			return nil, err
		}
		t.groupOffs[i] = off
	}
	return t, nil
}

// Hint computes the routing for key.
func (t *Table) Hint(key []byte) Hint {
	h := xxhash.Sum64(key)
	bucket := h & (t.opts.BucketNum - 1)
	slot := bucket / t.opts.SlotGrain
	return Hint{Hash: h, Bucket: bucket, Slot: slot, Spin: &t.shards[slot]}
}

func (t *Table) bucketOff(bucket uint64) uint64 {
	group := bucket / t.opts.SlotGrain
	return t.groupOffs[group] + bucket%t.opts.SlotGrain*uint64(t.opts.BucketSize)
}

func (t *Table) loadWord(off uint64) uint64 {
	return atomic.LoadUint64((*uint64)(t.dram.Pointer(off)))
}

func (t *Table) storeWord(off, v uint64) {
	atomic.StoreUint64((*uint64)(t.dram.Pointer(off)), v)
}

func packMeta(prefix uint32, tag record.Type) uint64 {
	return uint64(prefix) | uint64(tag)<<32
}

func unpackMeta(meta uint64) (uint32, record.Type) {
	return uint32(meta), record.Type(meta >> 32)
}

// entryAt resolves the absolute offset of entry idx in the chain starting
// at bucket. It returns 0 when the chain is shorter than idx, which only
// happens on racy lock-free reads.
func (t *Table) entryAt(bucket, idx uint64) uint64 {
	off := t.bucketOff(bucket)
	for idx >= t.entriesPer {
		next := t.loadWord(off + uint64(t.opts.BucketSize) - chainPtrSize)
		if next == 0 {
			return 0
		}
		off = next
		idx -= t.entriesPer
	}
	return off + idx*entrySize
}

// SearchForRead looks key up without taking any lock. It returns the
// matching entry after verifying the referenced key.
func (t *Table) SearchForRead(hint Hint, key []byte, mask record.Type) (Entry, bool) {
	cnt := uint64(atomic.LoadUint32(&t.counts[hint.Bucket]))
	prefix := uint32(hint.Hash)

	for i := uint64(0); i < cnt; i++ {
		entryOff := t.entryAt(hint.Bucket, i)
		if entryOff == 0 {
			break
		}
		meta := t.loadWord(entryOff)
		p, tag := unpackMeta(meta)
		if tag&mask == 0 || p != prefix {
			continue
		}
		payload := t.loadWord(entryOff + 8)
		stored, ok := t.resolve(tag, payload)
		if !ok || !bytes.Equal(stored, key) {
			continue
		}
		return Entry{Prefix: p, Tag: tag, Payload: payload}, true
	}
	return Entry{}, false
}

// SearchForWrite looks key up on behalf of a writer holding hint.Spin. On
// a match it returns the entry's slot for an in-place update; otherwise it
// returns the slot a new entry should be written to, growing the overflow
// chain when the bucket is full.
func (t *Table) SearchForWrite(hint Hint, key []byte, mask record.Type) (Slot, Entry, bool, error) {
	cnt := uint64(atomic.LoadUint32(&t.counts[hint.Bucket]))
	prefix := uint32(hint.Hash)

	var empty uint64
	haveEmpty := false

	for i := uint64(0); i < cnt; i++ {
		entryOff := t.entryAt(hint.Bucket, i)
		meta := t.loadWord(entryOff)
		p, tag := unpackMeta(meta)
		if tag == record.TypeNone {
			if !haveEmpty {
				empty, haveEmpty = entryOff, true
			}
			continue
		}
		if tag&mask == 0 || p != prefix {
			continue
		}
		payload := t.loadWord(entryOff + 8)
		stored, ok := t.resolve(tag, payload)
		if !ok || !bytes.Equal(stored, key) {
			continue
		}
		return Slot{entryOff: entryOff, bucket: hint.Bucket},
			Entry{Prefix: p, Tag: tag, Payload: payload}, true, nil
	}

	if haveEmpty {
		return Slot{entryOff: empty, bucket: hint.Bucket}, Entry{}, false, nil
	}

	entryOff, err := t.appendSlot(hint.Bucket, cnt)
	if err != nil {
		return Slot{}, Entry{}, false, err
	}
	return Slot{entryOff: entryOff, bucket: hint.Bucket, isNew: true}, Entry{}, false, nil
}

// appendSlot returns the offset of chain position idx, allocating a new
// overflow bucket when the position crosses into one.
func (t *Table) appendSlot(bucket, idx uint64) (uint64, error) {
	off := t.bucketOff(bucket)
	for idx >= t.entriesPer {
		nextOff := off + uint64(t.opts.BucketSize) - chainPtrSize
		next := t.loadWord(nextOff)
		if next == 0 {
			fresh, err := t.dram.Alloc(int(t.opts.BucketSize))
			if err != nil {
				return 0, err
			}
			t.storeWord(nextOff, fresh)
			next = fresh
		}
		off = next
		idx -= t.entriesPer
	}
	return off + idx*entrySize, nil
}

// Insert publishes an entry at slot. The caller must hold hint.Spin. For
// updates only the payload and tag change; the bucket count grows only for
// slots minted fresh by SearchForWrite.
func (t *Table) Insert(hint Hint, slot Slot, tag record.Type, payload uint64) {
	t.storeWord(slot.entryOff+8, payload)
	t.storeWord(slot.entryOff, packMeta(uint32(hint.Hash), tag))
	if slot.isNew {
		atomic.AddUint32(&t.counts[slot.bucket], 1)
	}
}
