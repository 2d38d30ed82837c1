package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/pmemkv/internal/pmem"
	"github.com/hupe1980/pmemkv/internal/record"
	"github.com/hupe1980/pmemkv/internal/skiplist"
)

// scannedRecord is one checksum-valid record found by the segment scan.
type scannedRecord struct {
	off uint64
	typ record.Type
	ts  uint64
}

type segScan struct {
	records []scannedRecord
	used    uint64
	skipped int
}

// recover rebuilds the volatile indexes from the persisted records.
//
// Phase one scans all segments in parallel and collects every record with
// a valid checksum; liveness is decided afterwards. Phase two restores the
// collection headers, phase three replays the unordered key space keeping
// the newest record per key, phase four walks each collection's chain,
// repairing half-finished splices, and rebuilds its skip list in chain
// order. Finally the allocator learns which extents survived.
func (e *Engine) recover() error {
	segCount := e.pm.SegmentCount()
	scans := make([]segScan, segCount)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for idx := uint64(1); idx < segCount; idx++ {
		g.Go(func() error {
			scans[idx] = e.scanSegment(idx)
			return nil
		})
	}
	_ = g.Wait()

	var (
		maxTS, maxID uint64
		used         = make(map[uint64]uint64)
		candidates   = make(map[uint64]scannedRecord)
		headers      []scannedRecord
		strs         []scannedRecord
		skipped      int
	)
	for idx := range scans {
		s := &scans[idx]
		if s.used > 0 {
			used[uint64(idx)] = s.used
		}
		skipped += s.skipped
		for _, r := range s.records {
			candidates[r.off] = r
			if r.ts > maxTS {
				maxTS = r.ts
			}
			switch r.typ {
			case record.TypeSortedHeader:
				headers = append(headers, r)
			case record.TypeStringPut, record.TypeStringDelete:
				strs = append(strs, r)
			}
		}
	}

	live := roaring64.New()
	markLive := func(off uint64) {
		b := e.recordBytesAt(off)
		size := (uint64(len(b)) + 7) &^ 7
		live.AddRange(pmem.LiveBlock(off), pmem.LiveBlock(off+size))
	}

	// Collections.
	for _, h := range headers {
		b := e.recordBytesAt(h.off)
		name := string(record.Key(b))
		id := binary.LittleEndian.Uint64(record.Value(b))
		if _, ok := e.lists.Load(name); ok {
			e.metrics.dropped.Inc()
			continue
		}
		l, err := skiplist.New(e.dram, e.pm, name, id, h.off)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
		}
		e.lists.Store(name, l)
		markLive(h.off)
		if id > maxID {
			maxID = id
		}
	}

	// Unordered key space: the newest record per key wins.
	type winner struct {
		off uint64
		typ record.Type
		ts  uint64
	}
	wins := make(map[string]winner, len(strs))
	for _, r := range strs {
		key := string(record.Key(e.recordBytesAt(r.off)))
		if w, ok := wins[key]; !ok || r.ts > w.ts {
			wins[key] = winner{off: r.off, typ: r.typ, ts: r.ts}
		}
	}
	for key, w := range wins {
		if w.typ != record.TypeStringPut {
			e.metrics.dropped.Inc()
			continue
		}
		hint := e.table.Hint([]byte(key))
		hint.Spin.Lock()
		slot, _, _, err := e.table.SearchForWrite(hint, []byte(key), record.MaskString)
		if err != nil {
			hint.Spin.Unlock()
			return fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
		}
		e.table.Insert(hint, slot, w.typ, w.off)
		hint.Spin.Unlock()
		markLive(w.off)
		e.metrics.recovered.Inc()
	}

	// Sorted collections.
	var rebuildErr error
	e.lists.Range(func(_ string, l *skiplist.List) bool {
		rebuildErr = e.rebuildList(l, candidates, markLive)
		return rebuildErr == nil
	})
	if rebuildErr != nil {
		return rebuildErr
	}

	e.seq.Store(maxTS)
	e.listIDSeq.Store(maxID)
	e.pm.Restore(used, live)

	e.logger.Info("recovery completed",
		"records_scanned", len(candidates),
		"records_recovered", e.metrics.recovered.Get(),
		"records_repaired", e.metrics.repaired.Get(),
		"records_dropped", e.metrics.dropped.Get(),
		"torn_skipped", skipped,
	)
	return nil
}

func validScanType(t record.Type) bool {
	switch t {
	case record.TypeStringPut, record.TypeStringDelete,
		record.TypeSortedPut, record.TypeSortedDelete, record.TypeSortedHeader:
		return true
	default:
		return false
	}
}

// scanSegment walks one segment, probing at allocation alignment so a torn
// record or a reused gap never hides the valid records behind it.
func (e *Engine) scanSegment(idx uint64) segScan {
	b := e.pm.SegmentBytes(idx)
	base := idx * e.pm.SegmentSize()

	var s segScan
	cur := uint64(0)
	for cur+record.StringHeaderSize <= uint64(len(b)) {
		hdr := record.DecodeHeader(b[cur:])
		if !validScanType(hdr.Type) {
			cur += 8
			continue
		}
		size := record.Size(hdr.Type, int(hdr.KeySize), int(hdr.ValueSize))
		aligned := (uint64(size) + 7) &^ 7
		if cur+aligned > uint64(len(b)) {
			cur += 8
			continue
		}
		if !record.Validate(b[cur : cur+uint64(size)]) {
			s.skipped++
			cur += 8
			continue
		}
		s.records = append(s.records, scannedRecord{off: base + cur, typ: hdr.Type, ts: hdr.Timestamp})
		cur += aligned
		s.used = cur
	}
	return s
}

// recordBytesAt returns the full byte range of any record at off.
func (e *Engine) recordBytesAt(off uint64) []byte {
	hdr := record.DecodeHeader(e.pm.Bytes(off, record.StringHeaderSize))
	return e.pm.Bytes(off, record.Size(hdr.Type, int(hdr.KeySize), int(hdr.ValueSize)))
}

func (e *Engine) persistChainWord(recOff uint64, field uint64) error {
	return e.pm.Persist(recOff+field, 8)
}

// chainMember reports whether a scanned record can legally appear inside a
// collection chain.
func chainMember(r scannedRecord, ok bool) bool {
	return ok && r.typ.IsSorted() && r.typ != record.TypeSortedHeader
}

// rebuildList walks the persistent chain of one collection, repairs the
// half-finished splices a crash can leave behind, physically unlinks
// tombstones and rebuilds the skip list from the surviving records.
//
// A record between P and S is repaired forward when S's back pointer names
// it and its own pointers close over the gap (an insert whose final step
// never ran), or replaces its predecessor when both share neighbours and
// it is newer (an update whose final step never ran). Everything else
// behind a mismatched back pointer is a dropped orphan.
func (e *Engine) rebuildList(l *skiplist.List, candidates map[uint64]scannedRecord, markLive func(uint64)) error {
	headerOff := l.HeaderRecordOffset()
	headerB := l.RecordBytes(headerOff)

	maxSteps := 2*len(candidates) + 8
	var members []uint64

	cur, curB := headerOff, headerB
	for steps := 0; ; steps++ {
		if steps > maxSteps {
			return &CorruptionError{Offset: cur, Reason: "record chain does not terminate"}
		}

		nextOff := record.LoadNext(curB)
		if nextOff == headerOff {
			if back := record.LoadPrev(headerB); back != cur {
				if r, ok := candidates[back]; chainMember(r, ok) {
					bB := l.RecordBytes(back)
					if record.LoadPrev(bB) == cur && record.LoadNext(bB) == headerOff {
						// Half-linked insert at the tail.
						record.StoreNext(curB, back)
						if err := e.persistChainWord(cur, record.NextFieldOffset); err != nil {
							return err
						}
						e.metrics.repaired.Inc()
						continue
					}
					if cur != headerOff &&
						record.LoadPrev(bB) == record.LoadPrev(curB) &&
						record.LoadNext(bB) == headerOff &&
						r.ts > candidates[cur].ts {
						// The tail record was replaced but the forward
						// swing never ran.
						prevOff := record.LoadPrev(curB)
						record.StoreNext(l.RecordBytes(prevOff), back)
						if err := e.persistChainWord(prevOff, record.NextFieldOffset); err != nil {
							return err
						}
						e.metrics.repaired.Inc()
						e.metrics.dropped.Inc()
						members[len(members)-1] = back
						cur, curB = back, bB
						continue
					}
				}
				record.StorePrev(headerB, cur)
				if err := e.persistChainWord(headerOff, record.PrevFieldOffset); err != nil {
					return err
				}
				e.metrics.repaired.Inc()
			}
			break
		}

		nextR, ok := candidates[nextOff]
		if !chainMember(nextR, ok) {
			return &CorruptionError{Offset: nextOff, Reason: "chain points to an invalid record"}
		}
		nextB := l.RecordBytes(nextOff)

		if back := record.LoadPrev(nextB); back != cur {
			if r, okX := candidates[back]; chainMember(r, okX) {
				xB := l.RecordBytes(back)
				switch {
				case record.LoadPrev(xB) == cur && record.LoadNext(xB) == nextOff:
					// Insert of x between cur and next completed its
					// back link only; finish it forward.
					record.StoreNext(curB, back)
					if err := e.persistChainWord(cur, record.NextFieldOffset); err != nil {
						return err
					}
					e.metrics.repaired.Inc()
					continue

				case cur != headerOff &&
					record.LoadPrev(xB) == record.LoadPrev(curB) &&
					record.LoadNext(xB) == nextOff &&
					r.ts > candidates[cur].ts:
					// x replaced cur but the forward swing never ran.
					prevOff := record.LoadPrev(curB)
					record.StoreNext(l.RecordBytes(prevOff), back)
					if err := e.persistChainWord(prevOff, record.NextFieldOffset); err != nil {
						return err
					}
					e.metrics.repaired.Inc()
					e.metrics.dropped.Inc()
					members[len(members)-1] = back
					cur, curB = back, xB
					continue
				}
			}
			// Back pointer into a dropped orphan; point it home.
			record.StorePrev(nextB, cur)
			if err := e.persistChainWord(nextOff, record.PrevFieldOffset); err != nil {
				return err
			}
			e.metrics.repaired.Inc()
		}

		members = append(members, nextOff)
		cur, curB = nextOff, nextB
	}

	// Tombstones do not survive a restart: unlink them physically and
	// index only live records.
	builder := skiplist.NewBuilder(l)
	var prevKey []byte
	for _, off := range members {
		rB := l.RecordBytes(off)
		if record.DecodeHeader(rB).Type == record.TypeSortedDelete {
			a, b := record.LoadPrev(rB), record.LoadNext(rB)
			record.StoreNext(l.RecordBytes(a), b)
			if err := e.persistChainWord(a, record.NextFieldOffset); err != nil {
				return err
			}
			record.StorePrev(l.RecordBytes(b), a)
			if err := e.persistChainWord(b, record.PrevFieldOffset); err != nil {
				return err
			}
			e.metrics.dropped.Inc()
			continue
		}

		ikey := record.Key(rB)
		if prevKey != nil && bytes.Compare(prevKey, ikey) >= 0 {
			return &CorruptionError{Offset: off, Reason: "record chain out of order"}
		}
		prevKey = append(prevKey[:0], ikey...)

		node, err := builder.Append(ikey, off)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
		}

		hint := e.table.Hint(ikey)
		hint.Spin.Lock()
		slot, _, _, serr := e.table.SearchForWrite(hint, ikey, record.MaskSorted)
		if serr != nil {
			hint.Spin.Unlock()
			return fmt.Errorf("%w: %w", ErrMemoryOverflow, serr)
		}
		e.table.Insert(hint, slot, record.TypeSortedPut, node)
		hint.Spin.Unlock()

		markLive(off)
		e.metrics.recovered.Inc()
	}
	return nil
}
