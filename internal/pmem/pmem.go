// Package pmem implements the persistent-memory allocator.
//
// The PMem device is emulated by a memory-mapped file. The file is divided
// into fixed-size segments; segment 0 holds the superblock, every other
// segment is bump-allocated by exactly one writer thread at a time, so the
// fast path takes no locks. Persist flushes the written range with msync,
// which is the flush+fence point of the emulation.
//
// Offsets are stable across restarts, addresses are not. All cross-restart
// references (record chain words, hash payloads for the unordered space)
// are therefore offsets; OffsetToAddr resolves them against the current
// mapping.
//
// The allocator keeps no persistent metadata besides the superblock.
// After a restart, recovery scans the segments, decides which records are
// live and reports usage back via Restore.
package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

var (
	// ErrMapFile is returned when the backing file cannot be created,
	// sized or mapped.
	ErrMapFile = errors.New("pmem: map file")
	// ErrOverflow is returned when the PMem pool is exhausted.
	ErrOverflow = errors.New("pmem: space exhausted")
)

const (
	magic   = 0x504D4B56 // "PMKV"
	version = 1

	// superblock layout
	sbMagic       = 0
	sbVersion     = 4
	sbSegmentSize = 8
	sbChecksum    = 16
	sbSize        = 20

	// alignment applies to every allocation so chain words stay
	// 8-byte aligned for atomic access.
	alignment = 8

	// liveBlockShift converts offsets to the block granularity recovery
	// tracks in its bitmap.
	liveBlockShift = 3

	// MinSegmentSize bounds the segment size from below. Allocate rejects
	// any record larger than one segment.
	MinSegmentSize = 1 << 16
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SpaceEntry describes an allocated PMem extent.
type SpaceEntry struct {
	Offset uint64
	Size   uint32
}

// arena is the per-thread bump state. It is only touched by the thread
// owning its id, so it needs no locking.
type arena struct {
	cur  uint64
	end  uint64
	free map[uint32][]uint64
}

// Allocator manages the mapped PMem file.
type Allocator struct {
	path        string
	f           *os.File
	data        []byte
	fileSize    uint64
	segmentSize uint64
	pageSize    uint64
	syncWrites  bool

	segMu       sync.Mutex
	nextSegment uint64
	freeSegs    []uint64

	arenas []arena
}

// Open maps the PMem file at path, creating and sizing it on first use.
// It returns the allocator and whether the file was freshly created.
func Open(path string, fileSize, segmentSize uint64, maxThreads int, syncWrites bool) (*Allocator, bool, error) {
	if segmentSize < MinSegmentSize || segmentSize&(segmentSize-1) != 0 {
		return nil, false, fmt.Errorf("%w: segment size %d must be a power of two >= %d", ErrMapFile, segmentSize, MinSegmentSize)
	}
	if fileSize < 2*segmentSize || fileSize%segmentSize != 0 {
		return nil, false, fmt.Errorf("%w: file size %d must be a multiple of the segment size with room for data", ErrMapFile, fileSize)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrMapFile, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("%w: %w", ErrMapFile, err)
	}

	fresh := st.Size() == 0
	if fresh {
		if err := f.Truncate(int64(fileSize)); err != nil {
			_ = f.Close()
			return nil, false, fmt.Errorf("%w: %w", ErrMapFile, err)
		}
	} else {
		if st.Size() < int64(2*segmentSize) {
			_ = f.Close()
			return nil, false, fmt.Errorf("%w: existing file is too small (%d bytes)", ErrMapFile, st.Size())
		}
		fileSize = uint64(st.Size())
	}

	data, err := mapFile(f, int(fileSize))
	if err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("%w: %w", ErrMapFile, err)
	}

	a := &Allocator{
		path:        path,
		f:           f,
		data:        data,
		fileSize:    fileSize,
		segmentSize: segmentSize,
		pageSize:    uint64(os.Getpagesize()),
		syncWrites:  syncWrites,
		nextSegment: 1,
		arenas:      make([]arena, maxThreads),
	}
	for i := range a.arenas {
		a.arenas[i].free = make(map[uint32][]uint64)
	}

	if fresh {
		a.writeSuperblock()
		if err := a.Persist(0, sbSize); err != nil {
			_ = a.Close()
			return nil, false, err
		}
	} else if err := a.readSuperblock(); err != nil {
		_ = a.Close()
		return nil, false, err
	}
	return a, fresh, nil
}

func (a *Allocator) writeSuperblock() {
	b := a.data[:sbSize]
	binary.LittleEndian.PutUint32(b[sbMagic:], magic)
	binary.LittleEndian.PutUint32(b[sbVersion:], version)
	binary.LittleEndian.PutUint64(b[sbSegmentSize:], a.segmentSize)
	binary.LittleEndian.PutUint32(b[sbChecksum:], crc32.Checksum(b[:sbChecksum], crcTable))
}

func (a *Allocator) readSuperblock() error {
	b := a.data[:sbSize]
	if binary.LittleEndian.Uint32(b[sbMagic:]) != magic {
		return fmt.Errorf("%w: bad magic in %s", ErrMapFile, a.path)
	}
	if v := binary.LittleEndian.Uint32(b[sbVersion:]); v != version {
		return fmt.Errorf("%w: unsupported version %d", ErrMapFile, v)
	}
	if binary.LittleEndian.Uint32(b[sbChecksum:]) != crc32.Checksum(b[:sbChecksum], crcTable) {
		return fmt.Errorf("%w: superblock checksum mismatch", ErrMapFile)
	}
	a.segmentSize = binary.LittleEndian.Uint64(b[sbSegmentSize:])
	if a.segmentSize < MinSegmentSize || a.segmentSize&(a.segmentSize-1) != 0 ||
		a.fileSize%a.segmentSize != 0 {
		return fmt.Errorf("%w: corrupt segment size %d", ErrMapFile, a.segmentSize)
	}
	return nil
}

// Allocate reserves size bytes from the arena of thread tid.
func (a *Allocator) Allocate(tid int, size uint32) (SpaceEntry, error) {
	if size == 0 || uint64(size) > a.segmentSize {
		return SpaceEntry{}, fmt.Errorf("%w: allocation of %d bytes", ErrOverflow, size)
	}
	size = (size + alignment - 1) &^ (alignment - 1)

	ar := &a.arenas[tid]
	if lst := ar.free[size]; len(lst) > 0 {
		off := lst[len(lst)-1]
		ar.free[size] = lst[:len(lst)-1]
		return SpaceEntry{Offset: off, Size: size}, nil
	}

	if ar.cur+uint64(size) > ar.end {
		base, err := a.claimSegment()
		if err != nil {
			return SpaceEntry{}, err
		}
		ar.cur = base
		ar.end = base + a.segmentSize
	}
	off := ar.cur
	ar.cur += uint64(size)
	return SpaceEntry{Offset: off, Size: size}, nil
}

func (a *Allocator) claimSegment() (uint64, error) {
	a.segMu.Lock()
	defer a.segMu.Unlock()

	if n := len(a.freeSegs); n > 0 {
		idx := a.freeSegs[n-1]
		a.freeSegs = a.freeSegs[:n-1]
		return idx * a.segmentSize, nil
	}
	idx := a.nextSegment
	if (idx+1)*a.segmentSize > a.fileSize {
		return 0, ErrOverflow
	}
	a.nextSegment++
	return idx * a.segmentSize, nil
}

// Free returns an extent to the arena of thread tid for exact-size reuse.
func (a *Allocator) Free(tid int, e SpaceEntry) {
	size := (e.Size + alignment - 1) &^ (alignment - 1)
	ar := &a.arenas[tid]
	ar.free[size] = append(ar.free[size], e.Offset)
}

// Bytes returns the n-byte region at off in the mapped file.
func (a *Allocator) Bytes(off uint64, n uint32) []byte {
	return a.data[off : off+uint64(n) : off+uint64(n)]
}

// OffsetToAddr returns the address of the byte at off.
func (a *Allocator) OffsetToAddr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&a.data[off])
}

// AddrToOffset converts an address inside the mapping back to its offset.
func (a *Allocator) AddrToOffset(p unsafe.Pointer) uint64 {
	return uint64(uintptr(p) - uintptr(unsafe.Pointer(&a.data[0])))
}

// Persist flushes the given range to the backing file (flush+fence).
func (a *Allocator) Persist(off uint64, n uint32) error {
	if !a.syncWrites || n == 0 {
		return nil
	}
	start := off &^ (a.pageSize - 1)
	end := (off + uint64(n) + a.pageSize - 1) &^ (a.pageSize - 1)
	if end > a.fileSize {
		end = a.fileSize
	}
	return msync(a.data[start:end])
}

// SegmentSize returns the segment size in bytes.
func (a *Allocator) SegmentSize() uint64 { return a.segmentSize }

// SegmentCount returns the number of segments in the file, including the
// superblock segment.
func (a *Allocator) SegmentCount() uint64 { return a.fileSize / a.segmentSize }

// SegmentBytes returns the full byte range of segment idx.
func (a *Allocator) SegmentBytes(idx uint64) []byte {
	base := idx * a.segmentSize
	return a.data[base : base+a.segmentSize : base+a.segmentSize]
}

// LiveBlock converts a PMem offset to the block index recovery tracks.
func LiveBlock(off uint64) uint64 { return off >> liveBlockShift }

// Restore installs the usage picture computed by recovery: used is the
// number of bytes consumed at the front of each touched segment, live marks
// the blocks of records that survived recovery. Touched segments with no
// surviving record become reusable; partially dead segments stay closed
// until the next restart.
func (a *Allocator) Restore(used map[uint64]uint64, live *roaring64.Bitmap) {
	a.segMu.Lock()
	defer a.segMu.Unlock()

	maxUsed := uint64(0)
	for idx := range used {
		if idx > maxUsed {
			maxUsed = idx
		}
	}
	a.nextSegment = maxUsed + 1
	a.freeSegs = a.freeSegs[:0]

	for idx := uint64(1); idx <= maxUsed; idx++ {
		if used[idx] == 0 {
			a.freeSegs = append(a.freeSegs, idx)
			continue
		}
		base := idx * a.segmentSize
		span := roaring64.New()
		span.AddRange(LiveBlock(base), LiveBlock(base+used[idx]))
		span.And(live)
		if span.IsEmpty() {
			a.freeSegs = append(a.freeSegs, idx)
		}
	}
}

// Close flushes and unmaps the file.
func (a *Allocator) Close() error {
	var err error
	if a.data != nil {
		if a.syncWrites {
			err = msync(a.data)
		}
		if e := unmapFile(a.data); e != nil && err == nil {
			err = e
		}
		a.data = nil
	}
	if a.f != nil {
		if e := a.f.Close(); e != nil && err == nil {
			err = e
		}
		a.f = nil
	}
	return err
}
