// Package record defines the on-PMem record layout.
//
// A record is a length-prefixed byte structure living in the mapped PMem
// region. Records are immutable once written, with one exception: the prev
// and next chain words of sorted records, which writers update in place
// with 8-byte atomic stores while splicing the doubly-linked list.
//
// Layout (little-endian):
//
//	off  0  checksum   uint32   CRC32C over bytes [4,24) plus key and value
//	off  4  type       uint16
//	off  6  key size   uint16
//	off  8  value size uint32
//	off 12  reserved   uint32
//	off 16  timestamp  uint64
//	-- sorted types only --
//	off 24  prev       uint64   48-bit PMem offset, high 16 bits zero
//	off 32  next       uint64   48-bit PMem offset, high 16 bits zero
//	-- key bytes, then value bytes --
//
// The checksum deliberately excludes prev and next: those words mutate
// after the record is persisted.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"unsafe"
)

// Type tags a record. The same bits are stored in hash index entries, so a
// single mask selects both record kinds and index entry kinds.
type Type uint16

const (
	// TypeNone marks an empty slot; it never appears in a persisted record.
	TypeNone Type = 0
	// TypeStringPut is a live record in the unordered key space.
	TypeStringPut Type = 1 << 0
	// TypeStringDelete is a tombstone in the unordered key space.
	TypeStringDelete Type = 1 << 1
	// TypeSortedPut is a live member of a sorted collection.
	TypeSortedPut Type = 1 << 2
	// TypeSortedDelete is a tombstone member of a sorted collection.
	TypeSortedDelete Type = 1 << 3
	// TypeSortedHeader anchors a sorted collection's record chain.
	TypeSortedHeader Type = 1 << 4
)

// MaskString selects unordered key space records.
const MaskString = TypeStringPut | TypeStringDelete

// MaskSorted selects sorted collection member records.
const MaskSorted = TypeSortedPut | TypeSortedDelete

// IsSorted reports whether records of type t carry chain words.
func (t Type) IsSorted() bool {
	return t&(TypeSortedPut|TypeSortedDelete|TypeSortedHeader) != 0
}

// IsDelete reports whether t is a tombstone type.
func (t Type) IsDelete() bool {
	return t&(TypeStringDelete|TypeSortedDelete) != 0
}

const (
	offChecksum  = 0
	offType      = 4
	offKeySize   = 6
	offValueSize = 8
	offTimestamp = 16
	offPrev      = 24
	offNext      = 32

	// StringHeaderSize is the header size of unordered records.
	StringHeaderSize = 24
	// SortedHeaderSize is the header size of sorted records.
	SortedHeaderSize = 40

	// OffsetMask keeps the low 48 bits of a chain word.
	OffsetMask = uint64(1)<<48 - 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the decoded fixed part of a record.
type Header struct {
	Checksum  uint32
	Type      Type
	KeySize   uint16
	ValueSize uint32
	Timestamp uint64
}

// HeaderSize returns the header size for records of type t.
func HeaderSize(t Type) uint32 {
	if t.IsSorted() {
		return SortedHeaderSize
	}
	return StringHeaderSize
}

// Size returns the total encoded size of a record.
func Size(t Type, keyLen, valueLen int) uint32 {
	return HeaderSize(t) + uint32(keyLen) + uint32(valueLen)
}

// Encode writes a complete record into dst, which must be Size(...) bytes.
// prev and next are only stored for sorted types.
func Encode(dst []byte, t Type, ts uint64, prev, next uint64, key, value []byte) {
	binary.LittleEndian.PutUint16(dst[offType:], uint16(t))
	binary.LittleEndian.PutUint16(dst[offKeySize:], uint16(len(key)))
	binary.LittleEndian.PutUint32(dst[offValueSize:], uint32(len(value)))
	binary.LittleEndian.PutUint32(dst[12:], 0)
	binary.LittleEndian.PutUint64(dst[offTimestamp:], ts)

	hs := HeaderSize(t)
	if t.IsSorted() {
		binary.LittleEndian.PutUint64(dst[offPrev:], prev&OffsetMask)
		binary.LittleEndian.PutUint64(dst[offNext:], next&OffsetMask)
	}
	copy(dst[hs:], key)
	copy(dst[hs+uint32(len(key)):], value)

	binary.LittleEndian.PutUint32(dst[offChecksum:], checksum(dst, hs, len(key)+len(value)))
}

func checksum(b []byte, headerSize uint32, payloadLen int) uint32 {
	sum := crc32.Update(0, crcTable, b[offType:offPrev])
	return crc32.Update(sum, crcTable, b[headerSize:headerSize+uint32(payloadLen)])
}

// DecodeHeader reads the fixed header fields from b. It does not validate
// the checksum; use Validate for that.
func DecodeHeader(b []byte) Header {
	return Header{
		Checksum:  binary.LittleEndian.Uint32(b[offChecksum:]),
		Type:      Type(binary.LittleEndian.Uint16(b[offType:])),
		KeySize:   binary.LittleEndian.Uint16(b[offKeySize:]),
		ValueSize: binary.LittleEndian.Uint32(b[offValueSize:]),
		Timestamp: binary.LittleEndian.Uint64(b[offTimestamp:]),
	}
}

// Validate recomputes the checksum of the record starting at b and compares
// it to the stored one. b must cover the whole record.
func Validate(b []byte) bool {
	h := DecodeHeader(b)
	hs := HeaderSize(h.Type)
	return h.Checksum == checksum(b, hs, int(h.KeySize)+int(h.ValueSize))
}

// Key returns the key bytes of the record at b.
func Key(b []byte) []byte {
	h := DecodeHeader(b)
	hs := HeaderSize(h.Type)
	return b[hs : hs+uint32(h.KeySize)]
}

// Value returns the value bytes of the record at b.
func Value(b []byte) []byte {
	h := DecodeHeader(b)
	hs := HeaderSize(h.Type)
	return b[hs+uint32(h.KeySize) : hs+uint32(h.KeySize)+h.ValueSize]
}

// LoadPrev atomically reads the prev chain word of the sorted record at b.
func LoadPrev(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[offPrev]))) & OffsetMask
}

// LoadNext atomically reads the next chain word of the sorted record at b.
func LoadNext(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[offNext]))) & OffsetMask
}

// StorePrev atomically writes the prev chain word of the sorted record at b.
func StorePrev(b []byte, off uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[offPrev])), off&OffsetMask)
}

// StoreNext atomically writes the next chain word of the sorted record at b.
func StoreNext(b []byte, off uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[offNext])), off&OffsetMask)
}

// PrevFieldOffset and NextFieldOffset locate the chain words relative to
// the record start, for callers that persist the mutated word alone.
const (
	PrevFieldOffset = offPrev
	NextFieldOffset = offNext
)
