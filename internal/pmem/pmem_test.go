package pmem

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFileSize = 4 << 20
	testSegSize  = 1 << 20
)

func openTest(t *testing.T, path string) (*Allocator, bool) {
	t.Helper()
	a, fresh, err := Open(path, testFileSize, testSegSize, 4, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, fresh
}

func TestOpen_FreshAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")

	a, fresh := openTest(t, path)
	require.True(t, fresh)
	require.NoError(t, a.Close())

	b, fresh := openTest(t, path)
	assert.False(t, fresh)
	assert.Equal(t, uint64(testSegSize), b.SegmentSize())
	assert.Equal(t, uint64(testFileSize/testSegSize), b.SegmentCount())
}

func TestOpen_RejectsBadGeometry(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Open(filepath.Join(dir, "a"), testFileSize, 12345, 1, false)
	require.ErrorIs(t, err, ErrMapFile)

	_, _, err = Open(filepath.Join(dir, "b"), testSegSize, testSegSize, 1, false)
	require.ErrorIs(t, err, ErrMapFile)
}

func TestOpen_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")

	a, _ := openTest(t, path)
	copy(a.data, []byte("not a pmemkv file at all"))
	require.NoError(t, a.Close())

	_, _, err := Open(path, testFileSize, testSegSize, 1, false)
	require.ErrorIs(t, err, ErrMapFile)
}

func TestAllocate_AlignedAndDisjoint(t *testing.T) {
	a, _ := openTest(t, filepath.Join(t.TempDir(), "pmem.db"))

	seen := make(map[uint64]bool)
	for tid := 0; tid < 2; tid++ {
		for i := 0; i < 100; i++ {
			se, err := a.Allocate(tid, 24)
			require.NoError(t, err)
			assert.Zero(t, se.Offset%8)
			assert.GreaterOrEqual(t, se.Offset, uint64(testSegSize), "data never lands in the superblock segment")
			require.False(t, seen[se.Offset])
			seen[se.Offset] = true
		}
	}
}

func TestAllocate_WriteReadRoundtrip(t *testing.T) {
	a, _ := openTest(t, filepath.Join(t.TempDir(), "pmem.db"))

	se, err := a.Allocate(0, 64)
	require.NoError(t, err)

	copy(a.Bytes(se.Offset, se.Size), "persisted payload")
	require.NoError(t, a.Persist(se.Offset, se.Size))

	assert.Equal(t, []byte("persisted payload"), a.Bytes(se.Offset, 17))
}

func TestAllocate_FreeReuse(t *testing.T) {
	a, _ := openTest(t, filepath.Join(t.TempDir(), "pmem.db"))

	se, err := a.Allocate(0, 48)
	require.NoError(t, err)
	a.Free(0, se)

	again, err := a.Allocate(0, 48)
	require.NoError(t, err)
	assert.Equal(t, se.Offset, again.Offset)
}

func TestAllocate_Overflow(t *testing.T) {
	a, _ := openTest(t, filepath.Join(t.TempDir(), "pmem.db"))

	// Three data segments are available; claim them all.
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(0, uint32(testSegSize))
		require.NoError(t, err)
	}
	_, err := a.Allocate(0, uint32(testSegSize))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = a.Allocate(0, uint32(testSegSize)+1)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestOffsetAddrRoundtrip(t *testing.T) {
	a, _ := openTest(t, filepath.Join(t.TempDir(), "pmem.db"))

	se, err := a.Allocate(0, 8)
	require.NoError(t, err)

	p := a.OffsetToAddr(se.Offset)
	assert.Equal(t, se.Offset, a.AddrToOffset(p))
}

func TestRestore_FreesDeadSegments(t *testing.T) {
	a, _ := openTest(t, filepath.Join(t.TempDir(), "pmem.db"))

	// Recovery reports: segment 1 fully superseded, segment 2 still has
	// a live record.
	live := roaring64.New()
	liveOff := uint64(2 * testSegSize)
	live.AddRange(LiveBlock(liveOff), LiveBlock(liveOff+64))

	a.Restore(map[uint64]uint64{
		1: 128,
		2: 128,
	}, live)

	// The next claim must hand back segment 1 (dead) rather than the
	// first untouched segment.
	se, err := a.Allocate(0, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), se.Offset/testSegSize)
}
