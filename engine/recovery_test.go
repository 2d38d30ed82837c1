package engine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmemkv/internal/record"
	"github.com/hupe1980/pmemkv/internal/skiplist"
)

func reopen(t *testing.T, e *Engine, path string) *Engine {
	t.Helper()
	require.NoError(t, e.Close())
	e2, err := Open(path, testOptions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })
	return e2
}

func TestRecovery_EmptyReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	e = reopen(t, e, path)
	_, err = e.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecovery_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("str-%04d", i))
		require.NoError(t, e.Put(key, key))
	}
	require.NoError(t, e.Delete([]byte("str-0007")))

	for _, k := range []string{"b", "a", "d", "c"} {
		require.NoError(t, e.SortedPut("s", []byte(k), []byte("v-"+k)))
	}
	require.NoError(t, e.SortedDelete("s", []byte("c")))

	e = reopen(t, e, path)

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("str-%04d", i))
		got, err := e.Get(key)
		if i == 7 {
			require.ErrorIs(t, err, ErrNotFound)
			continue
		}
		require.NoError(t, err, "key %s", key)
		require.Equal(t, key, got)
	}

	assert.Equal(t, []string{"a", "b", "d"}, collectForward(t, e, "s"))
	got, err := e.SortedGet("s", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v-a"), got)
	_, err = e.SortedGet("s", []byte("c"))
	require.ErrorIs(t, err, ErrNotFound)

	assert.Greater(t, e.Stats().RecoveredRecords, uint64(0))
}

func TestRecovery_UpdatesKeepNewestAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	e = reopen(t, e, path)

	// Timestamps must resume above everything recovered, otherwise this
	// write would lose the next recovery's newest-wins arbitration.
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	e = reopen(t, e, path)

	got, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestRecovery_CollectionIDsStayUnique(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	require.NoError(t, e.SortedPut("one", []byte("k"), []byte("1")))
	require.NoError(t, e.SortedPut("two", []byte("k"), []byte("2")))

	e = reopen(t, e, path)

	require.NoError(t, e.SortedPut("three", []byte("k"), []byte("3")))

	for name, want := range map[string]string{"one": "1", "two": "2", "three": "3"} {
		got, err := e.SortedGet(name, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte(want), got, "collection %s", name)
	}
}

// sortedRecordOff digs out the PMem offset behind a sorted key.
func sortedRecordOff(t *testing.T, e *Engine, l *skiplist.List, key string) uint64 {
	t.Helper()
	ikey := skiplist.InternalKey(l.ID(), []byte(key))
	entry, ok := e.table.SearchForRead(e.table.Hint(ikey), ikey, record.MaskSorted)
	require.True(t, ok)
	return l.RecordOff(entry.Payload)
}

func TestRecovery_CompletesHalfLinkedInsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	require.NoError(t, e.SortedPut("s", []byte("a"), []byte("a")))
	require.NoError(t, e.SortedPut("s", []byte("c"), []byte("c")))

	l, ok := e.lists.Load("s")
	require.True(t, ok)
	offA := sortedRecordOff(t, e, l, "a")
	offC := sortedRecordOff(t, e, l, "c")

	// Write "b" the way a crash between the back link and the forward
	// link would leave it: the record exists, c points back at it, but a
	// still points forward at c.
	ikey := skiplist.InternalKey(l.ID(), []byte("b"))
	ts := e.seq.Add(1)
	size := record.Size(record.TypeSortedPut, len(ikey), 1)
	se, err := e.pm.Allocate(0, size)
	require.NoError(t, err)
	record.Encode(e.pm.Bytes(se.Offset, size), record.TypeSortedPut, ts, offA, offC, ikey, []byte("b"))
	record.StorePrev(e.pm.Bytes(offC, record.SortedHeaderSize), se.Offset)

	e = reopen(t, e, path)

	assert.Equal(t, []string{"a", "b", "c"}, collectForward(t, e, "s"))
	got, err := e.SortedGet("s", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
	assert.Greater(t, e.Stats().RepairedRecords, uint64(0))
}

func TestRecovery_DropsOrphanRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	require.NoError(t, e.SortedPut("s", []byte("a"), []byte("a")))
	require.NoError(t, e.SortedPut("s", []byte("c"), []byte("c")))

	l, ok := e.lists.Load("s")
	require.True(t, ok)
	offA := sortedRecordOff(t, e, l, "a")
	offC := sortedRecordOff(t, e, l, "c")

	// A record persisted before either neighbour was touched: reachable
	// from nothing, so recovery must ignore it.
	ikey := skiplist.InternalKey(l.ID(), []byte("b"))
	ts := e.seq.Add(1)
	size := record.Size(record.TypeSortedPut, len(ikey), 1)
	se, err := e.pm.Allocate(0, size)
	require.NoError(t, err)
	record.Encode(e.pm.Bytes(se.Offset, size), record.TypeSortedPut, ts, offA, offC, ikey, []byte("b"))

	e = reopen(t, e, path)

	assert.Equal(t, []string{"a", "c"}, collectForward(t, e, "s"))
	_, err = e.SortedGet("s", []byte("b"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecovery_CompletesHalfFinishedUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	require.NoError(t, e.SortedPut("s", []byte("k"), []byte("v1")))

	l, ok := e.lists.Load("s")
	require.True(t, ok)
	oldOff := sortedRecordOff(t, e, l, "k")
	oldB := e.pm.Bytes(oldOff, record.SortedHeaderSize)
	prevOff := record.LoadPrev(oldB)
	nextOff := record.LoadNext(oldB)

	// The replacement record is persisted and the successor's back link
	// swung, but the predecessor still points at the old record.
	ikey := skiplist.InternalKey(l.ID(), []byte("k"))
	ts := e.seq.Add(1)
	size := record.Size(record.TypeSortedPut, len(ikey), 2)
	se, err := e.pm.Allocate(0, size)
	require.NoError(t, err)
	record.Encode(e.pm.Bytes(se.Offset, size), record.TypeSortedPut, ts, prevOff, nextOff, ikey, []byte("v2"))
	record.StorePrev(e.pm.Bytes(nextOff, record.SortedHeaderSize), se.Offset)

	e = reopen(t, e, path)

	got, err := e.SortedGet("s", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, []string{"k"}, collectForward(t, e, "s"))
	assert.Greater(t, e.Stats().DroppedRecords, uint64(0))
}

func TestRecovery_SkipsTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, e.Put([]byte("k3"), []byte("v3")))

	// Corrupt k2's record in place, as a torn write would.
	entry, ok := e.table.SearchForRead(e.table.Hint([]byte("k2")), []byte("k2"), record.MaskString)
	require.True(t, ok)
	e.pm.Bytes(entry.Payload, 1)[0] ^= 0xFF

	e = reopen(t, e, path)

	got, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	got, err = e.Get([]byte("k3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got)
	_, err = e.Get([]byte("k2"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecovery_ManyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmem.db")
	e, err := Open(path, testOptions)
	require.NoError(t, err)

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		require.NoError(t, e.SortedPut("big", key, key))
		require.NoError(t, e.Put(key, key))
	}

	e = reopen(t, e, path)

	keys := collectForward(t, e, "big")
	require.Len(t, keys, n)
	for i := 0; i < n; i += 131 {
		key := []byte(fmt.Sprintf("key-%06d", i))
		got, err := e.Get(key)
		require.NoError(t, err)
		require.Equal(t, key, got)
	}
}
