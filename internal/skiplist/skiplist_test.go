package skiplist

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmemkv/internal/dram"
	"github.com/hupe1980/pmemkv/internal/pmem"
	"github.com/hupe1980/pmemkv/internal/record"
)

type testList struct {
	t     *testing.T
	l     *List
	pm    *pmem.Allocator
	arena *dram.Allocator
	ts    uint64
}

func newTestList(t *testing.T) *testList {
	t.Helper()

	pm, _, err := pmem.Open(filepath.Join(t.TempDir(), "pmem.db"), 8<<20, 1<<20, 1, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	arena, err := dram.New(1<<20, 0)
	require.NoError(t, err)

	const id = 1
	name := []byte("col")
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], id)

	size := record.Size(record.TypeSortedHeader, len(name), len(idBytes))
	se, err := pm.Allocate(0, size)
	require.NoError(t, err)
	record.Encode(pm.Bytes(se.Offset, size), record.TypeSortedHeader, 1, se.Offset, se.Offset, name, idBytes[:])

	l, err := New(arena, pm, "col", id, se.Offset)
	require.NoError(t, err)
	return &testList{t: t, l: l, pm: pm, arena: arena, ts: 1}
}

// insert runs the single-writer insert sequence: persist the record, splice
// the chain, link the tower.
func (tl *testList) insert(key, value string) uint64 {
	tl.t.Helper()
	ikey := InternalKey(tl.l.ID(), []byte(key))

	var s Splice
	tl.l.Seek(ikey, &s)

	tl.ts++
	size := record.Size(record.TypeSortedPut, len(ikey), len(value))
	se, err := tl.pm.Allocate(0, size)
	require.NoError(tl.t, err)
	record.Encode(tl.pm.Bytes(se.Offset, size), record.TypeSortedPut, tl.ts, s.PrevRec, s.NextRec, ikey, []byte(value))

	node, err := tl.l.NewNode(ikey, se.Offset, RandomHeight())
	require.NoError(tl.t, err)
	require.NoError(tl.t, tl.l.SpliceChain(s.PrevRec, s.NextRec, se.Offset))
	tl.l.Link(&s, ikey, node)
	return node
}

// replace swaps a key's record and node the way the engine's update path
// does: new record into the chain, old node unlinked, fresh node linked.
func (tl *testList) replace(node uint64, key, value string, tag record.Type) uint64 {
	tl.t.Helper()
	ikey := InternalKey(tl.l.ID(), []byte(key))

	oldOff := tl.l.RecordOff(node)
	oldB := tl.l.RecordBytes(oldOff)
	prev, next := record.LoadPrev(oldB), record.LoadNext(oldB)

	tl.ts++
	size := record.Size(tag, len(ikey), len(value))
	se, err := tl.pm.Allocate(0, size)
	require.NoError(tl.t, err)
	record.Encode(tl.pm.Bytes(se.Offset, size), tag, tl.ts, prev, next, ikey, []byte(value))

	require.NoError(tl.t, tl.l.SpliceChain(prev, next, se.Offset))

	var s Splice
	tl.l.Seek(ikey, &s)
	require.Equal(tl.t, node, s.Nexts[1])
	tl.l.Unlink(&s, ikey, node)

	newNode, err := tl.l.NewNode(ikey, se.Offset, RandomHeight())
	require.NoError(tl.t, err)
	tl.l.Seek(ikey, &s)
	tl.l.Link(&s, ikey, newNode)
	return newNode
}

// tombstone replaces a key's record and node with a delete record.
func (tl *testList) tombstone(node uint64, key string) {
	tl.t.Helper()
	tl.replace(node, key, "", record.TypeSortedDelete)
}

func collect(it *Iterator) []string {
	var out []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, string(it.Key()))
	}
	return out
}

func TestRandomHeight_Bounds(t *testing.T) {
	ones := 0
	for i := 0; i < 1000; i++ {
		h := RandomHeight()
		require.GreaterOrEqual(t, h, 1)
		require.LessOrEqual(t, h, MaxHeight)
		if h == 1 {
			ones++
		}
	}
	// p(height=1) is one half; far more than a quarter of draws land there.
	assert.Greater(t, ones, 250)
}

func TestInternalKey_Roundtrip(t *testing.T) {
	ik := InternalKey(7, []byte("alice"))
	assert.Len(t, ik, CollectionIDLen+5)
	assert.Equal(t, []byte("alice"), UserKey(ik))
}

func TestList_InsertAndIterate(t *testing.T) {
	tl := newTestList(t)

	tl.insert("b", "2")
	tl.insert("a", "1")
	tl.insert("c", "3")

	it := tl.l.NewIterator()
	assert.Equal(t, []string{"a", "b", "c"}, collect(it))

	it.SeekToFirst()
	assert.Equal(t, []byte("1"), it.Value())
}

func TestList_Level1MatchesChain(t *testing.T) {
	tl := newTestList(t)
	for _, k := range []string{"d", "b", "e", "a", "c"} {
		tl.insert(k, k)
	}

	// Walk level 1 of the skip list and the persistent chain in lockstep.
	var fromIndex []string
	for n := tl.l.Next(tl.l.Header(), 1); n != 0; n = tl.l.Next(n, 1) {
		fromIndex = append(fromIndex, string(UserKey(tl.l.Key(n))))
	}

	var fromChain []string
	header := tl.l.RecordBytes(tl.l.HeaderRecordOffset())
	for off := record.LoadNext(header); off != tl.l.HeaderRecordOffset(); {
		b := tl.l.RecordBytes(off)
		fromChain = append(fromChain, string(UserKey(record.Key(b))))
		off = record.LoadNext(b)
	}

	want := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, want, fromIndex)
	assert.Equal(t, want, fromChain)
}

func TestList_SeekWindow(t *testing.T) {
	tl := newTestList(t)
	for _, k := range []string{"a", "c", "e", "g"} {
		tl.insert(k, k)
	}

	it := tl.l.NewIterator()
	it.Seek([]byte("f"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("g"), it.Key())

	require.True(t, it.Prev())
	assert.Equal(t, []byte("e"), it.Key())

	it.Seek([]byte("c"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("c"), it.Key(), "seek is inclusive")

	it.Seek([]byte("z"))
	assert.False(t, it.Valid())
}

func TestList_TombstonesAreSkipped(t *testing.T) {
	tl := newTestList(t)
	nodes := make(map[string]uint64)
	for _, k := range []string{"a", "b", "c"} {
		nodes[k] = tl.insert(k, k)
	}

	tl.tombstone(nodes["b"], "b")
	it := tl.l.NewIterator()
	assert.Equal(t, []string{"a", "c"}, collect(it))

	it.SeekToLast()
	require.True(t, it.Valid())
	assert.Equal(t, []byte("c"), it.Key())

	tl.tombstone(nodes["c"], "c")
	it.SeekToLast()
	require.True(t, it.Valid())
	assert.Equal(t, []byte("a"), it.Key())

	tl.tombstone(nodes["a"], "a")
	it.SeekToFirst()
	assert.False(t, it.Valid())
}

func TestList_ReplaceNodeOnUpdate(t *testing.T) {
	tl := newTestList(t)
	tl.insert("a", "a")
	node := tl.insert("k", "v1")
	tl.insert("z", "z")

	newNode := tl.replace(node, "k", "v2", record.TypeSortedPut)
	assert.NotEqual(t, node, newNode)

	it := tl.l.NewIterator()
	it.Seek([]byte("k"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("v2"), it.Value())

	// The old node is gone from level 1; the key appears exactly once.
	var keys []string
	for n := tl.l.Next(tl.l.Header(), 1); n != 0; n = tl.l.Next(n, 1) {
		keys = append(keys, string(UserKey(tl.l.Key(n))))
	}
	assert.Equal(t, []string{"a", "k", "z"}, keys)
}

func TestList_UnlinkRemovesAllLevels(t *testing.T) {
	tl := newTestList(t)
	tl.insert("a", "a")
	node := tl.insert("b", "b")
	tl.insert("c", "c")

	ikey := InternalKey(tl.l.ID(), []byte("b"))
	var s Splice
	tl.l.Seek(ikey, &s)
	require.Equal(t, node, s.Nexts[1])
	tl.l.Unlink(&s, ikey, node)

	for level := 1; level <= MaxHeight; level++ {
		for n := tl.l.Next(tl.l.Header(), level); n != 0; n = tl.l.Next(n, level) {
			require.NotEqual(t, node, n, "node still linked at level %d", level)
		}
	}
}

func TestList_Allocation(t *testing.T) {
	tl := newTestList(t)

	ikey := InternalKey(tl.l.ID(), []byte("a-rather-long-user-key"))
	size := record.Size(record.TypeSortedPut, len(ikey), 0)
	se, err := tl.pm.Allocate(0, size)
	require.NoError(t, err)
	record.Encode(tl.pm.Bytes(se.Offset, size), record.TypeSortedPut, 2, 0, 0, ikey, nil)

	// Cached node: extent covers the tower, the base and the key copy.
	cached, err := tl.l.NewNode(ikey, se.Offset, 4)
	require.NoError(t, err)
	off, n := tl.l.Allocation(cached)
	assert.Equal(t, cached-uint64(8*4), off)
	assert.Equal(t, 8*4+16+len(ikey), n)

	// Uncached node: no key bytes in the extent.
	plain, err := tl.l.NewNode(ikey, se.Offset, 1)
	require.NoError(t, err)
	off, n = tl.l.Allocation(plain)
	assert.Equal(t, plain-uint64(8), off)
	assert.Equal(t, 8+16, n)
}

func TestNodeKey_CachedAndUncached(t *testing.T) {
	tl := newTestList(t)

	ikeyShort := InternalKey(tl.l.ID(), []byte("ab"))
	ikeyLong := InternalKey(tl.l.ID(), []byte("a-rather-long-user-key"))

	size := record.Size(record.TypeSortedPut, len(ikeyLong), 0)
	se, err := tl.pm.Allocate(0, size)
	require.NoError(t, err)
	record.Encode(tl.pm.Bytes(se.Offset, size), record.TypeSortedPut, 2, 0, 0, ikeyLong, nil)

	// Short keys are cached at any height.
	short, err := tl.l.NewNode(ikeyShort, se.Offset, 1)
	require.NoError(t, err)
	assert.Equal(t, ikeyShort, NodeKey(tl.arena, tl.pm, short))

	// Long keys at height 1 fall back to the record.
	long1, err := tl.l.NewNode(ikeyLong, se.Offset, 1)
	require.NoError(t, err)
	assert.Equal(t, ikeyLong, NodeKey(tl.arena, tl.pm, long1))

	// Tall nodes cache regardless of key length.
	long3, err := tl.l.NewNode(ikeyLong, se.Offset, cacheHeight)
	require.NoError(t, err)
	assert.Equal(t, ikeyLong, NodeKey(tl.arena, tl.pm, long3))
	assert.Equal(t, cacheHeight, tl.l.Height(long3))
}

func TestBuilder_AppendInOrder(t *testing.T) {
	tl := newTestList(t)

	// Lay out records manually in ascending order, then rebuild the
	// index the way recovery does.
	var prevRec uint64 = tl.l.HeaderRecordOffset()
	var offs []uint64
	for _, k := range []string{"a", "b", "c", "d"} {
		ikey := InternalKey(tl.l.ID(), []byte(k))
		size := record.Size(record.TypeSortedPut, len(ikey), 1)
		se, err := tl.pm.Allocate(0, size)
		require.NoError(t, err)
		record.Encode(tl.pm.Bytes(se.Offset, size), record.TypeSortedPut, 2, prevRec, tl.l.HeaderRecordOffset(), ikey, []byte(k))
		require.NoError(t, tl.l.SpliceChain(prevRec, tl.l.HeaderRecordOffset(), se.Offset))
		prevRec = se.Offset
		offs = append(offs, se.Offset)
	}

	b := NewBuilder(tl.l)
	for i, k := range []string{"a", "b", "c", "d"} {
		_, err := b.Append(InternalKey(tl.l.ID(), []byte(k)), offs[i])
		require.NoError(t, err)
	}

	it := tl.l.NewIterator()
	assert.Equal(t, []string{"a", "b", "c", "d"}, collect(it))

	var s Splice
	tl.l.Seek(InternalKey(tl.l.ID(), []byte("c")), &s)
	assert.Equal(t, offs[2], s.NextRec)
	assert.Equal(t, offs[1], s.PrevRec)
}
