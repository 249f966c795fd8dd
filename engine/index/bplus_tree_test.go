package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/engine/basic"
	"ferrodb/engine/buffer"
	"ferrodb/engine/disk"
)

func newTestTree(t *testing.T, poolSize int, leafMax, internalMax int32) *BPlusTree {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Shutdown() })
	bpm := buffer.NewManager(poolSize, 2, dm)
	tree, err := NewBPlusTree(bpm, leafMax, internalMax)
	require.NoError(t, err)
	return tree
}

// nodeShape is a snapshot of one on-disk page's logical content, used to
// assert the tree's actual structure (separators, leaf partitions, root
// collapse) rather than only the keys an iterator happens to yield.
type nodeShape struct {
	isLeaf   bool
	keys     []int64
	children []nodeShape
}

func leafShape(keys ...int64) nodeShape {
	return nodeShape{isLeaf: true, keys: keys}
}

func internalShape(seps []int64, children ...nodeShape) nodeShape {
	return nodeShape{keys: seps, children: children}
}

func dumpNode(t *testing.T, tree *BPlusTree, id basic.PageID) nodeShape {
	t.Helper()
	guard, err := tree.bpm.FetchRead(id)
	require.NoError(t, err)
	data := guard.Page().Data()

	if kindOf(data) == pageKindLeaf {
		leaf := asLeafPage(data)
		keys := make([]int64, leaf.Size())
		for i := int32(0); i < leaf.Size(); i++ {
			keys[i] = int64(leaf.KeyAt(i))
		}
		guard.Drop()
		return leafShape(keys...)
	}

	internal := asInternalPage(data)
	seps := make([]int64, 0, internal.Size()-1)
	for i := int32(1); i < internal.Size(); i++ {
		seps = append(seps, int64(internal.KeyAt(i)))
	}
	childIDs := make([]basic.PageID, internal.Size())
	for i := int32(0); i < internal.Size(); i++ {
		childIDs[i] = internal.ChildAt(i)
	}
	guard.Drop()

	children := make([]nodeShape, len(childIDs))
	for i, cid := range childIDs {
		children[i] = dumpNode(t, tree, cid)
	}
	return internalShape(seps, children...)
}

func treeShape(t *testing.T, tree *BPlusTree) nodeShape {
	t.Helper()
	root, err := tree.rootPageID()
	require.NoError(t, err)
	require.NotEqual(t, basic.InvalidPageID, root)
	return dumpNode(t, tree, root)
}

func collect(t *testing.T, tree *BPlusTree) []IntKey {
	t.Helper()
	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	var keys []IntKey
	for it.Valid() {
		keys = append(keys, it.Key())
		it.Next()
	}
	return keys
}

func TestBPlusTree_InsertAndGetValue(t *testing.T) {
	tree := newTestTree(t, 20, 4, 4)

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, tree.Insert(IntKey(i), basic.NewRID(basic.PageID(i), 0)))
	}

	for i := int64(1); i <= 10; i++ {
		rid, ok, err := tree.GetValue(IntKey(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, basic.NewRID(basic.PageID(i), 0), rid)
	}

	_, ok, err := tree.GetValue(IntKey(999))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBPlusTree_DuplicateInsertFails(t *testing.T) {
	tree := newTestTree(t, 20, 4, 4)
	require.NoError(t, tree.Insert(IntKey(1), basic.NewRID(1, 0)))
	require.ErrorIs(t, tree.Insert(IntKey(1), basic.NewRID(2, 0)), basic.ErrDuplicateKey)
}

func TestBPlusTree_IteratorReturnsAscendingKeys(t *testing.T) {
	tree := newTestTree(t, 20, 4, 4)
	order := []int64{5, 1, 9, 3, 7, 2, 8, 4, 6}
	for _, k := range order {
		require.NoError(t, tree.Insert(IntKey(k), basic.NewRID(basic.PageID(k), 0)))
	}

	keys := collect(t, tree)
	require.Len(t, keys, len(order))
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
}

// Boundary scenario 3: leaf_max_size=3, internal_max_size=3. Inserting 1..5
// forces a leaf split and then a new root; removing keys afterward first
// borrows from a sibling with room to lend, then merges and collapses the
// root once no sibling can lend anymore. Assert the tree's actual shape at
// each step, not just the keys an iterator yields — a degenerate internal
// structure can still produce the right iteration order off correct leaf
// sibling pointers alone.
func TestBPlusTree_SplitThenMergeCascade(t *testing.T) {
	tree := newTestTree(t, 20, 3, 3)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, tree.Insert(IntKey(i), basic.NewRID(basic.PageID(i), 0)))
	}
	require.Equal(t, []IntKey{1, 2, 3, 4, 5}, collect(t, tree))
	require.Equal(t,
		internalShape([]int64{3}, leafShape(1, 2), leafShape(3, 4, 5)),
		treeShape(t, tree))

	require.NoError(t, tree.Remove(IntKey(4)))
	require.Equal(t,
		internalShape([]int64{3}, leafShape(1, 2), leafShape(3, 5)),
		treeShape(t, tree))

	require.NoError(t, tree.Remove(IntKey(3)))
	require.Equal(t,
		internalShape([]int64{3}, leafShape(1, 2), leafShape(5)),
		treeShape(t, tree))

	require.NoError(t, tree.Remove(IntKey(5)))
	// The right leaf underflows and borrows from the left, which still has
	// an entry to spare, rather than merging.
	require.Equal(t,
		internalShape([]int64{2}, leafShape(1), leafShape(2)),
		treeShape(t, tree))
	require.Equal(t, []IntKey{1, 2}, collect(t, tree))

	require.NoError(t, tree.Remove(IntKey(2)))
	// The right leaf empties and the left has nothing left to lend, so the
	// two merge and the now single-child root collapses into a leaf.
	require.Equal(t, leafShape(1), treeShape(t, tree))

	empty, err := tree.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)
}

func TestBPlusTree_RemoveAllEmptiesTree(t *testing.T) {
	tree := newTestTree(t, 20, 3, 3)
	for i := int64(1); i <= 8; i++ {
		require.NoError(t, tree.Insert(IntKey(i), basic.NewRID(basic.PageID(i), 0)))
	}
	for i := int64(1); i <= 8; i++ {
		require.NoError(t, tree.Remove(IntKey(i)))
	}

	empty, err := tree.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
	require.Empty(t, collect(t, tree))
}

func TestBPlusTree_RemoveMissingKeyFails(t *testing.T) {
	tree := newTestTree(t, 20, 3, 3)
	require.NoError(t, tree.Insert(IntKey(1), basic.NewRID(1, 0)))
	require.ErrorIs(t, tree.Remove(IntKey(42)), basic.ErrKeyNotFound)
}

func TestBPlusTree_SeekStartsAtOrAfterKey(t *testing.T) {
	tree := newTestTree(t, 20, 4, 4)
	for _, k := range []int64{2, 4, 6, 8, 10} {
		require.NoError(t, tree.Insert(IntKey(k), basic.NewRID(basic.PageID(k), 0)))
	}

	it, err := tree.Seek(IntKey(5))
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Valid())
	require.Equal(t, IntKey(6), it.Key())
}
