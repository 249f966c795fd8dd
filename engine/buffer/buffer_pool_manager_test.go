package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/engine/basic"
	"ferrodb/engine/disk"
)

func newTestPool(t *testing.T, poolSize, k int) (*Manager, *disk.Manager) {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Shutdown() })
	return NewManager(poolSize, k, dm), dm
}

// Boundary scenario 1: pool of size 3, K=2.
func TestBufferPoolManager_EvictsUnpinnedFrameWhenFull(t *testing.T) {
	bpm, _ := newTestPool(t, 3, 2)

	_, id1, err := bpm.NewPage()
	require.NoError(t, err)
	_, id2, err := bpm.NewPage()
	require.NoError(t, err)
	_, id3, err := bpm.NewPage()
	require.NoError(t, err)

	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, basic.ErrNoFrameAvailable)

	require.True(t, bpm.UnpinPage(id2, false))

	page4, id4, err := bpm.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, id1, id4)
	require.NotEqual(t, id3, id4)
	require.NotNil(t, page4)

	_, writes := bpm.disk.Stats()
	require.Equal(t, uint64(0), writes, "page 2 was not dirty, eviction must not write it back")
}

// Boundary scenario 2: pool of size 2, K=2, dirty victim forces exactly one write.
func TestBufferPoolManager_DirtyEvictionFlushesExactlyOnce(t *testing.T) {
	bpm, dm := newTestPool(t, 2, 2)

	pageA, idA, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pageA.Data(), []byte("dirty"))
	require.True(t, bpm.UnpinPage(idA, true))

	_, idB, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(idB, false))

	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	_, writes := dm.Stats()
	require.Equal(t, uint64(1), writes, "exactly one dirty victim must be flushed")
}

func TestBufferPoolManager_UnpinRestoresPinCount(t *testing.T) {
	bpm, _ := newTestPool(t, 3, 2)

	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, 1, page.PinCount())

	fetched, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, 2, fetched.PinCount())

	require.True(t, bpm.UnpinPage(id, false))
	require.Equal(t, 1, page.PinCount())
}

func TestBufferPoolManager_DeletePageFailsWhilePinned(t *testing.T) {
	bpm, _ := newTestPool(t, 3, 2)
	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	require.False(t, bpm.DeletePage(id))

	require.True(t, bpm.UnpinPage(id, false))
	require.True(t, bpm.DeletePage(id))
}

func TestBufferPoolManager_DeleteUnknownPageFails(t *testing.T) {
	bpm, _ := newTestPool(t, 3, 2)
	require.False(t, bpm.DeletePage(basic.PageID(999)))
}

func TestBufferPoolManager_FlushAllClearsDirtyFlags(t *testing.T) {
	bpm, dm := newTestPool(t, 3, 2)

	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.Data(), []byte("hello"))
	require.True(t, bpm.UnpinPage(id, true))

	bpm.FlushAll()
	_, writes := dm.Stats()
	require.Equal(t, uint64(1), writes)
	require.Equal(t, 0, bpm.DirtyPages())
}
