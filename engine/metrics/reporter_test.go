package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ferrodb/engine/buffer"
	"ferrodb/engine/disk"
)

func TestReporter_SampleReflectsBufferPoolState(t *testing.T) {
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Shutdown() })

	bpm := buffer.NewManager(4, 2, dm)
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	r := NewReporter(bpm, dm, 10*time.Millisecond)
	r.sample()

	snap := r.Latest()
	require.Equal(t, 4, snap.PoolSize)
	require.Equal(t, 3, snap.FreeFrames)
}

func TestReporter_StopIsIdempotent(t *testing.T) {
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Shutdown() })

	r := NewReporter(buffer.NewManager(2, 2, dm), dm, time.Second)
	go r.Run()
	r.Stop()
	r.Stop()
}
