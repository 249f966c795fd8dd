package replacer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferrodb/engine/basic"
)

func TestLRUKReplacer_EvictsColdestAmongInfinite(t *testing.T) {
	r := NewLRUKReplacer(10, 2)

	// Frame 1 accessed once (infinite distance), frame 2 accessed once
	// later (also infinite, but younger).
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	require.Equal(t, 2, r.Size())

	frame, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, basic.FrameID(1), frame, "earliest first access should be evicted first among cold frames")
	assert.Equal(t, 1, r.Size())
}

func TestLRUKReplacer_PrefersLargerBackwardDistance(t *testing.T) {
	r := NewLRUKReplacer(10, 2)

	// Frame 1: accessed at t=0 and t=1 -> k-distance from "now" is larger.
	r.RecordAccess(1)
	r.RecordAccess(1)
	// Frame 2: accessed at t=2 and t=3 -> more recent, smaller k-distance.
	r.RecordAccess(2)
	r.RecordAccess(2)

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	frame, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, basic.FrameID(1), frame)
}

func TestLRUKReplacer_NotEvictableIsSkipped(t *testing.T) {
	r := NewLRUKReplacer(10, 2)

	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, false)
	r.SetEvictable(2, true)

	require.Equal(t, 1, r.Size())

	frame, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, basic.FrameID(2), frame)
}

func TestLRUKReplacer_EvictFailsWhenEmpty(t *testing.T) {
	r := NewLRUKReplacer(10, 2)
	_, ok := r.Evict()
	assert.False(t, ok)
}

func TestLRUKReplacer_SetEvictableIsIdempotent(t *testing.T) {
	r := NewLRUKReplacer(10, 2)
	r.RecordAccess(1)

	r.SetEvictable(1, true)
	r.SetEvictable(1, true)
	assert.Equal(t, 1, r.Size())

	r.SetEvictable(1, false)
	r.SetEvictable(1, false)
	assert.Equal(t, 0, r.Size())
}

func TestLRUKReplacer_RemoveRequiresEvictable(t *testing.T) {
	r := NewLRUKReplacer(10, 2)
	r.RecordAccess(1)
	r.SetEvictable(1, false)

	err := r.Remove(1)
	assert.ErrorIs(t, err, basic.ErrFrameNotEvictable)

	r.SetEvictable(1, true)
	require.NoError(t, r.Remove(1))
	assert.Equal(t, 0, r.Size())
}

func TestLRUKReplacer_UnknownFrameIsNoop(t *testing.T) {
	r := NewLRUKReplacer(10, 2)
	r.SetEvictable(99, true)
	assert.Equal(t, 0, r.Size())
	assert.NoError(t, r.Remove(99))
}
