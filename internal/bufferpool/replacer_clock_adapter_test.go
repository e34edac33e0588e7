package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClockAdapter_SizeAndEvictable(t *testing.T) {
	r := newClockAdapter(4)

	require.Equal(t, 0, r.Size())

	r.Unpin(0)
	require.Equal(t, 1, r.Size())

	r.Unpin(1)
	require.Equal(t, 2, r.Size())

	r.Pin(0)
	require.Equal(t, 1, r.Size())

	// Pinning a frame that was never unpinned should not break.
	r.Pin(3)
	require.Equal(t, 1, r.Size())
}

func TestClockAdapter_Victim_NoneEvictable(t *testing.T) {
	r := newClockAdapter(2)

	// Pinned without ever being unpinned: nothing evictable.
	r.Pin(0)
	r.Pin(1)

	_, ok := r.Victim()
	require.False(t, ok)
	require.Equal(t, 0, r.Size())
}

func TestClockAdapter_Victim_SecondChanceBehavior(t *testing.T) {
	r := newClockAdapter(3)

	for i := 0; i < 3; i++ {
		r.Unpin(i)
	}
	require.Equal(t, 3, r.Size())

	// First Victim(): all ref bits are true, so CLOCK clears refs on the
	// first sweep then picks the first encountered victim on the second.
	v1, ok := r.Victim()
	require.True(t, ok)
	require.GreaterOrEqual(t, v1, 0)
	require.Less(t, v1, 3)
	require.Equal(t, 2, r.Size())

	v2, ok := r.Victim()
	require.True(t, ok)
	require.NotEqual(t, v1, v2)
	require.Equal(t, 1, r.Size())

	v3, ok := r.Victim()
	require.True(t, ok)
	require.NotEqual(t, v1, v3)
	require.NotEqual(t, v2, v3)
	require.Equal(t, 0, r.Size())

	_, ok = r.Victim()
	require.False(t, ok)
}

func TestClockAdapter_Pin_PreventsEviction(t *testing.T) {
	r := newClockAdapter(2)

	r.Unpin(0)
	r.Unpin(1)
	require.Equal(t, 2, r.Size())

	// Pin frame 0 back out of the eviction set.
	r.Pin(0)
	require.Equal(t, 1, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 0, r.Size())

	_, ok = r.Victim()
	require.False(t, ok)
}
