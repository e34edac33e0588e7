package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUReplacer_VictimOrderAndTieBreak(t *testing.T) {
	r := NewLRUReplacer(4)

	require.Equal(t, 0, r.Size())
	_, ok := r.Victim()
	require.False(t, ok)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	require.Equal(t, 3, r.Size())

	// Frame that became eligible earliest (1) is evicted first.
	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = r.Victim()
	require.False(t, ok)
}

func TestLRUReplacer_PinRemovesFromEvictionSet(t *testing.T) {
	r := NewLRUReplacer(4)
	r.Unpin(1)
	r.Unpin(2)
	require.Equal(t, 2, r.Size())

	r.Pin(1)
	require.Equal(t, 1, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestLRUReplacer_IdempotentPinAndUnpin(t *testing.T) {
	r := NewLRUReplacer(4)

	// Pin on an absent frame is a no-op.
	r.Pin(5)
	require.Equal(t, 0, r.Size())

	r.Unpin(1)
	r.Unpin(1) // already present: no-op, no duplicate entry
	require.Equal(t, 1, r.Size())

	r.Pin(1)
	r.Pin(1) // already absent: no-op
	require.Equal(t, 0, r.Size())
}

func TestLRUReplacer_UnpinMovesToMostRecent(t *testing.T) {
	r := NewLRUReplacer(4)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)

	// 1 is pinned then unpinned again: becomes most-recently-used, so it
	// should be evicted last among {1,2,3}.
	r.Pin(1)
	r.Unpin(1)

	v, _ := r.Victim()
	require.Equal(t, 2, v)
	v, _ = r.Victim()
	require.Equal(t, 3, v)
	v, _ = r.Victim()
	require.Equal(t, 1, v)
}
