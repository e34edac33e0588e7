package bufferpool

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/storage"
)

func newTestParallelPool(t *testing.T, shards, perInstanceCapacity int) *ParallelPool {
	t.Helper()
	devs := make([]storage.BlockDevice, shards)
	for i := 0; i < shards; i++ {
		dev, err := storage.NewFileBlockDevice(filepath.Join(t.TempDir(), fmt.Sprintf("shard%d.db", i)), 4096)
		require.NoError(t, err)
		t.Cleanup(func() { _ = dev.Close() })
		devs[i] = dev
	}
	return NewParallelPool(devs, perInstanceCapacity)
}

func TestParallelPool_RoutesByPageIDModN(t *testing.T) {
	pp := newTestParallelPool(t, 3, 4)

	ids := make([]PageID, 0, 6)
	for i := 0; i < 6; i++ {
		_, id, err := pp.NewPage()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		require.True(t, pp.UnpinPage(id, false))
	}

	// Every minted id must route back to a shard whose own page-id space
	// it belongs to (id mod N == shard index it was minted from).
	for _, id := range ids {
		shard := int(id) % pp.NumShards()
		require.True(t, pp.instances[shard].pageTable != nil)
		_, ok := pp.instances[shard].pageTable[id]
		require.True(t, ok, "page %d not found on expected shard %d", id, shard)
	}
}

func TestParallelPool_NewPageFailsOnlyWhenEveryShardFull(t *testing.T) {
	pp := newTestParallelPool(t, 2, 1)

	_, p0, err := pp.NewPage()
	require.NoError(t, err)
	_, p1, err := pp.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, p0%2, p1%2)

	// Both shards now have their single frame pinned.
	_, _, err = pp.NewPage()
	require.ErrorIs(t, err, ErrNoFreeFrame)

	require.True(t, pp.UnpinPage(p0, false))
	_, _, err = pp.NewPage()
	require.NoError(t, err)
}

func TestParallelPool_CursorAdvancesEvenOnSuccess(t *testing.T) {
	pp := newTestParallelPool(t, 4, 8)

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		_, id, err := pp.NewPage()
		require.NoError(t, err)
		seen[int(id)%4] = true
	}
	require.Len(t, seen, 4, "round-robin cursor should have spread allocation across all shards")
}
