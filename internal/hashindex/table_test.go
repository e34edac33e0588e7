package hashindex

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/storage"
)

func newTestPageManager(t *testing.T, pageSize, capacity int) PageManager {
	t.Helper()
	dev, err := storage.NewFileBlockDevice(filepath.Join(t.TempDir(), "hashindex.db"), pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return bufferpool.NewInstance(dev, capacity, 0, 1)
}

// identityHash is used by tests that need to control exactly which bit of
// a key decides its directory slot.
func identityHash(k Key) uint32 { return k }

func TestHashTable_InsertAndGetValue_NoSplit(t *testing.T) {
	pm := newTestPageManager(t, 4096, 16)
	table, err := NewHashTable(pm, nil)
	require.NoError(t, err)

	inserted, err := table.Insert(10, RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = table.Insert(10, RID{PageID: 1, Slot: 1})
	require.NoError(t, err)
	require.True(t, inserted)

	vals, err := table.GetValue(10)
	require.NoError(t, err)
	require.ElementsMatch(t, []RID{{PageID: 1, Slot: 0}, {PageID: 1, Slot: 1}}, vals)
}

func TestHashTable_DuplicateInsertRejected(t *testing.T) {
	pm := newTestPageManager(t, 4096, 16)
	table, err := NewHashTable(pm, nil)
	require.NoError(t, err)

	rid := RID{PageID: 1, Slot: 0}
	ok, err := table.Insert(5, rid)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = table.Insert(5, rid)
	require.NoError(t, err)
	require.False(t, ok, "exact duplicate pair must be rejected")
}

func TestHashTable_SplitGrowsDirectoryAndRoutesCorrectly(t *testing.T) {
	// pageSize 50 -> bucket capacity 4 (toy configuration), directory max
	// slots 5 (max global depth 2): enough room for two levels of split.
	pm := newTestPageManager(t, 50, 32)
	table, err := NewHashTable(pm, identityHash)
	require.NoError(t, err)

	// Keys 0 and 4 share bit0=0; key 2 shares bit0=0 too; key 1,3 have
	// bit0=1. Fill the single initial bucket (capacity 4) to capacity,
	// then overflow it to force a split.
	for i, k := range []Key{0, 2, 4, 6} {
		ok, err := table.Insert(k, RID{PageID: 1, Slot: uint32(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	depth, err := table.GetGlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(0), depth, "bucket exactly at capacity should not have split yet")

	// One more even key overflows the bucket, forcing a split (and
	// directory doubling, since local depth == global depth == 0).
	ok, err := table.Insert(8, RID{PageID: 1, Slot: 4})
	require.NoError(t, err)
	require.True(t, ok)

	depth, err = table.GetGlobalDepth()
	require.NoError(t, err)
	require.GreaterOrEqual(t, depth, uint32(1))

	for i, k := range []Key{0, 2, 4, 6, 8} {
		vals, err := table.GetValue(k)
		require.NoError(t, err)
		require.Contains(t, vals, RID{PageID: 1, Slot: uint32(i)})
	}

	require.NoError(t, table.VerifyIntegrity())
}

func TestHashTable_DirectoryFullReturnsError(t *testing.T) {
	// pageSize 16 -> directory max slots 1 (max global depth 0) and
	// bucket capacity 1: the second distinct key can never fit.
	pm := newTestPageManager(t, 16, 16)
	table, err := NewHashTable(pm, identityHash)
	require.NoError(t, err)

	ok, err := table.Insert(1, RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = table.Insert(2, RID{PageID: 1, Slot: 1})
	require.ErrorIs(t, err, ErrDirectoryFull)
}

func TestHashTable_RemoveThenMergeReclaimsBucket(t *testing.T) {
	pm := newTestPageManager(t, 50, 32)
	table, err := NewHashTable(pm, identityHash)
	require.NoError(t, err)

	for i, k := range []Key{0, 2, 4, 6, 8} {
		ok, err := table.Insert(k, RID{PageID: 1, Slot: uint32(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	depth, err := table.GetGlobalDepth()
	require.NoError(t, err)
	require.GreaterOrEqual(t, depth, uint32(1))

	// Remove all five entries, so the buckets empty out and merge with
	// their buddies.
	for i, k := range []Key{0, 2, 4, 6, 8} {
		removed, err := table.Remove(k, RID{PageID: 1, Slot: uint32(i)})
		require.NoError(t, err)
		require.True(t, removed)
	}

	for _, k := range []Key{0, 2, 4, 6, 8} {
		vals, err := table.GetValue(k)
		require.NoError(t, err)
		require.Empty(t, vals)
	}
	require.NoError(t, table.VerifyIntegrity())
}

func TestHashTable_MergeShrinksGlobalDepth(t *testing.T) {
	// pageSize 24 -> directory max slots 2 (max global depth 1), bucket
	// capacity 1: inserting two distinct keys forces exactly one split to
	// global depth 1, one key per bucket.
	pm := newTestPageManager(t, 24, 16)
	table, err := NewHashTable(pm, identityHash)
	require.NoError(t, err)

	ok, err := table.Insert(0, RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = table.Insert(1, RID{PageID: 1, Slot: 1})
	require.NoError(t, err)
	require.True(t, ok)

	depth, err := table.GetGlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(1), depth)

	// Emptying key 0's bucket merges it with its buddy (key 1's bucket);
	// both end up at local depth 0, so the directory should shrink back.
	removed, err := table.Remove(0, RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, removed)

	depth, err = table.GetGlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(0), depth)

	vals, err := table.GetValue(1)
	require.NoError(t, err)
	require.Equal(t, []RID{{PageID: 1, Slot: 1}}, vals)
	require.NoError(t, table.VerifyIntegrity())
}

func TestHashTable_BucketReusesTombstonedSlot(t *testing.T) {
	// bucket capacity 1 (pageSize 20 -> maxSlots 1, maxGlobalDepth 0): a
	// bucket that was once full but had its only entry removed must accept
	// a new, distinct key instead of reporting full forever.
	pm := newTestPageManager(t, 20, 16)
	table, err := NewHashTable(pm, identityHash)
	require.NoError(t, err)

	ok, err := table.Insert(1, RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := table.Remove(1, RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, removed)

	ok, err = table.Insert(2, RID{PageID: 1, Slot: 1})
	require.NoError(t, err)
	require.True(t, ok)

	vals, err := table.GetValue(2)
	require.NoError(t, err)
	require.Equal(t, []RID{{PageID: 1, Slot: 1}}, vals)
}

func TestHashTable_RemoveUnknownPairReturnsFalse(t *testing.T) {
	pm := newTestPageManager(t, 4096, 16)
	table, err := NewHashTable(pm, nil)
	require.NoError(t, err)

	removed, err := table.Remove(42, RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.False(t, removed)
}

func TestHashTable_ConcurrentInsertsAllVisible(t *testing.T) {
	pm := newTestPageManager(t, 4096, 64)
	table, err := NewHashTable(pm, nil)
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := table.Insert(Key(i), RID{PageID: 1, Slot: uint32(i)})
			require.NoError(t, err)
			require.True(t, ok)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		vals, err := table.GetValue(Key(i))
		require.NoError(t, err)
		require.Contains(t, vals, RID{PageID: 1, Slot: uint32(i)}, fmt.Sprintf("key %d missing after concurrent insert", i))
	}
	require.NoError(t, table.VerifyIntegrity())
}
