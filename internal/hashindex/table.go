package hashindex

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuannm99/novasql/internal/bufferpool"
)

// ErrDirectoryFull is returned by Insert when a bucket's local depth has
// already reached the directory's maximum global depth (determined by the
// configured page size) and a further split would require doubling past
// that ceiling.
var ErrDirectoryFull = errors.New("hashindex: directory at maximum depth, cannot split further")

// ErrNotFound reports a missing entry. No method of this package returns
// it: Remove reports an absent (key, value) pair as (false, nil).
var ErrNotFound = errors.New("hashindex: entry not found")

// PageManager is the subset of bufferpool.Instance/bufferpool.ParallelPool
// an ExtendibleHashTable needs. Both satisfy it, so a table can be backed
// by either a single instance or a sharded parallel pool without change.
type PageManager interface {
	NewPage() (*bufferpool.InstanceFrame, bufferpool.PageID, error)
	FetchPage(id bufferpool.PageID) (*bufferpool.InstanceFrame, error)
	UnpinPage(id bufferpool.PageID, dirty bool) bool
	DeletePage(id bufferpool.PageID) bool
	FlushPage(id bufferpool.PageID) bool
	FlushAllPages()
	PageSize() int
}

var (
	_ PageManager = (*bufferpool.Instance)(nil)
	_ PageManager = (*bufferpool.ParallelPool)(nil)
)

// HashFunc maps a Key to a 32-bit hash. Low bits select the directory slot;
// high bits are consulted as the directory grows.
type HashFunc func(Key) uint32

// defaultHash is Murmur3's 32-bit finalizer (fmix32), a well-known public
// domain integer mixer, applied to the key so adjacent keys don't collide
// in the low bits used for directory addressing.
func defaultHash(k Key) uint32 {
	h := k
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// ExtendibleHashTable is an on-disk hash index: one directory page fanning
// out to bucket pages, grown by splitting a single overflowing bucket and
// only doubling the directory when that bucket's local depth has caught up
// with the global depth. table_latch serializes structural changes
// (splits, merges, directory growth) against every reader; individual
// bucket frames additionally carry their own latch so concurrent readers
// of distinct buckets never contend on table_latch's internals.
//
// Lock order: table_latch, then a bucket frame's latch, then whatever
// mutex the backing PageManager takes internally. Never acquired in the
// other direction.
type ExtendibleHashTable struct {
	latch sync.RWMutex

	pm       PageManager
	hashFunc HashFunc

	directoryPageID bufferpool.PageID
	maxSlots        int
	maxGlobalDepth  uint32
	bucketCapacity  int
}

// NewHashTable allocates a fresh directory page (global depth 0, one
// bucket) backed by pm. hashFunc may be nil to use the default mixer.
func NewHashTable(pm PageManager, hashFunc HashFunc) (*ExtendibleHashTable, error) {
	if hashFunc == nil {
		hashFunc = defaultHash
	}
	pageSize := pm.PageSize()
	maxSlots := computeDirectoryMaxSlots(pageSize)
	if maxSlots < 1 {
		return nil, fmt.Errorf("hashindex: page size %d too small for a directory page", pageSize)
	}
	bucketCapacity := computeBucketCapacity(pageSize)
	if bucketCapacity < 1 {
		return nil, fmt.Errorf("hashindex: page size %d too small for a bucket page", pageSize)
	}

	dirFrame, dirID, err := pm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("hashindex: allocating directory page: %w", err)
	}
	bucketFrame, bucketID, err := pm.NewPage()
	if err != nil {
		pm.UnpinPage(dirID, false)
		pm.DeletePage(dirID)
		return nil, fmt.Errorf("hashindex: allocating initial bucket page: %w", err)
	}

	dv := newDirectoryView(dirFrame.Data, maxSlots)
	dv.SetPageID(dirID)
	dv.SetGlobalDepth(0)
	dv.SetLocalDepth(0, 0)
	dv.SetBucketPageID(0, bucketID)

	pm.UnpinPage(dirID, true)
	pm.UnpinPage(bucketID, true)
	_ = bucketFrame

	return &ExtendibleHashTable{
		pm:              pm,
		hashFunc:        hashFunc,
		directoryPageID: dirID,
		maxSlots:        maxSlots,
		maxGlobalDepth:  computeMaxGlobalDepth(maxSlots),
		bucketCapacity:  bucketCapacity,
	}, nil
}

// OpenHashTable wraps an existing directory page (e.g. recovered from a
// catalog entry) without reinitializing it.
func OpenHashTable(pm PageManager, directoryPageID bufferpool.PageID, hashFunc HashFunc) *ExtendibleHashTable {
	if hashFunc == nil {
		hashFunc = defaultHash
	}
	pageSize := pm.PageSize()
	maxSlots := computeDirectoryMaxSlots(pageSize)
	return &ExtendibleHashTable{
		pm:              pm,
		hashFunc:        hashFunc,
		directoryPageID: directoryPageID,
		maxSlots:        maxSlots,
		maxGlobalDepth:  computeMaxGlobalDepth(maxSlots),
		bucketCapacity:  computeBucketCapacity(pageSize),
	}
}

// DirectoryPageID returns the page id to persist in the owning table's
// catalog entry so the index can be reopened later.
func (t *ExtendibleHashTable) DirectoryPageID() bufferpool.PageID {
	return t.directoryPageID
}

func (t *ExtendibleHashTable) indexOf(key Key, globalDepth uint32) int {
	h := t.hashFunc(key)
	mask := uint32(1)<<globalDepth - 1
	return int(h & mask)
}

// GetValue returns every value stored under key.
func (t *ExtendibleHashTable) GetValue(key Key) ([]RID, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()

	dirFrame, err := t.pm.FetchPage(t.directoryPageID)
	if err != nil {
		return nil, err
	}
	dv := newDirectoryView(dirFrame.Data, t.maxSlots)
	slot := t.indexOf(key, dv.GlobalDepth())
	bucketID := dv.BucketPageID(slot)
	t.pm.UnpinPage(t.directoryPageID, false)

	bucketFrame, err := t.pm.FetchPage(bucketID)
	if err != nil {
		return nil, err
	}
	bucketFrame.Latch.RLock()
	bv := newBucketView(bucketFrame.Data, t.bucketCapacity)
	result := bv.Find(key, nil)
	bucketFrame.Latch.RUnlock()
	t.pm.UnpinPage(bucketID, false)

	return result, nil
}

// Insert adds (key, value), splitting and, if necessary, doubling the
// directory as many times as it takes for the pair to fit. Returns false
// (with a nil error) if the exact pair is already present.
func (t *ExtendibleHashTable) Insert(key Key, value RID) (bool, error) {
	t.latch.Lock()
	defer t.latch.Unlock()

	for {
		inserted, retry, err := t.tryInsert(key, value)
		if err != nil {
			return false, err
		}
		if inserted {
			return true, nil
		}
		if !retry {
			return false, nil
		}
	}
}

// tryInsert attempts a single insert, splitting (and doubling the
// directory, at most once) if the target bucket is full. retry is true
// when the caller should re-run tryInsert after a split. Caller holds
// t.latch for writing.
func (t *ExtendibleHashTable) tryInsert(key Key, value RID) (inserted bool, retry bool, err error) {
	dirFrame, err := t.pm.FetchPage(t.directoryPageID)
	if err != nil {
		return false, false, err
	}
	dv := newDirectoryView(dirFrame.Data, t.maxSlots)
	globalDepth := dv.GlobalDepth()
	slot := t.indexOf(key, globalDepth)
	bucketID := dv.BucketPageID(slot)

	bucketFrame, err := t.pm.FetchPage(bucketID)
	if err != nil {
		t.pm.UnpinPage(t.directoryPageID, false)
		return false, false, err
	}
	bucketFrame.Latch.Lock()
	bv := newBucketView(bucketFrame.Data, t.bucketCapacity)

	if bv.Contains(key, value) {
		bucketFrame.Latch.Unlock()
		t.pm.UnpinPage(bucketID, false)
		t.pm.UnpinPage(t.directoryPageID, false)
		return false, false, nil
	}

	if !bv.IsFull() {
		bv.Insert(key, value)
		bucketFrame.Latch.Unlock()
		t.pm.UnpinPage(bucketID, true)
		t.pm.UnpinPage(t.directoryPageID, false)
		return true, false, nil
	}

	localDepth := dv.LocalDepth(slot)
	if localDepth == globalDepth {
		if globalDepth >= t.maxGlobalDepth {
			bucketFrame.Latch.Unlock()
			t.pm.UnpinPage(bucketID, false)
			t.pm.UnpinPage(t.directoryPageID, false)
			return false, false, ErrDirectoryFull
		}
		oldSize := dv.Size()
		for i := 0; i < oldSize; i++ {
			dv.SetLocalDepth(oldSize+i, dv.LocalDepth(i))
			dv.SetBucketPageID(oldSize+i, dv.BucketPageID(i))
		}
		dv.SetGlobalDepth(globalDepth + 1)
		globalDepth++
		slot = t.indexOf(key, globalDepth)
	}

	newLocalDepth := localDepth + 1
	newBucketFrame, newBucketID, err := t.pm.NewPage()
	if err != nil {
		bucketFrame.Latch.Unlock()
		t.pm.UnpinPage(bucketID, false)
		t.pm.UnpinPage(t.directoryPageID, true)
		return false, false, err
	}
	newBV := newBucketView(newBucketFrame.Data, t.bucketCapacity)

	size := dv.Size()
	for s := 0; s < size; s++ {
		if dv.BucketPageID(s) == bucketID {
			dv.SetLocalDepth(s, newLocalDepth)
			if (s>>localDepth)&1 == 1 {
				dv.SetBucketPageID(s, newBucketID)
			}
		}
	}

	entries := bv.All()
	bv.Clear()
	for _, e := range entries {
		h := t.hashFunc(e.Key)
		if (h>>localDepth)&1 == 1 {
			newBV.Insert(e.Key, e.Value)
		} else {
			bv.Insert(e.Key, e.Value)
		}
	}

	bucketFrame.Latch.Unlock()
	t.pm.UnpinPage(bucketID, true)
	t.pm.UnpinPage(newBucketID, true)
	t.pm.UnpinPage(t.directoryPageID, true)
	return false, true, nil
}

// Remove deletes (key, value). If that empties the bucket and a buddy
// bucket at the same local depth exists, the two are merged and the freed
// page is deleted. Returns false if the pair was not present.
func (t *ExtendibleHashTable) Remove(key Key, value RID) (bool, error) {
	t.latch.Lock()
	defer t.latch.Unlock()

	dirFrame, err := t.pm.FetchPage(t.directoryPageID)
	if err != nil {
		return false, err
	}
	dv := newDirectoryView(dirFrame.Data, t.maxSlots)
	globalDepth := dv.GlobalDepth()
	slot := t.indexOf(key, globalDepth)
	bucketID := dv.BucketPageID(slot)
	localDepth := dv.LocalDepth(slot)

	bucketFrame, err := t.pm.FetchPage(bucketID)
	if err != nil {
		t.pm.UnpinPage(t.directoryPageID, false)
		return false, err
	}
	bucketFrame.Latch.Lock()
	bv := newBucketView(bucketFrame.Data, t.bucketCapacity)
	removed := bv.Remove(key, value)
	empty := removed && bv.IsEmpty()
	bucketFrame.Latch.Unlock()

	if !empty || localDepth == 0 {
		t.pm.UnpinPage(bucketID, removed)
		t.pm.UnpinPage(t.directoryPageID, false)
		return removed, nil
	}

	buddySlot := slot ^ (1 << (localDepth - 1))
	if buddySlot >= dv.Size() || dv.LocalDepth(buddySlot) != localDepth || dv.BucketPageID(buddySlot) == bucketID {
		t.pm.UnpinPage(bucketID, true)
		t.pm.UnpinPage(t.directoryPageID, false)
		return removed, nil
	}

	buddyBucketID := dv.BucketPageID(buddySlot)
	newLocalDepth := localDepth - 1
	size := dv.Size()
	for s := 0; s < size; s++ {
		if dv.BucketPageID(s) == bucketID || dv.BucketPageID(s) == buddyBucketID {
			dv.SetLocalDepth(s, newLocalDepth)
			dv.SetBucketPageID(s, buddyBucketID)
		}
	}

	t.pm.UnpinPage(bucketID, true)
	t.pm.DeletePage(bucketID)

	for dv.GlobalDepth() > 0 && shrinkable(dv) {
		dv.SetGlobalDepth(dv.GlobalDepth() - 1)
	}

	t.pm.UnpinPage(t.directoryPageID, true)
	return removed, nil
}

// shrinkable reports whether every occupied slot's local depth is strictly
// less than the directory's current global depth, the condition under
// which the directory can be halved.
func shrinkable(dv directoryView) bool {
	gd := dv.GlobalDepth()
	size := dv.Size()
	for s := 0; s < size; s++ {
		if dv.LocalDepth(s) >= gd {
			return false
		}
	}
	return true
}

// GetGlobalDepth returns the directory's current global depth.
func (t *ExtendibleHashTable) GetGlobalDepth() (uint32, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()

	dirFrame, err := t.pm.FetchPage(t.directoryPageID)
	if err != nil {
		return 0, err
	}
	dv := newDirectoryView(dirFrame.Data, t.maxSlots)
	depth := dv.GlobalDepth()
	t.pm.UnpinPage(t.directoryPageID, false)
	return depth, nil
}

// VerifyIntegrity walks the directory and every distinct bucket it points
// to, checking: every slot's local depth does not exceed the global
// depth; every directory slot sharing a bucket page id agrees on that
// bucket's local depth; and every live entry in a bucket actually hashes
// into that bucket's directory group (low local-depth bits match).
func (t *ExtendibleHashTable) VerifyIntegrity() error {
	t.latch.RLock()
	defer t.latch.RUnlock()

	dirFrame, err := t.pm.FetchPage(t.directoryPageID)
	if err != nil {
		return err
	}
	dv := newDirectoryView(dirFrame.Data, t.maxSlots)
	globalDepth := dv.GlobalDepth()
	size := dv.Size()

	localDepthOf := make(map[uint32]uint32, size)
	groupBitsOf := make(map[uint32]int, size)

	for s := 0; s < size; s++ {
		ld := dv.LocalDepth(s)
		bucketID := dv.BucketPageID(s)
		if ld > globalDepth {
			t.pm.UnpinPage(t.directoryPageID, false)
			return fmt.Errorf("hashindex: slot %d has local depth %d exceeding global depth %d", s, ld, globalDepth)
		}
		if prevLD, ok := localDepthOf[bucketID]; ok && prevLD != ld {
			t.pm.UnpinPage(t.directoryPageID, false)
			return fmt.Errorf("hashindex: bucket %d referenced with inconsistent local depths %d and %d", bucketID, prevLD, ld)
		}
		localDepthOf[bucketID] = ld
		if _, ok := groupBitsOf[bucketID]; !ok {
			groupBitsOf[bucketID] = s & int(uint32(1)<<ld-1)
		}
	}
	t.pm.UnpinPage(t.directoryPageID, false)

	for bucketID, ld := range localDepthOf {
		bucketFrame, err := t.pm.FetchPage(bucketID)
		if err != nil {
			return err
		}
		bucketFrame.Latch.RLock()
		bv := newBucketView(bucketFrame.Data, t.bucketCapacity)
		entries := bv.All()
		bucketFrame.Latch.RUnlock()
		t.pm.UnpinPage(bucketID, false)

		mask := uint32(1)<<ld - 1
		want := groupBitsOf[bucketID]
		for _, e := range entries {
			if int(t.hashFunc(e.Key)&mask) != want {
				return fmt.Errorf("hashindex: key %d in bucket %d does not belong to that bucket's directory group", e.Key, bucketID)
			}
		}
	}
	return nil
}
