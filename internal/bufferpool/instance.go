package bufferpool

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tuannm99/novasql/internal/storage"
)

// PageID is a page identifier minted by an Instance/ParallelPool. It is a
// flat, monotonically increasing counter local to the pool that minted it,
// distinct from the per-relation page ids used by Pool/GlobalPool.
type PageID = uint32

// InvalidPageID is the sentinel for "no page".
const InvalidPageID PageID = math.MaxUint32

// InstanceFrame is a frame owned by an Instance: a page-sized buffer plus
// metadata plus the frame's own readers-writer latch, guarding the buffer
// contents independently of the instance mutex that guards the metadata
// (spec: "the frame data is not covered by this mutex; it is guarded by the
// frame's own readers-writer latch taken only by callers after a successful
// fetch or new").
type InstanceFrame struct {
	PageID PageID
	Data   []byte
	Dirty  bool
	Pin    int32
	Latch  sync.RWMutex
}

// Instance is a single buffer pool instance (spec §4.2): a contiguous array
// of frames, a page table, a free list, and a pluggable Replacer, all
// serialized by one instance-wide mutex. It owns one flat page-id space
// stepped by numShards starting at shardIndex, so that a ParallelPool of N
// instances partitions a single logical id space with id mod N == shard.
type Instance struct {
	mu sync.Mutex

	dev storage.BlockDevice

	frames    []*InstanceFrame
	pageTable map[PageID]int
	freeList  []int
	replacer  Replacer

	nextPageID PageID
	shardIndex int
	numShards  int
}

// NewInstance builds an instance of the given frame capacity, backed by
// dev, owning every page id congruent to shardIndex modulo numShards.
func NewInstance(dev storage.BlockDevice, capacity, shardIndex, numShards int) *Instance {
	if capacity <= 0 {
		capacity = 16
	}
	if numShards <= 0 {
		numShards = 1
	}

	frames := make([]*InstanceFrame, capacity)
	free := make([]int, capacity)
	for i := range frames {
		frames[i] = &InstanceFrame{
			PageID: InvalidPageID,
			Data:   make([]byte, dev.PageSize()),
		}
		free[i] = i
	}

	return &Instance{
		dev:        dev,
		frames:     frames,
		pageTable:  make(map[PageID]int),
		freeList:   free,
		replacer:   NewLRUReplacer(capacity),
		nextPageID: PageID(shardIndex),
		shardIndex: shardIndex,
		numShards:  numShards,
	}
}

// pickVictimLocked implements the shared first three steps of NewPage and
// FetchPage: prefer the free list, else ask the replacer. Caller holds mu.
func (ins *Instance) pickVictimLocked() (int, error) {
	if n := len(ins.freeList); n > 0 {
		idx := ins.freeList[n-1]
		ins.freeList = ins.freeList[:n-1]
		return idx, nil
	}
	idx, ok := ins.replacer.Victim()
	if !ok {
		return -1, ErrNoFreeFrame
	}
	return idx, nil
}

// evictLocked writes back f if dirty and removes its old page-table entry,
// if any. Caller holds mu.
func (ins *Instance) evictLocked(f *InstanceFrame) error {
	if f.PageID == InvalidPageID {
		return nil
	}
	if f.Dirty {
		if err := ins.dev.WritePage(int(f.PageID), f.Data); err != nil {
			return fmt.Errorf("bufferpool: fatal I/O failure writing back page %d: %w", f.PageID, err)
		}
		f.Dirty = false
	}
	delete(ins.pageTable, f.PageID)
	return nil
}

// NewPage mints a fresh page id and returns a frame pinned once, per spec
// §4.2 NewPage. Returns ErrNoFreeFrame if every frame is pinned.
func (ins *Instance) NewPage() (*InstanceFrame, PageID, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	idx, err := ins.pickVictimLocked()
	if err != nil {
		slog.Debug(logDebugPrefix + "Instance.NewPage: no free frame available")
		return nil, InvalidPageID, err
	}
	f := ins.frames[idx]
	if err := ins.evictLocked(f); err != nil {
		return nil, InvalidPageID, err
	}

	id := ins.nextPageID
	ins.nextPageID += PageID(ins.numShards)
	slog.Debug(logDebugPrefix+"Instance.NewPage", "pageID", id, "frameIdx", idx)

	for i := range f.Data {
		f.Data[i] = 0
	}
	f.PageID = id
	f.Pin = 1
	f.Dirty = false
	ins.pageTable[id] = idx

	return f, id, nil
}

// FetchPage pins and returns the frame holding pageID, loading it from the
// block device on a miss, per spec §4.2 FetchPage.
func (ins *Instance) FetchPage(pageID PageID) (*InstanceFrame, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	if idx, ok := ins.pageTable[pageID]; ok {
		f := ins.frames[idx]
		if f.Pin == 0 {
			ins.replacer.Pin(idx)
		}
		f.Pin++
		slog.Debug(logDebugPrefix+"Instance.FetchPage: hit", "pageID", pageID)
		return f, nil
	}

	idx, err := ins.pickVictimLocked()
	if err != nil {
		slog.Debug(logDebugPrefix+"Instance.FetchPage: miss, no free frame", "pageID", pageID)
		return nil, err
	}
	f := ins.frames[idx]
	if err := ins.evictLocked(f); err != nil {
		return nil, err
	}

	if err := ins.dev.ReadPage(int(pageID), f.Data); err != nil {
		panic(fmt.Sprintf("bufferpool: fatal I/O failure reading page %d: %v", pageID, err))
	}
	slog.Debug(logDebugPrefix+"Instance.FetchPage: miss, loaded from disk", "pageID", pageID, "frameIdx", idx)
	f.PageID = pageID
	f.Pin = 1
	f.Dirty = false
	ins.pageTable[pageID] = idx

	return f, nil
}

// UnpinPage decrements the pin count of pageID, ORing in the dirty flag
// (sticky: never cleared here). Returns false if pageID is not resident.
func (ins *Instance) UnpinPage(pageID PageID, callerDirty bool) bool {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	idx, ok := ins.pageTable[pageID]
	if !ok {
		return false
	}
	f := ins.frames[idx]
	if callerDirty {
		f.Dirty = true
	}
	if f.Pin > 0 {
		f.Pin--
		if f.Pin == 0 {
			ins.replacer.Unpin(idx)
		}
	}
	return true
}

// DeletePage frees pageID's frame back to the free list. Returns true if
// pageID was not resident (nothing to do), false if it is resident and
// still pinned.
func (ins *Instance) DeletePage(pageID PageID) bool {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	idx, ok := ins.pageTable[pageID]
	if !ok {
		return true
	}
	f := ins.frames[idx]
	if f.Pin > 0 {
		return false
	}

	// pin == 0 means the replacer currently tracks this frame; pull it out
	// before freeing.
	ins.replacer.Pin(idx)
	delete(ins.pageTable, pageID)

	for i := range f.Data {
		f.Data[i] = 0
	}
	f.PageID = InvalidPageID
	f.Dirty = false
	ins.freeList = append(ins.freeList, idx)
	return true
}

// FlushPage writes pageID's buffer to disk if dirty. Flushing never
// affects pin count or residency.
func (ins *Instance) FlushPage(pageID PageID) bool {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	idx, ok := ins.pageTable[pageID]
	if !ok {
		return false
	}
	f := ins.frames[idx]
	if f.Dirty {
		if err := ins.dev.WritePage(int(pageID), f.Data); err != nil {
			panic(fmt.Sprintf("bufferpool: fatal I/O failure flushing page %d: %v", pageID, err))
		}
		f.Dirty = false
	}
	return true
}

// PageSize returns the fixed page size of the block device backing this
// instance, used by callers (e.g. the hash index) to size on-disk layouts.
func (ins *Instance) PageSize() int {
	return ins.dev.PageSize()
}

// FlushAllPages flushes every resident page. The snapshot of ids is taken
// under the mutex; the per-page flush reacquires it.
func (ins *Instance) FlushAllPages() {
	ins.mu.Lock()
	ids := make([]PageID, 0, len(ins.pageTable))
	for id := range ins.pageTable {
		ids = append(ids, id)
	}
	ins.mu.Unlock()

	for _, id := range ids {
		ins.FlushPage(id)
	}
}
