// Package hashindex implements an on-disk extendible hash table: a
// directory page pointing at bucket pages, grown by splitting a single
// bucket and doubling the directory only when that bucket's local depth
// would otherwise exceed the global depth.
package hashindex

import "github.com/tuannm99/novasql/internal/storage"

// Key is the indexed value; the stored value is a RID, a row identifier
// pointing at a heap tuple. Both are fixed-width so directory/bucket
// layouts are static.
type Key = uint32

// RID locates a tuple: the heap page holding it and its slot within that
// page's line-pointer array (see internal/storage.Page).
type RID struct {
	PageID uint32
	Slot   uint32
}

const entrySize = 12 // Key(4) + RID.PageID(4) + RID.Slot(4)

// maxDirectorySlots is the hard ceiling on directory fan-out (global depth
// capped at 9, i.e. at most 512 directory slots), independent of page size.
const maxDirectorySlots = 512

// directoryHeaderSize is the byte offset where the local_depths array
// begins: [u32 page_id][u32 global_depth].
const directoryHeaderSize = 8

// directorySlotSize is local_depths[i] (4 bytes) + bucket_page_ids[i] (4
// bytes), stored as parallel arrays rather than interleaved.
const directorySlotSize = 8

// computeDirectoryMaxSlots returns the number of directory slots that fit
// in one page of the given size, capped at maxDirectorySlots. Production
// configurations (8KB pages) hit the cap; small pages (as used by tests
// exercising toy configurations) naturally yield a smaller fan-out.
func computeDirectoryMaxSlots(pageSize int) int {
	n := (pageSize - directoryHeaderSize) / directorySlotSize
	if n > maxDirectorySlots {
		n = maxDirectorySlots
	}
	return n
}

// computeMaxGlobalDepth returns floor(log2(maxSlots)), the highest global
// depth a directory of maxSlots slots can ever reach.
func computeMaxGlobalDepth(maxSlots int) uint32 {
	depth := uint32(0)
	for (1 << (depth + 1)) <= maxSlots {
		depth++
	}
	return depth
}

// computeBucketCapacity returns the largest number of entries a bucket page
// of the given size can hold: two bitmaps (occupied, readable) of
// ceil(cap/8) bytes each, plus cap*entrySize bytes of entries.
func computeBucketCapacity(pageSize int) int {
	cap := 1
	for {
		next := cap + 1
		if bucketPageBytes(next) > pageSize {
			break
		}
		cap = next
	}
	return cap
}

func bitmapBytes(capacity int) int {
	return (capacity + 7) / 8
}

func bucketPageBytes(capacity int) int {
	return 2*bitmapBytes(capacity) + capacity*entrySize
}

// directoryView is a thin accessor over a directory page's raw buffer.
// Every field is stored as a fixed-width little-endian-style integer via
// storage.GetU32/PutU32, matching the encoding the heap page format already
// uses (internal/storage.Page), rather than host-native byte order: Go has
// no portable primitive for "native" order without unsafe, and a fixed
// encoding is simpler and equally deterministic across platforms.
type directoryView struct {
	buf      []byte
	maxSlots int
}

func newDirectoryView(buf []byte, maxSlots int) directoryView {
	return directoryView{buf: buf, maxSlots: maxSlots}
}

func (d directoryView) PageID() uint32      { return storage.GetU32(d.buf, 0) }
func (d directoryView) SetPageID(v uint32)  { storage.PutU32(d.buf, 0, v) }
func (d directoryView) GlobalDepth() uint32 { return storage.GetU32(d.buf, 4) }
func (d directoryView) SetGlobalDepth(v uint32) {
	storage.PutU32(d.buf, 4, v)
}

func (d directoryView) localDepthOffset(slot int) int {
	return directoryHeaderSize + slot*4
}

func (d directoryView) bucketPageIDOffset(slot int) int {
	return directoryHeaderSize + d.maxSlots*4 + slot*4
}

func (d directoryView) LocalDepth(slot int) uint32 {
	return storage.GetU32(d.buf, d.localDepthOffset(slot))
}

func (d directoryView) SetLocalDepth(slot int, v uint32) {
	storage.PutU32(d.buf, d.localDepthOffset(slot), v)
}

func (d directoryView) BucketPageID(slot int) uint32 {
	return storage.GetU32(d.buf, d.bucketPageIDOffset(slot))
}

func (d directoryView) SetBucketPageID(slot int, v uint32) {
	storage.PutU32(d.buf, d.bucketPageIDOffset(slot), v)
}

// Size returns 1<<globalDepth, the number of directory slots in use.
func (d directoryView) Size() int {
	return 1 << d.GlobalDepth()
}
