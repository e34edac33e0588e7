package hashindex

import "github.com/tuannm99/novasql/internal/storage"

// bucketView is a thin accessor over a bucket page's raw buffer: an
// occupied bitmap, a readable bitmap (tombstoned slots left by Remove are
// occupied and not readable), and a flat entries array. Lookups scan every
// slot and consult only the readable bit; the occupied bit is written but
// no read path in this package uses it.
type bucketView struct {
	buf      []byte
	capacity int
}

func newBucketView(buf []byte, capacity int) bucketView {
	return bucketView{buf: buf, capacity: capacity}
}

func (b bucketView) occupiedOffset(i int) (byteOff int, bit uint) {
	return i / 8, uint(i % 8)
}

func (b bucketView) readableBitmapBase() int {
	return bitmapBytes(b.capacity)
}

func (b bucketView) entriesBase() int {
	return 2 * bitmapBytes(b.capacity)
}

func (b bucketView) IsOccupied(i int) bool {
	byteOff, bit := b.occupiedOffset(i)
	return b.buf[byteOff]&(1<<bit) != 0
}

func (b bucketView) setOccupied(i int, v bool) {
	byteOff, bit := b.occupiedOffset(i)
	if v {
		b.buf[byteOff] |= 1 << bit
	} else {
		b.buf[byteOff] &^= 1 << bit
	}
}

func (b bucketView) IsReadable(i int) bool {
	byteOff, bit := b.occupiedOffset(i)
	return b.buf[b.readableBitmapBase()+byteOff]&(1<<bit) != 0
}

func (b bucketView) setReadable(i int, v bool) {
	byteOff, bit := b.occupiedOffset(i)
	off := b.readableBitmapBase() + byteOff
	if v {
		b.buf[off] |= 1 << bit
	} else {
		b.buf[off] &^= 1 << bit
	}
}

func (b bucketView) entryOffset(i int) int {
	return b.entriesBase() + i*entrySize
}

func (b bucketView) KeyAt(i int) Key {
	return storage.GetU32(b.buf, b.entryOffset(i))
}

func (b bucketView) ValueAt(i int) RID {
	off := b.entryOffset(i)
	return RID{
		PageID: storage.GetU32(b.buf, off+4),
		Slot:   storage.GetU32(b.buf, off+8),
	}
}

func (b bucketView) setEntry(i int, key Key, v RID) {
	off := b.entryOffset(i)
	storage.PutU32(b.buf, off, key)
	storage.PutU32(b.buf, off+4, v.PageID)
	storage.PutU32(b.buf, off+8, v.Slot)
}

// NumReadable counts live (occupied and readable) entries.
func (b bucketView) NumReadable() int {
	n := 0
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) {
			n++
		}
	}
	return n
}

// IsFull reports whether every slot holds a live entry. Tombstoned slots
// (occupied but not readable) still count as free, so a fill-remove-insert
// churn never forces a split on account of stale occupied bits.
func (b bucketView) IsFull() bool {
	return b.NumReadable() == b.capacity
}

// IsEmpty reports whether no slot holds a live entry.
func (b bucketView) IsEmpty() bool {
	return b.NumReadable() == 0
}

// Find scans for key, appending every matching live entry's value to out.
func (b bucketView) Find(key Key, out []RID) []RID {
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && b.KeyAt(i) == key {
			out = append(out, b.ValueAt(i))
		}
	}
	return out
}

// Contains reports whether (key, value) is present and readable.
func (b bucketView) Contains(key Key, value RID) bool {
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && b.KeyAt(i) == key && b.ValueAt(i) == value {
			return true
		}
	}
	return false
}

// Insert places (key, value) in the first slot that is not readable,
// reusing a tombstoned slot left by a prior Remove before falling back to
// a never-occupied one. Returns false if the bucket is full or the pair is
// already present.
func (b bucketView) Insert(key Key, value RID) bool {
	if b.Contains(key, value) {
		return false
	}
	for i := 0; i < b.capacity; i++ {
		if !b.IsReadable(i) {
			b.setOccupied(i, true)
			b.setReadable(i, true)
			b.setEntry(i, key, value)
			return true
		}
	}
	return false
}

// Remove tombstones (key, value): occupied stays set, readable clears.
func (b bucketView) Remove(key Key, value RID) bool {
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && b.KeyAt(i) == key && b.ValueAt(i) == value {
			b.setReadable(i, false)
			return true
		}
	}
	return false
}

// RemoveAt clears slot i entirely (both bitmaps). Split and Merge do not
// call it: split rebuilds a bucket with Clear, and merge discards the
// emptied bucket page.
func (b bucketView) RemoveAt(i int) {
	b.setOccupied(i, false)
	b.setReadable(i, false)
}

// All returns every live (key, value) pair, for redistribution during a
// split and for VerifyIntegrity.
func (b bucketView) All() []struct {
	Key   Key
	Value RID
} {
	out := make([]struct {
		Key   Key
		Value RID
	}, 0, b.capacity)
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) {
			out = append(out, struct {
				Key   Key
				Value RID
			}{b.KeyAt(i), b.ValueAt(i)})
		}
	}
	return out
}

// Clear resets every slot to empty.
func (b bucketView) Clear() {
	for i := range b.buf {
		b.buf[i] = 0
	}
}
