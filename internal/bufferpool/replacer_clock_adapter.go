package bufferpool

import "github.com/tuannm99/novasql/pkg/clockx"

// clockAdapter implements Replacer over pkg/clockx's second-chance CLOCK
// policy, demonstrating that a buffer pool depends only on the Replacer
// capability (Victim/Pin/Unpin/Size), not on LRU specifically: GlobalPool
// uses this adapter side by side with the LRUReplacer used by Instance.
type clockAdapter struct {
	c *clockx.Clock
}

func newClockAdapter(capacity int) Replacer {
	return &clockAdapter{c: clockx.New(capacity)}
}

// Pin marks frameID non-evictable, removing it from the eviction set.
func (a *clockAdapter) Pin(frameID int) {
	a.c.Touch(frameID) // ensure "present" before clearing evictable
	a.c.SetEvictable(frameID, false)
}

// Unpin marks frameID recently-used and evictable, inserting it (or
// re-inserting it) into the eviction set.
func (a *clockAdapter) Unpin(frameID int) {
	a.c.Touch(frameID)
	a.c.SetEvictable(frameID, true)
}

func (a *clockAdapter) Victim() (int, bool) {
	return a.c.Evict()
}

func (a *clockAdapter) Size() int {
	return a.c.Size()
}
