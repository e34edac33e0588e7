package bufferpool

import (
	"sync"

	"github.com/tuannm99/novasql/internal/storage"
)

// ParallelPool holds N buffer-pool instances sharded by page id modulo N
// (spec §4.3). FetchPage/UnpinPage/FlushPage/DeletePage route by
// page_id mod N so that per-instance mutexes never contend across shards;
// NewPage starts at a rotating cursor and tries each shard in turn.
type ParallelPool struct {
	instances []*Instance

	mu     sync.Mutex
	cursor int
}

// NewParallelPool builds one Instance per block device in devs, each of
// the given per-instance frame capacity. len(devs) is the shard count N.
func NewParallelPool(devs []storage.BlockDevice, perInstanceCapacity int) *ParallelPool {
	n := len(devs)
	instances := make([]*Instance, n)
	for i, dev := range devs {
		instances[i] = NewInstance(dev, perInstanceCapacity, i, n)
	}
	return &ParallelPool{instances: instances}
}

func (p *ParallelPool) NumShards() int {
	return len(p.instances)
}

// PageSize returns the page size shared by every shard's block device.
func (p *ParallelPool) PageSize() int {
	return p.instances[0].PageSize()
}

func (p *ParallelPool) shardFor(id PageID) *Instance {
	return p.instances[int(id)%len(p.instances)]
}

// NewPage starts at the rotating cursor and tries each shard until one
// succeeds; the cursor advances on every call, success or failure, to
// spread allocation. Returns ErrNoFreeFrame only if every shard is full.
func (p *ParallelPool) NewPage() (*InstanceFrame, PageID, error) {
	p.mu.Lock()
	start := p.cursor
	n := len(p.instances)
	p.cursor = (p.cursor + 1) % n
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		shard := (start + i) % n
		f, id, err := p.instances[shard].NewPage()
		if err == nil {
			return f, id, nil
		}
	}
	return nil, InvalidPageID, ErrNoFreeFrame
}

func (p *ParallelPool) FetchPage(id PageID) (*InstanceFrame, error) {
	return p.shardFor(id).FetchPage(id)
}

func (p *ParallelPool) UnpinPage(id PageID, dirty bool) bool {
	return p.shardFor(id).UnpinPage(id, dirty)
}

func (p *ParallelPool) DeletePage(id PageID) bool {
	return p.shardFor(id).DeletePage(id)
}

func (p *ParallelPool) FlushPage(id PageID) bool {
	return p.shardFor(id).FlushPage(id)
}

func (p *ParallelPool) FlushAllPages() {
	for _, ins := range p.instances {
		ins.FlushAllPages()
	}
}
