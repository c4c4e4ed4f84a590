package tunnel

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolExhausted is returned by alloc when every slot is in use.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	errStaleHandle   = errors.New("stale pool handle")
)

// Handle names a pooled record. The generation lets late events for a
// recycled slot be told apart from events for its current occupant.
type Handle struct {
	slot int32
	gen  uint32
}

// NoHandle is the zero peer link.
var NoHandle = Handle{slot: -1}

func (h Handle) Valid() bool {
	return h.slot >= 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.slot, h.gen)
}

// pool is a fixed-capacity slab of records. Records and their buffers
// are allocated once up front; alloc and free recycle slots through a
// free list. All methods are safe for concurrent use, though only the
// owning worker mutates record contents.
type pool struct {
	mu      sync.Mutex
	records []*record
	free    []int32
}

func newPool(capacity, bufferSize int) *pool {
	p := &pool{
		records: make([]*record, capacity),
		free:    make([]int32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.records[i] = &record{
			buf:  make([]byte, bufferSize),
			peer: NoHandle,
		}
		p.free = append(p.free, int32(i))
	}
	return p
}

func (p *pool) alloc() (*record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	rec := p.records[slot]
	rec.allocated = true
	rec.handle = Handle{slot: slot, gen: rec.gen}
	return rec, nil
}

func (p *pool) release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.slot < 0 || int(h.slot) >= len(p.records) {
		return fmt.Errorf("release slot %d: %w", h.slot, errStaleHandle)
	}
	rec := p.records[h.slot]
	if !rec.allocated || rec.gen != h.gen {
		return fmt.Errorf("release slot %d gen %d: %w", h.slot, h.gen, errStaleHandle)
	}
	rec.allocated = false
	rec.gen++
	p.free = append(p.free, h.slot)
	return nil
}

// get returns the record named by h, or nil when h is stale.
func (p *pool) get(h Handle) *record {
	if h.slot < 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(h.slot) >= len(p.records) {
		return nil
	}
	rec := p.records[h.slot]
	if !rec.allocated || rec.gen != h.gen {
		return nil
	}
	return rec
}

// active snapshots the currently allocated records.
func (p *pool) active() []*record {
	p.mu.Lock()
	defer p.mu.Unlock()
	recs := make([]*record, 0, len(p.records)-len(p.free))
	for _, rec := range p.records {
		if rec.allocated {
			recs = append(recs, rec)
		}
	}
	return recs
}

func (p *pool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records) - len(p.free)
}

func (p *pool) empty() bool {
	return p.count() == 0
}
