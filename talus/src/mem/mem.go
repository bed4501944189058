// Package mem implements the physical page pool the frame table draws
// from. It keeps the teacher's Physmem_t free-list-of-indices technique
// (Refpg_new/_phys_new/_phys_put) but drops reference counting and
// per-CPU free-list sharding: this spec's Non-goals exclude shared or
// copy-on-write physical pages across processes, so a frame has exactly
// one owner at a time and there is no refcount to maintain, and no
// refcount contention to shard away.
package mem

import (
	"context"
	"fmt"
	"sync"

	"defs"
)

// PGSHIFT/PGSIZE are re-exported from defs so callers that only need the
// page pool don't also need to import defs for geometry constants.
const (
	PGSHIFT = defs.PGSHIFT
	PGSIZE  = defs.PGSIZE
)

// Pg_t is one physical page's backing storage.
type Pg_t [PGSIZE]uint8

// Page is a handle to one physical page on loan from a Pool. The frame
// table is the only thing that should hold one outside this package.
type Page struct {
	idx int
	pg  *Pg_t
}

// Bytes returns the page's backing storage. Writing through this slice
// is how swap-in, lazy-load, and fork-copy populate a frame.
func (p *Page) Bytes() []byte {
	return p.pg[:]
}

// Idx is the page's slot index in its pool, used as a stable key when
// the frame table needs to name a physical page (e.g. in eviction
// bookkeeping) without holding the Page itself.
func (p *Page) Idx() int {
	return p.idx
}

// Pool is a fixed-capacity arena of page buffers, handed out via a
// free list of indices exactly like the teacher's Physmem_t, minus the
// refcount and per-CPU sharding it used to scale across cores.
type Pool struct {
	mu   sync.Mutex
	pgs  []Pg_t
	free []uint32 // stack of free indices
	inuse int

	notEmpty chan struct{}
}

// NewPool allocates a pool capable of handing out `capacity` pages.
// Buffers are allocated up front, as in the teacher's Phys_init, rather
// than grown lazily — this is a teaching kernel's budget.Limits.MaxFrames,
// not a production overcommit allocator.
func NewPool(capacity int) *Pool {
	p := &Pool{
		pgs:      make([]Pg_t, capacity),
		free:     make([]uint32, capacity),
		notEmpty: make(chan struct{}, 1),
	}
	for i := range p.free {
		p.free[i] = uint32(i)
	}
	return p
}

// Cap reports the pool's total capacity.
func (p *Pool) Cap() int {
	return len(p.pgs)
}

// InUse reports how many pages are currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inuse
}

// Alloc hands out a zeroed page, or reports false if the pool is
// exhausted. It never blocks or evicts on its own — that policy lives
// in vm's frame table, which calls Alloc and falls back to eviction.
func (p *Pool) Alloc() (*Page, bool) {
	pg, ok := p.alloc()
	if !ok {
		return nil, false
	}
	for i := range pg.pg {
		pg.pg[i] = 0
	}
	return pg, true
}

// AllocNoZero is Alloc without clearing the buffer, used only by fork's
// anon/file page duplication, which immediately overwrites the whole
// page with the parent's contents anyway.
func (p *Pool) AllocNoZero() (*Page, bool) {
	return p.alloc()
}

func (p *Pool) alloc() (*Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.inuse++
	return &Page{idx: int(idx), pg: &p.pgs[idx]}, true
}

// Free returns pg to the pool.
func (p *Pool) Free(pg *Page) {
	p.mu.Lock()
	if p.inuse == 0 {
		p.mu.Unlock()
		panic(fmt.Sprintf("mem: double free of page %d", pg.idx))
	}
	p.free = append(p.free, uint32(pg.idx))
	p.inuse--
	p.mu.Unlock()

	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

// WaitForFree blocks until a page is returned to the pool or ctx is
// done, whichever happens first. The frame table uses this while an
// eviction write-back driven by another goroutine is in flight, rather
// than busy-polling Alloc.
func (p *Pool) WaitForFree(ctx context.Context) error {
	select {
	case <-p.notEmpty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
