package vm

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"caller"
	"defs"
	"mem"
	"oommsg"
	"pt"
	"stats"
)

// distinctOOMStall dedupes the stderr diagnostic for repeated
// allocation stalls taken from the same call chain.
var distinctOOMStall = caller.Distinct_caller_t{Enabled: true}

// oomBackoff is how long GetFrame waits after signaling oommsg.OomCh
// before retrying allocation, mirroring the teacher's OomCh consumer
// pattern in its scheduler: a bounded wait, not a busy spin.
const oomBackoff = 2 * time.Millisecond

// Frame is a physical page on loan to at most one Page at a time,
// grounded on the teacher's Vm_t/Page_insert cross-link between a
// virtual mapping and its backing physical page, but expressed as two
// one-directional back-pointers (Frame.Owner, Page.Frame) with single
// ownership instead of the teacher's refcounted Pa_t, per this
// module's redesign of the cyclic page/frame link (Design Notes §9).
type Frame struct {
	page *mem.Page
	KVA  []byte

	Owner *Page
	Table pt.Table
	VA    uintptr

	pinned int32
	elem   *list.Element
}

// Pin prevents the frame table from selecting f as an eviction victim
// while I/O against it is in flight.
func (f *Frame) Pin() { atomic.AddInt32(&f.pinned, 1) }

// Unpin reverses a prior Pin.
func (f *Frame) Unpin() { atomic.AddInt32(&f.pinned, -1) }

func (f *Frame) isPinned() bool { return atomic.LoadInt32(&f.pinned) != 0 }

// FrameTable is the process-wide registry of live frames, grounded on
// the teacher's Physmem_t allocator plus a clock-hand list for the
// second-chance eviction scan spec §4.5 calls for (biscuit's own
// allocator has no eviction policy at all — frames there are never
// reclaimed under pressure, so the scan itself is new, modeled after
// the generic clock algorithm the distilled spec names).
type FrameTable struct {
	mu    sync.Mutex
	pool  *mem.Pool
	list  *list.List
	stats *stats.VM
	hand  *list.Element
}

// NewFrameTable wraps pool with eviction bookkeeping.
func NewFrameTable(pool *mem.Pool, st *stats.VM) *FrameTable {
	return &FrameTable{pool: pool, list: list.New(), stats: st}
}

// GetFrame returns a frame backed by a zeroed physical page, evicting
// under pressure and never panicking on pool exhaustion alone (the
// redesign in §11: only simultaneous eviction-and-swap exhaustion is
// fatal). It retries with a bounded backoff after signaling
// oommsg.OomCh, the same low-memory notification channel the teacher
// kernel's scheduler watches.
func (ft *FrameTable) GetFrame(ctx context.Context) (*Frame, error) {
	return ft.getFrame(ctx, false)
}

// GetFrameNoZero is GetFrame for a caller that is about to overwrite the
// whole page itself — fork's anon/file page duplication in spt.go's
// copyPageInto, which copies the parent frame's bytes in immediately
// after claiming. Skipping the zero-fill only applies to the fast path;
// a frame recycled through eviction is still zeroed there; see mem.Pool's
// AllocNoZero doc comment.
func (ft *FrameTable) GetFrameNoZero(ctx context.Context) (*Frame, error) {
	return ft.getFrame(ctx, true)
}

func (ft *FrameTable) getFrame(ctx context.Context, noZero bool) (*Frame, error) {
	for {
		alloc := ft.pool.Alloc
		if noZero {
			alloc = ft.pool.AllocNoZero
		}
		if pg, ok := alloc(); ok {
			f := &Frame{page: pg, KVA: pg.Bytes()}
			ft.mu.Lock()
			f.elem = ft.list.PushBack(f)
			ft.mu.Unlock()
			return f, nil
		}

		f, err := ft.EvictFrame(ctx)
		if err == nil {
			return f, nil
		}
		if swapExhausted(err) {
			// The pool is empty, there's a victim, and the victim can't
			// be written out because the swap device itself is full:
			// retrying buys nothing, so this is the one case §11's
			// redesign still treats as fatal rather than a backoff-and-
			// retry stall.
			panic(errors.Wrap(err, "vm: frame pool and swap device both exhausted"))
		}

		select {
		case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1, Resume: make(chan bool, 1)}:
		default:
		}
		if ft.stats != nil {
			ft.stats.OomStalls.Inc()
		}
		if first, trace := distinctOOMStall.Distinct(); first {
			fmt.Fprintf(os.Stderr, "vm: first occurrence of allocation stall from:\n%s", trace)
		}
		select {
		case <-time.After(oomBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// swapExhausted reports whether err's root cause is the swap device
// having no free slots left — the one sub-case of eviction failure
// that no amount of waiting will fix, as opposed to every frame being
// transiently pinned for in-flight I/O.
func swapExhausted(err error) bool {
	coded, ok := errors.Cause(err).(*defs.CodedError)
	return ok && coded.Code == defs.ENOSPC
}

// Release returns f's physical page to the pool and drops it from the
// eviction list. Used to unwind a frame that failed to bind to a page.
func (ft *FrameTable) Release(f *Frame) {
	ft.mu.Lock()
	if f.elem != nil {
		ft.list.Remove(f.elem)
		f.elem = nil
	}
	ft.mu.Unlock()
	ft.pool.Free(f.page)
}

// GetVictim selects a frame to evict using a second-chance scan over
// the global frame list: pinned frames are skipped, and a frame whose
// hardware accessed bit is set is given one more lap (its bit cleared)
// instead of being evicted immediately.
func (ft *FrameTable) GetVictim() (*Frame, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.list.Len() == 0 {
		return nil, false
	}
	if ft.hand == nil {
		ft.hand = ft.list.Front()
	}

	start := ft.hand
	e := start
	for i := 0; i < 2*ft.list.Len()+1; i++ {
		f := e.Value.(*Frame)
		if !f.isPinned() {
			if f.Table != nil && f.Table.Accessed(f.VA) {
				f.Table.ClearAccessed(f.VA)
			} else {
				ft.hand = e.Next()
				if ft.hand == nil {
					ft.hand = ft.list.Front()
				}
				return f, true
			}
		}
		e = e.Next()
		if e == nil {
			e = ft.list.Front()
		}
	}
	return nil, false
}

// EvictFrame picks a victim via GetVictim, swaps its owning page out,
// and returns the now-unbound frame for the caller to bind to a new
// page — reusing the physical page directly instead of freeing it
// back to the pool and immediately reallocating it.
func (ft *FrameTable) EvictFrame(ctx context.Context) (*Frame, error) {
	victim, ok := ft.GetVictim()
	if !ok {
		return nil, errors.New("vm: no evictable frame (all frames pinned)")
	}

	victim.Pin()
	owner := victim.Owner
	err := owner.swapOut(ctx)
	victim.Unpin()
	if err != nil {
		return nil, errors.Wrap(err, "vm: evict")
	}

	owner.mu.Lock()
	owner.Frame = nil
	owner.mu.Unlock()

	victim.Owner = nil
	victim.Table = nil
	victim.VA = 0
	for i := range victim.KVA {
		victim.KVA[i] = 0
	}

	if ft.stats != nil {
		ft.stats.Evictions.Inc()
	}
	return victim, nil
}
