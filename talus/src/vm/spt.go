package vm

import (
	"context"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"blockdev"
	"budget"
	"defs"
	"hashtable"
	"mem"
	"pt"
	"stats"
)

// Backend bundles the process-wide resources every SPT shares: the
// physical frame pool and its eviction bookkeeping, the swap device
// and its bitmap, the configured limits, and the counters bridging to
// /metrics. One Backend is constructed per kernel instance and handed
// to every task's SPT, mirroring the teacher's single global
// mem.Physmem/oommsg.OomCh instances.
type Backend struct {
	Frames *FrameTable
	Disk   blockdev.Disk
	Swap   *SwapBitmap
	Limits *budget.Limits
	Stats  *stats.VM

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewBackend wires a frame pool, swap device, and limits into a shared
// Backend. CompressSwap in limits controls whether anon pages are
// zstd-compressed on their way to swap (SPEC_FULL.md §11).
func NewBackend(pool *mem.Pool, disk blockdev.Disk, limits *budget.Limits, st *stats.VM) (*Backend, error) {
	needBytes := int64(limits.MaxSwapSlots) * int64(slotSectors) * int64(defs.SectorSize)
	if cap := disk.Capacity(); int64(cap.Size()) < needBytes {
		return nil, errors.Errorf("vm: swap device too small: have %d bytes, need %d for %d slots",
			cap.Size(), needBytes, limits.MaxSwapSlots)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "vm: zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "vm: zstd decoder")
	}
	return &Backend{
		Frames:  NewFrameTable(pool, st),
		Disk:    disk,
		Swap:    NewSwapBitmap(limits.MaxSwapSlots),
		Limits:  limits,
		Stats:   st,
		zstdEnc: enc,
		zstdDec: dec,
	}, nil
}

// SPT is the supplemental page table: a mapping from page-aligned VA
// to *Page, implemented via hashtable.Hashtable_t keyed by page
// number, grounded on the teacher's use of the same lock-free table
// for its process table (biscuit/src/hashtable). Owned by exactly one
// proc.Task.
type SPT struct {
	ht      *hashtable.Hashtable_t
	Table   pt.Table
	Backend *Backend
}

// NewSPT constructs an empty supplemental page table backed by table
// (the task's hardware page-table contract) and backend (the shared
// frame pool / swap device / limits).
func NewSPT(table pt.Table, backend *Backend) *SPT {
	return &SPT{
		ht:      hashtable.MkHash(64),
		Table:   table,
		Backend: backend,
	}
}

func pageNumber(va uintptr) int {
	return int(va >> defs.PGSHIFT)
}

// Find locates the page covering va, if any.
func (s *SPT) Find(va uintptr) (*Page, bool) {
	v, ok := s.ht.Get(pageNumber(va))
	if !ok {
		return nil, false
	}
	return v.(*Page), true
}

// Insert takes ownership of p, failing if a page already exists at
// p.VA.
func (s *SPT) Insert(p *Page) bool {
	_, inserted := s.ht.Set(pageNumber(p.VA), p)
	return inserted
}

// Remove unlinks the page at p.VA and invokes its destructor, writing
// back any dirty file bytes and releasing its frame and swap slot.
func (s *SPT) Remove(ctx context.Context, p *Page) {
	if p.Frame != nil {
		p.destroy(ctx)
		s.Backend.Frames.Release(p.Frame)
		p.Frame = nil
	} else {
		p.destroy(ctx)
	}
	s.ht.Del(pageNumber(p.VA))
}

// Size reports how many pages the table holds.
func (s *SPT) Size() int {
	return s.ht.Size()
}

// Copy duplicates every entry of s into dst, per §4.8: uninit pages
// are recreated with a deep copy of their aux bytes; anon and file
// pages are claimed in dst and have their resident bytes copied
// verbatim — this module's Open Question (a) resolution duplicates
// file-backed pages across fork rather than sharing them, matching
// the Pintos original this spec distills rather than the teacher's
// own COW-capable Vm_t. Page copies run concurrently via errgroup,
// since each is independent of the others.
func (s *SPT) Copy(ctx context.Context, dst *SPT) error {
	pairs := s.ht.Elems()
	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range pairs {
		src := pair.Value.(*Page)
		g.Go(func() error {
			return copyPageInto(gctx, src, dst)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "vm: fork copy")
	}
	if dst.Size() != s.Size() {
		return errors.Errorf("vm: fork copy size mismatch: got %d want %d", dst.Size(), s.Size())
	}
	if s.Backend.Stats != nil {
		for i := 0; i < len(pairs); i++ {
			s.Backend.Stats.ForkPagesCopied.Inc()
		}
	}
	return nil
}

func copyPageInto(ctx context.Context, src *Page, dst *SPT) error {
	src.mu.Lock()
	writable := src.Writable
	isStack := src.IsStack
	frame := src.Frame
	state := src.state
	va := src.VA
	src.mu.Unlock()

	switch u := state.(type) {
	case *uninitState:
		auxCopy := deepCopyAux(u.aux)
		if !AllocPageWithInitializer(dst, u.futureKind, va, writable, u.init, auxCopy) {
			return errors.Errorf("vm: fork copy: duplicate va %#x", va)
		}
		np, _ := dst.Find(va)
		np.IsStack = isStack
		return nil

	default:
		// KindAnon or KindFile: allocate a page of the matching future
		// kind, claim a frame for it, then overwrite its bytes with the
		// source frame's contents — an anon-like copy for both kinds,
		// matching the reference implementation (§4.8).
		var kind Kind
		var aux interface{}
		var init InitFunc
		switch s := state.(type) {
		case *anonState:
			kind = KindAnon
			init = AnonZeroInit
		case *fileState:
			kind = KindFile
			init = fileCopyInit
			if frame == nil {
				init = fileLazyInit
			}
			aux = &fileInitAux{
				file:             s.file,
				offset:           s.offset,
				readBytes:        s.readBytes,
				totalMappingSize: s.totalMappingSize,
			}
		default:
			return errors.Errorf("vm: fork copy: unexpected kind %v", state.kind())
		}
		if !AllocPageWithInitializer(dst, kind, va, writable, init, aux) {
			return errors.Errorf("vm: fork copy: duplicate va %#x", va)
		}
		np, _ := dst.Find(va)
		np.IsStack = isStack
		if frame == nil {
			// source isn't resident: an evicted anon page is copied from its
			// swap slot; an evicted file page loads lazily from its file.
			a, ok := state.(*anonState)
			if !ok || !a.slot.valid {
				return nil
			}
			payload, err := readSwapSlot(ctx, src.spt.Backend, a.slot.idx)
			if err != nil {
				return err
			}
			if err := ClaimNoZero(ctx, np); err != nil {
				return err
			}
			copy(np.Frame.KVA, payload)
			return nil
		}
		if err := ClaimNoZero(ctx, np); err != nil {
			return err
		}
		copy(np.Frame.KVA, frame.KVA)
		return nil
	}
}

func deepCopyAux(aux interface{}) interface{} {
	switch a := aux.(type) {
	case *fileInitAux:
		cp := *a
		return &cp
	default:
		return aux
	}
}

// Kill destroys every page in the table — writing back dirty file
// bytes, freeing frames and swap slots — then releases the table
// itself. Called on process exit (proc.Task.Kill).
func (s *SPT) Kill(ctx context.Context) {
	for _, pair := range s.ht.Elems() {
		p := pair.Value.(*Page)
		s.Remove(ctx, p)
	}
}
