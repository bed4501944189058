// Package vm implements the supplemental page table: the uninit →
// anon/file page state machine, the frame table and its eviction
// policy, the fault handler, stack growth, memory-mapping, and
// fork-time SPT duplication. It is grounded on the teacher's Vm_t
// (biscuit/src/vm/as.go) for locking discipline and the overall shape
// of a fault handler bolted onto a lock-free hash table, but replaces
// the teacher's copy-on-write/shared-anon semantics (Non-goals exclude
// shared physical pages) with the uninit/anon/file, no-COW model this
// specification calls for.
package vm

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"defs"
	"pt"
)

// Kind tags which state a Page is currently in.
type Kind int

const (
	KindUninit Kind = iota
	KindAnon
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindUninit:
		return "uninit"
	case KindAnon:
		return "anon"
	case KindFile:
		return "file"
	default:
		return "Kind(?)"
	}
}

// InitFunc populates a freshly materialized page's bytes, given the
// aux data recorded at AllocPageWithInitializer time. Implementations
// live alongside the page kind they populate (AnonZeroInit, the lazy
// file loader built by DoMmap).
type InitFunc func(ctx context.Context, p *Page, aux interface{}) error

// pageState is the per-kind behavior a Page delegates to: how it's
// populated on first materialization, how it's written out when
// evicted, and how its resources are released. The three
// implementations (uninitState, anonState, fileState) are exactly the
// three states SPEC_FULL.md's data model names.
type pageState interface {
	kind() Kind
	swapIn(ctx context.Context, p *Page) error
	swapOut(ctx context.Context, p *Page) error
	destroy(ctx context.Context, p *Page)
}

// Page is exclusively owned by one SPT at a time. Writable is a
// standalone field rather than bits packed into the VA — the
// teacher's Pa_t carries PTE_W alongside the physical address in the
// same machine word, which this module's redesign (§9) deliberately
// does not imitate, since nothing here needs a PTE-shaped integer.
type Page struct {
	mu       sync.Mutex
	VA       uintptr
	Writable bool
	IsStack  bool

	Frame *Frame
	state pageState

	spt *SPT
}

// Kind reports the page's current state.
func (p *Page) Kind() Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.kind()
}

func (p *Page) swapIn(ctx context.Context) error {
	return p.state.swapIn(ctx, p)
}

func (p *Page) swapOut(ctx context.Context) error {
	return p.state.swapOut(ctx, p)
}

func (p *Page) destroy(ctx context.Context) {
	p.state.destroy(ctx, p)
}

// ---- uninit ----

type uninitState struct {
	futureKind Kind
	init       InitFunc
	aux        interface{}
}

func (u *uninitState) kind() Kind { return KindUninit }

// swapIn materializes the page: switch its state to the zero-value
// target kind, then run the recorded initializer to populate bytes
// (spec §4.2's three-step binding: frame, kind, contents — binding the
// frame itself already happened in Claim before this is called).
func (u *uninitState) swapIn(ctx context.Context, p *Page) error {
	switch u.futureKind {
	case KindAnon:
		p.state = &anonState{}
	case KindFile:
		p.state = &fileState{}
	default:
		return errors.Errorf("vm: uninit page has invalid future kind %v", u.futureKind)
	}
	if u.init != nil {
		if err := u.init(ctx, p, u.aux); err != nil {
			p.state = u
			return err
		}
	}
	return nil
}

func (u *uninitState) swapOut(ctx context.Context, p *Page) error {
	return errors.New("vm: uninit page has no frame to swap out")
}

func (u *uninitState) destroy(ctx context.Context, p *Page) {
	if c, ok := u.aux.(interface{ Destroy() }); ok {
		c.Destroy()
	}
	if u.futureKind == KindAnon {
		p.spt.Backend.Limits.UncommitAnon(int64(defs.PGSIZE))
	}
}

// AnonZeroInit leaves a freshly claimed frame as-is: GetFrame already
// hands out zeroed pages, so a private anonymous page (the teaching
// kernel's lazy stack growth, or any anonymous mmap) needs nothing
// more on first materialization.
func AnonZeroInit(ctx context.Context, p *Page, aux interface{}) error {
	return nil
}

// ---- anon ----

type anonState struct {
	slot SwapSlot
}

func (a *anonState) kind() Kind { return KindAnon }

// swapIn loads the page back in from its swap slot if it has one
// (a page materializing for the first time has none — its frame is
// already the zero page GetFrame produced).
func (a *anonState) swapIn(ctx context.Context, p *Page) error {
	if !a.slot.valid {
		return nil
	}
	be := p.spt.Backend
	payload, err := readSwapSlot(ctx, be, a.slot.idx)
	if err != nil {
		return errors.Wrap(err, "vm: anon swap-in")
	}
	copy(p.Frame.KVA, payload)
	be.Swap.Free(a.slot.idx)
	a.slot = SwapSlot{}
	be.Stats.SwapIns.Inc()
	return nil
}

// swapOut writes the frame's bytes to a freshly allocated swap slot
// and unmaps the page's VA. Per §4.3, failure to find a free slot is
// reported to the caller rather than panicking — the frame table
// surfaces it as a fatal allocation error only once eviction itself is
// exhausted (§9's redesign of panic-on-pool-exhaustion).
func (a *anonState) swapOut(ctx context.Context, p *Page) error {
	be := p.spt.Backend
	slotIdx, ok := be.Swap.Alloc()
	if !ok {
		return defs.NewCodedError(defs.ENOSPC, "vm: swap device exhausted")
	}
	if err := writeSwapSlot(ctx, be, slotIdx, p.Frame.KVA); err != nil {
		be.Swap.Free(slotIdx)
		return errors.Wrap(err, "vm: anon swap-out")
	}
	a.slot = SwapSlot{valid: true, idx: slotIdx}
	p.spt.Table.Unmap(p.VA)
	be.Stats.SwapOuts.Inc()
	return nil
}

func (a *anonState) destroy(ctx context.Context, p *Page) {
	if a.slot.valid {
		p.spt.Backend.Swap.Free(a.slot.idx)
		a.slot = SwapSlot{}
	}
	p.spt.Backend.Limits.UncommitAnon(int64(defs.PGSIZE))
}

// ---- file ----

// fileInitAux is the aux record DoMmap attaches to each lazily loaded
// file-backed page it creates.
type fileInitAux struct {
	file             interface{ ReadAt([]byte, int64) (int, error) }
	offset           int64
	readBytes        int
	totalMappingSize int
}

type fileState struct {
	file             vfileReader
	offset           int64
	readBytes        int
	totalMappingSize int
}

// vfileReader is the subset of vfile.File a resident file-backed page
// needs to write itself back; kept narrow so page.go doesn't need to
// import vfile just to name the concrete type.
type vfileReader interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

func (f *fileState) kind() Kind { return KindFile }

func (f *fileState) swapIn(ctx context.Context, p *Page) error {
	if f.file == nil {
		return nil
	}
	n, err := f.file.ReadAt(p.Frame.KVA[:f.readBytes], f.offset)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "vm: file swap-in")
	}
	_ = n
	return nil
}

// swapOut writes the frame back to the file only if the page's user VA
// is dirty, per §4.4's write-back-if-dirty policy, then always unmaps
// the VA. Only the user VA's dirty bit is consulted; writes made through
// the frame's kernel slice (KVA) alone do not mark the page dirty.
func (f *fileState) swapOut(ctx context.Context, p *Page) error {
	table := p.spt.Table
	dirty := table.Dirty(p.VA)
	if dirty {
		if _, err := f.file.WriteAt(p.Frame.KVA[:f.readBytes], f.offset); err != nil {
			return errors.Wrap(err, "vm: file write-back")
		}
		table.ClearDirty(p.VA)
		p.spt.Backend.Stats.FileWritebacks.Inc()
	}
	table.Unmap(p.VA)
	return nil
}

func (f *fileState) destroy(ctx context.Context, p *Page) {
	if p.Frame != nil {
		f.swapOut(ctx, p)
	}
}

// fileLazyInit installs file identity onto the page's now-fileState
// and performs the first read, populating the state fields swapOut
// needs for later write-back.
func fileLazyInit(ctx context.Context, p *Page, aux interface{}) error {
	fa, ok := aux.(*fileInitAux)
	if !ok {
		return errors.New("vm: file page initializer given wrong aux type")
	}
	fs, ok := p.state.(*fileState)
	if !ok {
		return errors.New("vm: file page initializer called on non-file state")
	}
	file, ok := fa.file.(vfileReader)
	if !ok {
		return errors.New("vm: file aux does not implement vfileReader")
	}
	fs.file = file
	fs.offset = fa.offset
	fs.readBytes = fa.readBytes
	fs.totalMappingSize = fa.totalMappingSize
	return fs.swapIn(ctx, p)
}

// fileCopyInit is fileLazyInit for fork copy: it installs the same
// file identity onto the child's fileState but skips the initial read,
// since copyPageInto immediately overwrites the claimed frame with the
// parent's bytes right afterward.
func fileCopyInit(ctx context.Context, p *Page, aux interface{}) error {
	fa, ok := aux.(*fileInitAux)
	if !ok {
		return errors.New("vm: file page initializer given wrong aux type")
	}
	fs, ok := p.state.(*fileState)
	if !ok {
		return errors.New("vm: file page initializer called on non-file state")
	}
	file, ok := fa.file.(vfileReader)
	if !ok {
		return errors.New("vm: file aux does not implement vfileReader")
	}
	fs.file = file
	fs.offset = fa.offset
	fs.readBytes = fa.readBytes
	fs.totalMappingSize = fa.totalMappingSize
	return nil
}

// AllocPageWithInitializer creates a KindUninit page remembering its
// eventual kind and how to populate it, and inserts it into spt. No
// frame is allocated until the page is claimed (spec §4.2).
func AllocPageWithInitializer(spt *SPT, kind Kind, upage uintptr, writable bool, init InitFunc, aux interface{}) bool {
	if kind == KindUninit {
		panic("vm: AllocPageWithInitializer given KindUninit")
	}
	if _, exists := spt.Find(upage); exists {
		return false
	}
	if kind == KindAnon {
		if !spt.Backend.Limits.CommitAnon(int64(defs.PGSIZE)) {
			return false
		}
	}
	p := &Page{
		VA:       upage,
		Writable: writable,
		spt:      spt,
		state:    &uninitState{futureKind: kind, init: init, aux: aux},
	}
	if !spt.Insert(p) {
		if kind == KindAnon {
			spt.Backend.Limits.UncommitAnon(int64(defs.PGSIZE))
		}
		return false
	}
	return true
}

// Claim binds page to a frame, installs the hardware mapping, and
// populates its contents via the current state's swapIn. Any failure
// unwinds cleanly, leaving page unclaimed (spec §4.6).
func Claim(ctx context.Context, page *Page) error {
	return claim(ctx, page, false)
}

// ClaimNoZero is Claim for fork's anon/file page duplication
// (spt.go's copyPageInto), which claims the child page only to
// immediately overwrite the whole frame with the parent's bytes.
func ClaimNoZero(ctx context.Context, page *Page) error {
	return claim(ctx, page, true)
}

func claim(ctx context.Context, page *Page, noZero bool) error {
	page.mu.Lock()
	if page.Frame != nil {
		page.mu.Unlock()
		return errors.New("vm: page already claimed")
	}
	page.mu.Unlock()

	if _, _, present := page.spt.Table.Lookup(page.VA); present {
		return errors.New("vm: va already mapped")
	}

	getFrame := page.spt.Backend.Frames.GetFrame
	if noZero {
		getFrame = page.spt.Backend.Frames.GetFrameNoZero
	}
	frame, err := getFrame(ctx)
	if err != nil {
		return errors.Wrap(err, "vm: claim")
	}
	frame.Owner = page
	frame.Table = page.spt.Table
	frame.VA = page.VA

	page.mu.Lock()
	page.Frame = frame
	page.mu.Unlock()

	flags := pt.FlagUser | pt.FlagPresent
	if page.Writable {
		flags |= pt.FlagWritable
	}
	page.spt.Table.Map(page.VA, uintptr(framePseudoAddr(frame)), flags)

	if err := page.swapIn(ctx); err != nil {
		page.spt.Table.Unmap(page.VA)
		page.mu.Lock()
		page.Frame = nil
		page.mu.Unlock()
		frame.Owner = nil
		frame.Table = nil
		page.spt.Backend.Frames.Release(frame)
		return errors.Wrap(err, "vm: claim")
	}
	return nil
}

// framePseudoAddr gives a frame a stable, distinct integer to record in
// a pt.Table mapping. There is no real physical address in this
// module (no hardware page table is driven) so the physical page's
// pool slot index stands in for one, exactly as far as pt.Table's
// contract requires: a value that round-trips through Lookup.
func framePseudoAddr(f *Frame) uintptr {
	return uintptr(f.page.Idx()+1) << defs.PGSHIFT
}
