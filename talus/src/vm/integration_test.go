package vm

import (
	"context"
	"strings"
	"testing"

	"blockdev"
	"budget"
	"defs"
	"mem"
	"pt"
	"stats"
	"vfile"
)

func newTestBackend(t *testing.T, frames, swapSlots int) *Backend {
	t.Helper()
	pool := mem.NewPool(frames)
	disk := blockdev.NewMemDisk(int64(swapSlots) * int64(slotSectors))
	limits := budget.NewLimits(frames, swapSlots, 1<<30, false)
	be, err := NewBackend(pool, disk, limits, stats.NewVM())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return be
}

func TestClaimTriggersEvictionAndSwapRoundTrip(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 2, 4)
	spt := NewSPT(pt.NewMapTable(), be)

	vas := []uintptr{0x1000, 0x2000, 0x3000}
	for _, va := range vas {
		if !AllocPageWithInitializer(spt, KindAnon, va, true, AnonZeroInit, nil) {
			t.Fatalf("alloc va %#x failed", va)
		}
	}

	p1, _ := spt.Find(vas[0])
	if err := Claim(ctx, p1); err != nil {
		t.Fatalf("claim p1: %v", err)
	}
	copy(p1.Frame.KVA, []byte("page-one-contents"))

	p2, _ := spt.Find(vas[1])
	if err := Claim(ctx, p2); err != nil {
		t.Fatalf("claim p2: %v", err)
	}

	p3, _ := spt.Find(vas[2])
	if err := Claim(ctx, p3); err != nil {
		t.Fatalf("claim p3 (expected to evict someone): %v", err)
	}

	if be.Stats.Evictions.Get() == 0 {
		t.Fatal("claiming a third page into a 2-frame pool recorded no eviction")
	}
	if p1.Frame != nil {
		t.Fatal("expected p1 (front of the clock list, never accessed) to be the evicted victim")
	}

	if err := Claim(ctx, p1); err != nil {
		t.Fatalf("reclaim p1 after eviction: %v", err)
	}
	if got := string(p1.Frame.KVA[:17]); got != "page-one-contents" {
		t.Fatalf("swap round trip corrupted data: %q", got)
	}
	if be.Stats.SwapIns.Get() == 0 {
		t.Fatal("reclaiming an evicted anon page recorded no swap-in")
	}
}

func TestClaimRejectsDoubleClaim(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 2, 2)
	spt := NewSPT(pt.NewMapTable(), be)
	AllocPageWithInitializer(spt, KindAnon, 0x1000, true, AnonZeroInit, nil)
	p, _ := spt.Find(0x1000)
	if err := Claim(ctx, p); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := Claim(ctx, p); err == nil {
		t.Fatal("expected error claiming an already-resident page")
	}
}

func TestHandleFaultClaimsLazyPage(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 4, 4)
	spt := NewSPT(pt.NewMapTable(), be)
	AllocPageWithInitializer(spt, KindAnon, 0x4000, true, AnonZeroInit, nil)

	stackBottom := uintptr(0x7fff0000)
	if err := HandleFault(ctx, spt, 0x4000, false, false, stackBottom, &stackBottom, stackBottom-StackCap); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	p, _ := spt.Find(0x4000)
	if p.Frame == nil {
		t.Fatal("HandleFault did not claim the page")
	}
}

func TestHandleFaultKernelAddressIllegal(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 2, 2)
	spt := NewSPT(pt.NewMapTable(), be)
	stackBottom := uintptr(0x7fff0000)
	err := HandleFault(ctx, spt, defs.UserMax, false, false, stackBottom, &stackBottom, stackBottom-StackCap)
	if err == nil {
		t.Fatal("expected kernel-space fault to be illegal")
	}
	coded, ok := err.(*defs.CodedError)
	if !ok {
		t.Fatalf("expected *defs.CodedError, got %T", err)
	}
	if coded.Code != defs.EFAULT {
		t.Fatalf("Code = %v, want EFAULT", coded.Code)
	}
}

func TestIllegalFaultDecodesInstructionWhenAvailable(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 2, 2)
	spt := NewSPT(pt.NewMapTable(), be)
	stackBottom := uintptr(0x7fff0000)

	// mov rax, [rax] — a real, decodable x86-64 instruction, standing
	// in for bytes a trap handler would have read off the faulting
	// task's code segment.
	movRaxDerefRax := []byte{0x48, 0x8b, 0x00}
	InstructionBytesAt = func(pc uintptr) []byte { return movRaxDerefRax }
	defer func() { InstructionBytesAt = nil }()

	err := HandleFault(ctx, spt, defs.UserMax, false, false, stackBottom, &stackBottom, stackBottom-StackCap)
	if err == nil {
		t.Fatal("expected kernel-space fault to be illegal")
	}
	if !strings.Contains(err.Error(), "(instr:") {
		t.Fatalf("expected diagnostic to include a decoded instruction, got %q", err.Error())
	}
}

func TestHandleFaultGrowsStack(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 8, 8)
	spt := NewSPT(pt.NewMapTable(), be)

	stackBottom := uintptr(0x70000000)
	faultAddr := stackBottom - uintptr(defs.PGSIZE)
	rsp := faultAddr // simulates an access landing exactly at the fault address

	if err := HandleFault(ctx, spt, faultAddr, false, true, rsp, &stackBottom, stackBottom-StackCap); err != nil {
		t.Fatalf("HandleFault stack growth: %v", err)
	}
	if stackBottom != faultAddr {
		t.Fatalf("stack bottom = %#x, want %#x", stackBottom, faultAddr)
	}
	if _, ok := spt.Find(faultAddr); !ok {
		t.Fatal("stack growth did not install a page at the faulting address")
	}
}

func TestHandleFaultRefusesPastStackCap(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 8, 8)
	spt := NewSPT(pt.NewMapTable(), be)

	stackBottom := uintptr(0x70000000)
	limit := stackBottom - StackCap
	faultAddr := limit - uintptr(defs.PGSIZE)
	rsp := stackBottom

	if err := HandleFault(ctx, spt, faultAddr, false, true, rsp, &stackBottom, limit); err == nil {
		t.Fatal("expected fault beyond the stack growth cap to be illegal")
	}
}

func TestDoMmapReadsFileAndZeroFillsTail(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 8, 8)
	spt := NewSPT(pt.NewMapTable(), be)

	content := make([]byte, defs.PGSIZE+100)
	copy(content, []byte("mmap file contents"))
	mf := vfile.NewMemFile(content)

	addr := uintptr(0x50000000)
	got, err := DoMmap(ctx, spt, addr, len(content), true, mf, 0)
	if err != nil {
		t.Fatalf("DoMmap: %v", err)
	}
	if got != addr {
		t.Fatalf("DoMmap returned %#x, want %#x", got, addr)
	}

	p0, ok := spt.Find(addr)
	if !ok {
		t.Fatal("first mapped page missing from SPT")
	}
	if err := Claim(ctx, p0); err != nil {
		t.Fatalf("claim first mmap page: %v", err)
	}
	if string(p0.Frame.KVA[:18]) != "mmap file contents" {
		t.Fatalf("first page contents = %q", p0.Frame.KVA[:18])
	}

	p1, ok := spt.Find(addr + uintptr(defs.PGSIZE))
	if !ok {
		t.Fatal("second mapped page missing from SPT")
	}
	if err := Claim(ctx, p1); err != nil {
		t.Fatalf("claim second mmap page: %v", err)
	}
	for i := 100; i < defs.PGSIZE; i++ {
		if p1.Frame.KVA[i] != 0 {
			t.Fatalf("byte %d beyond EOF not zero-filled", i)
		}
	}
}

func TestDoMunmapWritesBackDirtyPage(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 8, 8)
	spt := NewSPT(pt.NewMapTable(), be)

	mf := vfile.NewMemFile(make([]byte, defs.PGSIZE))
	addr := uintptr(0x60000000)
	if _, err := DoMmap(ctx, spt, addr, defs.PGSIZE, true, mf, 0); err != nil {
		t.Fatalf("DoMmap: %v", err)
	}
	p, _ := spt.Find(addr)
	if err := Claim(ctx, p); err != nil {
		t.Fatalf("claim: %v", err)
	}
	copy(p.Frame.KVA, []byte("dirty bytes"))
	spt.Table.(*pt.MapTable).MarkDirty(addr)

	if err := DoMunmap(ctx, spt, addr); err != nil {
		t.Fatalf("DoMunmap: %v", err)
	}
	if _, ok := spt.Find(addr); ok {
		t.Fatal("page still present in SPT after munmap")
	}
	snap := mf.Snapshot()
	if string(snap[:11]) != "dirty bytes" {
		t.Fatalf("munmap did not write back dirty page: %q", snap[:11])
	}
}

func TestDoMunmapNeverFaultedMapping(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 8, 8)
	spt := NewSPT(pt.NewMapTable(), be)

	mf := vfile.NewMemFile(make([]byte, 2*defs.PGSIZE))
	addr := uintptr(0x61000000)
	if _, err := DoMmap(ctx, spt, addr, 2*defs.PGSIZE, true, mf, 0); err != nil {
		t.Fatalf("DoMmap: %v", err)
	}

	// Neither page has been faulted in yet — both are still uninitState.
	if err := DoMunmap(ctx, spt, addr); err != nil {
		t.Fatalf("DoMunmap on an untouched mapping: %v", err)
	}
	if _, ok := spt.Find(addr); ok {
		t.Fatal("first page still present after munmap")
	}
	if _, ok := spt.Find(addr + uintptr(defs.PGSIZE)); ok {
		t.Fatal("second page still present after munmap")
	}
}

func TestMmapRejectsBadArguments(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 4, 4)
	spt := NewSPT(pt.NewMapTable(), be)
	mf := vfile.NewMemFile(make([]byte, defs.PGSIZE))

	cases := []struct {
		name     string
		addr     uintptr
		length   int
		offset   int64
		file     vfile.File
		wantCode defs.Err_t
	}{
		{"zero addr", 0, defs.PGSIZE, 0, mf, defs.EINVAL},
		{"unaligned addr", 0x1001, defs.PGSIZE, 0, mf, defs.EINVAL},
		{"kernel addr", defs.UserMax, defs.PGSIZE, 0, mf, defs.EFAULT},
		{"unaligned offset", 0x80000000, defs.PGSIZE, 1, mf, defs.EINVAL},
		{"zero length", 0x80000000, 0, 0, mf, defs.EINVAL},
		{"empty file", 0x80000000, defs.PGSIZE, 0, vfile.NewMemFile(nil), defs.EINVAL},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := DoMmap(ctx, spt, c.addr, c.length, true, c.file, c.offset)
			if err == nil {
				t.Fatalf("expected DoMmap to reject %s", c.name)
			}
			coded, ok := err.(*defs.CodedError)
			if !ok {
				t.Fatalf("expected *defs.CodedError, got %T", err)
			}
			if coded.Code != c.wantCode {
				t.Fatalf("Code = %v, want %v", coded.Code, c.wantCode)
			}
		})
	}
}

func TestDoMmapDuplicateVAIsEEXIST(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 4, 4)
	spt := NewSPT(pt.NewMapTable(), be)
	mf := vfile.NewMemFile(make([]byte, defs.PGSIZE))

	addr := uintptr(0x62000000)
	if _, err := DoMmap(ctx, spt, addr, defs.PGSIZE, true, mf, 0); err != nil {
		t.Fatalf("first DoMmap: %v", err)
	}
	_, err := DoMmap(ctx, spt, addr, defs.PGSIZE, true, mf, 0)
	if err == nil {
		t.Fatal("expected the second DoMmap at the same address to fail")
	}
	coded, ok := err.(*defs.CodedError)
	if !ok {
		t.Fatalf("expected *defs.CodedError, got %T", err)
	}
	if coded.Code != defs.EEXIST {
		t.Fatalf("Code = %v, want EEXIST", coded.Code)
	}
}

func TestDoMunmapNoMappingIsEINVAL(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 4, 4)
	spt := NewSPT(pt.NewMapTable(), be)

	err := DoMunmap(ctx, spt, 0x63000000)
	if err == nil {
		t.Fatal("expected DoMunmap with no mapping to fail")
	}
	coded, ok := err.(*defs.CodedError)
	if !ok {
		t.Fatalf("expected *defs.CodedError, got %T", err)
	}
	if coded.Code != defs.EINVAL {
		t.Fatalf("Code = %v, want EINVAL", coded.Code)
	}
}

func TestForkCopyIsolatesAnonPages(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 8, 8)
	parent := NewSPT(pt.NewMapTable(), be)
	AllocPageWithInitializer(parent, KindAnon, 0x1000, true, AnonZeroInit, nil)
	pp, _ := parent.Find(0x1000)
	if err := Claim(ctx, pp); err != nil {
		t.Fatalf("claim parent page: %v", err)
	}
	copy(pp.Frame.KVA, []byte("parent-data"))

	child := NewSPT(pt.NewMapTable(), be)
	if err := parent.Copy(ctx, child); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	cp, ok := child.Find(0x1000)
	if !ok {
		t.Fatal("child SPT missing copied page")
	}
	if cp.Frame == nil {
		t.Fatal("child page was not claimed during fork copy")
	}
	if string(cp.Frame.KVA[:11]) != "parent-data" {
		t.Fatalf("child page contents = %q, want copied parent bytes", cp.Frame.KVA[:11])
	}

	copy(pp.Frame.KVA, []byte("mutated!!!!"))
	if string(cp.Frame.KVA[:11]) != "parent-data" {
		t.Fatal("child page shares the parent's frame — fork copy is not isolated")
	}
}

func TestForkCopyPreservesFileIdentity(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 8, 8)
	parent := NewSPT(pt.NewMapTable(), be)

	mf := vfile.NewMemFile(make([]byte, defs.PGSIZE))
	addr := uintptr(0x60000000)
	if _, err := DoMmap(ctx, parent, addr, defs.PGSIZE, true, mf, 0); err != nil {
		t.Fatalf("DoMmap: %v", err)
	}
	pp, _ := parent.Find(addr)
	if err := Claim(ctx, pp); err != nil {
		t.Fatalf("claim parent mmap page: %v", err)
	}

	child := NewSPT(pt.NewMapTable(), be)
	if err := parent.Copy(ctx, child); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	cp, ok := child.Find(addr)
	if !ok {
		t.Fatal("child SPT missing copied file page")
	}
	if cp.Frame == nil {
		t.Fatal("child file page was not claimed during fork copy")
	}
	if _, ok := mappingExtent(cp); !ok {
		t.Fatal("child's forked file page lost its totalMappingSize; mappingExtent can't see the mapping")
	}

	// A dirty write in the child followed by write-back must reach the
	// file, not nil-pointer-panic on a zero-valued fileState.
	copy(cp.Frame.KVA, []byte("child wrote this"))
	child.Table.(*pt.MapTable).MarkDirty(addr)
	if err := DoMunmap(ctx, child, addr); err != nil {
		t.Fatalf("DoMunmap on forked file page: %v", err)
	}
	snap := mf.Snapshot()
	if string(snap[:16]) != "child wrote this" {
		t.Fatalf("child's write-back did not reach the shared file: %q", snap[:16])
	}

	// The parent's own mapping must still be intact and independently
	// unmappable, proving totalMappingSize was copied rather than moved.
	if err := DoMunmap(ctx, parent, addr); err != nil {
		t.Fatalf("DoMunmap on parent's own mapping after child unmapped: %v", err)
	}
}

func TestSPTKillReleasesFrames(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 4, 4)
	spt := NewSPT(pt.NewMapTable(), be)
	AllocPageWithInitializer(spt, KindAnon, 0x1000, true, AnonZeroInit, nil)
	p, _ := spt.Find(0x1000)
	Claim(ctx, p)

	before := be.Frames.pool.InUse()
	if before == 0 {
		t.Fatal("expected the claimed page to hold a frame")
	}
	spt.Kill(ctx)
	if be.Frames.pool.InUse() != before-1 {
		t.Fatalf("Kill did not release the frame: InUse before=%d after=%d", before, be.Frames.pool.InUse())
	}
	if spt.Size() != 0 {
		t.Fatalf("Kill left %d pages in the table", spt.Size())
	}
}

func TestGetFrameDualExhaustionPanics(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t, 1, 0)
	spt := NewSPT(pt.NewMapTable(), be)

	AllocPageWithInitializer(spt, KindAnon, 0x1000, true, AnonZeroInit, nil)
	AllocPageWithInitializer(spt, KindAnon, 0x2000, true, AnonZeroInit, nil)

	p1, _ := spt.Find(0x1000)
	if err := Claim(ctx, p1); err != nil {
		t.Fatalf("claim p1: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when eviction needs swap but the swap device has no free slots")
		}
	}()
	p2, _ := spt.Find(0x2000)
	Claim(ctx, p2)
}

func TestAnonAllocRespectsCommitBudget(t *testing.T) {
	ctx := context.Background()
	pool := mem.NewPool(8)
	disk := blockdev.NewMemDisk(8 * int64(slotSectors))
	limits := budget.NewLimits(8, 8, int64(2*defs.PGSIZE), false)
	be, err := NewBackend(pool, disk, limits, stats.NewVM())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	spt := NewSPT(pt.NewMapTable(), be)

	if !AllocPageWithInitializer(spt, KindAnon, 0x1000, true, AnonZeroInit, nil) {
		t.Fatal("first anon alloc should fit in the commit budget")
	}
	if !AllocPageWithInitializer(spt, KindAnon, 0x2000, true, AnonZeroInit, nil) {
		t.Fatal("second anon alloc should fit in the commit budget")
	}
	if AllocPageWithInitializer(spt, KindAnon, 0x3000, true, AnonZeroInit, nil) {
		t.Fatal("third anon alloc should have been refused past the commit budget")
	}
	if limits.CommittedAnon() != 2*int64(defs.PGSIZE) {
		t.Fatalf("CommittedAnon() = %d, want %d", limits.CommittedAnon(), 2*defs.PGSIZE)
	}

	// Destroying one page should return its commitment, unblocking a
	// fresh allocation.
	p, _ := spt.Find(0x1000)
	spt.Remove(ctx, p)
	if limits.CommittedAnon() != int64(defs.PGSIZE) {
		t.Fatalf("CommittedAnon() after Remove = %d, want %d", limits.CommittedAnon(), defs.PGSIZE)
	}
	if !AllocPageWithInitializer(spt, KindAnon, 0x3000, true, AnonZeroInit, nil) {
		t.Fatal("alloc should succeed after a prior commitment was released")
	}
}
