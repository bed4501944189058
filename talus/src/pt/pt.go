// Package pt models the per-page hardware bits the fault handler and
// frame table depend on — present, writable, dirty, accessed — without
// committing to a real page-table walk. It is grounded on the teacher's
// PTE_P/PTE_W/PTE_D/PTE_A constant block and Page_insert/Page_remove
// call shape in vm/as.go, generalized into a small interface so the
// rest of this module can be driven by an in-memory fake in tests
// instead of a real pmap_walk over physical memory.
package pt

import "sync"

// Flag is one hardware page-table-entry bit this module cares about.
type Flag uint

const (
	FlagPresent  Flag = 1 << 0
	FlagWritable Flag = 1 << 1
	FlagUser     Flag = 1 << 2
	FlagAccessed Flag = 1 << 5
	FlagDirty    Flag = 1 << 6
)

// Table is the page-table contract the fault handler and frame table
// use to install, remove, and inspect a virtual-to-physical mapping.
// The real hardware-backed implementation (walking a PML4 the way
// pmap_walk does) is out of scope for this module; only the contract
// and the in-memory fake below are provided.
type Table interface {
	// Map installs va -> pa with the given flags, replacing any
	// existing mapping at va.
	Map(va uintptr, pa uintptr, flags Flag)
	// Unmap removes any mapping at va. It is not an error to unmap an
	// unmapped address.
	Unmap(va uintptr)
	// Lookup reports the physical address and flags mapped at va.
	Lookup(va uintptr) (pa uintptr, flags Flag, present bool)
	// Accessed reports the hardware accessed bit for va without clearing
	// it (ClearAccessed does that), used by the frame table's
	// second-chance scan.
	Accessed(va uintptr) bool
	ClearAccessed(va uintptr)
	// Dirty reports the hardware dirty bit for va.
	Dirty(va uintptr) bool
	ClearDirty(va uintptr)
}

type entry struct {
	pa    uintptr
	flags Flag
}

// MapTable is an in-memory Table backed by a plain map, used by tests
// and by any embedder that has no real hardware page table to drive.
type MapTable struct {
	mu      sync.Mutex
	entries map[uintptr]entry
}

// NewMapTable returns an empty MapTable.
func NewMapTable() *MapTable {
	return &MapTable{entries: make(map[uintptr]entry)}
}

func (t *MapTable) Map(va, pa uintptr, flags Flag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[va] = entry{pa: pa, flags: flags | FlagPresent}
}

func (t *MapTable) Unmap(va uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, va)
}

func (t *MapTable) Lookup(va uintptr) (uintptr, Flag, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va]
	if !ok {
		return 0, 0, false
	}
	return e.pa, e.flags, true
}

func (t *MapTable) Accessed(va uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va]
	return ok && e.flags&FlagAccessed != 0
}

func (t *MapTable) ClearAccessed(va uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[va]; ok {
		e.flags &^= FlagAccessed
		t.entries[va] = e
	}
}

func (t *MapTable) Dirty(va uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va]
	return ok && e.flags&FlagDirty != 0
}

func (t *MapTable) ClearDirty(va uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[va]; ok {
		e.flags &^= FlagDirty
		t.entries[va] = e
	}
}

// MarkAccessed sets the accessed bit for va, used by tests simulating a
// CPU touching a mapped page.
func (t *MapTable) MarkAccessed(va uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[va]; ok {
		e.flags |= FlagAccessed
		t.entries[va] = e
	}
}

// MarkDirty sets the dirty bit for va, used by tests simulating a CPU
// write to a mapped page.
func (t *MapTable) MarkDirty(va uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[va]; ok {
		e.flags |= FlagDirty
		t.entries[va] = e
	}
}
