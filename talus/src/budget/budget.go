// Package budget holds the tunable resource ceilings for the VM
// subsystem: how many physical frames exist, how many swap slots the
// swap device offers, and how much anonymous memory a task may commit
// before an allocation is refused outright.
package budget

import (
	"sync/atomic"
	"unsafe"
)

// Sysatomic_t is a numeric limit that can be atomically taken and given
// back, used for admission control without holding a lock.
type Sysatomic_t int64

func (s *Sysatomic_t) aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(n int64) {
	if n < 0 {
		panic("negative give")
	}
	atomic.AddInt64(s.aptr(), n)
}

// Taken tries to decrement the limit by n and reports whether it
// succeeded; on failure the limit is left unchanged.
func (s *Sysatomic_t) Taken(n int64) bool {
	if n < 0 {
		panic("negative take")
	}
	g := atomic.AddInt64(s.aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s.aptr(), n)
	return false
}

// Load reads the current value.
func (s *Sysatomic_t) Load() int64 {
	return atomic.LoadInt64(s.aptr())
}

// Limits describes the ceilings the frame table, swap allocator, and
// anon-page admission check enforce. Construct via NewLimits or Default;
// the commitment budget is seeded from MaxCommittedAnonBytes at
// construction, so changing that field afterwards does not change what
// CommitAnon admits. The shape mirrors the teacher's package-level
// var Syslimit *Syslimit_t = MkSysLimit() singleton-with-override shape,
// but without the teacher's unrelated network/vnode/futex fields, which
// have no place in a VM-only module.
type Limits struct {
	// MaxFrames bounds the physical frame pool (mem.Pool capacity).
	MaxFrames int
	// MaxSwapSlots bounds the swap bitmap (one bit per PGSIZE slot).
	MaxSwapSlots int
	// MaxCommittedAnonBytes bounds how much anonymous memory may be
	// promised across all tasks before AllocPageWithInitializer(KindAnon)
	// starts failing. Resolves Open Question (c): when the swap device
	// is smaller than committed anon memory, admission is refused here,
	// at allocation time, rather than panicking later when swap is full.
	MaxCommittedAnonBytes int64
	// CompressSwap toggles zstd compression of anon pages on swap-out.
	CompressSwap bool

	// headroom holds the anonymous-commitment budget not yet spent:
	// it starts at MaxCommittedAnonBytes and is taken from by CommitAnon,
	// given back by UncommitAnon. CommittedAnon derives the committed
	// amount from MaxCommittedAnonBytes - headroom rather than exposing
	// this field's sense directly.
	headroom Sysatomic_t
}

// NewLimits builds a Limits with its admission-control budget seeded:
// headroom starts holding maxCommittedAnonBytes of spendable capacity,
// decremented by CommitAnon and restored by UncommitAnon. Constructing a
// Limits via a bare struct literal instead leaves that budget at zero,
// so CommitAnon refuses every request — always go through NewLimits (or
// Default).
func NewLimits(maxFrames, maxSwapSlots int, maxCommittedAnonBytes int64, compressSwap bool) *Limits {
	l := &Limits{
		MaxFrames:             maxFrames,
		MaxSwapSlots:          maxSwapSlots,
		MaxCommittedAnonBytes: maxCommittedAnonBytes,
		CompressSwap:          compressSwap,
	}
	l.headroom.Given(maxCommittedAnonBytes)
	return l
}

// Default returns a Limits with conservative defaults suitable for a
// small teaching kernel: 32768 frames (1<<15), as many swap slots, a
// commitment budget of that many 4 KiB pages, swap compression on.
func Default() *Limits {
	return NewLimits(1<<15, 1<<15, int64(1<<15)*4096, true)
}

// CommitAnon attempts to reserve n bytes of anonymous-page commitment.
// It returns false if doing so would exceed MaxCommittedAnonBytes.
func (l *Limits) CommitAnon(n int64) bool {
	return l.headroom.Taken(n)
}

// UncommitAnon releases a commitment made by CommitAnon, e.g. when an
// anon page is destroyed.
func (l *Limits) UncommitAnon(n int64) {
	l.headroom.Given(n)
}

// CommittedAnon reports the currently committed anonymous byte count,
// for diagnostics/metrics.
func (l *Limits) CommittedAnon() int64 {
	return l.MaxCommittedAnonBytes - l.headroom.Load()
}
