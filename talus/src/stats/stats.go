// Package stats holds the atomic counters the VM subsystem maintains —
// page faults, swap I/O, evictions, lazy loads, file write-backs, and
// OOM stalls — plus a bridge that exposes them as Prometheus metrics.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

// Enabled gates counter increments, mirroring the teacher's const-gated
// Stats/Timing flags but as a runtime toggle so a production build can
// still collect metrics (the teacher's kernel disables counting
// altogether in hot paths for raw performance; this module instead
// defaults to always counting, since the counters back the Prometheus
// collector described in SPEC_FULL.md §6).
var Enabled = true

// Counter_t is a statistical counter.
type Counter_t int64

// Cycles_t holds an elapsed-time accumulator, in nanoseconds (the
// teacher's Cycles_t accumulated TSC cycles via the patched runtime's
// Rdtsc(); stock Go has no portable cycle counter, so this accumulates
// time.Since durations instead — same shape, portable source).
type Cycles_t int64

// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Enabled {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

// Get reads the counter's current value.
func (c *Counter_t) Get() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// Add adds elapsed time since start to the accumulator.
func (c *Cycles_t) Add(start time.Time) {
	if Enabled {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, int64(time.Since(start)))
	}
}

// Get reads the accumulator's current value.
func (c *Cycles_t) Get() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// VM aggregates every counter the fault handler, frame table, and swap
// path maintain. One instance is created per kernel; vm.FrameTable and
// vm.SPT both hold a reference to the same *VM.
type VM struct {
	PageFaults      Counter_t
	IllegalFaults   Counter_t
	StackGrowths    Counter_t
	SwapIns         Counter_t
	SwapOuts        Counter_t
	Evictions       Counter_t
	LazyLoads       Counter_t
	FileWritebacks  Counter_t
	OomStalls       Counter_t
	ForkPagesCopied Counter_t
	FaultLatency    Cycles_t
}

// NewVM allocates a zeroed counter bundle.
func NewVM() *VM {
	return &VM{}
}

// String formats every Counter_t/Cycles_t field of st, the same way the
// teacher's Stats2String walked an arbitrary counters struct via
// reflection.
func String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(n.Get(), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(n.Get(), 10) + "ns"
		}
	}
	return s + "\n"
}
