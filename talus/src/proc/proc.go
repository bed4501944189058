// Package proc models the per-task state the fault handler and fork
// path need: which page table and supplemental page table a task owns,
// its user stack bounds, and the exit/kill protocol a fault on an
// illegal address drives. It replaces the teacher's tinfo.go, which
// located "the current thread" via a patched runtime's thread-local
// storage (runtime.Gptr/Setgptr) — unavailable in stock Go — with the
// current thread/task passed explicitly as a parameter or carried on a
// context.Context, as SPEC_FULL.md's ambient-stack section requires.
package proc

import (
	"context"
	"sync"

	"defs"
	"pt"
	"vm"
)

// Task is one address space: its page table, its supplemental page
// table, and the user-stack bookkeeping StackGrowth consults.
type Task struct {
	Tid   defs.Tid_t
	Table pt.Table
	Spt   *vm.SPT

	// StackBottom is the lowest address ever mapped for the user
	// stack; StackLimit is how far StackGrowth is allowed to extend it
	// downward before refusing growth (spec §4.10's stack-growth cap).
	StackBottom uintptr
	StackLimit  uintptr

	mu       sync.Mutex
	killed   bool
	exitCode int
	doneCh   chan struct{}
}

// NewTask creates a task that owns table and the already constructed
// supplemental page table spt, with its stack bottom at stackTop and
// its stack-growth limit at stackLimit.
func NewTask(tid defs.Tid_t, table pt.Table, spt *vm.SPT, stackTop uintptr, stackLimit uintptr) *Task {
	return &Task{
		Tid:         tid,
		Table:       table,
		Spt:         spt,
		StackBottom: stackTop,
		StackLimit:  stackLimit,
		doneCh:      make(chan struct{}),
	}
}

// taskKey is the context.Context key under which the current task is
// stored, replacing tinfo's global thread-local pointer.
type taskKey struct{}

// WithTask returns a context carrying t as the current task.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// FromContext returns the task ctx was created with via WithTask, and
// reports whether one was present.
func FromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey{}).(*Task)
	return t, ok
}

// Kill marks the task doomed with the given exit code and releases its
// supplemental page table. vm.HandleFault does not call it: a fault
// classified as illegal (spec §4.7's fault-classification table) comes
// back from HandleFault as an error carrying its code.
func (t *Task) Kill(ctx context.Context, code int) {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return
	}
	t.killed = true
	t.exitCode = code
	t.mu.Unlock()

	t.Spt.Kill(ctx)
	close(t.doneCh)
}

// Killed reports whether the task has been killed.
func (t *Task) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// ExitCode returns the code passed to Kill, valid only once Killed is true.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Done returns a channel closed when the task is killed, for callers
// that want to select on task death alongside other events.
func (t *Task) Done() <-chan struct{} {
	return t.doneCh
}

// Fork duplicates parent into a new task with its own supplemental
// page table, per spec §4.8: every page reachable from parent's SPT
// (uninit, anon, and file-backed alike) is independently duplicated
// into the child, never shared — this module's Open Question (a)
// resolution keeps file-backed pages copied rather than COW-shared
// across fork, matching the Pintos original instead of the teacher's
// own COW-enabled Vm_t.
func Fork(ctx context.Context, childTid defs.Tid_t, childTable pt.Table, parent *Task) (*Task, error) {
	childSpt := vm.NewSPT(childTable, parent.Spt.Backend)
	if err := parent.Spt.Copy(ctx, childSpt); err != nil {
		return nil, err
	}
	child := NewTask(childTid, childTable, childSpt, parent.StackBottom, parent.StackLimit)
	return child, nil
}
