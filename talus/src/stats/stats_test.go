package stats

import (
	"strings"
	"testing"
	"time"
)

func TestCounterIncGet(t *testing.T) {
	var c Counter_t
	c.Inc()
	c.Inc()
	c.Inc()
	if c.Get() != 3 {
		t.Fatalf("Get() = %d, want 3", c.Get())
	}
}

func TestCounterDisabledSkipsInc(t *testing.T) {
	Enabled = false
	defer func() { Enabled = true }()

	var c Counter_t
	c.Inc()
	if c.Get() != 0 {
		t.Fatalf("Get() = %d, want 0 while Enabled is false", c.Get())
	}
}

func TestCyclesAddGet(t *testing.T) {
	var c Cycles_t
	c.Add(time.Now().Add(-10 * time.Millisecond))
	if c.Get() <= 0 {
		t.Fatalf("Get() = %d, want a positive elapsed duration", c.Get())
	}
}

func TestStringDumpsCounters(t *testing.T) {
	vm := NewVM()
	vm.PageFaults.Inc()
	vm.PageFaults.Inc()
	vm.Evictions.Inc()

	s := String(vm)
	if !strings.Contains(s, "#PageFaults: 2") {
		t.Fatalf("String() = %q, missing PageFaults count", s)
	}
	if !strings.Contains(s, "#Evictions: 1") {
		t.Fatalf("String() = %q, missing Evictions count", s)
	}
	if !strings.Contains(s, "#SwapIns: 0") {
		t.Fatalf("String() = %q, missing zero-valued SwapIns", s)
	}
}

func TestNewVMStartsZeroed(t *testing.T) {
	vm := NewVM()
	if vm.PageFaults.Get() != 0 || vm.OomStalls.Get() != 0 {
		t.Fatal("NewVM() counters should start at zero")
	}
}
