package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorDescribeEmitsAllDescs(t *testing.T) {
	c := NewCollector(NewVM())
	ch := make(chan *prometheus.Desc, 32)
	c.Describe(ch)
	close(ch)

	n := 0
	for range ch {
		n++
	}
	if n != 11 {
		t.Fatalf("Describe emitted %d descs, want 11", n)
	}
}

func TestCollectorCollectReflectsCounterValues(t *testing.T) {
	vm := NewVM()
	vm.PageFaults.Inc()
	vm.PageFaults.Inc()
	vm.Evictions.Inc()

	c := NewCollector(vm)
	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	var pageFaults, evictions float64
	for m := range ch {
		var out dto.Metric
		if err := m.Write(&out); err != nil {
			t.Fatalf("Write: %v", err)
		}
		switch m.Desc().String() {
		case descPageFaults.String():
			pageFaults = out.GetCounter().GetValue()
		case descEvictions.String():
			evictions = out.GetCounter().GetValue()
		}
	}
	if pageFaults != 2 {
		t.Fatalf("page faults metric = %v, want 2", pageFaults)
	}
	if evictions != 1 {
		t.Fatalf("evictions metric = %v, want 1", evictions)
	}
}
