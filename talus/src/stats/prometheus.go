package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// descs names one Prometheus descriptor per VM counter. Declared once at
// package init so Collect doesn't allocate per scrape.
var (
	descPageFaults      = prometheus.NewDesc("talus_vm_page_faults_total", "Total page faults handled.", nil, nil)
	descIllegalFaults   = prometheus.NewDesc("talus_vm_illegal_faults_total", "Faults classified as illegal and killed the task.", nil, nil)
	descStackGrowths    = prometheus.NewDesc("talus_vm_stack_growths_total", "Stack pages lazily grown.", nil, nil)
	descSwapIns         = prometheus.NewDesc("talus_vm_swap_ins_total", "Anon pages read back from the swap device.", nil, nil)
	descSwapOuts        = prometheus.NewDesc("talus_vm_swap_outs_total", "Anon pages written to the swap device.", nil, nil)
	descEvictions       = prometheus.NewDesc("talus_vm_evictions_total", "Frames reclaimed via the second-chance scan.", nil, nil)
	descLazyLoads       = prometheus.NewDesc("talus_vm_lazy_loads_total", "File-backed pages populated on first fault.", nil, nil)
	descFileWritebacks  = prometheus.NewDesc("talus_vm_file_writebacks_total", "Dirty file-backed pages flushed to their file.", nil, nil)
	descOomStalls       = prometheus.NewDesc("talus_vm_oom_stalls_total", "Frame allocations that had to wait on oommsg before retrying.", nil, nil)
	descForkPagesCopied = prometheus.NewDesc("talus_vm_fork_pages_copied_total", "Pages duplicated by SPT.Copy during fork.", nil, nil)
	descFaultLatencySec = prometheus.NewDesc("talus_vm_fault_latency_seconds_total", "Cumulative time spent servicing page faults.", nil, nil)
)

// Collector adapts a *VM counter bundle to prometheus.Collector, so a
// kernel built with this module can register it on the default registry
// (or any registry of the embedder's choosing) and expose /metrics.
type Collector struct {
	vm *VM
}

// NewCollector wraps vm for Prometheus registration.
func NewCollector(vm *VM) *Collector {
	return &Collector{vm: vm}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPageFaults
	ch <- descIllegalFaults
	ch <- descStackGrowths
	ch <- descSwapIns
	ch <- descSwapOuts
	ch <- descEvictions
	ch <- descLazyLoads
	ch <- descFileWritebacks
	ch <- descOomStalls
	ch <- descForkPagesCopied
	ch <- descFaultLatencySec
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	v := c.vm
	emit := func(d *prometheus.Desc, val float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, val)
	}
	emit(descPageFaults, float64(v.PageFaults.Get()))
	emit(descIllegalFaults, float64(v.IllegalFaults.Get()))
	emit(descStackGrowths, float64(v.StackGrowths.Get()))
	emit(descSwapIns, float64(v.SwapIns.Get()))
	emit(descSwapOuts, float64(v.SwapOuts.Get()))
	emit(descEvictions, float64(v.Evictions.Get()))
	emit(descLazyLoads, float64(v.LazyLoads.Get()))
	emit(descFileWritebacks, float64(v.FileWritebacks.Get()))
	emit(descOomStalls, float64(v.OomStalls.Get()))
	emit(descForkPagesCopied, float64(v.ForkPagesCopied.Get()))
	emit(descFaultLatencySec, float64(v.FaultLatency.Get())/1e9)
}
