package gc

import "github.com/prometheus/client_golang/prometheus"

// Metrics descriptors for PromCollector's prometheus.Collector
// implementation (see SPEC_FULL.md's Metrics note: registration is
// opt-in). Kept as package-level vars rather than per-Collector fields
// since descriptors are static; only the sampled values are per-Collector.
var (
	descCyclesTotal = prometheus.NewDesc(
		"gc_cycles_total", "Total number of completed collection cycles.", nil, nil)
	descPauseSeconds = prometheus.NewDesc(
		"gc_pause_seconds", "Most recent stop-the-world pause duration, in seconds.", nil, nil)
	descHeapBytes = prometheus.NewDesc(
		"gc_heap_bytes", "Bytes currently allocated and not yet swept.", nil, nil)
	descLiveObjects = prometheus.NewDesc(
		"gc_live_objects", "Number of allocated objects not yet swept.", nil, nil)
	descHandoffTotal = prometheus.NewDesc(
		"gc_handoff_total", "Total work-buffer handoffs across every mark worker.", nil, nil)
)

// PromCollector adapts a Collector to prometheus.Collector. It is a
// separate type rather than Collector itself because Collector.Collect
// already names the GC-cycle entry point; a prometheus.Collector's
// Collect has an incompatible signature, so the Prometheus-facing
// methods live on this thin wrapper instead.
type PromCollector struct {
	c *Collector
}

// Metrics returns a prometheus.Collector view of c, registered with
// prometheus.MustRegister(c.Metrics()) only by callers that want it —
// embedding stopgc costs nothing metrics-wise until this is called.
func (c *Collector) Metrics() *PromCollector { return &PromCollector{c: c} }

// Describe implements prometheus.Collector.
func (pc *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descCyclesTotal
	ch <- descPauseSeconds
	ch <- descHeapBytes
	ch <- descLiveObjects
	ch <- descHandoffTotal
}

// Collect implements prometheus.Collector, sampling the underlying
// Collector's current stats at scrape time rather than pushing updates
// per cycle.
func (pc *PromCollector) Collect(ch chan<- prometheus.Metric) {
	c := pc.c
	c.statsMu.Lock()
	numGC := c.numGC
	var lastPause float64
	if c.pauseCount > 0 {
		idx := (c.pauseHead - 1 + ringSize) % ringSize
		lastPause = c.pauseRing[idx].Seconds()
	}
	c.statsMu.Unlock()

	hs := c.Heap.Stats

	ch <- prometheus.MustNewConstMetric(descCyclesTotal, prometheus.CounterValue, float64(numGC))
	ch <- prometheus.MustNewConstMetric(descPauseSeconds, prometheus.GaugeValue, lastPause)
	ch <- prometheus.MustNewConstMetric(descHeapBytes, prometheus.GaugeValue, float64(hs.HeapAlloc))
	ch <- prometheus.MustNewConstMetric(descLiveObjects, prometheus.GaugeValue, float64(hs.NObjects))
	ch <- prometheus.MustNewConstMetric(descHandoffTotal, prometheus.CounterValue, float64(c.WorkStats.NHandoff))
}
