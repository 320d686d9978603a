// Package metrics records scan, module and worker metrics behind a small
// Collector interface with Prometheus, in-memory and no-op backends.
package metrics

import (
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Labels are passed as name/value pairs: "profile", "QUICK", "status", "ok".
type Collector interface {
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)

	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for the metrics endpoint.
	Handler() http.Handler
}

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"`
}

// =============================================================================
// Scanner metrics
// =============================================================================

var (
	ScansTotal = MetricDefinition{
		Name:   "surface_scans_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of scans executed",
		Labels: []string{"profile", "status"},
	}
	ScanDuration = MetricDefinition{
		Name:    "surface_scan_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of scans in seconds",
		Labels:  []string{"profile"},
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}
	ModuleRunsTotal = MetricDefinition{
		Name:   "surface_module_runs_total",
		Type:   MetricTypeCounter,
		Help:   "Module invocations by final state",
		Labels: []string{"module", "state"},
	}
	ModuleDuration = MetricDefinition{
		Name:    "surface_module_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of module runs in seconds",
		Labels:  []string{"module"},
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	}
	FindingsTotal = MetricDefinition{
		Name:   "surface_findings_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of findings reported",
		Labels: []string{"severity"},
	}
	ActiveScans = MetricDefinition{
		Name: "surface_active_scans",
		Type: MetricTypeGauge,
		Help: "Number of scans currently running",
	}
	WorkerTasksTotal = MetricDefinition{
		Name:   "surface_worker_tasks_total",
		Type:   MetricTypeCounter,
		Help:   "Tasks received by the worker by outcome",
		Labels: []string{"status"},
	}
)

// Definitions lists every metric the scanner emits.
var Definitions = []MetricDefinition{
	ScansTotal, ScanDuration, ModuleRunsTotal, ModuleDuration,
	FindingsTotal, ActiveScans, WorkerTasksTotal,
}

// ObserveScan records one finished scan.
func ObserveScan(c Collector, profile, status string, d time.Duration) {
	c.CounterInc(ScansTotal.Name, "profile", profile, "status", status)
	c.HistogramObserve(ScanDuration.Name, d.Seconds(), "profile", profile)
}

// ObserveModule records one module run.
func ObserveModule(c Collector, module, state string, d time.Duration) {
	c.CounterInc(ModuleRunsTotal.Name, "module", module, "state", state)
	c.HistogramObserve(ModuleDuration.Name, d.Seconds(), "module", module)
}

// AddFindings counts findings for a severity.
func AddFindings(c Collector, severity string, n int) {
	if n > 0 {
		c.CounterAdd(FindingsTotal.Name, float64(n), "severity", severity)
	}
}

// =============================================================================
// NopCollector
// =============================================================================

// NopCollector discards all metrics.
type NopCollector struct{}

func (NopCollector) CounterInc(string, ...string)                {}
func (NopCollector) CounterAdd(string, float64, ...string)       {}
func (NopCollector) GaugeSet(string, float64, ...string)         {}
func (NopCollector) GaugeInc(string, ...string)                  {}
func (NopCollector) GaugeDec(string, ...string)                  {}
func (NopCollector) HistogramObserve(string, float64, ...string) {}
func (NopCollector) Handler() http.Handler                       { return http.NotFoundHandler() }

// =============================================================================
// InMemoryCollector
// =============================================================================

// InMemoryCollector stores metrics in memory for tests.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func key(name string, labels []string) string {
	k := name
	for i := 0; i+1 < len(labels); i += 2 {
		k += "," + labels[i] + "=" + labels[i+1]
	}
	return k
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)] = value
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)]++
}

func (c *InMemoryCollector) GaugeDec(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)]--
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, labels)
	c.histograms[k] = append(c.histograms[k], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

// Counter returns the value of a counter.
func (c *InMemoryCollector) Counter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[key(name, labels)]
}

// Gauge returns the value of a gauge.
func (c *InMemoryCollector) Gauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[key(name, labels)]
}

// Histogram returns all observations of a histogram.
func (c *InMemoryCollector) Histogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.histograms[key(name, labels)]...)
}

var (
	_ Collector = NopCollector{}
	_ Collector = (*InMemoryCollector)(nil)
)
