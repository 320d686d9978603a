package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	t.Run("Counter", func(t *testing.T) {
		c.CounterInc("test_counter", "label1", "value1")
		c.CounterInc("test_counter", "label1", "value1")
		c.CounterAdd("test_counter", 5, "label1", "value1")

		if got := c.Counter("test_counter", "label1", "value1"); got != 7 {
			t.Errorf("Counter = %v, want %v", got, 7)
		}
		if got := c.Counter("test_counter", "label1", "other"); got != 0 {
			t.Errorf("Counter with other label = %v, want 0", got)
		}
	})

	t.Run("Gauge", func(t *testing.T) {
		c.GaugeSet("test_gauge", 42)
		c.GaugeInc("test_gauge")
		c.GaugeInc("test_gauge")
		c.GaugeDec("test_gauge")
		if got := c.Gauge("test_gauge"); got != 43 {
			t.Errorf("Gauge = %v, want %v", got, 43)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		c.HistogramObserve("test_histogram", 1.5, "module", "a")
		c.HistogramObserve("test_histogram", 2.5, "module", "a")

		got := c.Histogram("test_histogram", "module", "a")
		if len(got) != 2 {
			t.Fatalf("Histogram observations = %v, want %v", len(got), 2)
		}
		got[0] = 99
		if c.Histogram("test_histogram", "module", "a")[0] != 1.5 {
			t.Error("Histogram must return a copy")
		}
	})
}

func TestObserveHelpers(t *testing.T) {
	c := NewInMemoryCollector()

	ObserveScan(c, "QUICK", "completed", 2*time.Second)
	ObserveModule(c, "port_scanner", "TIMED_OUT", 500*time.Millisecond)
	AddFindings(c, "HIGH", 3)
	AddFindings(c, "LOW", 0)

	if got := c.Counter(ScansTotal.Name, "profile", "QUICK", "status", "completed"); got != 1 {
		t.Errorf("scans_total = %v, want 1", got)
	}
	if got := c.Histogram(ScanDuration.Name, "profile", "QUICK"); len(got) != 1 || got[0] != 2 {
		t.Errorf("scan_duration = %v, want [2]", got)
	}
	if got := c.Counter(ModuleRunsTotal.Name, "module", "port_scanner", "state", "TIMED_OUT"); got != 1 {
		t.Errorf("module_runs_total = %v, want 1", got)
	}
	if got := c.Counter(FindingsTotal.Name, "severity", "HIGH"); got != 3 {
		t.Errorf("findings_total HIGH = %v, want 3", got)
	}
	if got := c.Counter(FindingsTotal.Name, "severity", "LOW"); got != 0 {
		t.Errorf("findings_total LOW = %v, want 0", got)
	}
}

func TestNopCollector(t *testing.T) {
	var c Collector = NopCollector{}

	// None of these may panic.
	c.CounterInc("test", "label", "value")
	c.CounterAdd("test", 5, "label", "value")
	c.GaugeSet("test", 10)
	c.GaugeInc("test")
	c.GaugeDec("test")
	c.HistogramObserve("test", 1.5)

	if c.Handler() == nil {
		t.Error("Handler should not be nil")
	}
}

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector(nil)

	ObserveScan(c, "STANDARD", "completed", 3*time.Second)
	ObserveModule(c, "dns_enumerator", "COMPLETED", time.Second)
	AddFindings(c, "MEDIUM", 2)
	c.GaugeInc(ActiveScans.Name)
	c.CounterInc("not_registered", "x", "y")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`surface_scans_total{profile="STANDARD",status="completed"} 1`,
		`surface_module_runs_total{module="dns_enumerator",state="COMPLETED"} 1`,
		`surface_findings_total{severity="MEDIUM"} 2`,
		`surface_active_scans 1`,
		`surface_scan_duration_seconds_count{profile="STANDARD"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if strings.Contains(out, "not_registered") {
		t.Error("unregistered metric should be dropped")
	}
}

func TestPrometheusCollector_RegisterTwice(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{SkipDefinitions: true})

	if err := c.Register(WorkerTasksTotal); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(WorkerTasksTotal); err != nil {
		t.Errorf("second Register() error = %v, want nil", err)
	}
	if err := c.Register(MetricDefinition{Name: "x", Type: "summary"}); err == nil {
		t.Error("Register() with unsupported type should fail")
	}
}
