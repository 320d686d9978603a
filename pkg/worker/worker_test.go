package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/engine"
	"github.com/exploopio/surface/pkg/guard"
	"github.com/exploopio/surface/pkg/logger"
	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/modules"
	"github.com/exploopio/surface/pkg/retry"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// =============================================================================
// Fake broker
// =============================================================================

type fakeSub struct {
	ch   chan Message
	once sync.Once
}

func (s *fakeSub) Messages() <-chan Message { return s.ch }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

type fakeBroker struct {
	mu          sync.Mutex
	failuresOut int
	reject      string // event status Publish refuses
	subscribes  int
	current     *fakeSub
	subscribed  chan struct{}
	events      chan Event
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subscribed: make(chan struct{}, 10),
		events:     make(chan Event, 100),
	}
}

func (b *fakeBroker) Subscribe(_ context.Context, _ string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	if b.failuresOut > 0 {
		b.failuresOut--
		return nil, errors.New("dial tcp: connection refused")
	}
	b.current = &fakeSub{ch: make(chan Message, 10)}
	b.subscribed <- struct{}{}
	return b.current, nil
}

func (b *fakeBroker) Publish(_ context.Context, _ string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	if b.reject != "" && ev.Status == b.reject {
		return errors.New("OOM command not allowed when used memory > 'maxmemory'")
	}
	b.events <- ev
	return nil
}

func (b *fakeBroker) Ping(context.Context) error { return nil }
func (b *fakeBroker) Close() error               { return nil }

func (b *fakeBroker) send(t *testing.T, payload string) {
	t.Helper()
	b.mu.Lock()
	sub := b.current
	b.mu.Unlock()
	require.NotNil(t, sub, "not subscribed")
	sub.ch <- Message{Channel: DefaultTasksChannel, Payload: []byte(payload)}
}

// drop ends the current subscription as a lost connection would.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		_ = b.current.Close()
	}
}

func (b *fakeBroker) waitSubscribed(t *testing.T) {
	t.Helper()
	select {
	case <-b.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not subscribe")
	}
}

// next returns the next event with the given status, skipping others.
func (b *fakeBroker) next(t *testing.T, status string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-b.events:
			if ev.Status == status {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event published", status)
			return Event{}
		}
	}
}

// =============================================================================
// Fake scanners
// =============================================================================

type scanFunc func(ctx context.Context, req engine.Request) *core.ScanReport

func (f scanFunc) Run(ctx context.Context, req engine.Request) *core.ScanReport { return f(ctx, req) }

func startWorker(t *testing.T, b *fakeBroker, scanner Scanner, cfg Config) (*Worker, context.CancelFunc, <-chan error) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &retry.BackoffConfig{BaseInterval: time.Millisecond, Strategy: retry.BackoffConstant}
	}
	w, err := New(b, scanner, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	b.waitSubscribed(t)
	return w, cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestWorker_RunsScanWithEngine(t *testing.T) {
	reg := modules.NewRegistry()
	reg.Register("stub", func() core.Module { return stubModule{} })
	g, err := guard.New(guard.Config{})
	require.NoError(t, err)
	e, err := engine.New(reg, g, engine.WithLogger(logger.Discard()))
	require.NoError(t, err)

	b := newFakeBroker()
	m := metrics.NewInMemoryCollector()
	_, cancel, done := startWorker(t, b, e, Config{Metrics: m})
	defer stop(t, cancel, done)

	b.send(t, `{"scanId":"scan-1","target":"93.184.216.34","profile":"CUSTOM","options":{"modules":["stub"]}}`)

	first := b.next(t, StatusProgress)
	assert.Equal(t, "scan-1", first.ScanID)
	require.NotNil(t, first.Progress)
	assert.Equal(t, 0, *first.Progress)
	assert.Equal(t, "Running Test stub...", first.Message)
	assert.Equal(t, "stub", first.CurrentModule)

	last := b.next(t, StatusProgress)
	assert.Equal(t, 100, *last.Progress)
	assert.Equal(t, "Scan completed", last.Message)
	assert.Empty(t, last.CurrentModule)

	completed := b.next(t, StatusCompleted)
	assert.Equal(t, "scan-1", completed.ScanID)
	require.Len(t, completed.Assets, 1)
	assert.Equal(t, "93.184.216.34:443/tcp", completed.Assets[0].Value)
	require.Len(t, completed.Findings, 1)
	require.NotNil(t, completed.Summary)
	assert.Equal(t, 1, completed.Summary.TotalFindings)
	require.NotNil(t, completed.Result)
	assert.Equal(t, "scan-1", completed.Result.ScanID)
	assert.Equal(t, 1, completed.Result.ModulesCompleted)

	assert.Eventually(t, func() bool {
		return m.Counter(metrics.WorkerTasksTotal.Name, "status", outcomeCompleted) == 1
	}, time.Second, 10*time.Millisecond)
}

type stubModule struct{}

func (stubModule) Name() string        { return "stub" }
func (stubModule) Description() string { return "Test stub" }
func (stubModule) Run(_ context.Context, target string, _ core.Options) *core.ModuleResult {
	res := core.NewResult("stub")
	res.AddAsset(core.NewAsset(core.AssetPort, target+":443/tcp"))
	res.AddFinding(core.Finding{Title: "Open port", Severity: severity.Info, Category: core.CategoryNetwork})
	return res
}

func TestWorker_DropsInvalidTasks(t *testing.T) {
	var calls atomic.Int32
	scanner := scanFunc(func(_ context.Context, req engine.Request) *core.ScanReport {
		calls.Add(1)
		return core.NewScanReport(req.Target, req.Profile)
	})

	b := newFakeBroker()
	m := metrics.NewInMemoryCollector()
	_, cancel, done := startWorker(t, b, scanner, Config{Metrics: m})
	defer stop(t, cancel, done)

	b.send(t, `not json`)
	b.send(t, `{"target":"example.com"}`)
	b.send(t, `{"scanId":"s","target":"  "}`)
	b.send(t, `{"scanId":"ok","target":"example.com"}`)

	ev := b.next(t, StatusCompleted)
	assert.Equal(t, "ok", ev.ScanID)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 3.0, m.Counter(metrics.WorkerTasksTotal.Name, "status", outcomeInvalid))
}

func TestWorker_DefaultProfile(t *testing.T) {
	profiles := make(chan string, 1)
	scanner := scanFunc(func(_ context.Context, req engine.Request) *core.ScanReport {
		profiles <- req.Profile
		return core.NewScanReport(req.Target, req.Profile)
	})

	b := newFakeBroker()
	_, cancel, done := startWorker(t, b, scanner, Config{})
	defer stop(t, cancel, done)

	b.send(t, `{"scanId":"s1","target":"example.com"}`)
	assert.Equal(t, "STANDARD", <-profiles)
}

func TestWorker_PanicPublishesFailed(t *testing.T) {
	scanner := scanFunc(func(context.Context, engine.Request) *core.ScanReport {
		panic("nil map")
	})

	b := newFakeBroker()
	w, cancel, done := startWorker(t, b, scanner, Config{})
	defer stop(t, cancel, done)

	b.send(t, `{"scanId":"s1","target":"example.com"}`)

	ev := b.next(t, StatusFailed)
	assert.Equal(t, "s1", ev.ScanID)
	assert.Contains(t, ev.Error, "nil map")
	assert.Eventually(t, func() bool { return w.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWorker_UndeliveredResultPublishesFailed(t *testing.T) {
	scanner := scanFunc(func(_ context.Context, req engine.Request) *core.ScanReport {
		return core.NewScanReport(req.Target, req.Profile)
	})

	b := newFakeBroker()
	b.reject = StatusCompleted
	m := metrics.NewInMemoryCollector()
	_, cancel, done := startWorker(t, b, scanner, Config{Metrics: m})
	defer stop(t, cancel, done)

	b.send(t, `{"scanId":"s1","target":"example.com"}`)

	ev := b.next(t, StatusFailed)
	assert.Equal(t, "s1", ev.ScanID)
	assert.Contains(t, ev.Error, "failed to publish scan result")
	assert.Contains(t, ev.Error, "maxmemory")
	assert.Eventually(t, func() bool {
		return m.Counter(metrics.WorkerTasksTotal.Name, "status", outcomeFailed) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, m.Counter(metrics.WorkerTasksTotal.Name, "status", outcomeCompleted))
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	scanner := scanFunc(func(_ context.Context, req engine.Request) *core.ScanReport {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return core.NewScanReport(req.Target, req.Profile)
	})

	b := newFakeBroker()
	w, cancel, done := startWorker(t, b, scanner, Config{MaxConcurrent: 2})
	defer stop(t, cancel, done)

	for _, id := range []string{"a", "b", "c"} {
		b.send(t, `{"scanId":"`+id+`","target":"example.com"}`)
	}

	assert.Eventually(t, func() bool { return w.Active() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, w.Active())

	close(release)
	for range 3 {
		b.next(t, StatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestWorker_DrainsInFlightScans(t *testing.T) {
	started := make(chan struct{})
	scanner := scanFunc(func(_ context.Context, req engine.Request) *core.ScanReport {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return core.NewScanReport(req.Target, req.Profile)
	})

	b := newFakeBroker()
	_, cancel, done := startWorker(t, b, scanner, Config{DrainTimeout: 2 * time.Second})

	b.send(t, `{"scanId":"s1","target":"example.com"}`)
	<-started
	stop(t, cancel, done)

	ev := b.next(t, StatusCompleted)
	assert.Equal(t, "s1", ev.ScanID)
}

func TestWorker_DrainTimeoutCancelsScans(t *testing.T) {
	started := make(chan struct{})
	scanner := scanFunc(func(ctx context.Context, req engine.Request) *core.ScanReport {
		close(started)
		<-ctx.Done()
		return core.NewScanReport(req.Target, req.Profile)
	})

	b := newFakeBroker()
	_, cancel, done := startWorker(t, b, scanner, Config{DrainTimeout: 20 * time.Millisecond})

	b.send(t, `{"scanId":"s1","target":"example.com"}`)
	<-started
	stop(t, cancel, done)

	ev := b.next(t, StatusFailed)
	assert.Equal(t, "s1", ev.ScanID)
	assert.Contains(t, ev.Error, "cancelled")
}

func TestWorker_Reconnects(t *testing.T) {
	scanner := scanFunc(func(_ context.Context, req engine.Request) *core.ScanReport {
		return core.NewScanReport(req.Target, req.Profile)
	})

	b := newFakeBroker()
	b.failuresOut = 2
	w, cancel, done := startWorker(t, b, scanner, Config{})
	defer stop(t, cancel, done)

	assert.Eventually(t, w.Ready, time.Second, 5*time.Millisecond)
	b.mu.Lock()
	assert.Equal(t, 3, b.subscribes)
	b.mu.Unlock()

	b.drop()
	b.waitSubscribed(t)

	b.send(t, `{"scanId":"after-reconnect","target":"example.com"}`)
	ev := b.next(t, StatusCompleted)
	assert.Equal(t, "after-reconnect", ev.ScanID)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	scanner := scanFunc(func(context.Context, engine.Request) *core.ScanReport { return nil })

	_, err := New(nil, scanner, Config{})
	assert.Error(t, err)

	_, err = New(newFakeBroker(), nil, Config{})
	assert.Error(t, err)
}

func TestDecodeTask(t *testing.T) {
	task, err := DecodeTask([]byte(`{"scanId":" s1 ","target":"example.com","options":{"exclude_ports":[22]}}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", task.ScanID)
	assert.Equal(t, "STANDARD", task.Profile)
	assert.Equal(t, []int{22}, task.Options.Ints(core.OptExcludePorts))

	for _, payload := range []string{`{`, `{"scanId":"s1"}`, `{"target":"x"}`, `[]`} {
		_, err := DecodeTask([]byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestNewRedisBroker_InvalidURL(t *testing.T) {
	_, err := NewRedisBroker("http://localhost:6379")
	assert.Error(t, err)

	b, err := NewRedisBroker("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}
