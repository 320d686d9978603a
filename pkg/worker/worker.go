// Package worker receives scan tasks from a pub/sub broker, runs them through
// the engine and publishes progress and results.
//
// Scans run concurrently up to MaxConcurrent; when every slot is taken the
// listener stops reading tasks until one frees up. Lost subscriptions are
// re-established with exponential backoff. On shutdown in-flight scans get
// DrainTimeout to finish before they are cancelled.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/engine"
	"github.com/exploopio/surface/pkg/errors"
	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/retry"
)

// Default channel names.
const (
	DefaultTasksChannel   = "scanner:tasks"
	DefaultResultsChannel = "scanner:results"
)

// Task outcomes counted in metrics.
const (
	outcomeReceived  = "received"
	outcomeInvalid   = "invalid"
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

const publishTimeout = 5 * time.Second

// Scanner runs one scan request. *engine.Engine implements it.
type Scanner interface {
	Run(ctx context.Context, req engine.Request) *core.ScanReport
}

// Config configures a Worker.
type Config struct {
	TasksChannel   string
	ResultsChannel string
	MaxConcurrent  int
	DrainTimeout   time.Duration
	Backoff        *retry.BackoffConfig
	Logger         *logrus.Entry
	Metrics        metrics.Collector
}

func (c *Config) setDefaults() {
	if c.TasksChannel == "" {
		c.TasksChannel = DefaultTasksChannel
	}
	if c.ResultsChannel == "" {
		c.ResultsChannel = DefaultResultsChannel
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Backoff == nil {
		c.Backoff = retry.DefaultBackoffConfig()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NopCollector{}
	}
}

// Worker consumes scan tasks.
type Worker struct {
	broker  Broker
	scanner Scanner
	cfg     Config
	log     *logrus.Entry

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	active atomic.Int64
	ready  atomic.Bool
}

// New creates a worker.
func New(broker Broker, scanner Scanner, cfg Config) (*Worker, error) {
	if broker == nil {
		return nil, errors.E(errors.KindInvalidInput, "worker.New", "broker is required")
	}
	if scanner == nil {
		return nil, errors.E(errors.KindInvalidInput, "worker.New", "scanner is required")
	}
	cfg.setDefaults()
	return &Worker{
		broker:  broker,
		scanner: scanner,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "worker"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

// Active returns the number of scans in flight.
func (w *Worker) Active() int {
	return int(w.active.Load())
}

// Ready reports whether the worker is subscribed to the tasks channel.
func (w *Worker) Ready() bool {
	return w.ready.Load()
}

// MaxConcurrent returns the scan concurrency limit.
func (w *Worker) MaxConcurrent() int {
	return w.cfg.MaxConcurrent
}

// Run listens for tasks until ctx is done, then drains in-flight scans. It
// returns nil on a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	scanCtx, cancelScans := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelScans()

	w.log.WithFields(logrus.Fields{
		"channel":        w.cfg.TasksChannel,
		"max_concurrent": w.cfg.MaxConcurrent,
	}).Info("Scan worker starting")

	for {
		sub, err := w.subscribe(ctx)
		if err != nil {
			break
		}
		w.ready.Store(true)
		w.log.WithField("channel", w.cfg.TasksChannel).Info("Subscribed, waiting for scan tasks")

		lost := w.listen(ctx, scanCtx, sub)
		w.ready.Store(false)
		_ = sub.Close()
		if !lost {
			break
		}
		w.log.Warn("Subscription lost, reconnecting")
	}

	w.drain(cancelScans)
	w.log.Info("Scan worker stopped")
	return nil
}

func (w *Worker) subscribe(ctx context.Context) (Subscription, error) {
	var sub Subscription
	err := retry.Do(ctx, w.cfg.Backoff, 0, func(ctx context.Context) error {
		s, err := w.broker.Subscribe(ctx, w.cfg.TasksChannel)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		w.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("Subscribe failed, retrying")
	})
	return sub, err
}

// listen dispatches messages until ctx is done (false) or the subscription
// ends (true).
func (w *Worker) listen(ctx, scanCtx context.Context, sub Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				return ctx.Err() == nil
			}
			w.dispatch(ctx, scanCtx, msg.Payload)
		}
	}
}

func (w *Worker) dispatch(ctx, scanCtx context.Context, payload []byte) {
	task, err := DecodeTask(payload)
	if err != nil {
		w.cfg.Metrics.CounterInc(metrics.WorkerTasksTotal.Name, "status", outcomeInvalid)
		w.log.WithError(err).WithField("payload", truncate(string(payload), 256)).Warn("Invalid scan task")
		return
	}
	w.cfg.Metrics.CounterInc(metrics.WorkerTasksTotal.Name, "status", outcomeReceived)

	log := w.log.WithFields(logrus.Fields{
		"scan_id": task.ScanID,
		"target":  task.Target,
		"profile": task.Profile,
	})
	log.Info("Received scan task")

	if err := w.sem.Acquire(ctx, 1); err != nil {
		log.Warn("Worker stopping, scan task not started")
		return
	}
	w.wg.Add(1)
	w.active.Add(1)
	go w.runScan(scanCtx, task, log)
}

func (w *Worker) runScan(ctx context.Context, task Task, log *logrus.Entry) {
	defer w.wg.Done()
	defer w.sem.Release(1)
	defer w.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Scan execution failed")
			w.cfg.Metrics.CounterInc(metrics.WorkerTasksTotal.Name, "status", outcomeFailed)
			w.publish(ctx, FailedEvent(task.ScanID, fmt.Sprintf("scan panicked: %v", r)))
		}
	}()

	log.Info("Starting scan execution")
	report := w.scanner.Run(ctx, engine.Request{
		ScanID:  task.ScanID,
		Target:  task.Target,
		Profile: task.Profile,
		Options: task.Options,
		Progress: func(ctx context.Context, percent int, message string) error {
			return w.publish(ctx, ProgressEvent(task.ScanID, percent, engine.ProgressModule(ctx), message))
		},
	})

	if err := ctx.Err(); err != nil {
		log.Warn("Scan cancelled")
		w.cfg.Metrics.CounterInc(metrics.WorkerTasksTotal.Name, "status", outcomeFailed)
		w.publish(ctx, FailedEvent(task.ScanID, "scan cancelled: worker shutting down"))
		return
	}
	if report == nil {
		w.cfg.Metrics.CounterInc(metrics.WorkerTasksTotal.Name, "status", outcomeFailed)
		w.publish(ctx, FailedEvent(task.ScanID, "scan produced no report"))
		return
	}

	// A scan whose result never reached the channel has failed for the
	// consumer, which is told so if the channel accepts a smaller event.
	if err := w.publish(ctx, CompletedEvent(task.ScanID, report)); err != nil {
		w.cfg.Metrics.CounterInc(metrics.WorkerTasksTotal.Name, "status", outcomeFailed)
		w.publish(ctx, FailedEvent(task.ScanID, fmt.Sprintf("failed to publish scan result: %v", err)))
		return
	}
	w.cfg.Metrics.CounterInc(metrics.WorkerTasksTotal.Name, "status", outcomeCompleted)
	log.WithFields(logrus.Fields{
		"assets":   len(report.Assets),
		"findings": len(report.Findings),
	}).Info("Scan completed successfully")
}

// publish sends ev on the results channel. It keeps working while the
// scan context is being cancelled so final events still go out.
func (w *Worker) publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		w.log.WithError(err).WithField("scan_id", ev.ScanID).Error("Failed to encode event")
		return err
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := w.broker.Publish(pctx, w.cfg.ResultsChannel, payload); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"scan_id": ev.ScanID,
			"status":  ev.Status,
		}).Error("Failed to publish event")
		return err
	}
	return nil
}

// drain waits for in-flight scans, cancelling them after DrainTimeout.
func (w *Worker) drain(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if n := w.Active(); n > 0 {
		w.log.WithField("active", n).Info("Waiting for in-flight scans")
	}
	select {
	case <-done:
		return
	case <-time.After(w.cfg.DrainTimeout):
	}

	w.log.WithField("active", w.Active()).Warn("Drain timeout, cancelling in-flight scans")
	cancel()
	<-done
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
