package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/metrics"
)

// DefaultModuleTimeout bounds a single module run.
const DefaultModuleTimeout = 3600 * time.Second

// ProgressFunc receives progress events. Returned errors and panics are
// ignored by the engine. For module events ctx carries the module name, see
// ProgressModule.
type ProgressFunc func(ctx context.Context, percent int, message string) error

type progressModuleKey struct{}

// ProgressModule returns the module a progress event was emitted for, or ""
// for scan level events.
func ProgressModule(ctx context.Context) string {
	name, _ := ctx.Value(progressModuleKey{}).(string)
	return name
}

// Config holds the engine configuration.
type Config struct {
	ModuleTimeout time.Duration
	Progress      ProgressFunc
	Logger        *logrus.Entry
	Metrics       metrics.Collector
	Now           func() time.Time
	NewID         func() string
}

// Option configures the engine.
type Option func(*Config)

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		ModuleTimeout: DefaultModuleTimeout,
		Logger:        logrus.NewEntry(logrus.StandardLogger()),
		Metrics:       metrics.NopCollector{},
		Now:           time.Now,
	}
}

// WithTimeout sets the per-module timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ModuleTimeout = d
		}
	}
}

// WithProgress sets the default progress sink.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Config) {
		if m != nil {
			c.Metrics = m
		}
	}
}

// WithClock sets the clock used for report timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// WithIDGenerator sets the generator for scan IDs of requests without one.
func WithIDGenerator(fn func() string) Option {
	return func(c *Config) {
		c.NewID = fn
	}
}
