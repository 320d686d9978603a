// Package engine runs a resolved module sequence against one target and
// assembles the scan report.
//
// Modules run one after another. Each runs in its own goroutine under a
// per-module deadline; when the deadline passes the engine cancels the
// module's context and moves on without waiting. A module that ignores its
// context keeps its goroutine alive until it returns, so a misbehaving probe
// can leak resources past its timeout.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/errors"
	"github.com/exploopio/surface/pkg/guard"
	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/modules"
	"github.com/exploopio/surface/pkg/profile"
	"github.com/exploopio/surface/pkg/scoring"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// Scan statuses reported to metrics.
const (
	StatusCompleted = "completed"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
)

// controlKeys are scan options consumed by the engine itself.
var controlKeys = map[string]bool{
	core.OptModules:          true,
	core.OptExcludeModules:   true,
	core.OptDiscoveredAssets: true,
}

// Request describes one scan.
type Request struct {
	// ScanID identifies the scan. A new UUID is generated when empty.
	ScanID  string
	Target  string
	Profile string
	Options core.Options
	// Progress overrides the engine's progress sink for this scan.
	Progress ProgressFunc
}

// Engine orchestrates scans. It holds no per-scan state and is safe for
// concurrent use.
type Engine struct {
	registry *modules.Registry
	guard    *guard.Guard
	cfg      *Config
}

// New creates an engine.
func New(registry *modules.Registry, g *guard.Guard, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.E(errors.KindInvalidInput, "engine.New", "registry is required")
	}
	if g == nil {
		return nil, errors.E(errors.KindInvalidInput, "engine.New", "guard is required")
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{registry: registry, guard: g, cfg: cfg}, nil
}

// Registry returns the module registry.
func (e *Engine) Registry() *modules.Registry {
	return e.registry
}

// RunScan scans target with the named profile. It always returns a report.
func (e *Engine) RunScan(ctx context.Context, target, profileName string, opts core.Options) *core.ScanReport {
	return e.Run(ctx, Request{Target: target, Profile: profileName, Options: opts})
}

// Run executes req. Module failures, timeouts and progress sink errors are
// recorded in the report and never returned.
func (e *Engine) Run(ctx context.Context, req Request) *core.ScanReport {
	start := e.cfg.Now()
	if req.ScanID == "" {
		req.ScanID = e.cfg.NewID()
	}
	if req.Options == nil {
		req.Options = core.Options{}
	}
	progress := req.Progress
	if progress == nil {
		progress = e.cfg.Progress
	}

	report := core.NewScanReport(req.Target, req.Profile)
	report.ScanID = req.ScanID
	report.StartedAt = start

	log := e.cfg.Logger.WithFields(logrus.Fields{
		"scan_id": req.ScanID,
		"target":  req.Target,
		"profile": req.Profile,
	})
	log.Info("Starting scan")

	e.cfg.Metrics.GaugeInc(metrics.ActiveScans.Name)
	defer e.cfg.Metrics.GaugeDec(metrics.ActiveScans.Name)

	if verdict := e.guard.Check(ctx, req.Target); verdict.Blocked {
		log.WithField("matched", verdict.Matched).Warn("Target resolves to blocked IP range")
		report.Errors = append(report.Errors, verdict.Reason)
		report.Summary = scoring.Neutral()
		report.DurationSeconds = e.cfg.Now().Sub(start).Seconds()
		metrics.ObserveScan(e.cfg.Metrics, req.Profile, StatusBlocked, e.cfg.Now().Sub(start))
		return report
	}

	plan := profile.Resolve(req.Profile, req.Options, e.registry)
	for _, name := range plan.Dropped {
		log.WithField("module", name).Warn("Unknown module")
	}

	total := plan.Total()
	status := StatusCompleted
	var discovered []core.Asset

	for i, name := range plan.Modules {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("Scan cancelled: %v", err))
			status = StatusCancelled
			break
		}

		factory, ok := e.registry.Resolve(name)
		if !ok {
			log.WithField("module", name).Warn("Unknown module")
			total--
			continue
		}
		m := factory()
		mlog := log.WithField("module", name)

		if !core.ValidateTarget(m, req.Target) {
			mlog.Warn("Module does not support this target type")
		}

		e.emit(context.WithValue(ctx, progressModuleKey{}, name), progress,
			percent(i, plan.Total()), fmt.Sprintf("Running %s...", m.Description()))
		mlog.Info("Running module")

		opts := buildOptions(name, req.Options, discovered, e.registry)
		moduleStart := e.cfg.Now()
		out := e.invoke(ctx, m, req.Target, opts)
		elapsed := e.cfg.Now().Sub(moduleStart)

		metrics.ObserveModule(e.cfg.Metrics, name, string(out.state), elapsed)

		switch out.state {
		case core.StateTimedOut:
			msg := fmt.Sprintf("Module %s timed out", name)
			mlog.Error(msg)
			report.Errors = append(report.Errors, msg)
			report.ModuleResults[name] = core.ModuleSummary{
				Errors: []string{msg}, Duration: elapsed.Seconds(), Status: core.StateTimedOut,
			}

		case core.StateFailed:
			msg := fmt.Sprintf("Module %s failed: %s", name, out.reason)
			mlog.WithField("error", out.reason).Error(msg)
			report.Errors = append(report.Errors, msg)
			report.ModuleResults[name] = core.ModuleSummary{
				Errors: []string{msg}, Duration: elapsed.Seconds(), Status: core.StateFailed,
			}

		case core.StateCompleted:
			res := out.result
			moduleErrors := append([]string{}, res.Errors...)
			kept := 0
			for _, f := range res.Findings {
				if err := f.Validate(); err != nil {
					msg := fmt.Sprintf("Module %s reported invalid finding %q: %v", name, f.Title, err)
					mlog.Warn(msg)
					moduleErrors = append(moduleErrors, msg)
					continue
				}
				report.Findings = append(report.Findings, f)
				kept++
			}
			report.Assets = append(report.Assets, res.Assets...)
			discovered = append(discovered, res.Assets...)
			report.Errors = append(report.Errors, moduleErrors...)
			report.ModuleResults[name] = core.ModuleSummary{
				Assets:   len(res.Assets),
				Findings: kept,
				Errors:   moduleErrors,
				Duration: res.DurationSeconds,
				Status:   core.StateCompleted,
			}
			report.ModulesCompleted++

			mlog.WithFields(logrus.Fields{
				"assets":   len(res.Assets),
				"findings": kept,
			}).Info("Module completed")
		}
	}

	report.ModulesTotal = total
	e.emit(ctx, progress, 100, "Scan completed")

	report.Summary = scoring.Summarize(report.Findings)
	for _, level := range severity.AllLevels() {
		metrics.AddFindings(e.cfg.Metrics, string(level), report.Summary.SeverityCounts[string(level)])
	}

	duration := e.cfg.Now().Sub(start)
	report.DurationSeconds = duration.Seconds()
	metrics.ObserveScan(e.cfg.Metrics, plan.Profile, status, duration)

	log.WithFields(logrus.Fields{
		"duration": fmt.Sprintf("%.1fs", duration.Seconds()),
		"assets":   len(report.Assets),
		"findings": len(report.Findings),
		"errors":   len(report.Errors),
	}).Info("Scan completed")
	return report
}

// outcome is the tagged result of one module invocation. result is set only
// for StateCompleted; reason only for StateFailed.
type outcome struct {
	state  core.ModuleState
	result *core.ModuleResult
	reason string
}

func (e *Engine) invoke(ctx context.Context, m core.Module, target string, opts core.Options) outcome {
	mctx, cancel := context.WithTimeout(ctx, e.cfg.ModuleTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{state: core.StateFailed, reason: fmt.Sprint(r)}
			}
		}()
		res := m.Run(mctx, target, opts)
		if res == nil {
			done <- outcome{state: core.StateFailed, reason: "module returned no result"}
			return
		}
		done <- outcome{state: core.StateCompleted, result: res}
	}()

	select {
	case out := <-done:
		if mctx.Err() == nil {
			return out
		}
	case <-mctx.Done():
	}

	// A result delivered after the deadline is discarded.
	if err := ctx.Err(); err != nil {
		return outcome{state: core.StateFailed, reason: err.Error()}
	}
	return outcome{state: core.StateTimedOut}
}

func (e *Engine) emit(ctx context.Context, fn ProgressFunc, pct int, msg string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Logger.WithField("panic", r).Debug("Progress callback panicked")
		}
	}()
	if err := fn(ctx, pct, msg); err != nil {
		e.cfg.Logger.WithError(err).Debug("Progress callback failed")
	}
}

// buildOptions assembles the options handed to one module: the global
// options without engine control keys and other modules' sections, the
// module's own section on top, the exclusion keys, and for asset consumers a
// snapshot of everything discovered so far.
func buildOptions(name string, global core.Options, discovered []core.Asset, catalog profile.Catalog) core.Options {
	g := global.Clone()
	opts := core.Options{}
	for k, v := range g {
		if controlKeys[k] || catalog.Has(k) {
			continue
		}
		opts[k] = v
	}
	for k, v := range g.Map(name) {
		opts[k] = v
	}
	for _, k := range core.PassThroughKeys {
		if v, ok := g[k]; ok {
			opts[k] = v
		}
	}
	if core.ConsumesAssets(name) {
		opts[core.OptDiscoveredAssets] = core.SnapshotAssets(discovered)
	}
	return opts
}

func percent(i, total int) int {
	if total <= 0 {
		return 0
	}
	return i * 100 / total
}
