package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/guard"
	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/modules"
	"github.com/exploopio/surface/pkg/profile"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// =============================================================================
// Test doubles
// =============================================================================

type staticResolver map[string][]net.IP

func (r staticResolver) LookupIP(_ context.Context, host string) ([]net.IP, error) {
	if ips, ok := r[host]; ok {
		return ips, nil
	}
	return nil, errors.New("no such host")
}

type runFunc func(ctx context.Context, target string, opts core.Options) *core.ModuleResult

type fakeModule struct {
	name string
	run  runFunc
}

func (m *fakeModule) Name() string        { return m.name }
func (m *fakeModule) Description() string { return m.name + " probe" }
func (m *fakeModule) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	return m.run(ctx, target, opts)
}

// recorder keeps the options and invocation order seen by fake modules.
type recorder struct {
	mu    sync.Mutex
	order []string
	opts  map[string]core.Options
}

func newRecorder() *recorder {
	return &recorder{opts: map[string]core.Options{}}
}

func (r *recorder) seen(name string, opts core.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.opts[name] = opts
}

func (r *recorder) module(name string, assets ...core.Asset) modules.Factory {
	return func() core.Module {
		return &fakeModule{name: name, run: func(_ context.Context, _ string, opts core.Options) *core.ModuleResult {
			r.seen(name, opts)
			res := core.NewResult(name)
			for _, a := range assets {
				res.AddAsset(a.Clone())
			}
			return res
		}}
	}
}

func register(r *modules.Registry, name string, run runFunc) {
	r.Register(name, func() core.Module { return &fakeModule{name: name, run: run} })
}

func newGuard(t *testing.T) *guard.Guard {
	t.Helper()
	g, err := guard.New(guard.Config{Resolver: staticResolver{
		"example.com":  {net.ParseIP("93.184.216.34")},
		"intranet.lan": {net.ParseIP("192.168.1.20")},
	}})
	require.NoError(t, err)
	return g
}

func newEngine(t *testing.T, reg *modules.Registry, opts ...Option) *Engine {
	t.Helper()
	e, err := New(reg, newGuard(t), opts...)
	require.NoError(t, err)
	return e
}

func custom(names ...string) core.Options {
	return core.Options{core.OptModules: names}
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	g := newGuard(t)

	_, err := New(nil, g)
	assert.Error(t, err)

	_, err = New(modules.NewRegistry(), nil)
	assert.Error(t, err)
}

func TestRunScan_BlockedTarget(t *testing.T) {
	rec := newRecorder()
	reg := modules.NewRegistry()
	reg.Register("alpha", rec.module("alpha"))

	tests := []string{"10.1.2.3", "http://127.0.0.1:8080/admin", "intranet.lan", "https://[::1]/"}
	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			report := newEngine(t, reg).RunScan(context.Background(), target, profile.Custom, custom("alpha"))

			assert.Equal(t, 0, report.ModulesCompleted)
			assert.Equal(t, 0, report.ModulesTotal)
			assert.Empty(t, report.Assets)
			assert.Empty(t, report.Findings)
			assert.Empty(t, report.ModuleResults)
			require.Len(t, report.Errors, 1)
			assert.Equal(t, "Target '"+target+"' resolves to a blocked/private IP range.", report.Errors[0])
			assert.Equal(t, 100, report.Summary.SecurityScore)
			assert.Equal(t, 0, report.Summary.RiskScore)
		})
	}
	assert.Empty(t, rec.order, "no module may run against a blocked target")
}

func TestRunScan_InvokesResolvedModulesInOrder(t *testing.T) {
	rec := newRecorder()
	reg := modules.NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma", "delta"} {
		reg.Register(name, rec.module(name))
	}

	opts := custom("gamma", "ghost", "alpha", "delta", "gamma", "beta")
	opts[core.OptExcludeModules] = []string{"delta"}

	report := newEngine(t, reg).RunScan(context.Background(), "example.com", profile.Custom, opts)

	assert.Equal(t, []string{"gamma", "alpha", "beta"}, rec.order)
	assert.Equal(t, 3, report.ModulesTotal)
	assert.Equal(t, 3, report.ModulesCompleted)
	assert.Empty(t, report.Errors)
	assert.NotContains(t, report.ModuleResults, "ghost")
	assert.NotEmpty(t, report.ScanID)
}

func TestRunScan_ProfileFallsBackToRegisteredStandardModules(t *testing.T) {
	rec := newRecorder()
	reg := modules.NewRegistry()
	reg.Register(core.ModuleWebCrawler, rec.module(core.ModuleWebCrawler))
	reg.Register(core.ModuleDNSEnumerator, rec.module(core.ModuleDNSEnumerator))

	report := newEngine(t, reg).RunScan(context.Background(), "example.com", "NO_SUCH_PROFILE", nil)

	assert.Equal(t, []string{core.ModuleDNSEnumerator, core.ModuleWebCrawler}, rec.order)
	assert.Equal(t, 2, report.ModulesTotal)
}

func TestRunScan_AssetVisibilityIsCausal(t *testing.T) {
	rec := newRecorder()
	reg := modules.NewRegistry()

	sub := core.NewAsset(core.AssetSubdomain, "www.example.com")
	port := core.NewAsset(core.AssetPort, "example.com:443/tcp")
	reg.Register(core.ModuleDNSEnumerator, rec.module(core.ModuleDNSEnumerator, sub))
	reg.Register(core.ModuleAdminDetector, rec.module(core.ModuleAdminDetector))
	reg.Register(core.ModulePortScanner, rec.module(core.ModulePortScanner, port))
	reg.Register(core.ModuleSubdomainTakeover, rec.module(core.ModuleSubdomainTakeover))

	order := []string{core.ModuleAdminDetector, core.ModuleDNSEnumerator, core.ModuleSubdomainTakeover, core.ModulePortScanner}
	report := newEngine(t, reg).RunScan(context.Background(), "example.com", profile.Custom, custom(order...))
	require.Equal(t, order, rec.order)

	admin := rec.opts[core.ModuleAdminDetector].DiscoveredAssets()
	assert.NotNil(t, admin)
	assert.Empty(t, admin, "first module sees nothing")

	takeover := rec.opts[core.ModuleSubdomainTakeover].DiscoveredAssets()
	require.Len(t, takeover, 1)
	assert.Equal(t, "www.example.com", takeover[0].Value)

	assert.False(t, rec.opts[core.ModuleDNSEnumerator].Has(core.OptDiscoveredAssets))
	assert.False(t, rec.opts[core.ModulePortScanner].Has(core.OptDiscoveredAssets))

	assert.Equal(t, []string{"www.example.com", "example.com:443/tcp"},
		[]string{report.Assets[0].Value, report.Assets[1].Value})
}

func TestRunScan_DiscoveredAssetsAreSnapshots(t *testing.T) {
	reg := modules.NewRegistry()
	register(reg, core.ModuleDNSEnumerator, func(_ context.Context, _ string, _ core.Options) *core.ModuleResult {
		res := core.NewResult(core.ModuleDNSEnumerator)
		res.AddAsset(core.NewAsset(core.AssetSubdomain, "api.example.com").With("source", "bruteforce"))
		return res
	})
	register(reg, core.ModuleAdminDetector, func(_ context.Context, _ string, opts core.Options) *core.ModuleResult {
		assets := opts.DiscoveredAssets()
		assets[0].Value = "tampered"
		assets[0].Metadata["source"] = "tampered"
		return core.NewResult(core.ModuleAdminDetector)
	})
	var seen []core.Asset
	register(reg, core.ModuleSubdomainTakeover, func(_ context.Context, _ string, opts core.Options) *core.ModuleResult {
		seen = opts.DiscoveredAssets()
		return core.NewResult(core.ModuleSubdomainTakeover)
	})

	report := newEngine(t, reg).RunScan(context.Background(), "example.com", profile.Custom,
		custom(core.ModuleDNSEnumerator, core.ModuleAdminDetector, core.ModuleSubdomainTakeover))

	require.Len(t, report.Assets, 1)
	assert.Equal(t, "api.example.com", report.Assets[0].Value)
	assert.Equal(t, "bruteforce", report.Assets[0].Metadata["source"])
	require.Len(t, seen, 1)
	assert.Equal(t, "api.example.com", seen[0].Value)
	assert.Equal(t, "bruteforce", seen[0].Metadata["source"])
}

func TestRunScan_FailuresDoNotStopTheScan(t *testing.T) {
	reg := modules.NewRegistry()
	register(reg, "panics", func(context.Context, string, core.Options) *core.ModuleResult {
		panic("index out of range")
	})
	register(reg, "returns_nil", func(context.Context, string, core.Options) *core.ModuleResult {
		return nil
	})
	register(reg, "reports_errors", func(context.Context, string, core.Options) *core.ModuleResult {
		res := core.NewResult("reports_errors")
		res.AddError("Could not connect to %s via SSL/TLS", "example.com:443")
		return res
	})
	rec := newRecorder()
	reg.Register("last", rec.module("last", core.NewAsset(core.AssetEndpoint, "https://example.com/")))

	report := newEngine(t, reg).RunScan(context.Background(), "example.com", profile.Custom,
		custom("panics", "returns_nil", "reports_errors", "last"))

	assert.Equal(t, []string{"last"}, rec.order)
	assert.Equal(t, 4, report.ModulesTotal)
	assert.Equal(t, 2, report.ModulesCompleted)
	assert.Equal(t, []string{
		"Module panics failed: index out of range",
		"Module returns_nil failed: module returned no result",
		"Could not connect to example.com:443 via SSL/TLS",
	}, report.Errors)

	assert.Equal(t, core.StateFailed, report.ModuleResults["panics"].Status)
	assert.Equal(t, core.StateFailed, report.ModuleResults["returns_nil"].Status)
	assert.Equal(t, core.StateCompleted, report.ModuleResults["reports_errors"].Status)
	assert.Equal(t, []string{"Could not connect to example.com:443 via SSL/TLS"}, report.ModuleResults["reports_errors"].Errors)
	assert.Equal(t, 1, report.ModuleResults["last"].Assets)
}

func TestRunScan_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	reg := modules.NewRegistry()
	register(reg, "cooperative", func(ctx context.Context, _ string, _ core.Options) *core.ModuleResult {
		<-ctx.Done()
		return core.NewResult("cooperative")
	})
	register(reg, "stubborn", func(context.Context, string, core.Options) *core.ModuleResult {
		<-release
		return core.NewResult("stubborn")
	})
	rec := newRecorder()
	reg.Register("after", rec.module("after"))

	e := newEngine(t, reg, WithTimeout(50*time.Millisecond))

	start := time.Now()
	report := e.RunScan(context.Background(), "example.com", profile.Custom, custom("cooperative", "stubborn", "after"))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, []string{"after"}, rec.order)
	assert.Equal(t, []string{"Module cooperative timed out", "Module stubborn timed out"}, report.Errors)
	assert.Equal(t, 1, report.ModulesCompleted)
	assert.Equal(t, 3, report.ModulesTotal)
	assert.Equal(t, core.StateTimedOut, report.ModuleResults["stubborn"].Status)
}

func TestRunScan_Progress(t *testing.T) {
	reg := modules.NewRegistry()
	rec := newRecorder()
	for _, name := range []string{"one", "two", "three"} {
		reg.Register(name, rec.module(name))
	}

	type event struct {
		pct int
		msg string
	}
	var events []event
	calls := 0
	sink := func(_ context.Context, pct int, msg string) error {
		events = append(events, event{pct, msg})
		calls++
		switch calls {
		case 1:
			return errors.New("broker unavailable")
		case 2:
			panic("sink blew up")
		}
		return nil
	}

	report := newEngine(t, reg, WithProgress(sink)).RunScan(context.Background(), "example.com",
		profile.Custom, custom("one", "two", "three"))

	assert.Equal(t, []event{
		{0, "Running one probe..."},
		{33, "Running two probe..."},
		{66, "Running three probe..."},
		{100, "Scan completed"},
	}, events)
	assert.Equal(t, 3, report.ModulesCompleted)
	assert.Empty(t, report.Errors)
}

func TestRunScan_ProgressModule(t *testing.T) {
	reg := modules.NewRegistry()
	rec := newRecorder()
	reg.Register("one", rec.module("one"))
	reg.Register("two", rec.module("two"))

	var names []string
	sink := func(ctx context.Context, _ int, _ string) error {
		names = append(names, ProgressModule(ctx))
		return nil
	}
	newEngine(t, reg, WithProgress(sink)).RunScan(context.Background(), "example.com",
		profile.Custom, custom("one", "two"))

	assert.Equal(t, []string{"one", "two", ""}, names)
	assert.Empty(t, ProgressModule(context.Background()))
}

func TestRun_RequestProgressOverridesDefault(t *testing.T) {
	reg := modules.NewRegistry()
	reg.Register("one", newRecorder().module("one"))

	defaultCalls, requestCalls := 0, 0
	e := newEngine(t, reg, WithProgress(func(context.Context, int, string) error {
		defaultCalls++
		return nil
	}))
	report := e.Run(context.Background(), Request{
		ScanID:  "scan-42",
		Target:  "example.com",
		Profile: profile.Custom,
		Options: custom("one"),
		Progress: func(context.Context, int, string) error {
			requestCalls++
			return nil
		},
	})

	assert.Equal(t, "scan-42", report.ScanID)
	assert.Equal(t, 0, defaultCalls)
	assert.Equal(t, 2, requestCalls)
}

func TestRunScan_ModuleOptions(t *testing.T) {
	rec := newRecorder()
	reg := modules.NewRegistry()
	reg.Register(core.ModulePortScanner, rec.module(core.ModulePortScanner))
	reg.Register(core.ModuleWebCrawler, rec.module(core.ModuleWebCrawler))

	opts := custom(core.ModulePortScanner, core.ModuleWebCrawler)
	opts["request_delay"] = 0.5
	opts[core.OptExcludePaths] = []any{"/logout"}
	opts[core.OptExcludePorts] = []any{22.0}
	opts[core.ModulePortScanner] = map[string]any{
		"scan_type":          "quick",
		"request_delay":      2,
		core.OptExcludePorts: []any{80.0},
	}
	opts[core.ModuleWebCrawler] = map[string]any{"max_pages": 5}

	newEngine(t, reg).RunScan(context.Background(), "example.com", profile.Custom, opts)

	ps := rec.opts[core.ModulePortScanner]
	assert.Equal(t, "quick", ps.String("scan_type", ""))
	assert.Equal(t, 2, ps.Int("request_delay", 0), "module section overrides global")
	assert.Equal(t, []int{22}, ps.Ints(core.OptExcludePorts), "exclusions come from the scan")
	assert.Equal(t, []string{"/logout"}, ps.Strings(core.OptExcludePaths))
	assert.False(t, ps.Has(core.ModuleWebCrawler), "other module sections are not passed")
	assert.False(t, ps.Has(core.OptModules))
	assert.False(t, ps.Has(core.OptDiscoveredAssets))

	wc := rec.opts[core.ModuleWebCrawler]
	assert.Equal(t, 5, wc.Int("max_pages", 0))
	assert.False(t, wc.Has("scan_type"))

	// Modules get their own copies of the scan options.
	ps[core.OptExcludePaths].([]any)[0] = "/changed"
	assert.Equal(t, "/logout", opts[core.OptExcludePaths].([]any)[0])
}

func TestRunScan_InvalidFindingsAreDropped(t *testing.T) {
	reg := modules.NewRegistry()
	register(reg, "vuln", func(context.Context, string, core.Options) *core.ModuleResult {
		res := core.NewResult("vuln")
		res.AddFinding(core.Finding{Title: "SQLi", Severity: severity.Critical, Category: core.CategorySQLInjection})
		res.AddFinding(core.Finding{Title: "Broken", Severity: severity.High, Category: core.CategoryOther, CVSSScore: core.CVSS(11)})
		res.AddFinding(core.Finding{Title: "Unscored", Severity: severity.High, Category: core.CategoryOther, CVSSScore: core.CVSS(math.NaN())})
		return res
	})

	report := newEngine(t, reg).RunScan(context.Background(), "example.com", profile.Custom, custom("vuln"))

	require.Len(t, report.Findings, 1)
	assert.Equal(t, "SQLi", report.Findings[0].Title)
	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0], `Module vuln reported invalid finding "Broken"`)
	assert.Contains(t, report.Errors[1], `Module vuln reported invalid finding "Unscored"`)
	assert.Equal(t, 1, report.ModuleResults["vuln"].Findings)

	assert.Equal(t, 1, report.Summary.TotalFindings)
	assert.Equal(t, 98, report.Summary.RiskScore)
	assert.Equal(t, 2, report.Summary.SecurityScore)

	_, err := json.Marshal(report)
	assert.NoError(t, err)
}

func TestRunScan_CancelledContext(t *testing.T) {
	rec := newRecorder()
	reg := modules.NewRegistry()
	reg.Register("alpha", rec.module("alpha"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := newEngine(t, reg).RunScan(ctx, "93.184.216.34", profile.Custom, custom("alpha"))

	assert.Empty(t, rec.order)
	assert.Equal(t, 0, report.ModulesCompleted)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "Scan cancelled")
}

func TestRunScan_Metrics(t *testing.T) {
	reg := modules.NewRegistry()
	register(reg, "ok", func(context.Context, string, core.Options) *core.ModuleResult {
		res := core.NewResult("ok")
		res.AddFinding(core.Finding{Title: "Missing HSTS Header", Severity: severity.Medium, Category: core.CategorySecurityHeaders})
		return res
	})
	register(reg, "boom", func(context.Context, string, core.Options) *core.ModuleResult { panic("x") })

	m := metrics.NewInMemoryCollector()
	newEngine(t, reg, WithMetrics(m)).RunScan(context.Background(), "example.com", profile.Custom, custom("ok", "boom"))
	newEngine(t, reg, WithMetrics(m)).RunScan(context.Background(), "10.0.0.1", profile.Quick, nil)

	assert.Equal(t, 1.0, m.Counter(metrics.ScansTotal.Name, "profile", profile.Custom, "status", StatusCompleted))
	assert.Equal(t, 1.0, m.Counter(metrics.ScansTotal.Name, "profile", profile.Quick, "status", StatusBlocked))
	assert.Equal(t, 1.0, m.Counter(metrics.ModuleRunsTotal.Name, "module", "ok", "state", string(core.StateCompleted)))
	assert.Equal(t, 1.0, m.Counter(metrics.ModuleRunsTotal.Name, "module", "boom", "state", string(core.StateFailed)))
	assert.Equal(t, 1.0, m.Counter(metrics.FindingsTotal.Name, "severity", string(severity.Medium)))
	assert.Equal(t, 0.0, m.Gauge(metrics.ActiveScans.Name))
}

func TestRunScan_Clock(t *testing.T) {
	reg := modules.NewRegistry()
	reg.Register("one", newRecorder().module("one"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	report := newEngine(t, reg, WithClock(clock), WithIDGenerator(func() string { return "fixed" })).
		RunScan(context.Background(), "example.com", profile.Custom, custom("one"))

	assert.Equal(t, "fixed", report.ScanID)
	assert.Equal(t, base.Add(time.Second), report.StartedAt)
	assert.Greater(t, report.DurationSeconds, 0.0)
}
