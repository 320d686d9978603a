package core

import (
	"fmt"
	"math"
	"time"

	"github.com/exploopio/surface/pkg/shared/severity"
)

// =============================================================================
// Assets
// =============================================================================

// AssetType classifies a discovered asset. The set is open; modules may
// report types beyond the ones declared here.
type AssetType string

const (
	AssetSubdomain   AssetType = "SUBDOMAIN"
	AssetDNSRecord   AssetType = "DNS_RECORD"
	AssetIP          AssetType = "IP"
	AssetPort        AssetType = "PORT"
	AssetEndpoint    AssetType = "ENDPOINT"
	AssetTechnology  AssetType = "TECHNOLOGY"
	AssetCertificate AssetType = "CERTIFICATE"
)

// Asset is a discovered element of the attack surface.
// Assets are never mutated once a module has returned them.
type Asset struct {
	Type     AssetType      `json:"type"`
	Value    string         `json:"value"`
	Metadata map[string]any `json:"metadata"`
}

// NewAsset creates an asset with an initialised metadata map.
func NewAsset(t AssetType, value string) Asset {
	return Asset{Type: t, Value: value, Metadata: map[string]any{}}
}

// With returns a copy of the asset with key set in its metadata.
func (a Asset) With(key string, value any) Asset {
	md := cloneMap(a.Metadata)
	md[key] = value
	a.Metadata = md
	return a
}

// Clone returns a deep copy of the asset.
func (a Asset) Clone() Asset {
	a.Metadata = cloneMap(a.Metadata)
	return a
}

// SnapshotAssets returns an independent copy of assets. Changes to the
// returned slice or its metadata maps are invisible to the source.
func SnapshotAssets(assets []Asset) []Asset {
	out := make([]Asset, len(assets))
	for i, a := range assets {
		out[i] = a.Clone()
	}
	return out
}

// =============================================================================
// Findings
// =============================================================================

// Category classifies a finding. The set is open.
type Category string

const (
	CategorySQLInjection       Category = "SQL_INJECTION"
	CategoryCommandInjection   Category = "COMMAND_INJECTION"
	CategoryRFI                Category = "RFI"
	CategorySSRF               Category = "SSRF"
	CategoryXSSStored          Category = "XSS_STORED"
	CategoryLFI                Category = "LFI"
	CategoryPathTraversal      Category = "PATH_TRAVERSAL"
	CategoryIDOR               Category = "IDOR"
	CategoryXSSReflected       Category = "XSS_REFLECTED"
	CategoryCORSMisconfig      Category = "CORS_MISCONFIG"
	CategoryCSRF               Category = "CSRF"
	CategoryOpenRedirect       Category = "OPEN_REDIRECT"
	CategorySSLTLS             Category = "SSL_TLS"
	CategoryCertIssue          Category = "CERT_ISSUE"
	CategorySecurityHeaders    Category = "SECURITY_HEADERS"
	CategoryCookieSecurity     Category = "COOKIE_SECURITY"
	CategoryHTTPMethods        Category = "HTTP_METHODS"
	CategoryInfoDisclosure     Category = "INFO_DISCLOSURE"
	CategoryDirectoryListing   Category = "DIRECTORY_LISTING"
	CategorySensitiveFile      Category = "SENSITIVE_FILE"
	CategoryOutdatedSoftware   Category = "OUTDATED_SOFTWARE"
	CategoryDefaultCredentials Category = "DEFAULT_CREDENTIALS"
	CategoryEmailSecurity      Category = "EMAIL_SECURITY"
	CategoryWAFDetected        Category = "WAF_DETECTED"
	CategorySubdomainTakeover  Category = "SUBDOMAIN_TAKEOVER"
	CategoryNetwork            Category = "NETWORK"
	CategoryDNS                Category = "DNS"
	CategoryConfiguration      Category = "CONFIGURATION"
	CategoryOther              Category = "OTHER"
)

// Finding is a single security observation attributed to the target.
type Finding struct {
	Title             string         `json:"title"`
	Severity          severity.Level `json:"severity"`
	Category          Category       `json:"category"`
	Description       string         `json:"description"`
	Solution          string         `json:"solution"`
	CVEID             *string        `json:"cveId"`
	CVSSScore         *float64       `json:"cvssScore"`
	AffectedComponent string         `json:"affectedComponent"`
	Evidence          string         `json:"evidence"`
	References        []string       `json:"references"`
	Metadata          map[string]any `json:"metadata"`
}

// Validate checks the invariants of a finding.
func (f Finding) Validate() error {
	// NaN fails every comparison, so it is rejected explicitly.
	if s := f.CVSSScore; s != nil && (math.IsNaN(*s) || *s < 0 || *s > 10) {
		return fmt.Errorf("finding %q: cvss score %v outside [0, 10]", f.Title, *s)
	}
	return nil
}

// Clone returns a deep copy of the finding.
func (f Finding) Clone() Finding {
	if f.CVEID != nil {
		id := *f.CVEID
		f.CVEID = &id
	}
	if f.CVSSScore != nil {
		s := *f.CVSSScore
		f.CVSSScore = &s
	}
	if f.References != nil {
		f.References = append([]string(nil), f.References...)
	}
	f.Metadata = cloneMap(f.Metadata)
	return f
}

// CVSS returns a pointer to score, for populating Finding.CVSSScore.
func CVSS(score float64) *float64 {
	return &score
}

// CVE returns a pointer to id, for populating Finding.CVEID.
func CVE(id string) *string {
	return &id
}

// =============================================================================
// Module Results
// =============================================================================

// ModuleResult is the output of a single module run.
type ModuleResult struct {
	ModuleName      string         `json:"module_name"`
	Assets          []Asset        `json:"assets"`
	Findings        []Finding      `json:"findings"`
	RawOutput       map[string]any `json:"raw_output,omitempty"`
	Errors          []string       `json:"errors"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// NewResult creates an empty result for the named module.
func NewResult(name string) *ModuleResult {
	return &ModuleResult{
		ModuleName: name,
		Assets:     []Asset{},
		Findings:   []Finding{},
		RawOutput:  map[string]any{},
		Errors:     []string{},
	}
}

// FailedResult is the degenerate result of a module that could not run.
func FailedResult(name string, duration time.Duration, msg string) *ModuleResult {
	r := NewResult(name)
	r.Errors = append(r.Errors, msg)
	r.DurationSeconds = duration.Seconds()
	return r
}

// AddAsset appends an asset.
func (r *ModuleResult) AddAsset(a Asset) {
	r.Assets = append(r.Assets, a)
}

// AddFinding appends a finding.
func (r *ModuleResult) AddFinding(f Finding) {
	r.Findings = append(r.Findings, f)
}

// AddError appends a formatted error message.
func (r *ModuleResult) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Finish records the elapsed time since start.
func (r *ModuleResult) Finish(start time.Time) *ModuleResult {
	r.DurationSeconds = time.Since(start).Seconds()
	return r
}

// =============================================================================
// Scan Report
// =============================================================================

// ModuleState is the lifecycle state of a module within a scan.
type ModuleState string

const (
	StatePending   ModuleState = "PENDING"
	StateRunning   ModuleState = "RUNNING"
	StateCompleted ModuleState = "COMPLETED"
	StateTimedOut  ModuleState = "TIMED_OUT"
	StateFailed    ModuleState = "FAILED"
)

// Terminal reports whether s is a final state.
func (s ModuleState) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// ModuleSummary is the per-module entry in a scan report.
type ModuleSummary struct {
	Assets   int         `json:"assets"`
	Findings int         `json:"findings"`
	Errors   []string    `json:"errors"`
	Duration float64     `json:"duration"`
	Status   ModuleState `json:"status"`
}

// Summary is the aggregated risk summary of a scan.
type Summary struct {
	TotalFindings    int            `json:"total_findings"`
	SeverityCounts   map[string]int `json:"severity_counts"`
	RiskScore        int            `json:"risk_score"`
	SecurityScore    int            `json:"security_score"`
	AvgCVSS          float64        `json:"avg_cvss"`
	MaxCVSS          float64        `json:"max_cvss"`
	CVSSDistribution map[string]int `json:"cvss_distribution"`
}

// ScanReport is the full result of one scan.
type ScanReport struct {
	ScanID           string                   `json:"scan_id,omitempty"`
	Target           string                   `json:"target"`
	Profile          string                   `json:"profile"`
	StartedAt        time.Time                `json:"started_at"`
	DurationSeconds  float64                  `json:"duration_seconds"`
	ModulesCompleted int                      `json:"modules_completed"`
	ModulesTotal     int                      `json:"modules_total"`
	Assets           []Asset                  `json:"assets"`
	Findings         []Finding                `json:"findings"`
	ModuleResults    map[string]ModuleSummary `json:"module_results"`
	Errors           []string                 `json:"errors"`
	Summary          Summary                  `json:"summary"`
}

// NewScanReport creates an empty report with all collections initialised.
func NewScanReport(target, profile string) *ScanReport {
	return &ScanReport{
		Target:        target,
		Profile:       profile,
		Assets:        []Asset{},
		Findings:      []Finding{},
		ModuleResults: map[string]ModuleSummary{},
		Errors:        []string{},
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Options:
		return Options(cloneMap(t))
	case []Asset:
		return SnapshotAssets(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	default:
		return v
	}
}
