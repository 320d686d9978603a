// Package core provides the data model and the module contract for the
// attack-surface scanner. Probe modules implement Module; the engine
// sequences them and aggregates their results into a ScanReport.
package core

import (
	"context"
	"strings"
)

// =============================================================================
// Module Interface - A single probe run against a target
// =============================================================================

// Module is the contract every scan module implements.
type Module interface {
	// Name returns the stable registry identifier (e.g., "dns_enumerator")
	Name() string

	// Description returns a human-readable label shown in progress messages
	Description() string

	// Run executes the module against target. It must not panic; failures
	// are reported through ModuleResult.Errors. ctx is cancelled when the
	// module's time budget expires and implementations should honour it.
	Run(ctx context.Context, target string, opts Options) *ModuleResult
}

// TargetValidator is implemented by modules that can reject targets they
// cannot handle.
type TargetValidator interface {
	ValidateTarget(target string) bool
}

// ValidateTarget asks m whether it accepts target. Modules without their own
// check accept any non-blank target.
func ValidateTarget(m Module, target string) bool {
	if v, ok := m.(TargetValidator); ok {
		return v.ValidateTarget(target)
	}
	return strings.TrimSpace(target) != ""
}

// =============================================================================
// Module Names
// =============================================================================

// Names of the modules referenced by scan profiles.
const (
	ModuleDNSEnumerator     = "dns_enumerator"
	ModulePortScanner       = "port_scanner"
	ModuleSSLAnalyzer       = "ssl_analyzer"
	ModuleWebCrawler        = "web_crawler"
	ModuleTechDetector      = "tech_detector"
	ModuleAdminDetector     = "admin_detector"
	ModuleReconModule       = "recon_module"
	ModuleWAFDetector       = "waf_detector"
	ModuleVulnChecker       = "vuln_checker"
	ModuleSubdomainTakeover = "subdomain_takeover"
	ModuleNVDCVEMatcher     = "nvd_cve_matcher"
	ModuleAPIDiscovery      = "api_discovery"
	ModuleAPISecurity       = "api_security"
	ModuleDefaultCreds      = "default_creds"
)

// assetConsumers are the modules that receive the assets discovered by
// the modules run before them.
var assetConsumers = map[string]bool{
	ModuleVulnChecker:       true,
	ModuleSubdomainTakeover: true,
	ModuleNVDCVEMatcher:     true,
	ModuleAdminDetector:     true,
	ModuleDefaultCreds:      true,
}

// ConsumesAssets reports whether the named module is fed earlier discoveries.
func ConsumesAssets(name string) bool {
	return assetConsumers[name]
}

// =============================================================================
// Target helpers
// =============================================================================

// Hostname strips a scheme, path and port from target, leaving the bare host.
// Bracketed IPv6 literals are unwrapped.
func Hostname(target string) string {
	host := strings.TrimSpace(target)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[1:end]
		}
	}
	// More than one colon without brackets is a bare IPv6 literal.
	if strings.Count(host, ":") == 1 {
		host = host[:strings.Index(host, ":")]
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// BaseURL returns target as an http(s) origin, defaulting to https.
func BaseURL(target string) string {
	t := strings.TrimSpace(target)
	scheme := "https"
	if i := strings.Index(t, "://"); i >= 0 {
		if s := strings.ToLower(t[:i]); s == "http" || s == "https" {
			scheme = s
		}
		t = t[i+3:]
	}
	if i := strings.IndexAny(t, "/?#"); i >= 0 {
		t = t[:i]
	}
	return scheme + "://" + t
}
