// Package vulncheck implements the vuln_checker module. It runs common web
// misconfiguration checks against the target and any web services found by
// the port scanner, and raises advisories for detected technologies.
package vulncheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/httpclient"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// Name is the registry name of the module.
const Name = core.ModuleVulnChecker

// untrustedOrigin is sent as Origin and injected into redirect parameters.
const untrustedOrigin = "https://evil.com"

// Advisory is a known issue raised when a technology is detected.
type Advisory struct {
	Title       string
	Severity    severity.Level
	Description string
	Solution    string
}

// Advisories maps technology names, as reported by tech_detector, to their
// advisories.
var Advisories = map[string][]Advisory{
	"WordPress": {{
		Title:       "WordPress Core - Keep Updated",
		Severity:    severity.Info,
		Description: "WordPress detected. Ensure it is running the latest version.",
		Solution:    "Update WordPress core, themes, and plugins regularly.",
	}},
	"PHP": {{
		Title:       "PHP Detected - Version Check Recommended",
		Severity:    severity.Info,
		Description: "PHP detected on server. Old PHP versions have known CVEs.",
		Solution:    "Ensure PHP is updated to a supported version (8.1+).",
	}},
}

// webServices are port scanner service names spoken over HTTP, by scheme.
var webServices = map[string]string{
	"http":       "http",
	"http-alt":   "http",
	"http-proxy": "http",
	"https":      "https",
	"https-alt":  "https",
}

// Module checks for common web vulnerabilities.
type Module struct {
	Client *httpclient.Client
	Logger *logrus.Entry
}

// New creates the module.
func New(client *httpclient.Client, logger *logrus.Entry) *Module {
	if client == nil {
		client = httpclient.New(httpclient.Config{})
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Module{Client: client, Logger: logger.WithField("module", Name)}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string {
	return "Checks for known CVEs and common vulnerabilities based on detected technologies"
}

// Run checks the target origin plus web services on non-default ports from
// discovered PORT assets, then matches discovered TECHNOLOGY assets against
// the advisory list. Options: discovered_assets.
func (m *Module) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)
	discovered := opts.DiscoveredAssets()

	log := m.Logger.WithField("target", target)
	log.WithField("asset_count", len(discovered)).Info("Starting vulnerability check")

	base := core.BaseURL(target)
	origins := append([]string{base}, webOrigins(core.Hostname(target), base, discovered)...)

	client := m.Client.WithRedirects(false)
	web := 0
	for _, origin := range origins {
		if ctx.Err() != nil {
			result.AddError("Vulnerability check interrupted: %v", ctx.Err())
			break
		}
		for _, f := range m.checkWeb(ctx, client, origin) {
			result.AddFinding(f)
			web++
		}
	}

	tech := 0
	for _, a := range core.AssetsOfType(discovered, core.AssetTechnology) {
		for _, f := range technologyFindings(a) {
			result.AddFinding(f)
			tech++
		}
	}

	result.RawOutput["origins"] = origins
	result.RawOutput["checks_performed"] = map[string]any{
		"web_vulns": web,
		"tech_cves": tech,
	}

	log.WithField("findings", len(result.Findings)).Info("Vulnerability check completed")
	return result.Finish(start)
}

// checkWeb runs the HTTPS redirect, open redirect, CORS and cookie checks.
// Request failures skip the affected check.
func (m *Module) checkWeb(ctx context.Context, client *httpclient.Client, origin string) []core.Finding {
	var findings []core.Finding

	httpURL := strings.Replace(origin, "https://", "http://", 1)
	if resp, err := client.Get(ctx, httpURL); err == nil {
		if !isRedirect(resp.StatusCode) {
			findings = append(findings, core.Finding{
				Title:             "HTTP to HTTPS Redirect Missing",
				Severity:          severity.Medium,
				Category:          core.CategorySecurityHeaders,
				Description:       fmt.Sprintf("HTTP request to %s does not redirect to HTTPS.", httpURL),
				Solution:          "Configure HTTP to HTTPS redirect on the web server.",
				AffectedComponent: httpURL,
				Evidence:          fmt.Sprintf("HTTP %d", resp.StatusCode),
			})
		} else if location := resp.Header.Get("Location"); !strings.Contains(location, "https://") {
			findings = append(findings, core.Finding{
				Title:             "HTTP Redirect Does Not Point to HTTPS",
				Severity:          severity.Medium,
				Category:          core.CategorySecurityHeaders,
				Description:       "HTTP redirects but not to an HTTPS URL.",
				Solution:          "Ensure HTTP redirects to HTTPS.",
				AffectedComponent: httpURL,
				Evidence:          fmt.Sprintf("HTTP %d -> %s", resp.StatusCode, location),
			})
		}
	}

	redirectURL := fmt.Sprintf("%s/?redirect=%[2]s&url=%[2]s&next=%[2]s", origin, untrustedOrigin)
	if resp, err := client.Get(ctx, redirectURL); err == nil {
		if location := resp.Header.Get("Location"); strings.Contains(location, "evil.com") {
			findings = append(findings, core.Finding{
				Title:             "Potential Open Redirect",
				Severity:          severity.Medium,
				Category:          core.CategoryOpenRedirect,
				Description:       "The application may be vulnerable to open redirect attacks.",
				Solution:          "Validate and whitelist redirect URLs.",
				AffectedComponent: origin,
				Evidence:          fmt.Sprintf("Location: %s", location),
			})
		}
	}

	resp, err := client.Fetch(ctx, http.MethodGet, origin, http.Header{"Origin": {untrustedOrigin}})
	if err != nil {
		return findings
	}
	if acao := resp.Header.Get("Access-Control-Allow-Origin"); acao == "*" || acao == untrustedOrigin {
		sev := severity.Medium
		if acao == untrustedOrigin {
			sev = severity.High
		}
		findings = append(findings, core.Finding{
			Title:             "CORS Misconfiguration",
			Severity:          sev,
			Category:          core.CategoryCORSMisconfig,
			Description:       fmt.Sprintf("CORS allows requests from any/untrusted origin: %s", acao),
			Solution:          "Restrict CORS to trusted domains only.",
			AffectedComponent: origin,
			Evidence:          "Access-Control-Allow-Origin: " + acao,
		})
	}

	return append(findings, cookieFindings(origin, resp.Header.Values("Set-Cookie"))...)
}

func cookieFindings(origin string, cookies []string) []core.Finding {
	var findings []core.Finding
	for _, c := range cookies {
		lower := strings.ToLower(c)
		name := strings.TrimSpace(strings.SplitN(c, "=", 2)[0])

		if !strings.Contains(lower, "secure") {
			findings = append(findings, core.Finding{
				Title:             "Cookie Missing Secure Flag: " + name,
				Severity:          severity.Low,
				Category:          core.CategoryCookieSecurity,
				Description:       fmt.Sprintf("Cookie '%s' is missing the Secure flag.", name),
				Solution:          "Add the 'Secure' flag to all cookies.",
				AffectedComponent: origin,
			})
		}
		if !strings.Contains(lower, "httponly") && strings.Contains(lower, "session") {
			findings = append(findings, core.Finding{
				Title:             "Session Cookie Missing HttpOnly: " + name,
				Severity:          severity.Medium,
				Category:          core.CategoryCookieSecurity,
				Description:       fmt.Sprintf("Session cookie '%s' is missing HttpOnly flag.", name),
				Solution:          "Add the 'HttpOnly' flag to session cookies.",
				AffectedComponent: origin,
			})
		}
	}
	return findings
}

func technologyFindings(a core.Asset) []core.Finding {
	advisories := Advisories[a.Value]
	if len(advisories) == 0 {
		return nil
	}
	version, _ := a.Metadata["version"].(string)

	out := make([]core.Finding, 0, len(advisories))
	for _, adv := range advisories {
		f := core.Finding{
			Title:             adv.Title,
			Severity:          adv.Severity,
			Category:          core.CategoryOutdatedSoftware,
			Description:       adv.Description,
			Solution:          adv.Solution,
			AffectedComponent: a.Value,
		}
		if version != "" {
			f.Evidence = fmt.Sprintf("%s %s", a.Value, version)
		}
		out = append(out, f)
	}
	return out
}

// webOrigins returns the origins of HTTP services on host found on ports
// other than 80 and 443, which the base origin already covers.
func webOrigins(host, base string, assets []core.Asset) []string {
	seen := map[string]bool{base: true}
	var out []string
	for _, a := range core.AssetsOfType(assets, core.AssetPort) {
		service, _ := a.Metadata["service"].(string)
		scheme, ok := webServices[service]
		if !ok {
			continue
		}
		h, port, err := net.SplitHostPort(strings.SplitN(a.Value, "/", 2)[0])
		if err != nil || !strings.EqualFold(h, host) || port == "80" || port == "443" {
			continue
		}
		origin := scheme + "://" + net.JoinHostPort(h, port)
		if seen[origin] {
			continue
		}
		seen[origin] = true
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
