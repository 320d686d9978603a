// Package admindetect implements the admin_detector module, which probes a
// web origin for exposed administrative interfaces.
package admindetect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/httpclient"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// Name is the registry name of the module.
const Name = core.ModuleAdminDetector

// Path is an admin location to probe.
type Path struct {
	Path  string
	Label string
}

// AdminPaths is the built-in probe list, grouped by platform.
var AdminPaths = []Path{
	// Generic
	{"/admin", "Admin Panel"},
	{"/admin/", "Admin Panel"},
	{"/admin/login", "Admin Login"},
	{"/administrator/", "Administrator Panel"},
	{"/adminpanel/", "Admin Panel"},
	{"/backend/", "Backend Panel"},
	{"/console/", "Console"},
	{"/controlpanel/", "Control Panel"},
	{"/dashboard/", "Dashboard"},
	{"/manage/", "Management Panel"},
	{"/management/", "Management Panel"},
	{"/panel/", "Panel"},
	{"/siteadmin/", "Site Admin"},
	{"/webadmin/", "Web Admin"},

	// WordPress
	{"/wp-admin/", "WordPress Admin"},
	{"/wp-login.php", "WordPress Login"},

	// Database management
	{"/phpmyadmin/", "phpMyAdmin"},
	{"/pma/", "phpMyAdmin"},
	{"/adminer/", "Adminer"},
	{"/adminer.php", "Adminer"},

	// Hosting panels
	{"/cpanel", "cPanel"},
	{"/whm/", "WHM Panel"},
	{"/plesk/", "Plesk"},
	{"/webmin/", "Webmin"},

	// CMS
	{"/administrator/index.php", "Joomla Admin"},
	{"/user/login", "Drupal Login"},
	{"/admin/config", "Drupal Admin"},
	{"/ghost/", "Ghost Admin"},
	{"/modx/", "MODX Admin"},

	// Application servers
	{"/manager/html", "Tomcat Manager"},
	{"/manager/status", "Tomcat Status"},
	{"/server-status", "Apache Server Status"},
	{"/server-info", "Apache Server Info"},

	// API and developer tooling
	{"/graphql", "GraphQL Endpoint"},
	{"/graphiql", "GraphiQL IDE"},
	{"/swagger/", "Swagger UI"},
	{"/api-docs", "API Docs"},
	{"/api/docs", "API Docs"},
	{"/debug/", "Debug Panel"},
	{"/_profiler/", "Symfony Profiler"},
	{"/elmah.axd", "ELMAH (.NET Error Log)"},

	// Monitoring
	{"/status", "Status Page"},
	{"/health", "Health Check"},
	{"/metrics", "Metrics Endpoint"},
	{"/actuator", "Spring Boot Actuator"},
	{"/actuator/health", "Actuator Health"},
	{"/actuator/env", "Actuator Environment"},
}

var (
	passwordInput = regexp.MustCompile(`<input[^>]*type=['"]password['"]`)
	loginKeywords = []string{"login", "auth", "signin"}
	adminHints    = []string{"admin", "login", "dashboard", "console", "manager"}
)

// Module probes admin paths.
type Module struct {
	Client *httpclient.Client
	Paths  []Path
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
	return &Module{Client: client, Paths: AdminPaths, Logger: logger.WithField("module", Name)}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string {
	return "Detects exposed admin panels, login pages, and management interfaces"
}

type hit struct {
	Path     string `json:"path"`
	Label    string `json:"label"`
	Login    bool   `json:"login,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// Run probes every admin path on the target origin. Endpoints discovered by
// earlier modules that look administrative are probed as well.
// Options: exclude_paths, discovered_assets.
func (m *Module) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)
	excluded := opts.Strings(core.OptExcludePaths)

	baseURL := strings.TrimRight(strings.TrimSpace(target), "/")
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = core.BaseURL(target)
	}

	log := m.Logger.WithField("target", target)
	log.Info("Starting admin panel detection")

	paths := append([]Path(nil), m.Paths...)
	paths = append(paths, discoveredPaths(baseURL, opts.DiscoveredAssets(), paths)...)

	probe := m.Client.WithRedirects(false)
	checked := 0
	found := []hit{}

	for _, p := range paths {
		if ctx.Err() != nil {
			result.AddError("Admin detection interrupted: %v", ctx.Err())
			break
		}
		if isExcluded(p.Path, excluded) {
			continue
		}
		checked++
		target := baseURL + p.Path

		resp, err := probe.Get(ctx, target)
		if err != nil {
			if !isTimeout(err) {
				result.AddError("Error checking %s: %v", p.Path, err)
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			login := IsLoginPage(string(resp.Body))
			found = append(found, hit{Path: p.Path, Label: p.Label, Login: login})
			result.AddAsset(core.Asset{
				Type:  core.AssetEndpoint,
				Value: target,
				Metadata: map[string]any{
					"admin_panel":    true,
					"label":          p.Label,
					"has_login_form": login,
					"status_code":    resp.StatusCode,
				},
			})
			result.AddFinding(exposedFinding(p.Label, target, login))

		case isRedirect(resp.StatusCode):
			location := resp.Header.Get("Location")
			if !containsAny(strings.ToLower(location), loginKeywords) {
				continue
			}
			found = append(found, hit{Path: p.Path, Label: p.Label, Redirect: location})
			result.AddAsset(core.Asset{
				Type:  core.AssetEndpoint,
				Value: target,
				Metadata: map[string]any{
					"admin_panel":  true,
					"label":        p.Label,
					"redirects_to": location,
				},
			})
			result.AddFinding(core.Finding{
				Title:    fmt.Sprintf("Admin Panel Detected (Redirect): %s", p.Label),
				Severity: severity.Medium,
				Category: core.CategoryInfoDisclosure,
				Description: fmt.Sprintf("Admin path %s redirects to %s, indicating an admin interface exists at this location.",
					p.Path, location),
				Solution:          "Restrict access to admin endpoints using IP whitelist or VPN.",
				AffectedComponent: target,
				Evidence:          fmt.Sprintf("HTTP %d -> %s", resp.StatusCode, location),
			})
		}
	}

	result.RawOutput["checked"] = checked
	result.RawOutput["found"] = found

	log.WithFields(logrus.Fields{"checked": checked, "found": len(found)}).Info("Admin panel detection completed")
	return result.Finish(start)
}

func exposedFinding(label, target string, login bool) core.Finding {
	sev := severity.Medium
	state := "The page is accessible without authentication."
	if login {
		sev = severity.High
		state = "A login form is present."
	}
	return core.Finding{
		Title:    fmt.Sprintf("Exposed Admin Panel: %s", label),
		Severity: sev,
		Category: core.CategoryInfoDisclosure,
		Description: fmt.Sprintf("An administrative interface (%s) was found at %s. %s Exposed admin panels increase the attack surface.",
			label, target, state),
		Solution: "Restrict access to admin panels by IP whitelist, VPN, or remove public access entirely. " +
			"Use strong authentication and rate-limit login attempts.",
		AffectedComponent: target,
		Evidence:          fmt.Sprintf("HTTP 200 at %s. Login form: %t.", target, login),
	}
}

// IsLoginPage scores an HTML body for login form indicators. A password
// input weighs 3, login wording 2, and a form, user field or admin wording 1
// each. Four or more points is a login page.
func IsLoginPage(html string) bool {
	lower := strings.ToLower(html)
	score := 0
	if passwordInput.MatchString(lower) {
		score += 3
	}
	if strings.Contains(lower, "<form") {
		score++
	}
	if containsAny(lower, []string{"login", "sign in", "log in"}) {
		score += 2
	}
	if containsAny(lower, []string{"username", "email"}) {
		score++
	}
	if containsAny(lower, []string{"admin", "dashboard", "panel"}) {
		score++
	}
	return score >= 4
}

// discoveredPaths returns same-origin endpoint paths from earlier modules
// that hint at an admin interface and are not already in known.
func discoveredPaths(baseURL string, assets []core.Asset, known []Path) []Path {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(known))
	for _, p := range known {
		seen[p.Path] = true
	}

	var out []Path
	for _, a := range core.AssetsOfType(assets, core.AssetEndpoint) {
		u, err := url.Parse(a.Value)
		if err != nil || !strings.EqualFold(u.Host, base.Host) || seen[u.Path] {
			continue
		}
		if !containsAny(strings.ToLower(u.Path), adminHints) {
			continue
		}
		seen[u.Path] = true
		out = append(out, Path{Path: u.Path, Label: "Discovered Admin Endpoint"})
	}
	return out
}

func isExcluded(path string, excluded []string) bool {
	for _, e := range excluded {
		if e != "" && strings.Contains(path, e) {
			return true
		}
	}
	return false
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
