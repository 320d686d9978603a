// Package crawler implements the web_crawler module: same-origin crawling,
// security header checks and sensitive path probing.
package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/httpclient"
	"github.com/exploopio/surface/pkg/shared/severity"
)

const (
	// Name is the registry name of the module.
	Name = core.ModuleWebCrawler

	// DefaultMaxPages caps the number of pages visited.
	DefaultMaxPages = 50
)

// SensitivePaths are probed directly on the target origin.
var SensitivePaths = []string{
	"/.env", "/.git/config", "/robots.txt", "/sitemap.xml",
	"/.well-known/security.txt", "/wp-admin/", "/admin/",
	"/phpinfo.php", "/.htaccess", "/server-status",
	"/api/docs", "/swagger.json", "/graphql",
}

// criticalPaths raise a finding when reachable.
var criticalPaths = map[string]bool{
	"/.env":        true,
	"/.git/config": true,
	"/phpinfo.php": true,
}

type headerCheck struct {
	header   string
	title    string
	severity severity.Level
	solution string
}

var securityHeaders = []headerCheck{
	{"Strict-Transport-Security", "Missing HSTS Header", severity.Medium,
		"Add 'Strict-Transport-Security: max-age=31536000; includeSubDomains' header."},
	{"X-Content-Type-Options", "Missing X-Content-Type-Options Header", severity.Low,
		"Add 'X-Content-Type-Options: nosniff' header."},
	{"X-Frame-Options", "Missing X-Frame-Options Header", severity.Medium,
		"Add 'X-Frame-Options: DENY' or 'SAMEORIGIN' header."},
	{"Content-Security-Policy", "Missing Content-Security-Policy Header", severity.Medium,
		"Implement a Content-Security-Policy header to mitigate XSS attacks."},
	{"X-XSS-Protection", "Missing X-XSS-Protection Header", severity.Low,
		"Add 'X-XSS-Protection: 1; mode=block' header."},
}

// linkAttrs maps the elements followed by the crawler to their URL attribute.
var linkAttrs = []struct{ selector, attr string }{
	{"a[href]", "href"},
	{"link[href]", "href"},
	{"script[src]", "src"},
	{"img[src]", "src"},
	{"form[action]", "action"},
}

// Module crawls a web application.
type Module struct {
	Client   *httpclient.Client
	MaxPages int
	Logger   *logrus.Entry
}

// New creates the module.
func New(client *httpclient.Client, logger *logrus.Entry) *Module {
	if client == nil {
		client = httpclient.New(httpclient.Config{})
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Module{Client: client, MaxPages: DefaultMaxPages, Logger: logger.WithField("module", Name)}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string {
	return "Crawls web applications to discover endpoints and check security headers"
}

// Run performs the crawl. Options: max_pages, exclude_paths.
func (m *Module) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)
	maxPages := opts.Int("max_pages", m.MaxPages)
	excluded := opts.Strings(core.OptExcludePaths)

	baseURL := core.BaseURL(target)
	base, err := url.Parse(baseURL)
	if err != nil {
		result.AddError("Invalid target URL %s: %v", baseURL, err)
		return result.Finish(start)
	}

	log := m.Logger.WithField("target", base.Host)
	log.Info("Starting web crawl")

	crawler := m.Client.WithRedirects(true)
	visited := make(map[string]bool)
	queue := []string{startURL(target, baseURL)}
	headersChecked := false

	for len(queue) > 0 && len(visited) < maxPages {
		if ctx.Err() != nil {
			result.AddError("Crawl interrupted: %v", ctx.Err())
			break
		}
		page := queue[0]
		queue = queue[1:]
		if visited[page] {
			continue
		}
		visited[page] = true

		resp, err := crawler.Get(ctx, page)
		if err != nil {
			result.AddError("Error crawling %s: %v", page, err)
			continue
		}

		contentType := resp.Header.Get("Content-Type")
		result.AddAsset(core.Asset{
			Type:  core.AssetEndpoint,
			Value: page,
			Metadata: map[string]any{
				"status_code":    resp.StatusCode,
				"content_type":   contentType,
				"content_length": len(resp.Body),
			},
		})

		if !headersChecked {
			headersChecked = true
			for _, f := range SecurityHeaderFindings(page, resp.Header) {
				result.AddFinding(f)
			}
			result.RawOutput["response_headers"] = flattenHeaders(resp.Header)
		}

		if !strings.Contains(contentType, "text/html") {
			continue
		}
		for _, link := range ExtractLinks(page, resp.Body) {
			if visited[link] || !sameOrigin(base, link) || isExcluded(link, excluded) {
				continue
			}
			queue = append(queue, link)
		}
	}

	m.probeSensitivePaths(ctx, baseURL, excluded, result)

	log.WithFields(logrus.Fields{"pages": len(visited), "endpoints": len(result.Assets)}).Info("Web crawl completed")
	return result.Finish(start)
}

func (m *Module) probeSensitivePaths(ctx context.Context, baseURL string, excluded []string, result *core.ModuleResult) {
	probe := m.Client.WithRedirects(false)
	for _, path := range SensitivePaths {
		if ctx.Err() != nil {
			return
		}
		target := baseURL + path
		if isExcluded(target, excluded) {
			continue
		}
		resp, err := probe.Get(ctx, target)
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}
		result.AddAsset(core.Asset{
			Type:     core.AssetEndpoint,
			Value:    target,
			Metadata: map[string]any{"status_code": http.StatusOK, "sensitive": true},
		})
		if criticalPaths[path] {
			result.AddFinding(core.Finding{
				Title:             fmt.Sprintf("Sensitive File Exposed: %s", path),
				Severity:          severity.High,
				Category:          core.CategorySensitiveFile,
				Description:       fmt.Sprintf("Sensitive file accessible at %s", target),
				Solution:          fmt.Sprintf("Restrict access to %s via web server configuration.", path),
				AffectedComponent: target,
			})
		}
	}
}

// SecurityHeaderFindings reports missing security headers and server
// version disclosure for one response.
func SecurityHeaderFindings(pageURL string, header http.Header) []core.Finding {
	var findings []core.Finding
	for _, check := range securityHeaders {
		if header.Get(check.header) != "" {
			continue
		}
		findings = append(findings, core.Finding{
			Title:             check.title,
			Severity:          check.severity,
			Category:          core.CategorySecurityHeaders,
			Description:       fmt.Sprintf("The security header '%s' is missing on %s.", strings.ToLower(check.header), pageURL),
			Solution:          check.solution,
			AffectedComponent: pageURL,
		})
	}

	server := header.Get("Server")
	lower := strings.ToLower(server)
	for _, marker := range []string{"apache/", "nginx/", "iis/"} {
		if strings.Contains(lower, marker) {
			findings = append(findings, core.Finding{
				Title:             "Server Version Disclosure",
				Severity:          severity.Low,
				Category:          core.CategoryInfoDisclosure,
				Description:       fmt.Sprintf("Server header reveals version: %s", server),
				Solution:          "Configure the web server to hide version information.",
				AffectedComponent: pageURL,
			})
			break
		}
	}
	return findings
}

// ExtractLinks returns the absolute http(s) URLs referenced by an HTML page,
// without query string or fragment, in document order.
func ExtractLinks(pageURL string, body []byte) []string {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string
	for _, la := range linkAttrs {
		doc.Find(la.selector).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(la.attr)
			raw = strings.TrimSpace(raw)
			if raw == "" {
				return
			}
			ref, err := url.Parse(raw)
			if err != nil {
				return
			}
			abs := page.ResolveReference(ref)
			if abs.Scheme != "http" && abs.Scheme != "https" {
				return
			}
			abs.RawQuery = ""
			abs.Fragment = ""
			link := abs.String()
			if !seen[link] {
				seen[link] = true
				links = append(links, link)
			}
		})
	}
	return links
}

func startURL(target, baseURL string) string {
	t := strings.TrimSpace(target)
	if !strings.HasPrefix(t, "http://") && !strings.HasPrefix(t, "https://") {
		t = baseURL
	}
	u, err := url.Parse(t)
	if err != nil {
		return t
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

func sameOrigin(base *url.URL, link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, base.Host)
}

func isExcluded(link string, excluded []string) bool {
	if len(excluded) == 0 {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	for _, p := range excluded {
		if p != "" && strings.HasPrefix(u.Path, p) {
			return true
		}
	}
	return false
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
