// Package techdetect implements the tech_detector module, which fingerprints
// the technologies behind a web origin from response headers and markup.
package techdetect

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/httpclient"
)

// Name is the registry name of the module.
const Name = core.ModuleTechDetector

// Signature identifies one technology.
type Signature struct {
	Name     string
	Category string
	// Header patterns match against "Name: value" lines.
	Header []*regexp.Regexp
	Body   []*regexp.Regexp
	// Generator matches the content of <meta name="generator">.
	Generator []*regexp.Regexp
}

func re(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

// Signatures is the built-in fingerprint set.
var Signatures = []Signature{
	{Name: "WordPress", Category: "CMS",
		Header:    re(`X-Powered-By:.*WordPress`),
		Body:      re(`wp-content/`, `wp-includes/`, `wp-json`),
		Generator: re(`^WordPress`)},
	{Name: "Drupal", Category: "CMS",
		Header: re(`X-Generator:.*Drupal`, `X-Drupal`),
		Body:   re(`sites/default/files`, `Drupal\.settings`)},
	{Name: "Joomla", Category: "CMS",
		Body:      re(`/media/jui/`, `/components/com_`),
		Generator: re(`^Joomla`)},
	{Name: "React", Category: "JavaScript Framework",
		Body: re(`__NEXT_DATA__`, `_reactRootContainer`, `react-root`)},
	{Name: "Next.js", Category: "JavaScript Framework",
		Header: re(`X-Powered-By:.*Next\.js`),
		Body:   re(`__NEXT_DATA__`, `/_next/static`)},
	{Name: "Vue.js", Category: "JavaScript Framework",
		Body: re(`__vue__`, `vue-router`, `data-v-[a-f0-9]+`)},
	{Name: "Angular", Category: "JavaScript Framework",
		Body: re(`ng-version=`, `ng-app`, `angular\.min\.js`)},
	{Name: "Nginx", Category: "Web Server",
		Header: re(`^Server:\s*nginx`)},
	{Name: "Apache", Category: "Web Server",
		Header: re(`^Server:\s*Apache`)},
	{Name: "IIS", Category: "Web Server",
		Header: re(`^Server:\s*Microsoft-IIS`)},
	{Name: "PHP", Category: "Programming Language",
		Header: re(`X-Powered-By:.*PHP`),
		Body:   re(`\.php\b`)},
	{Name: "ASP.NET", Category: "Programming Language",
		Header: re(`^X-Aspnet-Version`, `X-Powered-By:.*ASP\.NET`)},
	{Name: "Cloudflare", Category: "CDN",
		Header: re(`^Cf-Ray:`, `^Server:\s*cloudflare`)},
	{Name: "AWS", Category: "Cloud",
		Header: re(`^X-Amz-`, `^Server:\s*AmazonS3`)},
	{Name: "Google Analytics", Category: "Analytics",
		Body: re(`google-analytics\.com/analytics\.js`, `gtag/js`, `UA-\d+-\d+`)},
}

var versionPattern = regexp.MustCompile(`/([0-9][0-9A-Za-z.\-]*)`)

// Detection is one matched technology.
type Detection struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Version  string `json:"version,omitempty"`
}

// Module detects web technologies.
type Module struct {
	Client     *httpclient.Client
	Signatures []Signature
	Logger     *logrus.Entry
}

// New creates the module.
func New(client *httpclient.Client, logger *logrus.Entry) *Module {
	if client == nil {
		client = httpclient.New(httpclient.Config{})
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Module{Client: client, Signatures: Signatures, Logger: logger.WithField("module", Name)}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string {
	return "Identifies web technologies, frameworks, and services in use"
}

// Run fetches the target origin and matches every signature.
func (m *Module) Run(ctx context.Context, target string, _ core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)
	baseURL := core.BaseURL(target)
	if strings.HasPrefix(strings.TrimSpace(target), "http") {
		baseURL = strings.TrimSpace(target)
	}

	log := m.Logger.WithField("target", baseURL)
	log.Info("Starting technology detection")

	resp, err := m.Client.WithRedirects(true).Get(ctx, baseURL)
	if err != nil {
		result.AddError("Technology detection error: %v", err)
		return result.Finish(start)
	}

	detected := Detect(m.Signatures, resp.Header, resp.Body)
	for _, d := range detected {
		a := core.Asset{
			Type:  core.AssetTechnology,
			Value: d.Name,
			Metadata: map[string]any{
				"category":    d.Category,
				"detected_on": baseURL,
			},
		}
		if d.Version != "" {
			a.Metadata["version"] = d.Version
		}
		result.AddAsset(a)
	}
	result.RawOutput["detected_technologies"] = detected

	log.WithField("technologies", len(detected)).Info("Tech detection completed")
	return result.Finish(start)
}

// Detect matches signatures against one response, in signature order.
func Detect(signatures []Signature, header http.Header, body []byte) []Detection {
	lines := headerLines(header)
	generators := generatorTags(body)

	var out []Detection
	for _, sig := range signatures {
		line, ok := matchHeader(sig.Header, lines)
		if !ok {
			ok = matchAny(sig.Body, body) || matchStrings(sig.Generator, generators)
		}
		if !ok {
			continue
		}
		d := Detection{Name: sig.Name, Category: sig.Category}
		if line != "" {
			if m := versionPattern.FindStringSubmatch(line); m != nil {
				d.Version = m[1]
			}
		}
		out = append(out, d)
	}
	return out
}

func headerLines(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		for _, v := range h[k] {
			lines = append(lines, fmt.Sprintf("%s: %s", k, v))
		}
	}
	return lines
}

func matchHeader(patterns []*regexp.Regexp, lines []string) (string, bool) {
	for _, p := range patterns {
		for _, l := range lines {
			if p.MatchString(l) {
				return l, true
			}
		}
	}
	return "", false
}

func matchAny(patterns []*regexp.Regexp, body []byte) bool {
	for _, p := range patterns {
		if p.Match(body) {
			return true
		}
	}
	return false
}

func matchStrings(patterns []*regexp.Regexp, values []string) bool {
	for _, p := range patterns {
		for _, v := range values {
			if p.MatchString(v) {
				return true
			}
		}
	}
	return false
}

func generatorTags(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		if name, _ := s.Attr("name"); strings.EqualFold(name, "generator") {
			if content, ok := s.Attr("content"); ok {
				out = append(out, strings.TrimSpace(content))
			}
		}
	})
	return out
}
