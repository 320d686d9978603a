// Package takeover implements the subdomain_takeover module. It follows the
// CNAME of every known subdomain and flags records that point at an
// unclaimed third-party service.
package takeover

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/httpclient"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// Name is the registry name of the module.
const Name = core.ModuleSubdomainTakeover

// Fingerprint describes a takeover-prone service.
type Fingerprint struct {
	Service string
	// CNAMEPatterns are suffixes (or substrings) of the CNAME target.
	CNAMEPatterns []string
	// Bodies are fragments of the service's "unclaimed" page.
	Bodies []string
	// NXDomain marks services whose dangling CNAME targets stop resolving.
	NXDomain bool
}

// Fingerprints is the built-in service list.
var Fingerprints = []Fingerprint{
	{Service: "GitHub Pages", CNAMEPatterns: []string{".github.io"},
		Bodies: []string{"There isn't a GitHub Pages site here.", "For root URLs (like http://example.com/) you must provide an index.html file"}},
	{Service: "Heroku", CNAMEPatterns: []string{".herokuapp.com", ".herokussl.com"},
		Bodies: []string{"No such app", "no-such-app", "herokucdn.com/error-pages"}, NXDomain: true},
	{Service: "AWS S3", CNAMEPatterns: []string{".s3.amazonaws.com", ".s3-website"},
		Bodies: []string{"NoSuchBucket", "The specified bucket does not exist"}},
	{Service: "AWS Elastic Beanstalk", CNAMEPatterns: []string{".elasticbeanstalk.com"}, NXDomain: true},
	{Service: "Azure", CNAMEPatterns: []string{
		".azurewebsites.net", ".cloudapp.net", ".cloudapp.azure.com", ".trafficmanager.net",
		".blob.core.windows.net", ".azure-api.net", ".azurehdinsight.net", ".azureedge.net",
	}, NXDomain: true},
	{Service: "Shopify", CNAMEPatterns: []string{".myshopify.com"},
		Bodies: []string{"Sorry, this shop is currently unavailable.", "Only one step left!"}},
	{Service: "Fastly", CNAMEPatterns: []string{".fastly.net"},
		Bodies: []string{"Fastly error: unknown domain"}},
	{Service: "Pantheon", CNAMEPatterns: []string{".pantheonsite.io"},
		Bodies: []string{"404 error unknown site!", "The gods are wise"}},
	{Service: "Tumblr", CNAMEPatterns: []string{".tumblr.com"},
		Bodies: []string{"Whatever you were looking for doesn't currently exist at this address.", "There's nothing here."}},
	{Service: "WordPress.com", CNAMEPatterns: []string{".wordpress.com"},
		Bodies: []string{"Do you want to register"}},
	{Service: "Surge.sh", CNAMEPatterns: []string{".surge.sh"},
		Bodies: []string{"project not found"}},
	{Service: "Zendesk", CNAMEPatterns: []string{".zendesk.com"},
		Bodies: []string{"Help Center Closed", "this help center no longer exists"}},
	{Service: "Unbounce", CNAMEPatterns: []string{".unbouncepages.com"},
		Bodies: []string{"The requested URL was not found on this server"}},
	{Service: "Fly.io", CNAMEPatterns: []string{".fly.dev"}, NXDomain: true},
	{Service: "Netlify", CNAMEPatterns: []string{".netlify.app", ".netlify.com"},
		Bodies: []string{"Not Found - Request ID:"}},
}

var references = []string{
	"https://owasp.org/www-project-web-security-testing-guide/latest/4-Web_Application_Security_Testing/02-Configuration_and_Deployment_Management_Testing/10-Test_for_Subdomain_Takeover",
	"https://github.com/EdOverflow/can-i-take-over-xyz",
}

// Exchanger sends a DNS query and returns the reply.
type Exchanger interface {
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// ProbeFunc fetches a URL.
type ProbeFunc func(ctx context.Context, url string) (*httpclient.Response, error)

// Module checks subdomains for dangling CNAME records.
type Module struct {
	Exchanger    Exchanger
	Probe        ProbeFunc
	Fingerprints []Fingerprint
	Logger       *logrus.Entry
}

// New creates the module. HTTP probes go through client with redirects
// followed.
func New(ex Exchanger, client *httpclient.Client, logger *logrus.Entry) *Module {
	if client == nil {
		client = httpclient.New(httpclient.Config{})
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Module{
		Exchanger:    ex,
		Probe:        client.WithRedirects(true).Get,
		Fingerprints: Fingerprints,
		Logger:       logger.WithField("module", Name),
	}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string {
	return "Checks for subdomain takeover via dangling CNAME records"
}

// ValidateTarget accepts domain names only.
func (m *Module) ValidateTarget(target string) bool {
	host := core.Hostname(target)
	return host != "" && !isIP(host)
}

// Run checks the target and every SUBDOMAIN in discovered_assets.
func (m *Module) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)

	subdomains := Candidates(target, opts.DiscoveredAssets())

	log := m.Logger.WithField("target", target)
	log.WithField("subdomain_count", len(subdomains)).Info("Starting subdomain takeover check")

	checked := []string{}
	vulnerable := []string{}
	for _, sub := range subdomains {
		if ctx.Err() != nil {
			result.AddError("Takeover check interrupted: %v", ctx.Err())
			break
		}
		f := m.check(ctx, sub)
		checked = append(checked, sub)
		if f == nil {
			continue
		}
		result.AddFinding(*f)
		vulnerable = append(vulnerable, sub)
		result.AddAsset(core.Asset{
			Type:     core.AssetSubdomain,
			Value:    sub,
			Metadata: map[string]any{"takeover_risk": true, "service": f.AffectedComponent},
		})
	}

	result.RawOutput["checked"] = checked
	result.RawOutput["vulnerable"] = vulnerable

	log.WithFields(logrus.Fields{"checked": len(checked), "vulnerable": len(vulnerable)}).
		Info("Subdomain takeover check completed")
	return result.Finish(start)
}

// Candidates returns the target host followed by the discovered subdomains,
// without duplicates.
func Candidates(target string, discovered []core.Asset) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(core.Hostname(target))
	for _, a := range core.AssetsOfType(discovered, core.AssetSubdomain) {
		add(a.Value)
	}
	return out
}

// check returns nil when sub has no CNAME, the CNAME matches no known
// service, or the service still appears claimed.
func (m *Module) check(ctx context.Context, sub string) *core.Finding {
	cname, err := m.cname(ctx, sub)
	if err != nil || cname == "" {
		return nil
	}

	fp, ok := Match(m.Fingerprints, cname)
	if !ok {
		return nil
	}

	nx := false
	if fp.NXDomain {
		nx = m.isNXDomain(ctx, cname)
	}
	bodyMatch := false
	if len(fp.Bodies) > 0 {
		bodyMatch = m.bodyMatches(ctx, sub, fp.Bodies)
	}
	if !nx && !bodyMatch {
		return nil
	}

	evidence := []string{fmt.Sprintf("CNAME: %s -> %s", sub, cname)}
	if nx {
		evidence = append(evidence, fmt.Sprintf("CNAME target %s returns NXDOMAIN", cname))
	}
	if bodyMatch {
		evidence = append(evidence, fmt.Sprintf("HTTP response matches %s unclaimed fingerprint", fp.Service))
	}

	return &core.Finding{
		Title:    fmt.Sprintf("Potential Subdomain Takeover: %s", sub),
		Severity: severity.High,
		Category: core.CategorySubdomainTakeover,
		Description: fmt.Sprintf("Subdomain '%s' has a CNAME record pointing to %s (%s), but the service appears to be unclaimed. "+
			"An attacker could register the service and serve malicious content on this subdomain.", sub, fp.Service, cname),
		Solution: fmt.Sprintf("Either remove the dangling CNAME DNS record for %s, or reclaim the %s resource that it points to.",
			sub, fp.Service),
		AffectedComponent: fp.Service,
		Evidence:          strings.Join(evidence, "\n"),
		References:        append([]string(nil), references...),
	}
}

// Match returns the first fingerprint whose pattern matches cname.
func Match(fps []Fingerprint, cname string) (Fingerprint, bool) {
	cname = strings.ToLower(strings.TrimSuffix(cname, "."))
	for _, fp := range fps {
		for _, p := range fp.CNAMEPatterns {
			if strings.HasSuffix(cname, p) || strings.Contains(cname, p) {
				return fp, true
			}
		}
	}
	return Fingerprint{}, false
}

func (m *Module) cname(ctx context.Context, name string) (string, error) {
	resp, err := m.query(ctx, name, dns.TypeCNAME)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answer {
		if c, ok := rr.(*dns.CNAME); ok {
			return strings.TrimSuffix(c.Target, "."), nil
		}
	}
	return "", nil
}

func (m *Module) isNXDomain(ctx context.Context, name string) bool {
	resp, err := m.query(ctx, name, dns.TypeA)
	return err == nil && resp.Rcode == dns.RcodeNameError
}

func (m *Module) bodyMatches(ctx context.Context, sub string, bodies []string) bool {
	for _, scheme := range []string{"https", "http"} {
		resp, err := m.Probe(ctx, scheme+"://"+sub)
		if err != nil {
			continue
		}
		body := strings.ToLower(string(resp.Body))
		for _, b := range bodies {
			if strings.Contains(body, strings.ToLower(b)) {
				return true
			}
		}
	}
	return false
}

func (m *Module) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	return m.Exchanger.Exchange(ctx, msg)
}

func isIP(host string) bool {
	return net.ParseIP(host) != nil
}
