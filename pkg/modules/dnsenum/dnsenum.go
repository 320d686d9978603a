// Package dnsenum implements the dns_enumerator module: DNS record
// enumeration, email-security checks, zone transfer attempts and subdomain
// brute forcing.
package dnsenum

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/shared/severity"
)

const (
	// Name is the registry name of the module.
	Name = core.ModuleDNSEnumerator

	// DefaultConcurrency bounds parallel brute-force lookups.
	DefaultConcurrency = 10
)

// CommonSubdomains is the default brute-force wordlist.
var CommonSubdomains = []string{
	"www", "mail", "ftp", "smtp", "pop", "imap", "blog", "webmail",
	"server", "ns1", "ns2", "secure", "vpn", "api", "dev",
	"staging", "test", "portal", "admin", "app", "m", "mobile",
	"docs", "cdn", "media", "static", "assets", "img", "images",
	"css", "js", "git", "svn", "ci", "jenkins", "jira", "confluence",
	"wiki", "help", "support", "status", "monitor", "grafana",
}

var recordTypes = []uint16{
	dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeNS, dns.TypeTXT, dns.TypeCNAME, dns.TypeSOA,
}

// Exchanger sends a DNS query and returns the reply.
type Exchanger interface {
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// ZoneTransferFunc attempts AXFR of domain from name server ns and returns
// the owner names of the transferred records.
type ZoneTransferFunc func(ctx context.Context, domain, ns string) ([]string, error)

// Module enumerates DNS records for a domain.
type Module struct {
	Exchanger    Exchanger
	ZoneTransfer ZoneTransferFunc
	Wordlist     []string
	Concurrency  int
	Logger       *logrus.Entry
}

// New creates the module.
func New(ex Exchanger, logger *logrus.Entry) *Module {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Module{
		Exchanger:    ex,
		ZoneTransfer: transferZone,
		Wordlist:     CommonSubdomains,
		Concurrency:  DefaultConcurrency,
		Logger:       logger.WithField("module", Name),
	}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string { return "Enumerates DNS records and discovers subdomains" }

// ValidateTarget accepts host names only; IP literals have no zone to enumerate.
func (m *Module) ValidateTarget(target string) bool {
	host := core.Hostname(target)
	return host != "" && net.ParseIP(host) == nil
}

// Run performs the enumeration.
func (m *Module) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)
	domain := core.Hostname(target)
	log := m.Logger.WithField("target", domain)
	log.Info("Starting DNS enumeration")

	if m.Exchanger == nil {
		result.AddError("no DNS resolver configured")
		return result.Finish(start)
	}

	if m.enumerateRecords(ctx, domain, result) {
		m.checkEmailSecurity(ctx, domain, result)
		m.tryZoneTransfer(ctx, domain, result)
	}

	excluded := exclusionSet(opts.Strings(core.OptExcludeSubdomains))
	wordlist := opts.Strings("wordlist")
	if len(wordlist) == 0 {
		wordlist = m.Wordlist
	}
	found := m.bruteForce(ctx, domain, wordlist, excluded)
	for _, a := range found {
		result.AddAsset(a)
	}

	log.WithFields(logrus.Fields{
		"records":    len(result.Assets) - len(found),
		"subdomains": len(found),
	}).Info("DNS enumeration completed")
	return result.Finish(start)
}

// enumerateRecords queries the standard record types. It returns false when
// the domain does not exist.
func (m *Module) enumerateRecords(ctx context.Context, domain string, result *core.ModuleResult) bool {
	for _, qtype := range recordTypes {
		rtype := dns.TypeToString[qtype]
		resp, err := m.query(ctx, domain, qtype)
		if err != nil {
			result.AddError("DNS query failed for %s: %v", rtype, err)
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			result.AddError("Domain %s does not exist", domain)
			return false
		}

		var records []string
		for _, rr := range resp.Answer {
			if rr.Header().Rrtype != qtype {
				continue
			}
			value := recordValue(rr)
			records = append(records, value)
			result.AddAsset(core.Asset{
				Type:  core.AssetDNSRecord,
				Value: fmt.Sprintf("%s: %s", rtype, value),
				Metadata: map[string]any{
					"record_type": rtype,
					"value":       value,
					"domain":      domain,
				},
			})
		}
		if len(records) > 0 {
			result.RawOutput[rtype] = records
		}
	}
	return true
}

func (m *Module) checkEmailSecurity(ctx context.Context, domain string, result *core.ModuleResult) {
	if records, ok := result.RawOutput["TXT"].([]string); ok {
		for _, r := range records {
			if strings.Contains(strings.ToLower(r), "v=spf1") {
				result.RawOutput["spf"] = r
			}
		}
	}

	// DMARC lives on the organisational domain.
	apex := apexDomain(domain)
	if resp, err := m.query(ctx, "_dmarc."+apex, dns.TypeTXT); err == nil {
		for _, rr := range resp.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				v := strings.Join(txt.Txt, "")
				if strings.Contains(strings.ToUpper(v), "V=DMARC1") {
					result.RawOutput["dmarc"] = v
				}
			}
		}
	}

	if _, ok := result.RawOutput["spf"]; !ok {
		result.AddFinding(core.Finding{
			Title:             "Missing SPF Record",
			Severity:          severity.Medium,
			Category:          core.CategoryEmailSecurity,
			Description:       fmt.Sprintf("No SPF record found for %s. This may allow email spoofing.", domain),
			Solution:          "Add an SPF record to your DNS configuration.",
			AffectedComponent: domain,
		})
	}
	if _, ok := result.RawOutput["dmarc"]; !ok {
		result.AddFinding(core.Finding{
			Title:             "Missing DMARC Record",
			Severity:          severity.Medium,
			Category:          core.CategoryEmailSecurity,
			Description:       fmt.Sprintf("No DMARC record found for %s.", domain),
			Solution:          fmt.Sprintf("Add a DMARC record (e.g., _dmarc.%s TXT 'v=DMARC1; p=reject').", apex),
			AffectedComponent: domain,
		})
	}
}

func (m *Module) tryZoneTransfer(ctx context.Context, domain string, result *core.ModuleResult) {
	if m.ZoneTransfer == nil {
		return
	}
	resp, err := m.query(ctx, domain, dns.TypeNS)
	if err != nil {
		return
	}
	for _, rr := range resp.Answer {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		nsHost := strings.TrimSuffix(ns.Ns, ".")
		names, err := m.ZoneTransfer(ctx, domain, nsHost)
		if err != nil || len(names) == 0 {
			continue
		}

		result.AddFinding(core.Finding{
			Title:    "DNS Zone Transfer Allowed (AXFR)",
			Severity: severity.High,
			Category: core.CategoryInfoDisclosure,
			Description: fmt.Sprintf("DNS zone transfer (AXFR) is allowed on nameserver %s. "+
				"This exposes all DNS records to anyone.", nsHost),
			Solution:          "Restrict AXFR to authorized secondary nameservers only.",
			AffectedComponent: nsHost,
		})
		for _, name := range names {
			if name == domain {
				continue
			}
			result.AddAsset(core.Asset{
				Type:     core.AssetSubdomain,
				Value:    name,
				Metadata: map[string]any{"source": "zone_transfer"},
			})
		}
		return
	}
}

func (m *Module) bruteForce(ctx context.Context, domain string, wordlist []string, excluded map[string]bool) []core.Asset {
	limit := m.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var (
		mu    sync.Mutex
		found = make(map[int]core.Asset)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, sub := range wordlist {
		fqdn := sub + "." + domain
		if excluded[fqdn] || excluded[sub] {
			continue
		}
		g.Go(func() error {
			resp, err := m.query(gctx, fqdn, dns.TypeA)
			if err != nil || resp.Rcode != dns.RcodeSuccess {
				return nil
			}
			var ips []string
			for _, rr := range resp.Answer {
				if a, ok := rr.(*dns.A); ok {
					ips = append(ips, a.A.String())
				}
			}
			if len(ips) == 0 {
				return nil
			}
			mu.Lock()
			found[i] = core.Asset{
				Type:     core.AssetSubdomain,
				Value:    fqdn,
				Metadata: map[string]any{"ips": ips, "source": "bruteforce"},
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Keep wordlist order so results are reproducible.
	out := make([]core.Asset, 0, len(found))
	for i := range wordlist {
		if a, ok := found[i]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (m *Module) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	return m.Exchanger.Exchange(ctx, msg)
}

func recordValue(rr dns.RR) string {
	switch r := rr.(type) {
	case *dns.A:
		return r.A.String()
	case *dns.AAAA:
		return r.AAAA.String()
	case *dns.MX:
		return fmt.Sprintf("%d %s", r.Preference, r.Mx)
	case *dns.NS:
		return r.Ns
	case *dns.TXT:
		return strings.Join(r.Txt, "")
	case *dns.CNAME:
		return r.Target
	case *dns.SOA:
		return fmt.Sprintf("%s %s %d %d %d %d %d", r.Ns, r.Mbox, r.Serial, r.Refresh, r.Retry, r.Expire, r.Minttl)
	default:
		// Strip the header, keep the rdata.
		return strings.TrimPrefix(rr.String(), rr.Header().String())
	}
}

func apexDomain(domain string) string {
	apex, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return apex
}

func exclusionSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return out
}

// transferZone performs a real AXFR over TCP.
func transferZone(ctx context.Context, domain, ns string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetAxfr(dns.Fqdn(domain))

	tr := &dns.Transfer{DialTimeout: 5 * time.Second, ReadTimeout: 5 * time.Second}
	ch, err := tr.In(msg, net.JoinHostPort(ns, "53"))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var names []string
	for env := range ch {
		if env.Error != nil {
			return nil, env.Error
		}
		if ctx.Err() != nil {
			continue
		}
		for _, rr := range env.RR {
			name := strings.TrimSuffix(rr.Header().Name, ".")
			if name != domain && !strings.HasSuffix(name, "."+domain) {
				continue
			}
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	return names, nil
}
