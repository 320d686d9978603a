package guard

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver returns every address a host name resolves to.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// DNSResolver queries A and AAAA records against a fixed set of name servers.
// With no servers configured it falls back to the system resolver.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSResolver creates a resolver for servers ("8.8.8.8" or "8.8.8.8:53").
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addrs := make([]string, 0, len(servers))
	for _, s := range servers {
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs = append(addrs, s)
	}
	return &DNSResolver{
		servers: addrs,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupIP resolves host to its A and AAAA addresses.
func (r *DNSResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if len(r.servers) == 0 {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		return ips, nil
	}

	var (
		ips     []net.IP
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		ips = append(ips, found...)
	}
	if len(ips) == 0 && lastErr != nil {
		return nil, lastErr
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no A or AAAA records for %s", host)
	}
	return ips, nil
}

// Exchange sends msg to the configured servers in order until one answers.
func (r *DNSResolver) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("no name servers configured")
	}
	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// Servers returns the name servers the resolver queries.
func (r *DNSResolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, err := r.Exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s lookup for %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips, nil
}
