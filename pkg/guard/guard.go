// Package guard decides whether a scan target may be probed. A target is
// rejected when it is, or resolves to, an address in a blocked range.
package guard

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/errors"
)

// DefaultBlockedCIDRs are the private, loopback and link-local ranges
// blocked unless configured otherwise.
var DefaultBlockedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
}

// Config configures a Guard.
type Config struct {
	// BlockedCIDRs are the ranges a target must not resolve into.
	// An empty list uses DefaultBlockedCIDRs.
	BlockedCIDRs []string

	// FailClosed blocks targets whose host name cannot be resolved.
	FailClosed bool

	// Resolver resolves host names. Defaults to the system resolver.
	Resolver Resolver
}

// Verdict is the outcome of checking one target.
type Verdict struct {
	Blocked   bool
	Host      string
	Addresses []net.IP
	// Matched is the blocked range that caused the rejection, if any.
	Matched string
	// Reason is a human-readable explanation when Blocked is true.
	Reason string
}

// Guard checks targets against a CIDR blocklist.
type Guard struct {
	nets       []*net.IPNet
	resolver   Resolver
	failClosed bool
}

// New parses the configured ranges. A malformed range is a configuration
// error; the guard never silently ignores it.
func New(cfg Config) (*Guard, error) {
	cidrs := cfg.BlockedCIDRs
	if len(cidrs) == 0 {
		cidrs = DefaultBlockedCIDRs
	}

	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, errors.E(errors.KindConfig, "guard.New", fmt.Sprintf("invalid blocked CIDR %q", c), err)
		}
		nets = append(nets, n)
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewDNSResolver(nil, 0)
	}
	return &Guard{nets: nets, resolver: resolver, failClosed: cfg.FailClosed}, nil
}

// Check resolves target and reports whether it must not be scanned.
func (g *Guard) Check(ctx context.Context, target string) Verdict {
	host := core.Hostname(target)
	v := Verdict{Host: host}

	if host == "" {
		v.Blocked = true
		v.Reason = fmt.Sprintf("Target '%s' has no host.", target)
		return v
	}

	if ip := net.ParseIP(host); ip != nil {
		v.Addresses = []net.IP{ip}
	} else {
		ips, err := g.resolver.LookupIP(ctx, host)
		if err != nil || len(ips) == 0 {
			if g.failClosed {
				v.Blocked = true
				v.Reason = fmt.Sprintf("Target '%s' could not be resolved.", target)
			}
			return v
		}
		v.Addresses = ips
	}

	for _, ip := range v.Addresses {
		if n := g.match(ip); n != nil {
			v.Blocked = true
			v.Matched = n.String()
			v.Reason = BlockedMessage(target)
			return v
		}
	}
	return v
}

// IsBlocked reports whether target must not be scanned.
func (g *Guard) IsBlocked(ctx context.Context, target string) bool {
	return g.Check(ctx, target).Blocked
}

// Contains reports whether ip falls in a blocked range.
func (g *Guard) Contains(ip net.IP) bool {
	return g.match(ip) != nil
}

// BlockedRanges returns the configured ranges.
func (g *Guard) BlockedRanges() []string {
	out := make([]string, len(g.nets))
	for i, n := range g.nets {
		out[i] = n.String()
	}
	return out
}

// BlockedMessage is the report error for a target in a blocked range.
func BlockedMessage(target string) string {
	return fmt.Sprintf("Target '%s' resolves to a blocked/private IP range.", target)
}

func (g *Guard) match(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range g.nets {
		if n.Contains(ip) {
			return n
		}
	}
	return nil
}
