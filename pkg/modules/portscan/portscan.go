// Package portscan implements the port_scanner module, a TCP connect scan
// of the most common service ports.
package portscan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/shared/severity"
)

const (
	// Name is the registry name of the module.
	Name = core.ModulePortScanner

	// DefaultTopPorts is the number of ports probed when not configured.
	DefaultTopPorts = 1000

	// DefaultConcurrency bounds simultaneous connection attempts.
	DefaultConcurrency = 100

	// DefaultDialTimeout is the per-port connect timeout.
	DefaultDialTimeout = 2 * time.Second
)

// Scan types select how many of the top ports are probed.
const (
	ScanQuick    = "quick"
	ScanStandard = "standard"
	ScanDeep     = "deep"
)

// topPorts lists TCP ports ordered by how often they are found open.
var topPorts = []int{
	80, 23, 443, 21, 22, 25, 3389, 110, 445, 139,
	143, 53, 135, 3306, 8080, 1723, 111, 995, 993, 5900,
	1025, 587, 8888, 199, 1720, 465, 548, 113, 81, 6001,
	10000, 514, 5060, 179, 1026, 2000, 8443, 8000, 32768, 554,
	26, 1433, 49152, 2001, 515, 8008, 49154, 1027, 5666, 646,
	5000, 5631, 631, 49153, 8081, 2049, 88, 79, 5800, 106,
	2121, 1110, 49155, 6000, 513, 990, 5357, 427, 49156, 543,
	544, 5101, 144, 7, 389, 8009, 3128, 444, 9999, 5009,
	7070, 5190, 3000, 5432, 1900, 3986, 13, 1029, 9, 5051,
	6646, 49157, 1028, 873, 1755, 2717, 4899, 9100, 119, 37,
	6379, 27017, 9200, 9300, 11211, 5672, 15672, 2375, 2376, 6443,
	10250, 5984, 8086, 9000, 9090, 9443, 7001, 8161, 50000, 4444,
}

var services = map[int]string{
	21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "domain", 80: "http",
	110: "pop3", 111: "rpcbind", 135: "msrpc", 139: "netbios-ssn", 143: "imap",
	389: "ldap", 443: "https", 445: "microsoft-ds", 465: "smtps", 587: "submission",
	993: "imaps", 995: "pop3s", 1433: "ms-sql-s", 1723: "pptp", 2049: "nfs",
	2375: "docker", 3000: "ppp", 3128: "squid-http", 3306: "mysql", 3389: "ms-wbt-server",
	5432: "postgresql", 5672: "amqp", 5900: "vnc", 6379: "redis", 6443: "kubernetes",
	8000: "http-alt", 8080: "http-proxy", 8443: "https-alt", 9200: "elasticsearch",
	10250: "kubelet", 11211: "memcache", 27017: "mongodb",
}

type riskyPort struct {
	label    string
	severity severity.Level
}

var riskyPorts = map[int]riskyPort{
	21:    {"FTP", severity.Medium},
	23:    {"Telnet", severity.High},
	25:    {"SMTP (Open Relay risk)", severity.Medium},
	445:   {"SMB", severity.High},
	3389:  {"RDP", severity.High},
	5900:  {"VNC", severity.High},
	6379:  {"Redis (unauth risk)", severity.Critical},
	27017: {"MongoDB (unauth risk)", severity.Critical},
	9200:  {"Elasticsearch", severity.High},
}

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Module scans TCP ports.
type Module struct {
	TopPorts    int
	Concurrency int
	DialTimeout time.Duration
	Dial        DialFunc
	Logger      *logrus.Entry
}

// New creates the module. topPortCount caps the deep scan.
func New(topPortCount int, logger *logrus.Entry) *Module {
	if topPortCount <= 0 {
		topPortCount = DefaultTopPorts
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Module{
		TopPorts:    topPortCount,
		Concurrency: DefaultConcurrency,
		DialTimeout: DefaultDialTimeout,
		Logger:      logger.WithField("module", Name),
	}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string {
	return "Scans for open TCP ports and identifies running services"
}

// Run performs the scan. Options: ports (explicit list), top_ports,
// scan_type (quick, standard, deep), exclude_ports.
func (m *Module) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)
	host := core.Hostname(target)
	scanType := opts.String("scan_type", ScanQuick)

	ports := opts.Ints("ports")
	if len(ports) == 0 {
		ports = SelectPorts(scanType, opts.Int("top_ports", m.TopPorts))
	}
	ports = withoutExcluded(ports, opts.Ints(core.OptExcludePorts))

	log := m.Logger.WithFields(logrus.Fields{"target": host, "scan_type": scanType})
	log.WithField("ports", len(ports)).Info("Starting port scan")

	open, err := m.scan(ctx, host, ports)
	if err != nil {
		result.AddError("Port scan error: %v", err)
	}

	for _, port := range open {
		proto := "tcp"
		service := services[port]
		if service == "" {
			service = "unknown"
		}
		result.AddAsset(core.Asset{
			Type:  core.AssetPort,
			Value: fmt.Sprintf("%s:%d/%s", host, port, proto),
			Metadata: map[string]any{
				"port":     port,
				"protocol": proto,
				"state":    "open",
				"service":  service,
			},
		})

		if risky, ok := riskyPorts[port]; ok {
			result.AddFinding(core.Finding{
				Title:    fmt.Sprintf("Risky Open Port: %d (%s)", port, risky.label),
				Severity: risky.severity,
				Category: core.CategoryNetwork,
				Description: fmt.Sprintf("Port %d/%s (%s) is open on %s. "+
					"This service may expose sensitive functionality.", port, proto, risky.label, host),
				Solution:          fmt.Sprintf("Restrict access to port %d using a firewall or disable the service if not needed.", port),
				AffectedComponent: fmt.Sprintf("%s:%d", host, port),
			})
		}
	}

	result.RawOutput["ports_scanned"] = len(ports)
	result.RawOutput["ports_open"] = len(open)
	log.WithField("ports_found", len(open)).Info("Port scan completed")
	return result.Finish(start)
}

func (m *Module) scan(ctx context.Context, host string, ports []int) ([]int, error) {
	limit := m.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	timeout := m.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dial := m.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: timeout}
		dial = d.DialContext
	}

	var (
		mu   sync.Mutex
		open []int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, port := range ports {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			conn, err := dial(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				return nil
			}
			_ = conn.Close()
			mu.Lock()
			open = append(open, port)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(open)
	return open, ctx.Err()
}

// SelectPorts returns the ports probed for a scan type. Quick scans probe
// at most 20 ports and standard scans at most 100.
func SelectPorts(scanType string, top int) []int {
	if top <= 0 {
		top = DefaultTopPorts
	}
	switch scanType {
	case ScanDeep:
	case ScanStandard:
		top = min(top, 100)
	default:
		top = min(top, 20)
	}
	top = min(top, len(topPorts))
	return append([]int(nil), topPorts[:top]...)
}

func withoutExcluded(ports, excluded []int) []int {
	if len(excluded) == 0 {
		return ports
	}
	skip := make(map[int]bool, len(excluded))
	for _, p := range excluded {
		skip[p] = true
	}
	out := ports[:0:0]
	for _, p := range ports {
		if !skip[p] {
			out = append(out, p)
		}
	}
	return out
}
