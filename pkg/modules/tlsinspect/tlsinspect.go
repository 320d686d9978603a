// Package tlsinspect implements the ssl_analyzer module: certificate and
// protocol version checks of a TLS endpoint.
package tlsinspect

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/shared/severity"
)

const (
	// Name is the registry name of the module.
	Name = core.ModuleSSLAnalyzer

	// DefaultPort is the TLS port probed when none is given.
	DefaultPort = 443

	// DefaultTimeout bounds each handshake.
	DefaultTimeout = 10 * time.Second

	expiryWarningDays  = 30
	expiryCriticalDays = 7
)

// protocolVersions are probed in order. SSLv3 is not offered by crypto/tls.
var protocolVersions = []struct {
	name    string
	version uint16
}{
	{"TLSv1.0", tls.VersionTLS10},
	{"TLSv1.1", tls.VersionTLS11},
	{"TLSv1.2", tls.VersionTLS12},
	{"TLSv1.3", tls.VersionTLS13},
}

// Module inspects TLS certificates and protocol support.
type Module struct {
	Timeout time.Duration
	Logger  *logrus.Entry
	// Now is the clock used for expiry checks.
	Now func() time.Time
}

// New creates the module.
func New(timeout time.Duration, logger *logrus.Entry) *Module {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Module{Timeout: timeout, Logger: logger.WithField("module", Name), Now: time.Now}
}

func (m *Module) Name() string { return Name }

func (m *Module) Description() string {
	return "Analyzes SSL/TLS certificates, protocols, and cipher suites"
}

// Run performs the analysis. Options: port.
func (m *Module) Run(ctx context.Context, target string, opts core.Options) *core.ModuleResult {
	start := time.Now()
	result := core.NewResult(Name)
	host := core.Hostname(target)
	port := opts.Int("port", targetPort(target))
	endpoint := fmt.Sprintf("%s:%d", host, port)

	log := m.Logger.WithFields(logrus.Fields{"target": host, "port": port})
	log.Info("Starting SSL/TLS analysis")

	state, err := m.handshake(ctx, host, port, 0)
	if err != nil || len(state.PeerCertificates) == 0 {
		result.AddError("Could not connect to %s via SSL/TLS", endpoint)
		return result.Finish(start)
	}

	cert := state.PeerCertificates[0]
	info := describe(cert)
	info["negotiated_version"] = tls.VersionName(state.Version)
	info["cipher_suite"] = tls.CipherSuiteName(state.CipherSuite)
	result.RawOutput = info

	result.AddAsset(core.Asset{
		Type:  core.AssetCertificate,
		Value: endpoint,
		Metadata: map[string]any{
			"subject":    info["subject"],
			"issuer":     info["issuer"],
			"valid_from": info["not_before"],
			"valid_to":   info["not_after"],
			"serial":     info["serial"],
			"dns_names":  cert.DNSNames,
		},
	})

	for _, f := range CertificateFindings(cert, host, endpoint, m.Now()) {
		result.AddFinding(f)
	}

	supported := make(map[string]bool, len(protocolVersions))
	for _, pv := range protocolVersions {
		_, err := m.handshake(ctx, host, port, pv.version)
		supported[pv.name] = err == nil
		if err == nil && pv.version < tls.VersionTLS12 {
			result.AddFinding(core.Finding{
				Title:             fmt.Sprintf("Deprecated %s Supported", pv.name),
				Severity:          severity.Medium,
				Category:          core.CategorySSLTLS,
				Description:       fmt.Sprintf("%s supports deprecated protocol %s.", host, pv.name),
				Solution:          fmt.Sprintf("Disable %s and use TLS 1.2 or higher.", pv.name),
				AffectedComponent: endpoint,
			})
		}
	}
	result.RawOutput["tls_versions"] = supported

	log.WithField("findings", len(result.Findings)).Info("SSL analysis completed")
	return result.Finish(start)
}

// handshake connects to host:port. A non-zero version pins the protocol.
func (m *Module) handshake(ctx context.Context, host string, port int, version uint16) (tls.ConnectionState, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		ServerName:         host,
	}
	if version != 0 {
		cfg.MinVersion = version
		cfg.MaxVersion = version
	}
	if net.ParseIP(host) != nil {
		cfg.ServerName = ""
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: m.Timeout}, Config: cfg}
	dctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	conn, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer conn.Close()
	return conn.(*tls.Conn).ConnectionState(), nil
}

// CertificateFindings evaluates a leaf certificate for expiry, self-signing,
// weak signatures and wildcard names.
func CertificateFindings(cert *x509.Certificate, host, endpoint string, now time.Time) []core.Finding {
	var findings []core.Finding

	days := int(math.Floor(cert.NotAfter.Sub(now).Hours() / 24))
	switch {
	case days < 0:
		findings = append(findings, core.Finding{
			Title:             "SSL Certificate Expired",
			Severity:          severity.Critical,
			Category:          core.CategoryCertIssue,
			Description:       fmt.Sprintf("The SSL certificate for %s expired %d days ago.", host, -days),
			Solution:          "Renew the SSL certificate immediately.",
			AffectedComponent: endpoint,
		})
	case days < expiryWarningDays:
		sev := severity.Medium
		if days < expiryCriticalDays {
			sev = severity.High
		}
		findings = append(findings, core.Finding{
			Title:             "SSL Certificate Expiring Soon",
			Severity:          sev,
			Category:          core.CategoryCertIssue,
			Description:       fmt.Sprintf("The SSL certificate for %s expires in %d days.", host, days),
			Solution:          "Renew the SSL certificate before it expires.",
			AffectedComponent: endpoint,
		})
	}

	if isSelfSigned(cert) {
		findings = append(findings, core.Finding{
			Title:             "Self-Signed SSL Certificate",
			Severity:          severity.Medium,
			Category:          core.CategoryCertIssue,
			Description:       fmt.Sprintf("The SSL certificate for %s is self-signed.", host),
			Solution:          "Use a certificate from a trusted Certificate Authority (CA).",
			AffectedComponent: endpoint,
		})
	}

	switch cert.SignatureAlgorithm {
	case x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1, x509.MD5WithRSA, x509.MD2WithRSA:
		findings = append(findings, core.Finding{
			Title:             "Weak Certificate Signature Algorithm",
			Severity:          severity.High,
			Category:          core.CategorySSLTLS,
			Description:       fmt.Sprintf("Certificate uses weak signature algorithm: %s", strings.ToLower(cert.SignatureAlgorithm.String())),
			Solution:          "Re-issue the certificate with SHA-256 or stronger.",
			AffectedComponent: endpoint,
		})
	}

	if isWildcard(cert) {
		findings = append(findings, core.Finding{
			Title:             "Wildcard SSL Certificate",
			Severity:          severity.Low,
			Category:          core.CategorySSLTLS,
			Description:       fmt.Sprintf("A wildcard certificate is used for %s.", host),
			Solution:          "Consider using individual certificates for critical subdomains.",
			AffectedComponent: endpoint,
		})
	}
	return findings
}

func describe(cert *x509.Certificate) map[string]any {
	return map[string]any{
		"subject":             cert.Subject.String(),
		"issuer":              cert.Issuer.String(),
		"serial":              cert.SerialNumber.String(),
		"not_before":          cert.NotBefore.UTC().Format(time.RFC3339),
		"not_after":           cert.NotAfter.UTC().Format(time.RFC3339),
		"signature_algorithm": cert.SignatureAlgorithm.String(),
		"self_signed":         isSelfSigned(cert),
		"is_wildcard":         isWildcard(cert),
		"version":             cert.Version,
	}
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Subject.String() == cert.Issuer.String()
}

func isWildcard(cert *x509.Certificate) bool {
	if strings.Contains(cert.Subject.CommonName, "*") {
		return true
	}
	for _, n := range cert.DNSNames {
		if strings.HasPrefix(n, "*.") {
			return true
		}
	}
	return false
}

// targetPort returns the port embedded in target, or DefaultPort.
func targetPort(target string) int {
	t := target
	if i := strings.Index(t, "://"); i >= 0 {
		t = t[i+3:]
	}
	if i := strings.IndexAny(t, "/?#"); i >= 0 {
		t = t[:i]
	}
	if _, p, err := net.SplitHostPort(t); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return DefaultPort
}
