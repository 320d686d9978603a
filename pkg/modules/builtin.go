package modules

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/guard"
	"github.com/exploopio/surface/pkg/httpclient"
	"github.com/exploopio/surface/pkg/modules/admindetect"
	"github.com/exploopio/surface/pkg/modules/crawler"
	"github.com/exploopio/surface/pkg/modules/dnsenum"
	"github.com/exploopio/surface/pkg/modules/portscan"
	"github.com/exploopio/surface/pkg/modules/takeover"
	"github.com/exploopio/surface/pkg/modules/techdetect"
	"github.com/exploopio/surface/pkg/modules/tlsinspect"
	"github.com/exploopio/surface/pkg/modules/vulncheck"
)

// DefaultResolvers are used when no resolver is supplied.
var DefaultResolvers = []string{"8.8.8.8", "1.1.1.1"}

// Dependencies are the shared resources handed to the built-in modules.
// Zero values fall back to the module defaults.
type Dependencies struct {
	Logger     *logrus.Entry
	HTTP       *httpclient.Client
	DNS        *guard.DNSResolver
	TopPorts   int
	TLSTimeout time.Duration
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if d.HTTP == nil {
		d.HTTP = httpclient.New(httpclient.Config{})
	}
	if d.DNS == nil {
		d.DNS = guard.NewDNSResolver(DefaultResolvers, 5*time.Second)
	}
	return d
}

// RegisterBuiltins adds the built-in modules to r.
func RegisterBuiltins(r *Registry, deps Dependencies) {
	d := deps.withDefaults()

	r.Register(core.ModuleDNSEnumerator, func() core.Module {
		return dnsenum.New(d.DNS, d.Logger)
	})
	r.Register(core.ModulePortScanner, func() core.Module {
		return portscan.New(d.TopPorts, d.Logger)
	})
	r.Register(core.ModuleSSLAnalyzer, func() core.Module {
		return tlsinspect.New(d.TLSTimeout, d.Logger)
	})
	r.Register(core.ModuleWebCrawler, func() core.Module {
		return crawler.New(d.HTTP, d.Logger)
	})
	r.Register(core.ModuleTechDetector, func() core.Module {
		return techdetect.New(d.HTTP, d.Logger)
	})
	r.Register(core.ModuleAdminDetector, func() core.Module {
		return admindetect.New(d.HTTP, d.Logger)
	})
	r.Register(core.ModuleVulnChecker, func() core.Module {
		return vulncheck.New(d.HTTP, d.Logger)
	})
	r.Register(core.ModuleSubdomainTakeover, func() core.Module {
		return takeover.New(d.DNS, d.HTTP, d.Logger)
	})
}

// NewDefaultRegistry returns a registry holding every built-in module.
func NewDefaultRegistry(deps Dependencies) *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, deps)
	return r
}

var (
	_ dnsenum.Exchanger  = (*guard.DNSResolver)(nil)
	_ takeover.Exchanger = (*guard.DNSResolver)(nil)
)
