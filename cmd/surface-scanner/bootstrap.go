package main

import (
	"github.com/sirupsen/logrus"

	"github.com/exploopio/surface/pkg/engine"
	"github.com/exploopio/surface/pkg/guard"
	"github.com/exploopio/surface/pkg/httpclient"
	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/modules"
)

// newEngine wires the registry, guard and engine from the loaded settings.
func (a *app) newEngine(collector metrics.Collector, opts ...engine.Option) (*engine.Engine, error) {
	s := a.settings
	entry := logrus.NewEntry(a.log)

	resolver := guard.NewDNSResolver(s.DNS.Resolvers, s.DNSTimeout())
	g, err := guard.New(guard.Config{
		BlockedCIDRs: s.Guard.BlockedCIDRs,
		FailClosed:   s.Guard.FailClosed,
		Resolver:     resolver,
	})
	if err != nil {
		return nil, err
	}

	registry := modules.NewDefaultRegistry(modules.Dependencies{
		Logger: entry,
		HTTP: httpclient.New(httpclient.Config{
			Timeout:   s.HTTPTimeout(),
			UserAgent: s.HTTP.UserAgent,
			RateLimit: s.HTTP.RateLimitRPS,
		}),
		DNS:      resolver,
		TopPorts: s.Ports.TopPorts,
	})

	base := []engine.Option{
		engine.WithTimeout(s.ModuleTimeout()),
		engine.WithLogger(entry),
		engine.WithMetrics(collector),
	}
	return engine.New(registry, g, append(base, opts...)...)
}
