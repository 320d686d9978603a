// Package profile expands a scan profile name into the ordered list of
// modules to run.
package profile

import (
	"strings"

	"github.com/exploopio/surface/pkg/core"
)

// Profile names.
const (
	Quick    = "QUICK"
	Standard = "STANDARD"
	Deep     = "DEEP"
	Custom   = "CUSTOM"
)

// Default is used when a profile name is unknown or a custom list is empty.
const Default = Standard

var profiles = map[string][]string{
	Quick: {
		core.ModuleDNSEnumerator,
		core.ModuleSSLAnalyzer,
		core.ModuleTechDetector,
	},
	Standard: {
		core.ModuleDNSEnumerator,
		core.ModulePortScanner,
		core.ModuleSSLAnalyzer,
		core.ModuleWebCrawler,
		core.ModuleTechDetector,
		core.ModuleAdminDetector,
		core.ModuleReconModule,
	},
	Deep: {
		core.ModuleDNSEnumerator,
		core.ModulePortScanner,
		core.ModuleSSLAnalyzer,
		core.ModuleWebCrawler,
		core.ModuleTechDetector,
		core.ModuleWAFDetector,
		core.ModuleReconModule,
		core.ModuleVulnChecker,
		core.ModuleSubdomainTakeover,
		core.ModuleAdminDetector,
		core.ModuleNVDCVEMatcher,
		core.ModuleAPIDiscovery,
		core.ModuleAPISecurity,
	},
}

// Modules returns a copy of the module list of a built-in profile.
func Modules(name string) ([]string, bool) {
	list, ok := profiles[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return append([]string(nil), list...), true
}

// Names returns the selectable profile names.
func Names() []string {
	return []string{Quick, Standard, Deep, Custom}
}

// Catalog reports which module names can be run.
type Catalog interface {
	Has(name string) bool
}

// Plan is the resolved, ordered module list of a scan.
type Plan struct {
	// Profile is the normalised profile name that was requested
	Profile string
	// Modules are the registered modules to run, in order
	Modules []string
	// Dropped lists requested names that are not registered
	Dropped []string
}

// Total is the number of modules the plan will run.
func (p Plan) Total() int {
	return len(p.Modules)
}

// Resolve expands name into the modules to run. CUSTOM takes its list from
// opts["modules"]; an empty custom list and unknown profile names use the
// STANDARD list. Names missing from catalog are dropped, duplicates keep
// their first position, and opts["exclude_modules"] is applied last.
func Resolve(name string, opts core.Options, catalog Catalog) Plan {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	plan := Plan{Profile: normalized}

	var requested []string
	if normalized == Custom {
		requested = opts.Strings(core.OptModules)
	} else if list, ok := profiles[normalized]; ok {
		requested = list
	}
	if len(requested) == 0 {
		requested = profiles[Default]
	}

	excluded := make(map[string]bool)
	for _, m := range opts.Strings(core.OptExcludeModules) {
		excluded[m] = true
	}

	seen := make(map[string]bool, len(requested))
	plan.Modules = make([]string, 0, len(requested))
	for _, m := range requested {
		if seen[m] {
			continue
		}
		seen[m] = true
		if catalog != nil && !catalog.Has(m) {
			plan.Dropped = append(plan.Dropped, m)
			continue
		}
		if excluded[m] {
			continue
		}
		plan.Modules = append(plan.Modules, m)
	}
	return plan
}
