package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known option keys.
const (
	OptDiscoveredAssets  = "discovered_assets"
	OptExcludePaths      = "exclude_paths"
	OptExcludeSubdomains = "exclude_subdomains"
	OptExcludePorts      = "exclude_ports"
	OptExclusionRules    = "exclusion_rules"
	OptExcludeModules    = "exclude_modules"
	OptModules           = "modules"
)

// PassThroughKeys are the global options copied into every module's options.
var PassThroughKeys = []string{
	OptExcludePaths,
	OptExcludeSubdomains,
	OptExcludePorts,
	OptExclusionRules,
}

// Options is the open option map handed to scans and modules. Values
// typically come from decoded JSON, so accessors tolerate []any and float64.
type Options map[string]any

// Clone returns a deep copy of o.
func (o Options) Clone() Options {
	if o == nil {
		return Options{}
	}
	return Options(cloneMap(o))
}

// Has reports whether key is present with a non-nil value.
func (o Options) Has(key string) bool {
	v, ok := o[key]
	return ok && v != nil
}

// String returns the string at key, or def.
func (o Options) String(key, def string) string {
	switch v := o[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return def
	}
}

// Bool returns the boolean at key, or def.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Int returns the integer at key, or def.
func (o Options) Int(key string, def int) int {
	if n, ok := toInt(o[key]); ok {
		return n
	}
	return def
}

// Strings returns the string list at key. A single string is split on commas.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// Ints returns the integer list at key.
func (o Options) Ints(key string) []int {
	switch v := o[key].(type) {
	case []int:
		return append([]int(nil), v...)
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			if n, ok := toInt(item); ok {
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}

// Map returns the nested option map at key, or nil.
func (o Options) Map(key string) Options {
	switch v := o[key].(type) {
	case Options:
		return v
	case map[string]any:
		return Options(v)
	default:
		return nil
	}
}

// Assets returns the asset list at key. Only []Asset values are recognised.
func (o Options) Assets(key string) []Asset {
	if v, ok := o[key].([]Asset); ok {
		return v
	}
	return nil
}

// DiscoveredAssets returns the assets found by earlier modules.
func (o Options) DiscoveredAssets() []Asset {
	return o.Assets(OptDiscoveredAssets)
}

// AssetsOfType filters assets by type.
func AssetsOfType(assets []Asset, t AssetType) []Asset {
	var out []Asset
	for _, a := range assets {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}
