package capability

import (
	"path"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ParamKind selects how a scope value is matched.
type ParamKind string

const (
	// KindExact matches literally; "*" in a grant matches anything.
	KindExact ParamKind = "exact"
	// KindHost matches DNS names; "*.example.com" matches any subdomain.
	KindHost ParamKind = "host"
	// KindPath matches slash-separated paths with doublestar globs.
	KindPath ParamKind = "path"
	// KindPort matches a port number or "low-high" range.
	KindPort ParamKind = "port"
)

// Contains reports whether the requested scope lies within the granted
// scope. Each key constrained by the grant must be present in the request
// with a value the grant's pattern covers. Keys the grant leaves open are
// unconstrained. kinds maps keys to their matching rules; missing entries
// default to KindExact.
func Contains(granted, requested Scope, kinds map[string]ParamKind) bool {
	for _, key := range granted.Keys() {
		pattern, _ := granted.Get(key)
		value, ok := requested.Get(key)
		if !ok {
			return false
		}
		kind, ok := kinds[key]
		if !ok {
			kind = KindExact
		}
		if !matchValue(kind, pattern, value) {
			return false
		}
	}
	return true
}

// Violations returns the keys on which requested escapes granted.
func Violations(granted, requested Scope, kinds map[string]ParamKind) []string {
	var out []string
	for _, key := range granted.Keys() {
		pattern, _ := granted.Get(key)
		value, ok := requested.Get(key)
		kind := kinds[key]
		if kind == "" {
			kind = KindExact
		}
		if !ok || !matchValue(kind, pattern, value) {
			out = append(out, key)
		}
	}
	return out
}

func matchValue(kind ParamKind, pattern, value string) bool {
	if pattern == value {
		return true
	}
	switch kind {
	case KindHost:
		return matchHost(pattern, value)
	case KindPath:
		return matchPath(pattern, value)
	case KindPort:
		return matchPort(pattern, value)
	default:
		return pattern == "*"
	}
}

func matchHost(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if pattern == "*" || pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	suffix := pattern[1:]
	// A requested wildcard is contained when it is a narrower wildcard.
	if strings.HasPrefix(host, "*.") {
		return strings.HasSuffix(host[1:], suffix)
	}
	if strings.Contains(host, "*") {
		return false
	}
	return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
}

func matchPath(pattern, value string) bool {
	if pattern == "**" {
		return true
	}
	value = path.Clean("/" + value)
	if !strings.HasPrefix(pattern, "/") {
		value = strings.TrimPrefix(value, "/")
	}
	if hasGlobMeta(value) {
		// Requested patterns are only contained by identical grants.
		return false
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func matchPort(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	plo, phi, ok := parsePortRange(pattern)
	if !ok {
		return false
	}
	vlo, vhi, ok := parsePortRange(value)
	if !ok {
		return false
	}
	return vlo >= plo && vhi <= phi
}

func parsePortRange(s string) (lo, hi int, ok bool) {
	a, b, isRange := strings.Cut(s, "-")
	lo, err := strconv.Atoi(a)
	if err != nil || lo < 1 || lo > 65535 {
		return 0, 0, false
	}
	if !isRange {
		return lo, lo, true
	}
	hi, err = strconv.Atoi(b)
	if err != nil || hi < lo || hi > 65535 {
		return 0, 0, false
	}
	return lo, hi, true
}

// ValidValue reports whether v is a syntactically valid value for kind.
func ValidValue(kind ParamKind, v string) bool {
	switch kind {
	case KindHost:
		if v == "*" {
			return true
		}
		v = strings.TrimPrefix(v, "*.")
		if v == "" || strings.Contains(v, "*") || strings.HasPrefix(v, ".") || strings.HasSuffix(v, ".") {
			return false
		}
		for _, label := range strings.Split(v, ".") {
			if label == "" || len(label) > 63 {
				return false
			}
		}
		return true
	case KindPath:
		return doublestar.ValidatePattern(v) && !strings.Contains(v, "..")
	case KindPort:
		if v == "*" {
			return true
		}
		_, _, ok := parsePortRange(v)
		return ok
	default:
		return v != ""
	}
}
