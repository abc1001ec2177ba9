package scanner

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	"github.com/reglet-dev/reglet-trust/capability"
)

// Rule IDs produced by the scanner itself rather than by pattern rules.
const (
	RuleCapabilityMismatch = "capability-mismatch"
	RuleUnusedCapability   = "unused-capability"
	RuleKnownVulnerable    = "known-vulnerable-dependency"
	RuleMalformedWASM      = "malformed-wasm"
	RuleWASMImport         = "wasm-disallowed-import"
)

// Rule is a pattern rule applied to text files.
type Rule struct {
	ID         string          `yaml:"id"`
	Severity   Severity        `yaml:"severity"`
	Files      []string        `yaml:"files"`
	Pattern    string          `yaml:"pattern"`
	Message    string          `yaml:"message"`
	Capability capability.Name `yaml:"capability,omitempty"`

	re *regexp.Regexp
}

// KnownBad identifies a vulnerable dependency by content digest.
type KnownBad struct {
	SHA256   string `yaml:"sha256"`
	Name     string `yaml:"name"`
	Advisory string `yaml:"advisory,omitempty"`
}

// ImportRule flags WASM imports. Module and Name are doublestar patterns.
type ImportRule struct {
	Module     string          `yaml:"module"`
	Name       string          `yaml:"name"`
	Severity   Severity        `yaml:"severity"`
	Message    string          `yaml:"message"`
	Capability capability.Name `yaml:"capability,omitempty"`
}

// RuleSet is a compiled collection of rules.
type RuleSet struct {
	Rules    []Rule       `yaml:"rules"`
	KnownBad []KnownBad   `yaml:"knownBad"`
	Imports  []ImportRule `yaml:"imports"`
	// CallPattern extracts mediated capability names from source; its first
	// submatch must be the capability name.
	CallPattern string `yaml:"callPattern,omitempty"`

	callRe *regexp.Regexp
}

// LoadRuleSet parses and compiles a YAML rule file.
func LoadRuleSet(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rule set: %w", err)
	}
	if err := rs.compile(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadRuleFiles loads and merges rule files in order.
func LoadRuleFiles(paths ...string) (RuleSet, error) {
	var out RuleSet
	for _, p := range paths {
		data, err := os.ReadFile(p) // #nosec G304 -- operator-supplied rule files
		if err != nil {
			return RuleSet{}, err
		}
		rs, err := LoadRuleSet(data)
		if err != nil {
			return RuleSet{}, fmt.Errorf("%s: %w", p, err)
		}
		out = out.Merge(rs)
	}
	return out, nil
}

// Merge returns rs extended by other. Rules with an id already present are
// replaced; other's call pattern wins when set.
func (rs RuleSet) Merge(other RuleSet) RuleSet {
	out := RuleSet{
		KnownBad:    append(append([]KnownBad(nil), rs.KnownBad...), other.KnownBad...),
		Imports:     append(append([]ImportRule(nil), rs.Imports...), other.Imports...),
		CallPattern: rs.CallPattern,
		callRe:      rs.callRe,
	}
	replaced := make(map[string]Rule, len(other.Rules))
	for _, r := range other.Rules {
		replaced[r.ID] = r
	}
	for _, r := range rs.Rules {
		if nr, ok := replaced[r.ID]; ok {
			out.Rules = append(out.Rules, nr)
			delete(replaced, r.ID)
			continue
		}
		out.Rules = append(out.Rules, r)
	}
	for _, r := range other.Rules {
		if _, ok := replaced[r.ID]; ok {
			out.Rules = append(out.Rules, r)
		}
	}
	if other.CallPattern != "" {
		out.CallPattern, out.callRe = other.CallPattern, other.callRe
	}
	return out
}

func (rs *RuleSet) compile() error {
	var errs []error
	seen := make(map[string]bool)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rule %d: id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if _, err := ParseSeverity(string(r.Severity)); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			errs = append(errs, fmt.Errorf("rule %s: invalid pattern: %v", r.ID, err))
			continue
		}
		r.re = re
		if len(r.Files) == 0 {
			r.Files = []string{"**"}
		}
		for _, g := range r.Files {
			if !doublestar.ValidatePattern(g) {
				errs = append(errs, fmt.Errorf("rule %s: invalid file glob %q", r.ID, g))
			}
		}
	}
	for i, k := range rs.KnownBad {
		rs.KnownBad[i].SHA256 = strings.ToLower(k.SHA256)
		if len(k.SHA256) != 64 {
			errs = append(errs, fmt.Errorf("knownBad %q: sha256 must be 64 hex characters", k.Name))
		}
	}
	for _, im := range rs.Imports {
		if _, err := ParseSeverity(string(im.Severity)); err != nil {
			errs = append(errs, fmt.Errorf("import rule %s/%s: %w", im.Module, im.Name, err))
		}
		if !doublestar.ValidatePattern(im.Module) || !doublestar.ValidatePattern(im.Name) {
			errs = append(errs, fmt.Errorf("import rule %s/%s: invalid pattern", im.Module, im.Name))
		}
	}
	if rs.CallPattern != "" {
		re, err := regexp.Compile(rs.CallPattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("callPattern: %w", err))
		} else if re.NumSubexp() < 1 {
			errs = append(errs, errors.New("callPattern needs a capturing group"))
		} else {
			rs.callRe = re
		}
	}
	return errors.Join(errs...)
}

func (r Rule) appliesTo(path string) bool {
	for _, g := range r.Files {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

// BuiltinRules returns the default rule set for Lua and WASM bundles.
func BuiltinRules() RuleSet {
	rs, err := LoadRuleSet([]byte(builtinRulesYAML))
	if err != nil {
		panic(fmt.Sprintf("builtin rules: %v", err))
	}
	return rs
}

const builtinRulesYAML = `
callPattern: 'host\.call\(\s*["'']([a-z][a-z0-9-]*:[a-z][a-z0-9-]*)(?:\([^"'')]*\))?["'']'
rules:
  - id: lua-dynamic-eval
    severity: critical
    files: ["**/*.lua"]
    pattern: '\b(loadstring|load|dofile|loadfile)\s*\('
    message: dynamic code evaluation
  - id: lua-direct-fs
    severity: critical
    files: ["**/*.lua"]
    pattern: '\bio\.(open|lines|input|output)\s*\(|\bos\.(remove|rename|tmpname)\s*\('
    message: direct filesystem access bypasses the fs capability
    capability: fs:read
  - id: lua-process-spawn
    severity: critical
    files: ["**/*.lua"]
    pattern: '\b(io\.popen|os\.execute)\s*\('
    message: process execution bypasses the exec capability
    capability: exec:spawn
  - id: lua-direct-network
    severity: critical
    files: ["**/*.lua"]
    pattern: 'require\s*\(?\s*["''](socket|socket\.http|ssl\.https|http\.request)["'']'
    message: direct network library bypasses the network capability
    capability: network:fetch
  - id: lua-env-access
    severity: warning
    files: ["**/*.lua"]
    pattern: '\bos\.getenv\s*\('
    message: direct environment access bypasses the env capability
    capability: env:read
  - id: lua-debug-library
    severity: warning
    files: ["**/*.lua"]
    pattern: '\bdebug\.[a-z]+\s*\('
    message: debug library can break sandbox invariants
  - id: lua-global-tamper
    severity: warning
    files: ["**/*.lua"]
    pattern: '\bsetmetatable\s*\(\s*_G\b|\brawset\s*\(\s*_G\b'
    message: global environment tampering
  - id: lua-native-module
    severity: critical
    files: ["**/*.lua"]
    pattern: '\bpackage\.(loadlib|cpath)\b'
    message: native module loading
imports:
  - module: wasi_snapshot_preview1
    name: "path_*"
    severity: critical
    message: direct WASI filesystem access bypasses the fs capability
    capability: fs:read
  - module: wasi_snapshot_preview1
    name: "sock_*"
    severity: critical
    message: direct WASI socket access bypasses the network capability
    capability: network:fetch
  - module: wasi_snapshot_preview1
    name: "environ_*"
    severity: warning
    message: direct WASI environment access bypasses the env capability
    capability: env:read
  - module: "env"
    name: "*"
    severity: warning
    message: import from unmediated host module
`
