// Package scanner is the static security scanner. It inspects a plugin
// bundle for disallowed constructs and undeclared capability use and
// reports severity-ranked findings. It never decides policy.
package scanner

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/reglet-dev/reglet-trust/capability"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(s)); sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Location points into the bundle. Line is 1-based and zero for binary
// files; Offset is the byte offset.
type Location struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Line   int    `json:"line,omitempty"`
}

func (l Location) String() string {
	if l.Line > 0 {
		return fmt.Sprintf("%s:%d", l.Path, l.Line)
	}
	return fmt.Sprintf("%s@%d", l.Path, l.Offset)
}

// Finding is one reported issue. Findings are immutable; a new scan
// produces a new set.
type Finding struct {
	RuleID               string          `json:"ruleId"`
	Severity             Severity        `json:"severity"`
	Location             Location        `json:"location"`
	Message              string          `json:"message"`
	CapabilityImplicated capability.Name `json:"capabilityImplicated,omitempty"`
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", f.Severity, f.RuleID, f.Location, f.Message)
}

// Sort orders findings by severity (critical first), then path, offset
// and rule id.
func Sort(fs []Finding) {
	slices.SortFunc(fs, func(a, b Finding) int {
		return cmp.Or(
			cmp.Compare(b.Severity.rank(), a.Severity.rank()),
			strings.Compare(a.Location.Path, b.Location.Path),
			cmp.Compare(a.Location.Offset, b.Location.Offset),
			strings.Compare(a.RuleID, b.RuleID),
			strings.Compare(string(a.CapabilityImplicated), string(b.CapabilityImplicated)),
		)
	})
}

// Report is the result of one scan.
type Report struct {
	Findings     []Finding `json:"findings"`
	FilesScanned int       `json:"filesScanned"`
}

// HasCritical reports whether any finding is critical.
func (r Report) HasCritical() bool {
	return slices.ContainsFunc(r.Findings, func(f Finding) bool { return f.Severity == SeverityCritical })
}

// Count returns the number of findings at severity s.
func (r Report) Count(s Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// CriticalCapabilities returns the distinct capabilities implicated by
// critical findings, sorted.
func (r Report) CriticalCapabilities() []capability.Name {
	var out []capability.Name
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical && f.CapabilityImplicated != "" && !slices.Contains(out, f.CapabilityImplicated) {
			out = append(out, f.CapabilityImplicated)
		}
	}
	slices.Sort(out)
	return out
}
