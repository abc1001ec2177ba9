package capability

import (
	"fmt"
	"strings"
)

// RiskLevel represents the security risk level of a capability grant.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// RiskReport contains the overall risk assessment for a set of capabilities.
type RiskReport struct {
	RiskFactors []RiskFactor
	Level       RiskLevel
}

// RiskFactor describes a single risk element in a capability request.
type RiskFactor struct {
	Description string
	Capability  string
	Level       RiskLevel
}

// Assess returns the risk of a single declared capability. Unknown
// capabilities are critical. Broad scopes raise the base risk of the
// definition by one level.
func (c *Catalog) Assess(capab Capability) (RiskLevel, string) {
	def, ok := c.Get(capab.Name)
	if !ok {
		return RiskCritical, "Unknown capability"
	}

	level, desc := def.Risk, def.Description
	if def.Risk == RiskNone {
		return level, desc
	}

	switch {
	case len(def.Params) > 0 && capab.Scope.IsEmpty():
		level, desc = level+1, "Unrestricted: "+strings.ToLower(def.Description)
	case isBroad(capab.Scope, def.Params):
		level, desc = level+1, "Broad scope: "+strings.ToLower(def.Description)
	}
	if level > RiskCritical {
		level = RiskCritical
	}
	return level, desc
}

func isBroad(s Scope, kinds map[string]ParamKind) bool {
	for _, key := range s.Keys() {
		v, _ := s.Get(key)
		switch kinds[key] {
		case KindHost, KindExact, KindPort:
			if v == "*" {
				return true
			}
		case KindPath:
			if v == "**" || v == "/**" {
				return true
			}
		}
	}
	return false
}

// AnalyzeRisk evaluates the risk level of a set of declared capabilities.
func (c *Catalog) AnalyzeRisk(caps []Capability) RiskReport {
	report := RiskReport{Level: RiskNone}

	for _, capab := range caps {
		level, desc := c.Assess(capab)
		if level == RiskNone {
			continue
		}
		report.RiskFactors = append(report.RiskFactors, RiskFactor{
			Level:       level,
			Description: desc,
			Capability:  capab.String(),
		})
		if level > report.Level {
			report.Level = level
		}
	}

	return report
}
