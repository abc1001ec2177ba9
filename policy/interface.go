// Package policy is the permission enforcer: the single decision point every
// mediated capability call passes through. It fails closed.
package policy

import (
	"context"

	"github.com/reglet-dev/reglet-trust/capability"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNoGrant           Reason = "NoGrant"
	ReasonScopeViolation    Reason = "ScopeViolation"
	ReasonGrantExpired      Reason = "GrantExpired"
	ReasonConditionNotMet   Reason = "ConditionNotMet"
	ReasonUnknownCapability Reason = "UnknownCapability"
	ReasonInvalidScope      Reason = "InvalidScope"
	ReasonUnavailable       Reason = "GrantStoreUnavailable"
)

// Decision is the outcome of a check: Allow, or Deny with a reason.
type Decision struct {
	Allowed    bool
	Reason     Reason
	PluginID   string
	Capability capability.Name
	Scope      capability.Scope
	GrantID    string
	Detail     string
}

// Outcome returns "allow" or "deny".
func (d Decision) Outcome() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

func (d Decision) String() string {
	c := capability.Capability{Name: d.Capability, Scope: d.Scope}
	if d.Allowed {
		return "allow " + d.PluginID + " " + c.String()
	}
	return "deny " + d.PluginID + " " + c.String() + ": " + string(d.Reason)
}

// Policy decides capability requests against current grants.
type Policy interface {
	// Check decides and records the decision (log, audit, denial handler).
	Check(ctx context.Context, pluginID string, name capability.Name, scope capability.Scope) Decision

	// Evaluate returns the decision without side effects.
	Evaluate(ctx context.Context, pluginID string, name capability.Name, scope capability.Scope) Decision
}

// GrantSource supplies the grants currently usable by a plugin.
type GrantSource interface {
	ActiveGrants(ctx context.Context, pluginID string, name capability.Name) ([]capability.Grant, error)
}

// DenialHandler is called when a policy check denies a request.
type DenialHandler interface {
	// OnDenial is called when a capability request is denied.
	OnDenial(ctx context.Context, d Decision)
}

// Observer receives every checked decision, e.g. for metrics.
type Observer interface {
	ObserveDecision(d Decision)
}
