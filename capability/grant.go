package capability

import (
	"errors"
	"time"
)

var (
	// ErrGrantNotFound is returned when no active grant matches a tuple.
	ErrGrantNotFound = errors.New("grant not found")
	// ErrRequestNotFound is returned when a grant request does not exist or is
	// no longer pending approval.
	ErrRequestNotFound = errors.New("grant request not found")
)

// GrantStatus is the lifecycle status of a PermissionGrant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

// Grant authorizes one plugin to exercise one capability within one scope.
// Grants are never deleted; they move to revoked or expired.
type Grant struct {
	ID           string      `json:"id" yaml:"id"`
	PluginID     string      `json:"pluginId" yaml:"pluginId"`
	Capability   Name        `json:"capability" yaml:"capability"`
	Scope        Scope       `json:"scope" yaml:"scope"`
	GrantedBy    string      `json:"grantedBy" yaml:"grantedBy"`
	GrantedAt    time.Time   `json:"grantedAt" yaml:"grantedAt"`
	ExpiresAt    *time.Time  `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Status       GrantStatus `json:"status" yaml:"status"`
	RevokedBy    string      `json:"revokedBy,omitempty" yaml:"revokedBy,omitempty"`
	RevokedAt    *time.Time  `json:"revokedAt,omitempty" yaml:"revokedAt,omitempty"`
	SupersededBy string      `json:"supersededBy,omitempty" yaml:"supersededBy,omitempty"`
	Conditions   Conditions  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	RequestID    string      `json:"requestId,omitempty" yaml:"requestId,omitempty"`
}

// Tuple returns the (plugin, capability, scope) key of the grant.
func (g Grant) Tuple() Tuple {
	return Tuple{PluginID: g.PluginID, Capability: g.Capability, Scope: g.Scope}
}

// Expired reports whether the grant's expiry is at or before now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// EffectiveStatus is the status as observed at now: an active grant past
// its expiry reads as expired even before the reaper records it.
func (g Grant) EffectiveStatus(now time.Time) GrantStatus {
	if g.Status == GrantActive && g.Expired(now) {
		return GrantExpired
	}
	return g.Status
}

// Conditions further restrict when an active grant applies.
type Conditions struct {
	NotBefore *time.Time `json:"notBefore,omitempty" yaml:"notBefore,omitempty"`
	// Hours restricts use to a daily UTC window [StartHour, EndHour).
	Hours *HourWindow `json:"hours,omitempty" yaml:"hours,omitempty"`
}

// HourWindow is a daily UTC window. A window with StartHour > EndHour wraps
// past midnight.
type HourWindow struct {
	StartHour int `json:"startHour" yaml:"startHour"`
	EndHour   int `json:"endHour" yaml:"endHour"`
}

// Allows reports whether the conditions admit use at now.
func (c Conditions) Allows(now time.Time) bool {
	if c.NotBefore != nil && now.Before(*c.NotBefore) {
		return false
	}
	if c.Hours != nil {
		h := now.UTC().Hour()
		start, end := c.Hours.StartHour, c.Hours.EndHour
		if start <= end {
			return h >= start && h < end
		}
		return h >= start || h < end
	}
	return true
}

// IsZero reports whether no conditions are set.
func (c Conditions) IsZero() bool {
	return c.NotBefore == nil && c.Hours == nil
}

// Tuple identifies the unit of the at-most-one-active-grant rule.
type Tuple struct {
	PluginID   string
	Capability Name
	Scope      Scope
}

// Key returns a stable string key for locking and indexing.
func (t Tuple) Key() string {
	return t.PluginID + "|" + string(t.Capability) + "|" + t.Scope.String()
}

func (t Tuple) String() string {
	return t.PluginID + " " + Capability{Name: t.Capability, Scope: t.Scope}.String()
}
