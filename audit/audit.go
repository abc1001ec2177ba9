// Package audit records an append-only trail of trust decisions: signature
// checks, validation and scan results, grant transitions, enforcement
// decisions and sandbox terminations.
package audit

import (
	"context"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindSignature   Kind = "signature"
	KindValidation  Kind = "validation"
	KindScan        Kind = "scan"
	KindGrant       Kind = "grant"
	KindEnforcement Kind = "enforcement"
	KindSandbox     Kind = "sandbox"
	KindKey         Kind = "key"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	Time       time.Time         `json:"time"`
	Kind       Kind              `json:"kind"`
	PluginID   string            `json:"pluginId,omitempty"`
	Version    string            `json:"version,omitempty"`
	Outcome    string            `json:"outcome"`
	Capability string            `json:"capability,omitempty"`
	Scope      string            `json:"scope,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Kind     Kind
	PluginID string
	Outcome  string
	Since    time.Time
	Until    time.Time
	// Limit keeps the newest Limit entries. Zero means no limit.
	Limit int
}

// Match reports whether e passes the filter, ignoring Limit.
func (f Filter) Match(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.PluginID != "" && e.PluginID != f.PluginID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Time.Before(f.Until) {
		return false
	}
	return true
}

// Log is an append-only audit sink with a read-only query surface.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Reader is the read-only half of Log handed to administrative tooling.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]Entry, error)
}
