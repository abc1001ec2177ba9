package capability

import "time"

// RequestState is the state of a grant request in the approval workflow:
//
//	requested -> granted -> (grant: active -> revoked | expired)
//	requested -> denied
//
// A request waiting on a human is pending-approval.
type RequestState string

const (
	RequestPending  RequestState = "pending-approval"
	RequestGranted  RequestState = "granted"
	RequestDenied   RequestState = "denied"
)

// Terminal reports whether no further transitions are possible.
func (s RequestState) Terminal() bool {
	return s != RequestPending
}

// Request is a plugin's request for one capability.
type Request struct {
	ID          string       `json:"id" yaml:"id"`
	PluginID    string       `json:"pluginId" yaml:"pluginId"`
	Capability  Capability   `json:"capability" yaml:"capability"`
	Risk        RiskLevel    `json:"risk" yaml:"risk"`
	Description string       `json:"description" yaml:"description"`
	State       RequestState `json:"state" yaml:"state"`
	Reason      string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	RequestedAt time.Time    `json:"requestedAt" yaml:"requestedAt"`
	DecidedBy   string       `json:"decidedBy,omitempty" yaml:"decidedBy,omitempty"`
	DecidedAt   *time.Time   `json:"decidedAt,omitempty" yaml:"decidedAt,omitempty"`
	GrantID     string       `json:"grantId,omitempty" yaml:"grantId,omitempty"`
	// TTL is applied to the grant created on approval. Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}
