package capability

import (
	"context"
	"time"
)

// GrantStore persists grants and grant requests. Implementations must keep
// at most one active grant per Tuple and never delete records.
type GrantStore interface {
	// Active returns grants with status active for the plugin and capability,
	// across all scopes. It must be safe for high-frequency concurrent use.
	Active(ctx context.Context, pluginID string, name Name) ([]Grant, error)

	// Supersede stores g as the active grant for its tuple. Any previous
	// active grant for the same tuple is revoked and returned.
	Supersede(ctx context.Context, g Grant) (*Grant, error)

	// Revoke marks the active grant for the tuple revoked.
	// Returns ErrGrantNotFound when none is active.
	Revoke(ctx context.Context, t Tuple, by string, at time.Time) (Grant, error)

	// ExpireBefore transitions active grants whose expiry is at or before now.
	ExpireBefore(ctx context.Context, now time.Time) ([]Grant, error)

	// History returns every grant ever recorded for a plugin, oldest first.
	History(ctx context.Context, pluginID string) ([]Grant, error)

	// SaveRequest inserts a new request.
	SaveRequest(ctx context.Context, r Request) error

	// UpdateRequest applies fn to the stored request under the store's lock
	// for that request. fn's error aborts the update.
	UpdateRequest(ctx context.Context, id string, fn func(*Request) error) (Request, error)

	// Requests lists requests, optionally filtered by plugin and state.
	Requests(ctx context.Context, pluginID string, state RequestState) ([]Request, error)
}

// Call is one mediated operation issued by plugin code.
type Call struct {
	PluginID   string
	InstanceID string
	Capability Name
	Scope      Scope
	Args       map[string]any
}

// Mediator is implemented by every kernel subsystem that performs operations
// on behalf of plugins. Mediators never authorize; the kernel wraps them with
// a single enforcement decorator.
type Mediator interface {
	// Capabilities lists the capability names this mediator serves.
	Capabilities() []Name
	// Invoke performs the operation. Scope has already been authorized.
	Invoke(ctx context.Context, call Call) (any, error)
}

// Approver handles interactive approval of pending requests.
type Approver interface {
	IsInteractive() bool
	Review(ctx context.Context, req Request) (approve bool, reason string, err error)
}
