package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// Host is the only path from plugin code to the kernel. Every call it
// carries is metered and routed through the enforcer.
type Host interface {
	// Call issues a mediated capability call. A denial is returned as an
	// error value for the engine to surface to plugin code.
	Call(ctx context.Context, name capability.Name, scope capability.Scope, args map[string]any) (any, error)
}

// LoadSpec is what an engine needs to load one plugin instance.
type LoadSpec struct {
	InstanceID string
	PluginID   string
	Main       string
	Bundle     map[string][]byte
	Limits     Limits
	Host       Host
	Logger     *slog.Logger
}

// Code returns the main module bytes.
func (s LoadSpec) Code() ([]byte, bool) {
	b, ok := s.Bundle[s.Main]
	return b, ok
}

// Engine executes plugins of one runtime kind.
type Engine interface {
	Runtime() entities.Runtime
	// Load creates an isolated instance and runs its initialization.
	Load(ctx context.Context, spec LoadSpec) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one loaded plugin. Invoke is never called concurrently on the
// same instance. Engines must stop guest execution promptly when ctx is done.
type Instance interface {
	Invoke(ctx context.Context, entryPoint string, args map[string]any) (any, error)
	// MemoryBytes reports current guest memory, or zero if not tracked.
	MemoryBytes() int64
	Close(ctx context.Context) error
}

// Observer receives sandbox metering events, e.g. for metrics.
type Observer interface {
	ObserveInvocation(pluginID string, usage InvocationUsage, err error)
	ObserveTermination(pluginID, reason string)
}

// InvocationUsage is the metered cost of one invocation.
type InvocationUsage struct {
	CPU         time.Duration
	Wall        time.Duration
	MemoryBytes int64
}
