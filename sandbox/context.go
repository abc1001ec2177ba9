package sandbox

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// State is the lifecycle state of a context.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateSuspended  State = "suspended"
	StateTerminated State = "terminated"
)

// Usage holds live counters. Only the owning context mutates them.
type Usage struct {
	CPU             time.Duration           `json:"cpu"`
	Wall            time.Duration           `json:"wall"`
	PeakMemoryBytes int64                   `json:"peakMemoryBytes"`
	Invocations     int                     `json:"invocations"`
	Calls           map[capability.Name]int `json:"calls,omitempty"`
	Denials         int                     `json:"denials"`
}

// Info is a point-in-time copy of a context.
type Info struct {
	InstanceID string           `json:"instanceId"`
	PluginID   string           `json:"pluginId"`
	Version    string           `json:"version"`
	Runtime    entities.Runtime `json:"runtime"`
	State      State            `json:"state"`
	Limits     Limits           `json:"limits"`
	Usage      Usage            `json:"usage"`
	Grants     []string         `json:"grants,omitempty"`
	Fault      string           `json:"fault,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// SandboxContext is one live plugin instance. It is owned by the Runtime.
type SandboxContext struct {
	id        string
	manifest  *entities.PluginManifest
	limits    Limits
	grants    []string
	createdAt time.Time
	limiter   *rate.Limiter

	instance  Instance
	closeOnce sync.Once

	// invokeMu serializes invocations; the guest is single threaded.
	invokeMu sync.Mutex

	mu     sync.Mutex
	state  State
	fault  string
	usage  Usage
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newContext(id string, m *entities.PluginManifest, limits Limits, grants []string, now time.Time) *SandboxContext {
	lim := rate.NewLimiter(rate.Inf, 0)
	if limits.MaxCallsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(limits.MaxCallsPerSecond), limits.MaxCallsPerSecond)
	}
	return &SandboxContext{
		id:        id,
		manifest:  m,
		limits:    limits,
		grants:    grants,
		createdAt: now,
		limiter:   lim,
		state:     StateStarting,
		usage:     Usage{Calls: make(map[capability.Name]int)},
	}
}

func (c *SandboxContext) ID() string       { return c.id }
func (c *SandboxContext) PluginID() string { return c.manifest.PluginID() }
func (c *SandboxContext) Limits() Limits   { return c.limits }

// State returns the current lifecycle state.
func (c *SandboxContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fault returns the captured termination reason, if any.
func (c *SandboxContext) Fault() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Usage returns a copy of the counters.
func (c *SandboxContext) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageLocked()
}

func (c *SandboxContext) usageLocked() Usage {
	u := c.usage
	u.Calls = maps.Clone(c.usage.Calls)
	return u
}

// Info returns a snapshot of the context.
func (c *SandboxContext) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		InstanceID: c.id,
		PluginID:   c.manifest.PluginID(),
		Version:    c.manifest.Identity().Version().String(),
		Runtime:    c.manifest.Runtime(),
		State:      c.state,
		Limits:     c.limits,
		Usage:      c.usageLocked(),
		Grants:     append([]string(nil), c.grants...),
		Fault:      c.fault,
		CreatedAt:  c.createdAt,
	}
}

// terminate moves the context to terminated. It reports whether this call
// made the transition and returns the running invocation's done channel,
// or nil when the guest is idle.
func (c *SandboxContext) terminate(reason string, cause error) (bool, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return false, c.done
	}
	c.state = StateTerminated
	c.fault = reason
	if c.cancel != nil {
		c.cancel(cause)
	}
	return true, c.done
}

func (c *SandboxContext) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s context cannot become %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// release closes the engine instance once. It must only be called while
// no guest code runs.
func (c *SandboxContext) release(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.instance != nil {
			err = c.instance.Close(ctx)
		}
	})
	return err
}

// begin registers an invocation; the returned context is canceled with a
// cause on termination or limit violation.
func (c *SandboxContext) begin(parent context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateTerminated:
		return nil, ErrTerminated
	case StateSuspended:
		return nil, ErrSuspended
	}
	ctx, cancel := context.WithCancelCause(parent)
	c.cancel = cancel
	c.done = make(chan struct{})
	return ctx, nil
}

func (c *SandboxContext) end(u InvocationUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.CPU += u.CPU
	c.usage.Wall += u.Wall
	c.usage.Invocations++
	c.usage.PeakMemoryBytes = max(c.usage.PeakMemoryBytes, u.MemoryBytes)
	c.cancel(nil)
	close(c.done)
	c.cancel, c.done = nil, nil
}

// interrupt cancels the running invocation, if any, with cause.
func (c *SandboxContext) interrupt(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel(cause)
	}
}

func (c *SandboxContext) countCall(name capability.Name, denied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Calls[name]++
	if denied {
		c.usage.Denials++
	}
}
