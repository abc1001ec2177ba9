// Package sandbox is the sandbox runtime: isolated, metered execution
// contexts for plugin code. Engines (WASM, Lua) plug in behind Engine; the
// runtime owns lifecycle, limits and the host bridge to the enforcer.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/policy"
)

const (
	// DefaultGracePeriod is how long Terminate waits for a running guest to
	// observe cancellation before the context is torn down regardless.
	DefaultGracePeriod = 2 * time.Second

	cpuSampleInterval = 5 * time.Millisecond
	wasmPageSize      = 64 * 1024
)

// Gateway executes mediated capability calls. The kernel's enforcement
// decorator is the only production implementation.
type Gateway interface {
	Invoke(ctx context.Context, call capability.Call) (any, error)
}

// Result is the outcome of one invocation.
type Result struct {
	Value any           `json:"value"`
	CPU   time.Duration `json:"cpu"`
	Wall  time.Duration `json:"wall"`
}

// Runtime owns every live sandbox context.
type Runtime struct {
	gateway  Gateway
	engines  map[entities.Runtime]Engine
	contexts cmap.ConcurrentMap[string, *SandboxContext]
	ceiling  Limits
	grace    time.Duration
	logger   *slog.Logger
	audit    audit.Log
	observer Observer
	now      func() time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithEngine registers an engine for its runtime kind.
func WithEngine(e Engine) Option {
	return func(r *Runtime) { r.engines[e.Runtime()] = e }
}

// WithLimitCeiling tightens every context's limits to at most l.
func WithLimitCeiling(l Limits) Option {
	return func(r *Runtime) { r.ceiling = l }
}

// WithGracePeriod sets the graceful termination window.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithAuditLog records lifecycle events.
func WithAuditLog(l audit.Log) Option {
	return func(r *Runtime) { r.audit = l }
}

// WithObserver receives metering events.
func WithObserver(o Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// NewRuntime creates a runtime whose host bridge routes through gateway.
func NewRuntime(gateway Gateway, opts ...Option) *Runtime {
	r := &Runtime{
		gateway:  gateway,
		engines:  make(map[entities.Runtime]Engine),
		contexts: cmap.New[*SandboxContext](),
		grace:    DefaultGracePeriod,
		logger:   slog.Default(),
		audit:    audit.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstantiateOption adjusts a single instantiation.
type InstantiateOption func(*Limits)

// TightenLimits applies a policy limit on top of the manifest request.
func TightenLimits(l Limits) InstantiateOption {
	return func(cur *Limits) { *cur = cur.Tighten(l) }
}

// Instantiate loads the manifest's main module from bundle into a new
// context. The context is running when Instantiate returns.
func (r *Runtime) Instantiate(ctx context.Context, m *entities.PluginManifest, bundle map[string][]byte, grants []capability.Grant, opts ...InstantiateOption) (*SandboxContext, error) {
	eng, ok := r.engines[m.Runtime()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEngine, m.Runtime())
	}

	limits := LimitsFromManifest(m.Resources()).Tighten(r.ceiling)
	for _, opt := range opts {
		opt(&limits)
	}
	grantIDs := make([]string, 0, len(grants))
	for _, g := range grants {
		grantIDs = append(grantIDs, g.ID)
	}

	c := newContext(uuid.NewString(), m, limits, grantIDs, r.now())
	logger := r.logger.With("plugin", m.PluginID(), "instance", c.id)

	loadCtx := ctx
	if limits.MaxWallPerInvoke > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, limits.MaxWallPerInvoke)
		defer cancel()
	}
	inst, err := eng.Load(loadCtx, LoadSpec{
		InstanceID: c.id,
		PluginID:   m.PluginID(),
		Main:       m.Main(),
		Bundle:     bundle,
		Limits:     limits,
		Host:       &bridge{runtime: r, sc: c},
		Logger:     logger,
	})
	if err != nil {
		fault := &FaultError{InstanceID: c.id, Reason: "load: " + err.Error(), Cause: err}
		c.terminate(fault.Reason, fault)
		r.record(ctx, c, "fault", fault.Reason)
		return nil, fault
	}
	c.instance = inst
	if err := c.transition(StateStarting, StateRunning); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	r.contexts.Set(c.id, c)

	logger.InfoContext(ctx, "sandbox started", "runtime", m.Runtime())
	r.record(ctx, c, "started", "")
	return c, nil
}

// Get returns a live context.
func (r *Runtime) Get(instanceID string) (*SandboxContext, bool) {
	return r.contexts.Get(instanceID)
}

// List returns snapshots of all live contexts, oldest first.
func (r *Runtime) List() []Info {
	out := make([]Info, 0, r.contexts.Count())
	for _, c := range r.contexts.Items() {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.InstanceID, b.InstanceID)
	})
	return out
}

type outcome struct {
	value any
	err   error
	cpu   time.Duration
}

// Invoke runs entryPoint in the context. The call is metered; exceeding a
// limit or faulting terminates the context and returns a
// ResourceExceededError or FaultError.
func (r *Runtime) Invoke(ctx context.Context, instanceID, entryPoint string, args map[string]any) (Result, error) {
	c, ok := r.contexts.Get(instanceID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrContextNotFound, instanceID)
	}
	if !c.manifest.HasEntryPoint(entryPoint) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEntryPoint, entryPoint)
	}

	c.invokeMu.Lock()
	defer c.invokeMu.Unlock()

	budget := c.limits.cpuBudget(c.Usage().CPU)
	if budget < 0 {
		rex := &ResourceExceededError{InstanceID: c.id, Resource: ResourceCPU, Limit: c.limits.MaxCPUTotal.String(), Used: c.Usage().CPU.String()}
		r.kill(ctx, c, rex)
		return Result{}, rex
	}

	invCtx, err := c.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	if wall := c.limits.MaxWallPerInvoke; wall > 0 {
		var cancel context.CancelFunc
		invCtx, cancel = context.WithTimeoutCause(invCtx, wall,
			&ResourceExceededError{InstanceID: c.id, Resource: ResourceWall, Limit: wall.String()})
		defer cancel()
	}

	started := r.now()
	out := make(chan outcome, 1)
	elapsedCh := make(chan func() time.Duration, 1)
	go func() {
		clock, release := lockThreadClock()
		defer release()
		start := clock()
		elapsedCh <- func() time.Duration { return clock() - start }

		var o outcome
		defer func() {
			if p := recover(); p != nil {
				o.err = &FaultError{InstanceID: c.id, Reason: fmt.Sprintf("panic: %v", p)}
			}
			o.cpu = clock() - start
			out <- o
		}()
		o.value, o.err = c.instance.Invoke(invCtx, entryPoint, args)
	}()

	o, abandoned := r.watch(c, budget, <-elapsedCh, out)
	cause := context.Cause(invCtx)
	usage := InvocationUsage{CPU: o.cpu, Wall: r.now().Sub(started)}
	if !abandoned {
		usage.MemoryBytes = c.instance.MemoryBytes()
	}
	c.end(usage)

	err = r.classify(ctx, c, o, cause, budget, usage)
	if r.observer != nil {
		r.observer.ObserveInvocation(c.PluginID(), usage, err)
	}

	var rex *ResourceExceededError
	var fault *FaultError
	switch {
	case errors.As(err, &rex), errors.As(err, &fault):
		r.kill(ctx, c, err)
	case errors.Is(err, ErrTerminated):
		r.remove(ctx, c)
	}
	if abandoned {
		go func() {
			<-out
			_ = c.release(context.WithoutCancel(ctx))
		}()
	} else if c.State() == StateTerminated {
		_ = c.release(ctx)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Value: o.value, CPU: usage.CPU, Wall: usage.Wall}, nil
}

// watch waits for the guest, canceling it when the CPU budget runs out.
// A guest that ignores cancellation for longer than the grace period is
// abandoned.
func (r *Runtime) watch(c *SandboxContext, budget time.Duration, elapsed func() time.Duration, out <-chan outcome) (outcome, bool) {
	ticker := time.NewTicker(cpuSampleInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	for {
		select {
		case o := <-out:
			return o, false
		case <-ticker.C:
			if budget > 0 && deadline == nil {
				if used := elapsed(); used > budget {
					c.interrupt(&ResourceExceededError{InstanceID: c.id, Resource: ResourceCPU, Limit: budget.String(), Used: used.String()})
					deadline = time.After(r.grace)
				}
			}
		case <-deadline:
			return outcome{err: ErrTerminated, cpu: elapsed()}, true
		}
	}
}

func (r *Runtime) classify(ctx context.Context, c *SandboxContext, o outcome, cause error, budget time.Duration, u InvocationUsage) error {
	var rex *ResourceExceededError
	switch {
	case errors.As(cause, &rex):
		if rex.Resource == ResourceCPU || rex.Resource == ResourceWall {
			if rex.Used == "" {
				rex.Used = u.Wall.String()
			}
		}
		return rex
	case errors.Is(cause, ErrTerminated):
		return fmt.Errorf("%w: %s", ErrTerminated, c.id)
	case ctx.Err() != nil:
		return ctx.Err()
	}

	if o.err == nil {
		if budget > 0 && o.cpu > budget {
			return &ResourceExceededError{InstanceID: c.id, Resource: ResourceCPU, Limit: budget.String(), Used: o.cpu.String()}
		}
		if limit := c.limits.MaxMemoryBytes; limit > 0 && u.MemoryBytes > limit {
			return &ResourceExceededError{InstanceID: c.id, Resource: ResourceMemory, Limit: fmt.Sprint(limit), Used: fmt.Sprint(u.MemoryBytes)}
		}
		return nil
	}

	limit := c.limits.MaxMemoryBytes
	nearLimit := limit > 0 && c.manifest.Runtime() == entities.RuntimeWASM && u.MemoryBytes+wasmPageSize > limit
	if errors.Is(o.err, ErrMemoryLimit) || nearLimit {
		return &ResourceExceededError{InstanceID: c.id, Resource: ResourceMemory, Limit: fmt.Sprint(limit), Used: fmt.Sprint(u.MemoryBytes)}
	}
	if errors.Is(o.err, ErrUnknownEntryPoint) {
		return o.err
	}
	var fault *FaultError
	if errors.As(o.err, &fault) {
		return fault
	}
	return &FaultError{InstanceID: c.id, Reason: o.err.Error(), Cause: o.err}
}

// kill terminates c after a limit violation or fault.
func (r *Runtime) kill(ctx context.Context, c *SandboxContext, cause error) {
	if first, _ := c.terminate(cause.Error(), cause); !first {
		return
	}
	outcome := "fault"
	if errors.Is(cause, ErrResourceExceeded) {
		outcome = "resource-exceeded"
	}
	r.logger.WarnContext(ctx, "sandbox terminated", "plugin", c.PluginID(), "instance", c.id, "outcome", outcome, "error", cause)
	r.record(ctx, c, outcome, cause.Error())
	if r.observer != nil {
		r.observer.ObserveTermination(c.PluginID(), outcome)
	}
	r.contexts.Remove(c.id)
}

func (r *Runtime) remove(ctx context.Context, c *SandboxContext) {
	if _, ok := r.contexts.Pop(c.id); ok {
		r.logger.DebugContext(ctx, "sandbox removed", "instance", c.id)
	}
}

// Terminate cancels the context's running invocation and waits up to the
// grace period for it to stop before tearing the context down regardless.
// Terminated contexts leave the runtime; a second Terminate returns
// ErrContextNotFound.
func (r *Runtime) Terminate(ctx context.Context, instanceID string) error {
	c, ok := r.contexts.Get(instanceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, instanceID)
	}
	first, done := c.terminate("terminated", ErrTerminated)
	if !first {
		return nil
	}

	forced := false
	if done != nil {
		timer := time.NewTimer(r.grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			forced = true
		case <-ctx.Done():
			forced = true
		}
	} else {
		_ = c.release(ctx)
	}
	r.contexts.Remove(c.id)

	detail := ""
	if forced {
		detail = "forced after grace period"
	}
	r.logger.InfoContext(ctx, "sandbox terminated", "plugin", c.PluginID(), "instance", c.id, "forced", forced)
	r.record(ctx, c, "terminated", detail)
	if r.observer != nil {
		r.observer.ObserveTermination(c.PluginID(), "terminated")
	}
	return nil
}

// Suspend pauses a running context; invocations fail with ErrSuspended
// until Resume. An invocation already in progress completes.
func (r *Runtime) Suspend(ctx context.Context, instanceID string) error {
	return r.move(ctx, instanceID, StateRunning, StateSuspended, "suspended")
}

// Resume returns a suspended context to running.
func (r *Runtime) Resume(ctx context.Context, instanceID string) error {
	return r.move(ctx, instanceID, StateSuspended, StateRunning, "resumed")
}

func (r *Runtime) move(ctx context.Context, instanceID string, from, to State, event string) error {
	c, ok := r.contexts.Get(instanceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, instanceID)
	}
	if err := c.transition(from, to); err != nil {
		return err
	}
	r.record(ctx, c, event, "")
	return nil
}

// TerminatePlugin terminates every context running pluginID.
func (r *Runtime) TerminatePlugin(ctx context.Context, pluginID string) error {
	var errs []error
	for id, c := range r.contexts.Items() {
		if c.PluginID() == pluginID {
			errs = append(errs, r.Terminate(ctx, id))
		}
	}
	return errors.Join(errs...)
}

// Close terminates all contexts and closes the engines.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for id := range r.contexts.Items() {
		errs = append(errs, r.Terminate(ctx, id))
	}
	for _, e := range r.engines {
		errs = append(errs, e.Close(ctx))
	}
	return errors.Join(errs...)
}

func (r *Runtime) record(ctx context.Context, c *SandboxContext, outcome, detail string) {
	entry := audit.Entry{
		Kind:       audit.KindSandbox,
		PluginID:   c.PluginID(),
		Version:    c.manifest.Identity().Version().String(),
		Outcome:    outcome,
		Detail:     detail,
		Attributes: map[string]string{"instance": c.id},
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "failed to append sandbox audit entry", "instance", c.id, "error", err)
	}
}

// bridge is the Host handed to engines. It enforces the call rate and
// forwards every call to the gateway.
type bridge struct {
	runtime *Runtime
	sc      *SandboxContext
}

func (b *bridge) Call(ctx context.Context, name capability.Name, scope capability.Scope, args map[string]any) (any, error) {
	if !b.sc.limiter.Allow() {
		rex := &ResourceExceededError{
			InstanceID: b.sc.id,
			Resource:   ResourceCallRate,
			Limit:      fmt.Sprintf("%d/s", b.sc.limits.MaxCallsPerSecond),
		}
		b.sc.interrupt(rex)
		return nil, rex
	}
	v, err := b.runtime.gateway.Invoke(ctx, capability.Call{
		PluginID:   b.sc.PluginID(),
		InstanceID: b.sc.id,
		Capability: name,
		Scope:      scope,
		Args:       args,
	})
	b.sc.countCall(name, errors.Is(err, policy.ErrDenied))
	return v, err
}
