package trust

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/policy"
)

// Gateway is the enforcement decorator around every registered mediator.
// Each call is checked by the policy before its mediator runs; there is no
// other route from plugin code to a mediator.
type Gateway struct {
	mediators *capability.MediatorRegistry
	policy    policy.Policy
	handler   Handler
	logger    *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*gatewayConfig)

type gatewayConfig struct {
	logger     *slog.Logger
	middleware []Middleware
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(c *gatewayConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMiddleware appends middleware run around authorized dispatches.
func WithMiddleware(mw ...Middleware) GatewayOption {
	return func(c *gatewayConfig) { c.middleware = append(c.middleware, mw...) }
}

// NewGateway wraps mediators with p. Panics raised by mediators are always
// recovered.
func NewGateway(mediators *capability.MediatorRegistry, p policy.Policy, opts ...GatewayOption) *Gateway {
	cfg := gatewayConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	mw := append([]Middleware{PanicRecoveryMiddleware()}, cfg.middleware...)
	return &Gateway{
		mediators: mediators,
		policy:    p,
		handler:   Chain(mediators.Dispatch, mw...),
		logger:    cfg.logger,
	}
}

// RequestedScope returns the scope call will be checked against: the scope
// derived by the serving mediator when it resolves scopes, otherwise the
// scope asserted by the caller.
func (g *Gateway) RequestedScope(call capability.Call) (capability.Scope, error) {
	m, ok := g.mediators.Get(call.Capability)
	if !ok {
		return call.Scope, nil
	}
	r, ok := m.(capability.ScopeResolver)
	if !ok {
		return call.Scope, nil
	}
	scope, err := r.RequestedScope(call)
	if err != nil {
		return capability.Scope{}, fmt.Errorf("resolve scope for %s: %w", call.Capability, err)
	}
	return scope, nil
}

// Invoke authorizes call and dispatches it. A denial is returned as a
// *policy.DeniedError; the mediator is not reached.
func (g *Gateway) Invoke(ctx context.Context, call capability.Call) (any, error) {
	scope, err := g.RequestedScope(call)
	if err != nil {
		g.logger.DebugContext(ctx, "rejected malformed capability call",
			"plugin", call.PluginID, "capability", call.Capability, "error", err)
		return nil, err
	}

	d := g.policy.Check(ctx, call.PluginID, call.Capability, scope)
	if err := policy.Deny(d); err != nil {
		return nil, err
	}

	call.Scope = scope
	return g.handler(ctx, call)
}
