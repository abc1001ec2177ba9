// Package gatekeeper is the permission manager: it resolves requested
// capabilities into grants (auto-grant or queue for approval), drives the
// approval state machine, revokes and expires grants, and answers grant
// queries for the enforcer.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/capability/grantstore"
)

// SecurityLevel controls which capabilities are granted without a human.
type SecurityLevel string

const (
	// SecurityStrict auto-grants nothing.
	SecurityStrict SecurityLevel = "strict"
	// SecurityStandard auto-grants risk none and low.
	SecurityStandard SecurityLevel = "standard"
	// SecurityPermissive auto-grants up to medium risk.
	SecurityPermissive SecurityLevel = "permissive"
)

// ParseSecurityLevel validates a level name.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch l := SecurityLevel(s); l {
	case SecurityStrict, SecurityStandard, SecurityPermissive:
		return l, nil
	case "":
		return SecurityStandard, nil
	default:
		return "", fmt.Errorf("unknown security level %q", s)
	}
}

func (l SecurityLevel) autoGrantCeiling() (capability.RiskLevel, bool) {
	switch l {
	case SecurityStrict:
		return 0, false
	case SecurityPermissive:
		return capability.RiskMedium, true
	default:
		return capability.RiskLow, true
	}
}

// AutoPrincipal is recorded as grantedBy for policy auto-grants.
const AutoPrincipal = "policy:auto"

// Outcome is the result of resolving one requested capability.
type Outcome string

const (
	OutcomeAutoGranted     Outcome = "auto-granted"
	OutcomePendingApproval Outcome = "pending-approval"
	OutcomeAlreadyGranted  Outcome = "already-granted"
)

// GrantDecision reports how one requested capability was resolved.
type GrantDecision struct {
	Capability capability.Capability
	Outcome    Outcome
	Risk       capability.RiskLevel
	RequestID  string
	Grant      *capability.Grant
	Reason     string
}

// ChangeListener is notified after any grant for the plugin and capability
// is created, revoked, or expired.
type ChangeListener interface {
	GrantsChanged(pluginID string, name capability.Name)
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc func(pluginID string, name capability.Name)

func (f ChangeListenerFunc) GrantsChanged(pluginID string, name capability.Name) { f(pluginID, name) }

// Gatekeeper owns grant state transitions.
type Gatekeeper struct {
	store         capability.GrantStore
	catalog       *capability.Catalog
	audit         audit.Log
	securityLevel SecurityLevel
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string

	mu        sync.RWMutex
	listeners []ChangeListener
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithStore sets the grant store.
func WithStore(s capability.GrantStore) Option {
	return func(g *Gatekeeper) { g.store = s }
}

// WithCatalog sets the capability catalog used for risk assessment.
func WithCatalog(c *capability.Catalog) Option {
	return func(g *Gatekeeper) { g.catalog = c }
}

// WithAuditLog sets the audit sink.
func WithAuditLog(l audit.Log) Option {
	return func(g *Gatekeeper) { g.audit = l }
}

// WithSecurityLevel sets the security policy level.
func WithSecurityLevel(level SecurityLevel) Option {
	return func(g *Gatekeeper) { g.securityLevel = level }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatekeeper) { g.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

// NewGatekeeper creates a permission manager.
func NewGatekeeper(opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		securityLevel: SecurityStandard,
		logger:        slog.Default(),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = grantstore.NewMemoryStore()
	}
	if g.catalog == nil {
		g.catalog = capability.DefaultCatalog()
	}
	if g.audit == nil {
		g.audit = audit.Nop{}
	}
	return g
}

// Subscribe registers a listener for grant changes.
func (g *Gatekeeper) Subscribe(l ChangeListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

func (g *Gatekeeper) notify(pluginID string, name capability.Name) {
	g.mu.RLock()
	listeners := slices.Clone(g.listeners)
	g.mu.RUnlock()
	for _, l := range listeners {
		l.GrantsChanged(pluginID, name)
	}
}

// RequestGrants resolves each requested capability. A capability is granted
// automatically when its assessed risk is within the security level's
// ceiling and no critical scanner finding implicates it; anything else is
// queued for approval.
func (g *Gatekeeper) RequestGrants(
	ctx context.Context,
	pluginID string,
	caps []capability.Capability,
	criticalImplicated []capability.Name,
) ([]GrantDecision, error) {
	decisions := make([]GrantDecision, 0, len(caps))
	for _, c := range caps {
		d, err := g.requestOne(ctx, pluginID, c, criticalImplicated)
		if err != nil {
			return decisions, fmt.Errorf("request %s for %s: %w", c, pluginID, err)
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (g *Gatekeeper) requestOne(
	ctx context.Context,
	pluginID string,
	c capability.Capability,
	criticalImplicated []capability.Name,
) (GrantDecision, error) {
	now := g.now()
	risk, desc := g.catalog.Assess(c)
	decision := GrantDecision{Capability: c, Risk: risk}

	if existing, ok, err := g.activeExact(ctx, pluginID, c, now); err != nil {
		return decision, err
	} else if ok {
		decision.Outcome = OutcomeAlreadyGranted
		decision.Grant = &existing
		return decision, nil
	}

	req := capability.Request{
		ID:          g.newID(),
		PluginID:    pluginID,
		Capability:  c,
		Risk:        risk,
		Description: desc,
		State:       capability.RequestPending,
		RequestedAt: now,
	}
	decision.RequestID = req.ID

	ceiling, autoAllowed := g.securityLevel.autoGrantCeiling()
	switch {
	case slices.Contains(criticalImplicated, c.Name):
		decision.Reason = "implicated by a critical scanner finding"
	case !autoAllowed:
		decision.Reason = fmt.Sprintf("security level %s requires approval", g.securityLevel)
	case risk > ceiling:
		decision.Reason = fmt.Sprintf("%s risk requires approval", risk)
	default:
		grant := g.newGrant(req, AutoPrincipal, now, nil)
		decidedAt := now
		req.State = capability.RequestGranted
		req.DecidedBy = AutoPrincipal
		req.DecidedAt = &decidedAt
		req.GrantID = grant.ID
		if err := g.store.SaveRequest(ctx, req); err != nil {
			return decision, err
		}
		if _, err := g.store.Supersede(ctx, grant); err != nil {
			return decision, err
		}
		g.notify(pluginID, c.Name)
		g.record(ctx, grant.PluginID, "auto-granted", c, AutoPrincipal, desc)
		g.logger.Info("capability auto-granted", "plugin", pluginID, "capability", c.String(), "risk", risk.String())

		decision.Outcome = OutcomeAutoGranted
		decision.Grant = &grant
		return decision, nil
	}

	if err := g.store.SaveRequest(ctx, req); err != nil {
		return decision, err
	}
	g.record(ctx, pluginID, "pending-approval", c, "", decision.Reason)
	g.logger.Info("capability queued for approval",
		"plugin", pluginID, "capability", c.String(), "risk", risk.String(), "reason", decision.Reason)
	decision.Outcome = OutcomePendingApproval
	return decision, nil
}

func (g *Gatekeeper) activeExact(ctx context.Context, pluginID string, c capability.Capability, now time.Time) (capability.Grant, bool, error) {
	grants, err := g.store.Active(ctx, pluginID, c.Name)
	if err != nil {
		return capability.Grant{}, false, err
	}
	for _, gr := range grants {
		if gr.Scope.Equals(c.Scope) && gr.EffectiveStatus(now) == capability.GrantActive {
			return gr, true, nil
		}
	}
	return capability.Grant{}, false, nil
}

func (g *Gatekeeper) newGrant(req capability.Request, by string, now time.Time, expiresAt *time.Time) capability.Grant {
	if expiresAt == nil && req.TTL > 0 {
		exp := now.Add(req.TTL)
		expiresAt = &exp
	}
	return capability.Grant{
		ID:         g.newID(),
		PluginID:   req.PluginID,
		Capability: req.Capability.Name,
		Scope:      req.Capability.Scope,
		GrantedBy:  by,
		GrantedAt:  now,
		ExpiresAt:  expiresAt,
		Status:     capability.GrantActive,
		RequestID:  req.ID,
	}
}

// ApproveOption customizes the grant created on approval.
type ApproveOption func(*approveConfig)

type approveConfig struct {
	expiresAt  *time.Time
	conditions capability.Conditions
}

// ExpiresAt bounds the grant in time.
func ExpiresAt(t time.Time) ApproveOption {
	return func(c *approveConfig) { c.expiresAt = &t }
}

// WithConditions attaches conditions to the grant.
func WithConditions(cond capability.Conditions) ApproveOption {
	return func(c *approveConfig) { c.conditions = cond }
}

// Approve grants a pending request. Returns capability.ErrRequestNotFound
// unless the request exists and is pending approval.
func (g *Gatekeeper) Approve(ctx context.Context, requestID, approver string, opts ...ApproveOption) (capability.Grant, error) {
	if approver == "" {
		return capability.Grant{}, errors.New("approver is required")
	}
	var cfg approveConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	// The request commits before the grant is written. A failed grant write
	// reopens the request.
	var grant capability.Grant
	req, err := g.store.UpdateRequest(ctx, requestID, func(r *capability.Request) error {
		if r.State != capability.RequestPending {
			return fmt.Errorf("%w: %s is %s", capability.ErrRequestNotFound, r.ID, r.State)
		}
		now := g.now()
		grant = g.newGrant(*r, approver, now, cfg.expiresAt)
		grant.Conditions = cfg.conditions
		r.State = capability.RequestGranted
		r.DecidedBy = approver
		r.DecidedAt = &now
		r.GrantID = grant.ID
		return nil
	})
	if err != nil {
		return capability.Grant{}, err
	}
	if _, err := g.store.Supersede(ctx, grant); err != nil {
		return capability.Grant{}, errors.Join(fmt.Errorf("store grant: %w", err), g.reopen(ctx, requestID, grant.ID))
	}

	g.notify(req.PluginID, req.Capability.Name)
	g.record(ctx, req.PluginID, "approved", req.Capability, approver, "")
	g.logger.Info("capability approved", "plugin", req.PluginID, "capability", req.Capability.String(), "approver", approver)
	return grant, nil
}

// reopen returns a request whose grant could not be stored to pending.
func (g *Gatekeeper) reopen(ctx context.Context, requestID, grantID string) error {
	_, err := g.store.UpdateRequest(ctx, requestID, func(r *capability.Request) error {
		if r.State != capability.RequestGranted || r.GrantID != grantID {
			return nil
		}
		r.State = capability.RequestPending
		r.DecidedBy = ""
		r.DecidedAt = nil
		r.GrantID = ""
		return nil
	})
	if err != nil {
		g.logger.Error("request left granted without a grant", "request", requestID, "error", err)
		return fmt.Errorf("reopen request %s: %w", requestID, err)
	}
	return nil
}

// Deny rejects a pending request. Returns capability.ErrRequestNotFound
// unless the request exists and is pending approval.
func (g *Gatekeeper) Deny(ctx context.Context, requestID, approver, reason string) (capability.Request, error) {
	req, err := g.store.UpdateRequest(ctx, requestID, func(r *capability.Request) error {
		if r.State != capability.RequestPending {
			return fmt.Errorf("%w: %s is %s", capability.ErrRequestNotFound, r.ID, r.State)
		}
		now := g.now()
		r.State = capability.RequestDenied
		r.DecidedBy = approver
		r.DecidedAt = &now
		r.Reason = reason
		return nil
	})
	if err != nil {
		return capability.Request{}, err
	}

	g.record(ctx, req.PluginID, "denied", req.Capability, approver, reason)
	g.logger.Info("capability denied", "plugin", req.PluginID, "capability", req.Capability.String(), "approver", approver, "reason", reason)
	return req, nil
}

// Grant creates an active grant directly on behalf of an administrator,
// superseding any active grant for the same tuple.
func (g *Gatekeeper) Grant(ctx context.Context, pluginID string, c capability.Capability, by string, opts ...ApproveOption) (capability.Grant, error) {
	var cfg approveConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	now := g.now()
	grant := g.newGrant(capability.Request{PluginID: pluginID, Capability: c}, by, now, cfg.expiresAt)
	grant.Conditions = cfg.conditions
	if _, err := g.store.Supersede(ctx, grant); err != nil {
		return capability.Grant{}, err
	}
	g.notify(pluginID, c.Name)
	g.record(ctx, pluginID, "granted", c, by, "")
	return grant, nil
}

// Revoke marks the active grant for the tuple revoked. Enforcer caches are
// invalidated before Revoke returns.
func (g *Gatekeeper) Revoke(ctx context.Context, pluginID string, c capability.Capability, by string) (capability.Grant, error) {
	tuple := capability.Tuple{PluginID: pluginID, Capability: c.Name, Scope: c.Scope}
	revoked, err := g.store.Revoke(ctx, tuple, by, g.now())
	if err != nil {
		return capability.Grant{}, err
	}
	g.notify(pluginID, c.Name)
	g.record(ctx, pluginID, "revoked", c, by, "")
	g.logger.Warn("capability revoked", "plugin", pluginID, "capability", c.String(), "by", by)
	return revoked, nil
}

// RevokeAll revokes every active grant held by a plugin.
func (g *Gatekeeper) RevokeAll(ctx context.Context, pluginID, by string) ([]capability.Grant, error) {
	history, err := g.store.History(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	var out []capability.Grant
	for _, gr := range history {
		if gr.Status != capability.GrantActive {
			continue
		}
		revoked, err := g.Revoke(ctx, pluginID, capability.Capability{Name: gr.Capability, Scope: gr.Scope}, by)
		if errors.Is(err, capability.ErrGrantNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, revoked)
	}
	return out, nil
}

// QueryState is the observed state of an exact grant tuple.
type QueryState string

const (
	QueryActive  QueryState = "active"
	QueryExpired QueryState = "expired"
	QueryRevoked QueryState = "revoked"
	QueryNone    QueryState = "none"
)

// GrantStatus answers a Query.
type GrantStatus struct {
	State QueryState
	Grant *capability.Grant
}

// Query reports the status of the exact (plugin, capability, scope) tuple.
// A grant past its expiry reads as expired even before the reaper runs.
func (g *Gatekeeper) Query(ctx context.Context, pluginID string, name capability.Name, scope capability.Scope) (GrantStatus, error) {
	now := g.now()
	grants, err := g.store.Active(ctx, pluginID, name)
	if err != nil {
		return GrantStatus{}, err
	}
	for i := range grants {
		if !grants[i].Scope.Equals(scope) {
			continue
		}
		if grants[i].EffectiveStatus(now) == capability.GrantExpired {
			return GrantStatus{State: QueryExpired, Grant: &grants[i]}, nil
		}
		return GrantStatus{State: QueryActive, Grant: &grants[i]}, nil
	}

	history, err := g.store.History(ctx, pluginID)
	if err != nil {
		return GrantStatus{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Capability == name && h.Scope.Equals(scope) {
			state := QueryRevoked
			if h.Status == capability.GrantExpired {
				state = QueryExpired
			}
			return GrantStatus{State: state, Grant: &h}, nil
		}
	}
	return GrantStatus{State: QueryNone}, nil
}

// ActiveGrants returns the grants usable now for the plugin and capability.
// This is the enforcer's read path.
func (g *Gatekeeper) ActiveGrants(ctx context.Context, pluginID string, name capability.Name) ([]capability.Grant, error) {
	now := g.now()
	grants, err := g.store.Active(ctx, pluginID, name)
	if err != nil {
		return nil, err
	}
	out := grants[:0]
	for _, gr := range grants {
		if gr.EffectiveStatus(now) == capability.GrantActive {
			out = append(out, gr)
		}
	}
	return out, nil
}

// History returns all grants ever recorded for a plugin.
func (g *Gatekeeper) History(ctx context.Context, pluginID string) ([]capability.Grant, error) {
	return g.store.History(ctx, pluginID)
}

// Pending lists requests awaiting approval, optionally for one plugin.
func (g *Gatekeeper) Pending(ctx context.Context, pluginID string) ([]capability.Request, error) {
	return g.store.Requests(ctx, pluginID, capability.RequestPending)
}

// Requests lists requests in any state.
func (g *Gatekeeper) Requests(ctx context.Context, pluginID string) ([]capability.Request, error) {
	return g.store.Requests(ctx, pluginID, "")
}

func (g *Gatekeeper) record(ctx context.Context, pluginID, outcome string, c capability.Capability, actor, detail string) {
	err := g.audit.Append(ctx, audit.Entry{
		Kind:       audit.KindGrant,
		PluginID:   pluginID,
		Outcome:    outcome,
		Capability: string(c.Name),
		Scope:      c.Scope.String(),
		Actor:      actor,
		Detail:     detail,
	})
	if err != nil {
		g.logger.Error("failed to append grant audit entry", "plugin", pluginID, "error", err)
	}
}
