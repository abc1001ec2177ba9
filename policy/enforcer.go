package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
)

const (
	// DefaultCacheTTL bounds how long a grant lookup is reused.
	DefaultCacheTTL = 2 * time.Second
	// MaxCacheTTL is the upper bound accepted by WithCacheTTL.
	MaxCacheTTL = 5 * time.Second
)

// Enforcer implements Policy over a GrantSource with a short-TTL read cache.
// Grant changes reported through GrantsChanged invalidate the cache before
// the change is visible to callers of the source, so a revoked grant is never
// honored by a check that starts after the revocation returns.
type Enforcer struct {
	source   GrantSource
	catalog  *capability.Catalog
	audit    audit.Log
	denials  DenialHandler
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	ttl        time.Duration
	cache      *gocache.Cache
	group      singleflight.Group
	generation atomic.Uint64
	fillMu     sync.Mutex // orders cache fills against invalidation
}

var _ Policy = (*Enforcer)(nil)

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithDenialHandler sets the denial handler.
func WithDenialHandler(h DenialHandler) Option {
	return func(e *Enforcer) { e.denials = h }
}

// WithCatalog sets the capability catalog.
func WithCatalog(c *capability.Catalog) Option {
	return func(e *Enforcer) { e.catalog = c }
}

// WithAuditLog sets the audit sink for checks.
func WithAuditLog(l audit.Log) Option {
	return func(e *Enforcer) { e.audit = l }
}

// WithObserver sets a decision observer.
func WithObserver(o Observer) Option {
	return func(e *Enforcer) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithCacheTTL sets the grant cache TTL. Zero or negative disables caching;
// values above MaxCacheTTL are capped.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Enforcer) {
		if ttl > MaxCacheTTL {
			ttl = MaxCacheTTL
		}
		e.ttl = ttl
	}
}

// NewPolicy creates an Enforcer reading grants from source.
func NewPolicy(source GrantSource, opts ...Option) *Enforcer {
	e := &Enforcer{
		source: source,
		logger: slog.Default(),
		now:    time.Now,
		ttl:    DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog = capability.DefaultCatalog()
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	if e.denials == nil {
		e.denials = &LogDenialHandler{Logger: e.logger}
	}
	if e.ttl > 0 {
		e.cache = gocache.New(e.ttl, 4*e.ttl)
	}
	return e
}

// Check decides the request and records it.
func (e *Enforcer) Check(ctx context.Context, pluginID string, name capability.Name, scope capability.Scope) Decision {
	d := e.Evaluate(ctx, pluginID, name, scope)

	if e.observer != nil {
		e.observer.ObserveDecision(d)
	}
	if d.Allowed {
		e.logger.DebugContext(ctx, "capability check",
			"plugin", pluginID, "capability", string(name), "scope", scope.String(),
			"outcome", d.Outcome(), "grant", d.GrantID)
	} else {
		e.denials.OnDenial(ctx, d)
	}

	entry := audit.Entry{
		Kind:       audit.KindEnforcement,
		PluginID:   pluginID,
		Outcome:    d.Outcome(),
		Capability: string(name),
		Scope:      scope.String(),
		Detail:     string(d.Reason),
	}
	if d.GrantID != "" {
		entry.Attributes = map[string]string{"grant": d.GrantID}
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "failed to append enforcement audit entry", "plugin", pluginID, "error", err)
	}
	return d
}

// Evaluate decides the request without recording it.
func (e *Enforcer) Evaluate(ctx context.Context, pluginID string, name capability.Name, scope capability.Scope) Decision {
	d := Decision{PluginID: pluginID, Capability: name, Scope: scope}

	def, ok := e.catalog.Get(name)
	if !ok {
		d.Reason = ReasonUnknownCapability
		return d
	}
	for _, key := range scope.Keys() {
		kind, known := def.Params[key]
		v, _ := scope.Get(key)
		if !known || !capability.ValidValue(kind, v) {
			d.Reason = ReasonInvalidScope
			d.Detail = "bad scope key " + key
			return d
		}
	}

	grants, err := e.grants(ctx, pluginID, name)
	if err != nil {
		e.logger.ErrorContext(ctx, "grant lookup failed, denying", "plugin", pluginID, "capability", string(name), "error", err)
		d.Reason = ReasonUnavailable
		d.Detail = err.Error()
		return d
	}

	now := e.now()
	var (
		inScope    bool
		expired    bool
		violations []string
	)
	for _, g := range grants {
		if g.EffectiveStatus(now) != capability.GrantActive {
			expired = expired || g.Expired(now)
			continue
		}
		if !capability.Contains(g.Scope, scope, def.Params) {
			if violations == nil {
				violations = capability.Violations(g.Scope, scope, def.Params)
			}
			continue
		}
		inScope = true
		if !g.Conditions.Allows(now) {
			continue
		}
		d.Allowed = true
		d.GrantID = g.ID
		return d
	}

	switch {
	case inScope:
		d.Reason = ReasonConditionNotMet
	case expired && violations == nil:
		d.Reason = ReasonGrantExpired
	case violations != nil:
		d.Reason = ReasonScopeViolation
		d.Detail = "outside granted scope on " + strings.Join(violations, ",")
	default:
		d.Reason = ReasonNoGrant
	}
	return d
}

func cacheKey(pluginID string, name capability.Name) string {
	return pluginID + "|" + string(name)
}

func (e *Enforcer) grants(ctx context.Context, pluginID string, name capability.Name) ([]capability.Grant, error) {
	if e.cache == nil {
		return e.source.ActiveGrants(ctx, pluginID, name)
	}

	key := cacheKey(pluginID, name)
	if v, ok := e.cache.Get(key); ok {
		return v.([]capability.Grant), nil
	}

	gen := e.generation.Load()
	flight := strconv.FormatUint(gen, 10) + "|" + key
	v, err, _ := e.group.Do(flight, func() (any, error) {
		grants, err := e.source.ActiveGrants(ctx, pluginID, name)
		if err != nil {
			return nil, fmt.Errorf("load grants: %w", err)
		}
		e.fillMu.Lock()
		if e.generation.Load() == gen {
			e.cache.SetDefault(key, grants)
		}
		e.fillMu.Unlock()
		return grants, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]capability.Grant), nil
}

// GrantsChanged invalidates cached grants for the plugin and capability.
func (e *Enforcer) GrantsChanged(pluginID string, name capability.Name) {
	if e.cache == nil {
		return
	}
	e.fillMu.Lock()
	e.generation.Add(1)
	e.cache.Delete(cacheKey(pluginID, name))
	e.fillMu.Unlock()
}

// InvalidateAll drops every cached lookup.
func (e *Enforcer) InvalidateAll() {
	if e.cache == nil {
		return
	}
	e.fillMu.Lock()
	e.generation.Add(1)
	e.cache.Flush()
	e.fillMu.Unlock()
}
