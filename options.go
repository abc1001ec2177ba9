package trust

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/capability/gatekeeper"
	"github.com/reglet-dev/reglet-trust/capability/revocation"
	"github.com/reglet-dev/reglet-trust/plugin/keyring"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
	"github.com/reglet-dev/reglet-trust/policy"
	"github.com/reglet-dev/reglet-trust/sandbox"
	"github.com/reglet-dev/reglet-trust/scanner"
	"github.com/reglet-dev/reglet-trust/validation"
)

// Option configures a Kernel.
type Option func(*options)

type options struct {
	auditLog        audit.Log
	keys            *keyring.Registry
	keyStore        keyring.Store
	sigVerifier     ports.SignatureVerifier
	grantStore      capability.GrantStore
	repo            ports.PackageRepository
	source          ports.PackageSource
	level           gatekeeper.SecurityLevel
	ceilings        *validation.Ceilings
	limitCeiling    sandbox.Limits
	rules           *scanner.RuleSet
	scanWorkers     int
	mediators       []capability.Mediator
	middleware      []Middleware
	policyObserver  policy.Observer
	sandboxObserver sandbox.Observer
	bus             revocation.Bus
	tracer          trace.Tracer
	logger          *slog.Logger
	now             func() time.Time
	cacheTTL        *time.Duration
	grace           time.Duration
	blockOnCritical bool
}

func defaultOptions() options {
	return options{
		level:           gatekeeper.SecurityStandard,
		logger:          slog.Default(),
		now:             time.Now,
		blockOnCritical: true,
	}
}

// WithAuditLog sets the audit sink shared by every component. Defaults to
// an in-memory log.
func WithAuditLog(l audit.Log) Option {
	return func(o *options) { o.auditLog = l }
}

// WithKeyring uses an existing trusted key registry.
func WithKeyring(r *keyring.Registry) Option {
	return func(o *options) { o.keys = r }
}

// WithKeyStore persists the kernel-created key registry in s.
func WithKeyStore(s keyring.Store) Option {
	return func(o *options) { o.keyStore = s }
}

// WithSignatureVerifier replaces the sigstore signature check.
func WithSignatureVerifier(v ports.SignatureVerifier) Option {
	return func(o *options) { o.sigVerifier = v }
}

// WithGrantStore sets the authoritative grant store.
func WithGrantStore(s capability.GrantStore) Option {
	return func(o *options) { o.grantStore = s }
}

// WithRepository sets the installed package repository.
func WithRepository(r ports.PackageRepository) Option {
	return func(o *options) { o.repo = r }
}

// WithPackageSource enables InstallFromSource.
func WithPackageSource(s ports.PackageSource) Option {
	return func(o *options) { o.source = s }
}

// WithSecurityLevel sets the auto-grant policy.
func WithSecurityLevel(l gatekeeper.SecurityLevel) Option {
	return func(o *options) { o.level = l }
}

// WithCeilings sets the hard resource ceilings enforced at validation.
func WithCeilings(c validation.Ceilings) Option {
	return func(o *options) { o.ceilings = &c }
}

// WithLimitCeiling tightens every sandbox context to at most l.
func WithLimitCeiling(l sandbox.Limits) Option {
	return func(o *options) { o.limitCeiling = l }
}

// WithScannerRules merges rs into the builtin scanner rules.
func WithScannerRules(rs scanner.RuleSet) Option {
	return func(o *options) { o.rules = &rs }
}

// WithScanWorkers bounds concurrent file scans per package.
func WithScanWorkers(n int) Option {
	return func(o *options) { o.scanWorkers = n }
}

// WithMediators replaces the built-in mediators.
func WithMediators(ms ...capability.Mediator) Option {
	return func(o *options) { o.mediators = append(o.mediators, ms...) }
}

// WithMiddleware wraps authorized mediator dispatch.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

// WithPolicyObserver receives every enforcement decision.
func WithPolicyObserver(obs policy.Observer) Option {
	return func(o *options) { o.policyObserver = obs }
}

// WithSandboxObserver receives sandbox metering events.
func WithSandboxObserver(obs sandbox.Observer) Option {
	return func(o *options) { o.sandboxObserver = obs }
}

// WithRevocationBus shares grant and key changes with other kernels.
// The kernel does not close a bus it did not create.
func WithRevocationBus(b revocation.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithTracer sets the tracer for install and run spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCacheTTL sets the enforcer grant cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = &ttl }
}

// WithGracePeriod sets how long Terminate waits before a forced kill.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithBlockOnCritical controls whether critical scanner findings reject an
// install. When disabled, the implicated capabilities still require
// explicit approval.
func WithBlockOnCritical(block bool) Option {
	return func(o *options) { o.blockOnCritical = block }
}
