// Package trust is the plugin-trust kernel. It authenticates plugin
// packages, validates and scans them, manages capability grants, enforces
// every mediated call and runs plugin code in metered sandboxes.
//
// Kernel is the facade over those components: InstallPlugin is the only way
// a package becomes installed and RunPlugin the only way plugin code runs.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/capability/gatekeeper"
	"github.com/reglet-dev/reglet-trust/capability/grantstore"
	"github.com/reglet-dev/reglet-trust/capability/revocation"
	"github.com/reglet-dev/reglet-trust/mediator/netfetch"
	"github.com/reglet-dev/reglet-trust/mediator/objectstore"
	"github.com/reglet-dev/reglet-trust/parser"
	"github.com/reglet-dev/reglet-trust/plugin"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/keyring"
	"github.com/reglet-dev/reglet-trust/plugin/repository"
	"github.com/reglet-dev/reglet-trust/plugin/services"
	"github.com/reglet-dev/reglet-trust/plugin/signing"
	"github.com/reglet-dev/reglet-trust/policy"
	"github.com/reglet-dev/reglet-trust/registry"
	"github.com/reglet-dev/reglet-trust/sandbox"
	"github.com/reglet-dev/reglet-trust/sandbox/lua"
	"github.com/reglet-dev/reglet-trust/sandbox/wasm"
	"github.com/reglet-dev/reglet-trust/scanner"
	"github.com/reglet-dev/reglet-trust/validation"
)

const tracerName = "github.com/reglet-dev/reglet-trust"

// Kernel wires the trust components together.
type Kernel struct {
	node string

	audit     audit.Log
	keys      *keyring.Registry
	gate      *gatekeeper.Gatekeeper
	policy    *policy.Enforcer
	packages  *plugin.PackageService
	parser    *parser.Parser
	validator *validation.Validator
	scanner   *scanner.Scanner
	gateway   *Gateway
	sandboxes *sandbox.Runtime

	bus         revocation.Bus
	ownsBus     bool
	unsubscribe func()

	// manifests caches validated manifests by package digest.
	manifests cmap.ConcurrentMap[string, *entities.PluginManifest]

	blockOnCritical bool
	tracer          trace.Tracer
	logger          *slog.Logger
	now             func() time.Time
}

// New builds a kernel. Components not supplied through options get
// in-memory defaults.
func New(ctx context.Context, opts ...Option) (*Kernel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.auditLog == nil {
		o.auditLog = audit.NewMemoryLog()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	catalog := capability.DefaultCatalog()

	k := &Kernel{
		node:            uuid.NewString(),
		audit:           o.auditLog,
		parser:          parser.New(),
		manifests:       cmap.New[*entities.PluginManifest](),
		blockOnCritical: o.blockOnCritical,
		tracer:          o.tracer,
		logger:          o.logger,
		now:             o.now,
	}

	k.keys = o.keys
	if k.keys == nil {
		keyOpts := []keyring.Option{
			keyring.WithAuditLog(o.auditLog),
			keyring.WithLogger(o.logger),
			keyring.WithClock(o.now),
		}
		if o.keyStore != nil {
			keyOpts = append(keyOpts, keyring.WithStore(o.keyStore))
		}
		keys, err := keyring.NewRegistry(ctx, keyOpts...)
		if err != nil {
			return nil, err
		}
		k.keys = keys
	}

	if o.grantStore == nil {
		o.grantStore = grantstore.NewMemoryStore()
	}
	k.gate = gatekeeper.NewGatekeeper(
		gatekeeper.WithStore(o.grantStore),
		gatekeeper.WithCatalog(catalog),
		gatekeeper.WithAuditLog(o.auditLog),
		gatekeeper.WithSecurityLevel(o.level),
		gatekeeper.WithLogger(o.logger),
		gatekeeper.WithClock(o.now),
	)

	policyOpts := []policy.Option{
		policy.WithCatalog(catalog),
		policy.WithAuditLog(o.auditLog),
		policy.WithLogger(o.logger),
		policy.WithClock(o.now),
	}
	if o.cacheTTL != nil {
		policyOpts = append(policyOpts, policy.WithCacheTTL(*o.cacheTTL))
	}
	if o.policyObserver != nil {
		policyOpts = append(policyOpts, policy.WithObserver(o.policyObserver))
	}
	k.policy = policy.NewPolicy(k.gate, policyOpts...)
	k.gate.Subscribe(k.policy)
	k.gate.Subscribe(gatekeeper.ChangeListenerFunc(k.publishGrantChange))

	if o.sigVerifier == nil {
		o.sigVerifier = signing.NewSigstoreVerifier()
	}
	verifier := services.NewVerifier(k.keys, o.sigVerifier,
		services.WithAuditLog(o.auditLog),
		services.WithLogger(o.logger),
		services.WithClock(o.now),
	)
	if o.repo == nil {
		o.repo = repository.NewMemoryPackageRepository()
	}
	pkgOpts := []plugin.PackageServiceOption{plugin.WithLogger(o.logger), plugin.WithClock(o.now)}
	if o.source != nil {
		pkgOpts = append(pkgOpts, plugin.WithSource(o.source))
	}
	k.packages = plugin.NewPackageService(verifier, o.repo, pkgOpts...)

	valOpts := []validation.Option{validation.WithCatalog(catalog)}
	if o.ceilings != nil {
		valOpts = append(valOpts, validation.WithCeilings(*o.ceilings))
	}
	validator, err := validation.NewValidator(registry.Default(), valOpts...)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	k.validator = validator

	rules := scanner.BuiltinRules()
	if o.rules != nil {
		rules = rules.Merge(*o.rules)
	}
	k.scanner, err = scanner.New(ctx,
		scanner.WithRules(rules),
		scanner.WithCatalog(catalog),
		scanner.WithWorkers(o.scanWorkers),
		scanner.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	mediators := capability.NewMediatorRegistry()
	if len(o.mediators) == 0 {
		o.mediators = []capability.Mediator{
			netfetch.New(netfetch.WithLogger(o.logger)),
			objectstore.New(objectstore.WithLogger(o.logger)),
		}
	}
	for _, m := range o.mediators {
		if err := mediators.Register(m); err != nil {
			_ = k.scanner.Close(ctx)
			return nil, err
		}
	}
	k.gateway = NewGateway(mediators, k.policy,
		WithGatewayLogger(o.logger),
		WithMiddleware(append([]Middleware{LoggingMiddleware(o.logger)}, o.middleware...)...),
	)

	sbOpts := []sandbox.Option{
		sandbox.WithEngine(lua.New()),
		sandbox.WithEngine(wasm.New(wasm.WithLogger(o.logger))),
		sandbox.WithLimitCeiling(o.limitCeiling),
		sandbox.WithGracePeriod(o.grace),
		sandbox.WithLogger(o.logger),
		sandbox.WithAuditLog(o.auditLog),
		sandbox.WithClock(o.now),
	}
	if o.sandboxObserver != nil {
		sbOpts = append(sbOpts, sandbox.WithObserver(o.sandboxObserver))
	}
	k.sandboxes = sandbox.NewRuntime(k.gateway, sbOpts...)

	k.bus = o.bus
	if k.bus == nil {
		k.bus = revocation.NewLocalBus()
		k.ownsBus = true
	}
	k.unsubscribe = k.bus.Subscribe(k.onRevocation)

	return k, nil
}

// CheckCapability decides whether pluginID may use name within scope. The
// decision is logged and audited.
func (k *Kernel) CheckCapability(ctx context.Context, pluginID string, name capability.Name, scope capability.Scope) policy.Decision {
	return k.policy.Check(ctx, pluginID, name, scope)
}

// Audit returns the read-only audit query surface.
func (k *Kernel) Audit() audit.Reader { return k.audit }

// Permissions returns the permission manager.
func (k *Kernel) Permissions() *gatekeeper.Gatekeeper { return k.gate }

// Keys returns the trusted key registry.
func (k *Kernel) Keys() *keyring.Registry { return k.keys }

// Packages returns the installed package service.
func (k *Kernel) Packages() *plugin.PackageService { return k.packages }

// Sandboxes returns the sandbox runtime for administrative control.
func (k *Kernel) Sandboxes() *sandbox.Runtime { return k.sandboxes }

// Gateway returns the enforcement decorator over all mediators.
func (k *Kernel) Gateway() *Gateway { return k.gateway }

// RevokeKey revokes a trusted key, tells other kernels and re-verifies
// every installed package.
func (k *Kernel) RevokeKey(ctx context.Context, keyID, by, reason string) ([]plugin.ReverifyResult, error) {
	if _, err := k.keys.Revoke(ctx, keyID, by, reason); err != nil {
		return nil, err
	}
	k.publish(ctx, revocation.Event{Kind: revocation.KindKey, KeyID: keyID})
	return k.ReverifyInstalled(ctx)
}

// ReverifyInstalled re-verifies every installed package against the current
// key registry. Packages that fail are quarantined; live sandbox contexts of
// plugins left without an active version are terminated.
func (k *Kernel) ReverifyInstalled(ctx context.Context) ([]plugin.ReverifyResult, error) {
	results, err := k.packages.Reverify(ctx)
	runnable := make(map[string]bool)
	for _, r := range results {
		runnable[r.PluginID] = runnable[r.PluginID] || r.Status == entities.InstallActive
	}
	for pluginID, ok := range runnable {
		if ok {
			continue
		}
		if terr := k.sandboxes.TerminatePlugin(ctx, pluginID); terr != nil {
			k.logger.WarnContext(ctx, "terminate quarantined plugin", "plugin", pluginID, "error", terr)
		}
	}
	return results, err
}

// Close terminates every sandbox context and releases kernel resources.
func (k *Kernel) Close(ctx context.Context) error {
	k.unsubscribe()
	errs := []error{
		k.sandboxes.Close(ctx),
		k.scanner.Close(ctx),
	}
	if k.ownsBus {
		errs = append(errs, k.bus.Close())
	}
	return errors.Join(errs...)
}

func (k *Kernel) publishGrantChange(pluginID string, name capability.Name) {
	k.publish(context.Background(), revocation.Event{
		Kind:       revocation.KindGrant,
		PluginID:   pluginID,
		Capability: name,
	})
}

func (k *Kernel) publish(ctx context.Context, e revocation.Event) {
	e.Origin = k.node
	e.At = k.now().UTC()
	if err := k.bus.Publish(ctx, e); err != nil {
		k.logger.WarnContext(ctx, "publish revocation event", "kind", e.Kind, "error", err)
	}
}

// onRevocation applies trust changes made by other kernels. Local changes
// were already applied synchronously.
func (k *Kernel) onRevocation(e revocation.Event) {
	if e.Origin == k.node {
		return
	}
	ctx := context.Background()
	switch e.Kind {
	case revocation.KindGrant:
		k.policy.GrantsChanged(e.PluginID, e.Capability)
	case revocation.KindKey:
		if err := k.keys.Reload(ctx); err != nil {
			k.logger.ErrorContext(ctx, "reload trusted keys", "key", e.KeyID, "error", err)
			return
		}
		if _, err := k.ReverifyInstalled(ctx); err != nil {
			k.logger.ErrorContext(ctx, "reverify after key change", "key", e.KeyID, "error", err)
		}
	}
}
