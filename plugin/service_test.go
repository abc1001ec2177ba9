package plugin_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/plugin"
	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/keyring"
	"github.com/reglet-dev/reglet-trust/plugin/repository"
	"github.com/reglet-dev/reglet-trust/plugin/services"
	"github.com/reglet-dev/reglet-trust/plugin/signing"
	"github.com/reglet-dev/reglet-trust/plugin/values"
)

type fixture struct {
	keys   *keyring.Registry
	repo   *repository.MemoryPackageRepository
	log    *audit.MemoryLog
	svc    *plugin.PackageService
	signer *signing.Signer
}

func newFixture(t *testing.T, opts ...plugin.PackageServiceOption) *fixture {
	t.Helper()
	ctx := context.Background()
	keys, err := keyring.NewRegistry(ctx)
	require.NoError(t, err)
	priv, pemBytes, err := signing.GenerateKey()
	require.NoError(t, err)
	_, err = keys.Add(ctx, entities.TrustedKey{KeyID: "acme-2024", PublicKeyPEM: string(pemBytes)})
	require.NoError(t, err)
	signer, err := signing.NewSigner(priv, "acme-2024")
	require.NoError(t, err)

	log := audit.NewMemoryLog()
	repo := repository.NewMemoryPackageRepository()
	verifier := services.NewVerifier(keys, signing.NewSigstoreVerifier(), services.WithAuditLog(log))
	opts = append([]plugin.PackageServiceOption{plugin.WithLogger(plugin.NewTestLogger())}, opts...)
	return &fixture{
		keys:   keys,
		repo:   repo,
		log:    log,
		svc:    plugin.NewPackageService(verifier, repo, opts...),
		signer: signer,
	}
}

func (f *fixture) artifact(t *testing.T, id, version string) *dto.PackageArtifact {
	t.Helper()
	manifest := []byte(fmt.Sprintf("id: %s\nversion: %s\n", id, version))
	bundle := map[string][]byte{"main.lua": []byte("function run() return 1 end")}
	pkg := dto.ContentIndex(manifest, bundle)
	sig, err := f.signer.Sign(context.Background(), pkg)
	require.NoError(t, err)
	return dto.NewPackageArtifact(pkg, sig, manifest, bundle)
}

func identity(t *testing.T, id, version string) values.PluginIdentity {
	t.Helper()
	pid, err := values.NewPluginID(id)
	require.NoError(t, err)
	v, err := values.NewVersion(version)
	require.NoError(t, err)
	ident, err := values.NewPluginIdentity(pid, v, "acme-2024")
	require.NoError(t, err)
	return ident
}

func (f *fixture) install(t *testing.T, id, version string) {
	t.Helper()
	ctx := context.Background()
	a := f.artifact(t, id, version)
	res, err := f.svc.Verify(ctx, services.Subject{PluginID: id, Version: version}, a)
	require.NoError(t, err)
	_, err = f.svc.Store(ctx, identity(t, id, version), res, a)
	require.NoError(t, err)
}

func TestPackageService_VerifyAndStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.artifact(t, "acme/reports", "1.2.0")
	res, err := f.svc.Verify(ctx, services.Subject{PluginID: "acme/reports", Version: "1.2.0"}, a)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, "acme-2024", res.SignerKeyID)

	rec, err := f.svc.Store(ctx, identity(t, "acme/reports", "1.2.0"), res, a)
	require.NoError(t, err)
	assert.Equal(t, entities.InstallActive, rec.Status)

	got, artifact, err := f.svc.Load(ctx, "acme/reports", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", got.Version)
	assert.Equal(t, a.Bundle, artifact.Bundle)
}

func TestPackageService_RejectsUnboundContents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := f.artifact(t, "acme/reports", "1.0.0")
	a.Bundle["main.lua"] = []byte("os.execute('rm -rf /')")

	_, err := f.svc.Verify(context.Background(), services.Subject{PluginID: "acme/reports"}, a)
	require.ErrorIs(t, err, entities.ErrIntegrityCheckFailed)

	entries, err := f.log.Query(context.Background(), audit.Filter{Kind: audit.KindSignature, Outcome: "fail"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPackageService_LoadPicksHighestActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.install(t, "acme/reports", "1.0.0")
	f.install(t, "acme/reports", "1.10.0")
	f.install(t, "acme/reports", "1.9.0")
	require.NoError(t, f.repo.SetStatus(ctx, "acme/reports", "1.10.0", entities.InstallQuarantined))

	rec, _, err := f.svc.Load(ctx, "acme/reports", "^1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.9.0", rec.Version)

	_, _, err = f.svc.Load(ctx, "acme/missing", "")
	assert.ErrorIs(t, err, entities.ErrPluginNotFound)
}

func TestPackageService_ReverifyQuarantinesRevokedSigner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := range 3 {
		f.install(t, fmt.Sprintf("acme/p%d", i), "1.0.0")
	}
	_, err := f.keys.Revoke(ctx, "acme-2024", "admin", "key compromised")
	require.NoError(t, err)

	results, err := f.svc.Reverify(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, entities.ErrRevokedSigner)
		assert.Equal(t, entities.InstallQuarantined, r.Status)
	}

	_, _, err = f.svc.Load(ctx, "acme/p0", "")
	assert.ErrorIs(t, err, entities.ErrPluginNotFound)
}

func TestPackageService_Fetch(t *testing.T) {
	t.Parallel()

	src := &plugin.MockSource{Artifacts: map[string]*dto.PackageArtifact{}}
	f := newFixture(t, plugin.WithSource(src))
	src.Artifacts["registry.example.com/acme/reports:1.0.0"] = f.artifact(t, "acme/reports", "1.0.0")

	a, err := f.svc.Fetch(context.Background(), "registry.example.com/acme/reports:1.0.0")
	require.NoError(t, err)
	assert.True(t, a.Bound())
	assert.Equal(t, []string{"registry.example.com/acme/reports:1.0.0"}, src.Fetched())

	src.Err = errors.New("registry down")
	_, err = f.svc.Fetch(context.Background(), "registry.example.com/acme/reports:1.0.0")
	assert.ErrorContains(t, err, "registry down")

	_, err = newFixture(t).svc.Fetch(context.Background(), "x")
	assert.ErrorIs(t, err, plugin.ErrNoSource)
}
