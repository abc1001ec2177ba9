package grantstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/capability"
)

func TestFileStore_PersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "grants.yaml")

	s, err := NewFileStore(WithPath(path))
	require.NoError(t, err)
	assert.Equal(t, path, s.ConfigPath())

	exp := t0.Add(24 * time.Hour)
	g1 := newGrant("g1", "acme/a", "network:fetch(domain=*.example.com)")
	g1.ExpiresAt = &exp
	_, err = s.Supersede(ctx, g1)
	require.NoError(t, err)
	_, err = s.Supersede(ctx, newGrant("g2", "acme/a", "network:fetch(domain=*.example.com)"))
	require.NoError(t, err)
	require.NoError(t, s.SaveRequest(ctx, capability.Request{
		ID: "r1", PluginID: "acme/a", State: capability.RequestPending,
		Capability: capability.MustParse("fs:read(path=/var/log/**)"), TTL: time.Hour,
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := NewFileStore(WithPath(path))
	require.NoError(t, err)

	active, err := reopened.Active(ctx, "acme/a", "network:fetch")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "g2", active[0].ID)
	assert.Equal(t, "domain=*.example.com", active[0].Scope.String())

	history, err := reopened.History(ctx, "acme/a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].ExpiresAt)
	assert.True(t, history[0].ExpiresAt.Equal(exp))

	reqs, err := reopened.Requests(ctx, "acme/a", "")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, time.Hour, reqs[0].TTL)
	assert.Equal(t, "fs:read(path=/var/log/**)", reqs[0].Capability.String())
}

func TestFileStore_RejectsDuplicateActive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "grants.yaml")
	content := `version: 1
grants:
  - id: a
    pluginId: acme/a
    capability: kv:read
    scope: ""
    status: active
  - id: b
    pluginId: acme/a
    capability: kv:read
    scope: ""
    status: active
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := NewFileStore(WithPath(path))
	assert.Error(t, err)
}

func TestFileStore_RollsBackOnFlushFailure(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	s, err := NewFileStore(WithPath(filepath.Join(dir, "grants.yaml")))
	require.NoError(t, err)

	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err = s.Supersede(ctx, newGrant("g1", "acme/a", "kv:read"))
	require.Error(t, err)

	active, _ := s.Active(ctx, "acme/a", "kv:read")
	assert.Empty(t, active)
	history, _ := s.History(ctx, "acme/a")
	assert.Empty(t, history)
}
