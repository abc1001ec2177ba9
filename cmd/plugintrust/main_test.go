package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/signing"
)

// fileBackedEnv points every store at a temp dir so state survives between
// command invocations.
func fileBackedEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PLUGINTRUST_STORAGE_GRANTS", "file")
	t.Setenv("PLUGINTRUST_STORAGE_GRANT_FILE", filepath.Join(dir, "grants.yaml"))
	t.Setenv("PLUGINTRUST_STORAGE_KEY_FILE", filepath.Join(dir, "keys.yaml"))
	t.Setenv("PLUGINTRUST_STORAGE_PACKAGE_DIR", filepath.Join(dir, "packages"))
	t.Setenv("PLUGINTRUST_LOG_LEVEL", "error")
	return dir
}

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.Bytes()
}

func TestCLI_KeyLifecycle(t *testing.T) {
	dir := fileBackedEnv(t)
	_, pubPEM, err := signing.GenerateKey()
	require.NoError(t, err)
	pemPath := filepath.Join(dir, "acme.pem")
	require.NoError(t, os.WriteFile(pemPath, pubPEM, 0o600))

	execute(t, "keys", "add", "--id", "acme-2026", "--public-key", pemPath, "--by", "alice")

	var keys []entities.TrustedKey
	require.NoError(t, json.Unmarshal(execute(t, "keys", "list"), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, "acme-2026", keys[0].KeyID)
	assert.Equal(t, entities.KeyActive, keys[0].Status)
	assert.Equal(t, "alice", keys[0].AddedBy)

	execute(t, "keys", "revoke", "acme-2026", "--by", "bob", "--reason", "leaked")

	require.NoError(t, json.Unmarshal(execute(t, "keys", "list"), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, entities.KeyRevoked, keys[0].Status)
	assert.Equal(t, "leaked", keys[0].RevokedReason)
}

func TestCLI_GrantsPendingEmpty(t *testing.T) {
	fileBackedEnv(t)

	var reqs []capability.Request
	require.NoError(t, json.Unmarshal(execute(t, "grants", "pending"), &reqs))
	assert.Empty(t, reqs)
}

func TestCLI_InvalidConfig(t *testing.T) {
	t.Setenv("PLUGINTRUST_SECURITY_LEVEL", "lax")

	root := newRootCommand(&bytes.Buffer{})
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "keys", "list"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown security level")
}

func TestCLI_RunRejectsBadArgs(t *testing.T) {
	fileBackedEnv(t)

	root := newRootCommand(&bytes.Buffer{})
	root.SetArgs([]string{"run", "acme/logship", "run", "--args", "[1,2]"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON object")
}
