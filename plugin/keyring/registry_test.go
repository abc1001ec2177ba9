package keyring_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/keyring"
	"github.com/reglet-dev/reglet-trust/plugin/signing"
)

func newKey(t *testing.T, id string) entities.TrustedKey {
	t.Helper()
	_, pemBytes, err := signing.GenerateKey()
	require.NoError(t, err)
	return entities.TrustedKey{KeyID: id, PublicKeyPEM: string(pemBytes), AddedBy: "admin"}
}

func TestRegistry_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := audit.NewMemoryLog()
	reg, err := keyring.NewRegistry(ctx, keyring.WithAuditLog(log))
	require.NoError(t, err)

	added, err := reg.Add(ctx, newKey(t, "pub-1"))
	require.NoError(t, err)
	assert.Equal(t, entities.KeyActive, added.Status)
	assert.False(t, added.ValidFrom.IsZero())

	_, err = reg.Add(ctx, newKey(t, "pub-1"))
	assert.ErrorIs(t, err, entities.ErrKeyExists)

	_, err = reg.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, entities.ErrUnknownSigner)

	revoked, err := reg.Revoke(ctx, "pub-1", "secops", "leaked")
	require.NoError(t, err)
	assert.Equal(t, entities.KeyRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)

	again, err := reg.Revoke(ctx, "pub-1", "someone", "again")
	require.NoError(t, err)
	assert.Equal(t, "secops", again.RevokedBy, "revocation is not rewritten")

	expired, err := reg.Expire(ctx, "pub-1", "admin")
	require.NoError(t, err)
	assert.Equal(t, entities.KeyRevoked, expired.Status, "revoked keys stay revoked")

	entries, err := log.Query(ctx, audit.Filter{Kind: audit.KindKey})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "added", entries[0].Outcome)
	assert.Equal(t, "revoked", entries[1].Outcome)
}

func TestRegistry_AddValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := keyring.NewRegistry(ctx)
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	tests := []struct {
		name string
		key  entities.TrustedKey
	}{
		{"MissingID", entities.TrustedKey{PublicKeyPEM: newKey(t, "x").PublicKeyPEM}},
		{"BadPEM", entities.TrustedKey{KeyID: "bad", PublicKeyPEM: "nope"}},
		{"InvertedWindow", func() entities.TrustedKey {
			k := newKey(t, "window")
			k.ValidFrom, k.ValidTo = from, &to
			return k
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Add(ctx, tt.key)
			assert.ErrorIs(t, err, keyring.ErrInvalidKey)
		})
	}
}

func TestRegistry_FilePersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.yaml")

	reg, err := keyring.NewRegistry(ctx, keyring.WithStore(keyring.NewFileStore(path)))
	require.NoError(t, err)
	_, err = reg.Add(ctx, newKey(t, "pub-1"))
	require.NoError(t, err)
	_, err = reg.Add(ctx, newKey(t, "pub-2"))
	require.NoError(t, err)
	_, err = reg.Revoke(ctx, "pub-1", "secops", "compromised")
	require.NoError(t, err)

	reopened, err := keyring.NewRegistry(ctx, keyring.WithStore(keyring.NewFileStore(path)))
	require.NoError(t, err)
	keys := reopened.List()
	require.Len(t, keys, 2)
	assert.Equal(t, entities.KeyRevoked, keys[0].Status)
	assert.Equal(t, "compromised", keys[0].RevokedReason)
	assert.Equal(t, entities.KeyActive, keys[1].Status)
}

func TestRegistry_ReloadPicksUpPeerChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.yaml")

	local, err := keyring.NewRegistry(ctx, keyring.WithStore(keyring.NewFileStore(path)))
	require.NoError(t, err)
	_, err = local.Add(ctx, newKey(t, "pub-1"))
	require.NoError(t, err)

	peer, err := keyring.NewRegistry(ctx, keyring.WithStore(keyring.NewFileStore(path)))
	require.NoError(t, err)
	_, err = peer.Revoke(ctx, "pub-1", "secops", "compromised")
	require.NoError(t, err)

	k, _ := local.Get("pub-1")
	assert.Equal(t, entities.KeyActive, k.Status)
	require.NoError(t, local.Reload(ctx))
	k, _ = local.Get("pub-1")
	assert.Equal(t, entities.KeyRevoked, k.Status)
}

type failingStore struct{}

func (failingStore) Load(context.Context) ([]entities.TrustedKey, error) { return nil, nil }
func (failingStore) Save(context.Context, []entities.TrustedKey) error {
	return errors.New("disk full")
}

func TestRegistry_PersistFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := keyring.NewRegistry(ctx, keyring.WithStore(failingStore{}))
	require.NoError(t, err)

	_, err = reg.Add(ctx, newKey(t, "pub-1"))
	require.Error(t, err)
	_, ok := reg.Get("pub-1")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentWritersAndReaders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := keyring.NewRegistry(ctx)
	require.NoError(t, err)

	keys := make([]entities.TrustedKey, 20)
	for i := range keys {
		keys[i] = newKey(t, fmt.Sprintf("pub-%d", i))
	}

	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := keys[i].KeyID
			_, err := reg.Add(ctx, keys[i])
			assert.NoError(t, err)
			_, _ = reg.Lookup(ctx, id)
			_, err = reg.Revoke(ctx, id, "secops", "rotation")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, k := range reg.List() {
		assert.Equal(t, entities.KeyRevoked, k.Status)
	}
	assert.Len(t, reg.List(), 20)
}
