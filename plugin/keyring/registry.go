// Package keyring is the trusted publisher key registry. Reads are lock-free
// map lookups; writes are serialized per key id and persisted through a
// Store.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability/grantstore"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
	"github.com/reglet-dev/reglet-trust/plugin/signing"
)

// ErrInvalidKey is returned when a key fails validation on Add.
var ErrInvalidKey = errors.New("invalid trusted key")

// Store persists the registry contents.
type Store interface {
	Load(ctx context.Context) ([]entities.TrustedKey, error)
	Save(ctx context.Context, keys []entities.TrustedKey) error
}

// Registry implements ports.TrustRegistry.
type Registry struct {
	keys   cmap.ConcurrentMap[string, entities.TrustedKey]
	locks  *grantstore.KeyedMutex
	store  Store
	audit  audit.Log
	logger *slog.Logger
	now    func() time.Time

	saveMu sync.Mutex
}

var _ ports.TrustRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithStore sets the persistence backend.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithAuditLog sets the audit sink for key administration.
func WithAuditLog(l audit.Log) Option {
	return func(r *Registry) { r.audit = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry and loads any persisted keys.
func NewRegistry(ctx context.Context, opts ...Option) (*Registry, error) {
	r := &Registry{
		keys:   cmap.New[entities.TrustedKey](),
		locks:  grantstore.NewKeyedMutex(),
		audit:  audit.Nop{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		return r, nil
	}
	keys, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trusted keys: %w", err)
	}
	for _, k := range keys {
		if !r.keys.SetIfAbsent(k.KeyID, k) {
			return nil, fmt.Errorf("load trusted keys: duplicate key id %q", k.KeyID)
		}
	}
	return r, nil
}

// Reload replaces the in-memory keys with the persisted set. Other nodes
// sharing the store call it after a key event.
func (r *Registry) Reload(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	keys, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload trusted keys: %w", err)
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		r.keys.Set(k.KeyID, k)
		seen[k.KeyID] = true
	}
	for id := range r.keys.Items() {
		if !seen[id] {
			r.keys.Remove(id)
		}
	}
	return nil
}

// Lookup resolves a key id.
func (r *Registry) Lookup(_ context.Context, keyID string) (entities.TrustedKey, error) {
	k, ok := r.keys.Get(keyID)
	if !ok {
		return entities.TrustedKey{}, &entities.UnknownSignerError{KeyID: keyID}
	}
	return k, nil
}

// Get returns a key without the typed error.
func (r *Registry) Get(keyID string) (entities.TrustedKey, bool) {
	return r.keys.Get(keyID)
}

// List returns all keys ordered by id, revoked and expired included.
func (r *Registry) List() []entities.TrustedKey {
	out := make([]entities.TrustedKey, 0, r.keys.Count())
	for _, k := range r.keys.Items() {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b entities.TrustedKey) int { return strings.Compare(a.KeyID, b.KeyID) })
	return out
}

// Add registers a new active key. The public key must parse.
func (r *Registry) Add(ctx context.Context, key entities.TrustedKey) (entities.TrustedKey, error) {
	if key.KeyID == "" {
		return entities.TrustedKey{}, fmt.Errorf("%w: key id is required", ErrInvalidKey)
	}
	if _, err := signing.ParsePublicKey([]byte(key.PublicKeyPEM)); err != nil {
		return entities.TrustedKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	now := r.now().UTC()
	if key.ValidFrom.IsZero() {
		key.ValidFrom = now
	}
	if key.ValidTo != nil && key.ValidTo.Before(key.ValidFrom) {
		return entities.TrustedKey{}, fmt.Errorf("%w: validTo precedes validFrom", ErrInvalidKey)
	}
	key.Status = entities.KeyActive
	key.AddedAt = now
	key.RevokedAt, key.RevokedBy, key.RevokedReason = nil, "", ""

	unlock := r.locks.Lock(key.KeyID)
	defer unlock()

	if !r.keys.SetIfAbsent(key.KeyID, key) {
		return entities.TrustedKey{}, fmt.Errorf("%w: %s", entities.ErrKeyExists, key.KeyID)
	}
	if err := r.persist(ctx); err != nil {
		r.keys.Remove(key.KeyID)
		return entities.TrustedKey{}, err
	}
	r.record(ctx, key.KeyID, "added", key.AddedBy, "")
	r.logger.Info("trusted key added", "key", key.KeyID, "by", key.AddedBy)
	return key, nil
}

// Revoke moves a key to revoked. Revocation is irreversible; revoking an
// already revoked key returns it unchanged.
func (r *Registry) Revoke(ctx context.Context, keyID, by, reason string) (entities.TrustedKey, error) {
	return r.transition(ctx, keyID, func(k *entities.TrustedKey, now time.Time) bool {
		if k.Status == entities.KeyRevoked {
			return false
		}
		k.Status = entities.KeyRevoked
		k.RevokedAt = &now
		k.RevokedBy = by
		k.RevokedReason = reason
		return true
	}, "revoked", by, reason)
}

// Expire marks an active key expired. Revoked keys stay revoked.
func (r *Registry) Expire(ctx context.Context, keyID, by string) (entities.TrustedKey, error) {
	return r.transition(ctx, keyID, func(k *entities.TrustedKey, now time.Time) bool {
		if k.Status != entities.KeyActive {
			return false
		}
		k.Status = entities.KeyExpired
		if k.ValidTo == nil || k.ValidTo.After(now) {
			k.ValidTo = &now
		}
		return true
	}, "expired", by, "")
}

func (r *Registry) transition(
	ctx context.Context,
	keyID string,
	apply func(k *entities.TrustedKey, now time.Time) bool,
	outcome, by, detail string,
) (entities.TrustedKey, error) {
	unlock := r.locks.Lock(keyID)
	defer unlock()

	prev, ok := r.keys.Get(keyID)
	if !ok {
		return entities.TrustedKey{}, &entities.UnknownSignerError{KeyID: keyID}
	}
	next := prev
	if !apply(&next, r.now().UTC()) {
		return prev, nil
	}
	r.keys.Set(keyID, next)
	if err := r.persist(ctx); err != nil {
		r.keys.Set(keyID, prev)
		return entities.TrustedKey{}, err
	}
	r.record(ctx, keyID, outcome, by, detail)
	r.logger.Warn("trusted key "+outcome, "key", keyID, "by", by, "reason", detail)
	return next, nil
}

func (r *Registry) persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := r.store.Save(ctx, r.List()); err != nil {
		return fmt.Errorf("persist trusted keys: %w", err)
	}
	return nil
}

func (r *Registry) record(ctx context.Context, keyID, outcome, actor, detail string) {
	err := r.audit.Append(ctx, audit.Entry{
		Kind:       audit.KindKey,
		Outcome:    outcome,
		Actor:      actor,
		Detail:     detail,
		Attributes: map[string]string{"key": keyID},
	})
	if err != nil {
		r.logger.Error("failed to append key audit entry", "key", keyID, "error", err)
	}
}
