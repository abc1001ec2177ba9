package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reglet-dev/reglet-trust/capability"
)

// GrantStore implements capability.GrantStore. The partial unique index on
// active tuples enforces at most one active grant per tuple across nodes.
type GrantStore struct {
	pool *pgxpool.Pool
}

var _ capability.GrantStore = (*GrantStore)(nil)

// NewGrantStore returns a store over pool. The schema must exist.
func NewGrantStore(pool *pgxpool.Pool) *GrantStore {
	return &GrantStore{pool: pool}
}

const grantColumns = `id, plugin_id, capability, scope, granted_by, granted_at, expires_at, status,
	revoked_by, revoked_at, superseded_by, conditions, request_id`

func scanGrant(row pgx.Row) (capability.Grant, error) {
	var (
		g     capability.Grant
		scope string
		cond  []byte
	)
	err := row.Scan(&g.ID, &g.PluginID, &g.Capability, &scope, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt,
		&g.Status, &g.RevokedBy, &g.RevokedAt, &g.SupersededBy, &cond, &g.RequestID)
	if err != nil {
		return capability.Grant{}, err
	}
	if g.Scope, err = capability.ParseScope(scope); err != nil {
		return capability.Grant{}, fmt.Errorf("grant %s: %w", g.ID, err)
	}
	if err := json.Unmarshal(cond, &g.Conditions); err != nil {
		return capability.Grant{}, fmt.Errorf("grant %s conditions: %w", g.ID, err)
	}
	return g, nil
}

func collectGrants(rows pgx.Rows) ([]capability.Grant, error) {
	defer rows.Close()
	var out []capability.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *GrantStore) Active(ctx context.Context, pluginID string, name capability.Name) ([]capability.Grant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+grantColumns+` FROM trust_grants
WHERE plugin_id = $1 AND capability = $2 AND status = 'active'
ORDER BY scope`, pluginID, string(name))
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (s *GrantStore) Supersede(ctx context.Context, g capability.Grant) (*capability.Grant, error) {
	if g.ID == "" {
		return nil, fmt.Errorf("grant id is required")
	}
	cond, err := json.Marshal(g.Conditions)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := scanGrant(tx.QueryRow(ctx, `UPDATE trust_grants
SET status = 'revoked', revoked_at = $4, revoked_by = $5, superseded_by = $6
WHERE plugin_id = $1 AND capability = $2 AND scope = $3 AND status = 'active'
RETURNING `+grantColumns,
		g.PluginID, string(g.Capability), g.Scope.String(), g.GrantedAt, g.GrantedBy, g.ID))
	hadPrev := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("supersede grant: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO trust_grants
(id, plugin_id, capability, scope, granted_by, granted_at, expires_at, status, conditions, request_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, $9)`,
		g.ID, g.PluginID, string(g.Capability), g.Scope.String(), g.GrantedBy, g.GrantedAt, g.ExpiresAt, cond, g.RequestID)
	if err != nil {
		return nil, fmt.Errorf("insert grant: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if !hadPrev {
		return nil, nil
	}
	return &prev, nil
}

func (s *GrantStore) Revoke(ctx context.Context, t capability.Tuple, by string, at time.Time) (capability.Grant, error) {
	g, err := scanGrant(s.pool.QueryRow(ctx, `UPDATE trust_grants
SET status = 'revoked', revoked_at = $4, revoked_by = $5
WHERE plugin_id = $1 AND capability = $2 AND scope = $3 AND status = 'active'
RETURNING `+grantColumns,
		t.PluginID, string(t.Capability), t.Scope.String(), at, by))
	if errors.Is(err, pgx.ErrNoRows) {
		return capability.Grant{}, fmt.Errorf("%w: %s", capability.ErrGrantNotFound, t)
	}
	return g, err
}

func (s *GrantStore) ExpireBefore(ctx context.Context, now time.Time) ([]capability.Grant, error) {
	rows, err := s.pool.Query(ctx, `UPDATE trust_grants SET status = 'expired'
WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
RETURNING `+grantColumns, now)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (s *GrantStore) History(ctx context.Context, pluginID string) ([]capability.Grant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+grantColumns+` FROM trust_grants WHERE plugin_id = $1 ORDER BY seq`, pluginID)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

const requestColumns = `id, plugin_id, capability, risk, description, state, reason, requested_at,
	decided_by, decided_at, grant_id, ttl_ms`

func scanRequest(row pgx.Row) (capability.Request, error) {
	var (
		r     capability.Request
		decl  string
		risk  int
		ttlMS int64
	)
	err := row.Scan(&r.ID, &r.PluginID, &decl, &risk, &r.Description, &r.State, &r.Reason, &r.RequestedAt,
		&r.DecidedBy, &r.DecidedAt, &r.GrantID, &ttlMS)
	if err != nil {
		return capability.Request{}, err
	}
	if r.Capability, err = capability.Parse(decl); err != nil {
		return capability.Request{}, fmt.Errorf("request %s: %w", r.ID, err)
	}
	r.Risk = capability.RiskLevel(risk)
	r.TTL = time.Duration(ttlMS) * time.Millisecond
	return r, nil
}

func (s *GrantStore) SaveRequest(ctx context.Context, r capability.Request) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO trust_grant_requests (`+requestColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.PluginID, r.Capability.String(), int(r.Risk), r.Description, string(r.State), r.Reason,
		r.RequestedAt, r.DecidedBy, r.DecidedAt, r.GrantID, r.TTL.Milliseconds())
	if err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

func (s *GrantStore) UpdateRequest(ctx context.Context, id string, fn func(*capability.Request) error) (capability.Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return capability.Request{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM trust_grant_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return capability.Request{}, fmt.Errorf("%w: %s", capability.ErrRequestNotFound, id)
	}
	if err != nil {
		return capability.Request{}, err
	}
	if err := fn(&r); err != nil {
		return capability.Request{}, err
	}
	_, err = tx.Exec(ctx, `UPDATE trust_grant_requests
SET state = $2, reason = $3, decided_by = $4, decided_at = $5, grant_id = $6, ttl_ms = $7
WHERE id = $1`, r.ID, string(r.State), r.Reason, r.DecidedBy, r.DecidedAt, r.GrantID, r.TTL.Milliseconds())
	if err != nil {
		return capability.Request{}, fmt.Errorf("update request %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return capability.Request{}, err
	}
	return r, nil
}

func (s *GrantStore) Requests(ctx context.Context, pluginID string, state capability.RequestState) ([]capability.Request, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+requestColumns+` FROM trust_grant_requests
WHERE ($1 = '' OR plugin_id = $1) AND ($2 = '' OR state = $2)
ORDER BY seq`, pluginID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []capability.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
