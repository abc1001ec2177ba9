// Package postgres stores grants, grant requests and audit entries in
// PostgreSQL so several kernel nodes share one authoritative grant state.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS trust_grants (
	id            TEXT PRIMARY KEY,
	plugin_id     TEXT NOT NULL,
	capability    TEXT NOT NULL,
	scope         TEXT NOT NULL,
	granted_by    TEXT NOT NULL,
	granted_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ,
	status        TEXT NOT NULL,
	revoked_by    TEXT NOT NULL DEFAULT '',
	revoked_at    TIMESTAMPTZ,
	superseded_by TEXT NOT NULL DEFAULT '',
	conditions    JSONB NOT NULL DEFAULT '{}',
	request_id    TEXT NOT NULL DEFAULT '',
	seq           BIGSERIAL
);
CREATE UNIQUE INDEX IF NOT EXISTS trust_grants_one_active
	ON trust_grants (plugin_id, capability, scope) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS trust_grants_plugin ON trust_grants (plugin_id, seq);

CREATE TABLE IF NOT EXISTS trust_grant_requests (
	id           TEXT PRIMARY KEY,
	plugin_id    TEXT NOT NULL,
	capability   TEXT NOT NULL,
	risk         INTEGER NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	requested_at TIMESTAMPTZ NOT NULL,
	decided_by   TEXT NOT NULL DEFAULT '',
	decided_at   TIMESTAMPTZ,
	grant_id     TEXT NOT NULL DEFAULT '',
	ttl_ms       BIGINT NOT NULL DEFAULT 0,
	seq          BIGSERIAL
);

CREATE TABLE IF NOT EXISTS trust_audit (
	id         TEXT PRIMARY KEY,
	at         TIMESTAMPTZ NOT NULL,
	kind       TEXT NOT NULL,
	plugin_id  TEXT NOT NULL DEFAULT '',
	version    TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	capability TEXT NOT NULL DEFAULT '',
	scope      TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	attributes JSONB NOT NULL DEFAULT '{}',
	seq        BIGSERIAL
);
CREATE INDEX IF NOT EXISTS trust_audit_at ON trust_audit (at);
`

// Config configures Open.
type Config struct {
	DSN string
	// ConnectTimeout bounds the total time spent retrying the first
	// connection. Zero means 30s.
	ConnectTimeout time.Duration
	MaxConns       int32
	Logger         *slog.Logger
}

// Open connects to PostgreSQL, retrying with exponential backoff until the
// server answers or ConnectTimeout passes, and applies the schema.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = timeout
	ping := func() error { return pool.Ping(ctx) }
	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "postgres not ready, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(eb, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
