package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reglet-dev/reglet-trust/audit"
)

// AuditLog implements audit.Log. Rows are only ever inserted.
type AuditLog struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ audit.Log = (*AuditLog)(nil)

// NewAuditLog returns an audit log over pool. The schema must exist.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool, now: time.Now}
}

func (l *AuditLog) Append(ctx context.Context, e audit.Entry) error {
	audit.Stamp(&e, l.now)
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return err
	}
	if e.Attributes == nil {
		attrs = []byte("{}")
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO trust_audit
(id, at, kind, plugin_id, version, outcome, capability, scope, actor, detail, attributes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Time, string(e.Kind), e.PluginID, e.Version, e.Outcome, e.Capability, e.Scope, e.Actor, e.Detail, attrs)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries oldest first. With a Limit, the newest
// Limit entries are returned, still oldest first.
func (l *AuditLog) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.Kind != "" {
		add("kind = ?", string(f.Kind))
	}
	if f.PluginID != "" {
		add("plugin_id = ?", f.PluginID)
	}
	if f.Outcome != "" {
		add("outcome = ?", f.Outcome)
	}
	if !f.Since.IsZero() {
		add("at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("at < ?", f.Until)
	}

	const cols = `id, at, kind, plugin_id, version, outcome, capability, scope, actor, detail, attributes`
	inner := `SELECT seq, ` + cols + ` FROM trust_audit`
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		inner += ` ORDER BY seq DESC LIMIT $` + strconv.Itoa(len(args))
	}
	q := `SELECT ` + cols + ` FROM (` + inner + `) q ORDER BY seq`

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e     audit.Entry
			attrs []byte
		)
		if err := rows.Scan(&e.ID, &e.Time, &e.Kind, &e.PluginID, &e.Version, &e.Outcome, &e.Capability,
			&e.Scope, &e.Actor, &e.Detail, &attrs); err != nil {
			return nil, err
		}
		if len(attrs) > 0 && string(attrs) != "{}" {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
