// Package postgres keeps an audit row for every lead forwarding attempt.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "lead_attempts"

// Config controls the Postgres connection pool used by the ledger.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// LeadLedger writes forwarding attempts into Postgres.
type LeadLedger struct {
	pool  execCloser
	table string
}

// Open connects a pool for cfg.
func Open(ctx context.Context, cfg Config) (*LeadLedger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	ledger, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return ledger, nil
}

// NewWithPool builds a ledger over an existing pool.
func NewWithPool(pool execCloser, table string) (*LeadLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &LeadLedger{pool: pool, table: table}, nil
}

// EnsureSchema creates the ledger table when it does not exist.
func (l *LeadLedger) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	identity      TEXT NOT NULL,
	shop_url      TEXT NOT NULL,
	merchant      TEXT NOT NULL,
	comparator    TEXT NOT NULL,
	query         TEXT NOT NULL,
	email         TEXT NOT NULL,
	status        TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	error_text    TEXT NOT NULL,
	discovered_at TIMESTAMPTZ NOT NULL,
	attempted_at  TIMESTAMPTZ NOT NULL
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", l.table, err)
	}
	return nil
}

// RecordAttempt inserts one ledger row. A replayed id is ignored.
func (l *LeadLedger) RecordAttempt(ctx context.Context, rec harvest.IngestRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	session_id,
	identity,
	shop_url,
	merchant,
	comparator,
	query,
	email,
	status,
	status_code,
	error_text,
	discovered_at,
	attempted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (id) DO NOTHING`, l.table)

	args := []any{
		rec.ID,
		rec.SessionID,
		rec.Lead.Identity.String(),
		rec.Lead.CanonicalURL,
		rec.Lead.MerchantName,
		rec.Lead.ComparisonService,
		rec.Lead.Query,
		rec.Email,
		string(rec.Status),
		rec.StatusCode,
		rec.ErrorText,
		rec.Lead.DiscoveredAt.UTC(),
		rec.AttemptedAt.UTC(),
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert lead attempt: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (l *LeadLedger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}
