// Package postgres persists the scrape attempt audit log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webability/scrapegate/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const maxErrorText = 2048

// Config controls the Postgres connection pool used for attempt rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execPinger interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// AttemptStore writes one row per outbound scrape attempt.
type AttemptStore struct {
	pool  execPinger
	table string
}

// NewAttemptStore connects to Postgres using cfg.
func NewAttemptStore(ctx context.Context, cfg Config) (*AttemptStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
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
	store, err := NewAttemptStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewAttemptStoreWithPool constructs a store from an existing pool.
func NewAttemptStoreWithPool(pool execPinger, table string) (*AttemptStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "scrape_attempts"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &AttemptStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *AttemptStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *AttemptStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the attempts table and its lookup index if missing.
func (s *AttemptStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	url          TEXT NOT NULL,
	kind         TEXT NOT NULL,
	tier         TEXT NOT NULL,
	country      TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	status_code  INTEGER NOT NULL DEFAULT 0,
	duration_ms  BIGINT NOT NULL,
	error_text   TEXT NOT NULL DEFAULT '',
	attempted_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_request_idx ON %[1]s (request_id, attempted_at)`, s.table)
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create %s index: %w", s.table, err)
	}
	return nil
}

// RecordAttempt inserts one attempt row.
func (s *AttemptStore) RecordAttempt(ctx context.Context, attempt scrape.Attempt) error {
	if attempt.ID == "" {
		return errors.New("attempt id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	request_id,
	url,
	kind,
	tier,
	country,
	outcome,
	status_code,
	duration_ms,
	error_text,
	attempted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	args := []any{
		attempt.ID,
		attempt.RequestID,
		attempt.URL,
		string(attempt.Kind),
		attempt.Tier.Key(),
		strings.ToUpper(attempt.Tier.Country),
		attempt.Outcome,
		attempt.StatusCode,
		attempt.Duration.Milliseconds(),
		truncate(attempt.ErrorText, maxErrorText),
		attempt.AttemptedAt.UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
