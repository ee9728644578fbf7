// Package postgres stores the ledger document as one JSONB row per ledger
// name.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ugc-ledger/internal/ledger"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the ledger.
type Config struct {
	DSN             string
	Table           string
	Name            string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements ledger.Store on Postgres.
type Store struct {
	pool  queryExecCloser
	table string
	name  string
	now   func() time.Time
}

// New connects to Postgres and makes sure the ledger table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table, cfg.Name)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool queryExecCloser, table, name string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "ledgers"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if name == "" {
		name = "default"
	}
	return &Store{pool: pool, table: table, name: name, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name text PRIMARY KEY,
	document jsonb NOT NULL,
	updated_at timestamptz NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Load reads the ledger document, returning an empty ledger when the row does
// not exist yet.
func (s *Store) Load(ctx context.Context) (*ledger.Ledger, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE name = $1`, s.table)
	var doc []byte
	err := s.pool.QueryRow(ctx, query, s.name).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.New(s.name), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", s.name, err)
	}
	l := ledger.New(s.name)
	if err := json.Unmarshal(doc, l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", s.name, err)
	}
	return l, nil
}

// Save upserts the ledger document.
func (s *Store) Save(ctx context.Context, l *ledger.Ledger) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (name, document, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.name, doc, s.now().UTC()); err != nil {
		return fmt.Errorf("save ledger %s: %w", s.name, err)
	}
	return nil
}
