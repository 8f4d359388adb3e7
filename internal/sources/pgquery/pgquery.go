// Package pgquery derives activity from a boolean SQL query, for
// devices whose usage is already recorded in Postgres.
package pgquery

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"powerrail/internal/config"
)

// Probe runs a single-row, single-column boolean query.
type Probe struct {
	db    *sql.DB
	query string
	owned bool
}

// Open connects with the pgx driver. The connection is verified lazily
// by the first probe so a database outage does not block startup.
func Open(cfg config.PGQuerySource) (*Probe, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pgquery: dsn required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	probe, err := NewProbe(db, cfg.Query)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	probe.owned = true
	return probe, nil
}

// NewProbe wraps an existing handle.
func NewProbe(db *sql.DB, query string) (*Probe, error) {
	if db == nil {
		return nil, errors.New("pgquery: nil db")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("pgquery: query required")
	}
	return &Probe{db: db, query: query}, nil
}

// Probe returns the query result. No rows means idle.
func (p *Probe) Probe(ctx context.Context) (bool, error) {
	var active sql.NullBool
	err := p.db.QueryRowContext(ctx, p.query).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active.Valid && active.Bool, nil
}

// Close releases the handle when the probe opened it.
func (p *Probe) Close() error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}
