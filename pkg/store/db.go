// Package store is the relational persistence layer for the governance
// core: L-RGF pipeline artifacts, the trust graph, governance workflow
// state and the decision lineage registry.
//
// All historical rows are append-only; the only in-place updates are the
// documented one-way status flags (case status, decision override flag,
// lineage frozen flag). Time windows are computed in application code and
// passed as bound parameters.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateKey  = errors.New("duplicate idempotency key")
	ErrAlreadyFrozen = errors.New("already frozen")
)

// timeLayout is RFC 3339 UTC with a fixed-width nanosecond fraction so that
// stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the database handle with a deterministic clock and the
// serialization points required by the hash chain and GSV counters.
type Store struct {
	db    *sql.DB
	clock func() time.Time

	chainMu sync.Mutex // serializes evidence-chain read-then-append
	gsvMu   sync.Mutex // serializes per-tenant version increments
}

// Open opens a database handle for the given URL. A postgres:// URL uses
// the pq driver; anything else is treated as a SQLite DSN.
func Open(databaseURL string) (*sql.DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(databaseURL, "postgres://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// New creates a Store over an open handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

func (s *Store) ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *Store) nowTS() string {
	return s.ts(s.clock())
}

// NowString returns the current clock reading in the canonical layout.
func (s *Store) NowString() string {
	return s.nowTS()
}

// FormatTime renders a timestamp in the store's canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

// isUniqueViolation detects unique-constraint conflicts across the SQLite
// and Postgres drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableF(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
