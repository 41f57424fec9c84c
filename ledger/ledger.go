// Package ledger records which postings have already been notified.
// It uses modernc.org/sqlite (pure Go, no CGO).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"seekube-notifier/pkg/notifier"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const schema = `CREATE TABLE IF NOT EXISTS seen(
	id TEXT PRIMARY KEY,
	first_seen_utc TEXT NOT NULL
)`

// Ledger is the durable set of notified posting ids. Rows are append-only.
// A single process must own the database file.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ledger: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}

	logger.Info("Ledger opened", "path", path)
	return &Ledger{db: db}, nil
}

// Has reports whether id was already recorded.
func (l *Ledger) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, "SELECT 1 FROM seen WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: lookup %s: %w", id, err)
	}
	return true, nil
}

// Record inserts id with its first-seen time. Recording an id twice is a
// no-op and keeps the original timestamp.
func (l *Ledger) Record(ctx context.Context, id string, firstSeen time.Time) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO seen(id, first_seen_utc) VALUES(?, ?)",
		id, firstSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", id, err)
	}
	return nil
}

// Get returns the stored record for id, or nil when absent.
func (l *Ledger) Get(ctx context.Context, id string) (*notifier.SeenRecord, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, "SELECT first_seen_utc FROM seen WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse timestamp for %s: %w", id, err)
	}
	return &notifier.SeenRecord{ID: id, FirstSeen: ts}, nil
}

// Count returns the number of recorded postings.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM seen").Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
