// Package sqlitecache persists resolved daylight windows in a local SQLite
// file, one row per calendar date.
package sqlitecache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"outletscheduler/internal/daylight"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS daily_cache (
		cache_date  TEXT PRIMARY KEY,
		resolved_at TEXT NOT NULL,
		sunrise     TEXT NOT NULL,
		sunset      TEXT NOT NULL
	)
`

// Store implements daylight.Cache on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the cache database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// The cache has exactly one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the row for date, or nil when there is none.
func (s *Store) Get(ctx context.Context, date string) (*daylight.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_date, resolved_at, sunrise, sunset
		FROM daily_cache
		WHERE cache_date = ?
	`, date)
	return scanEntry(row)
}

// Latest returns the row with the newest date, or nil when the cache is empty.
func (s *Store) Latest(ctx context.Context) (*daylight.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_date, resolved_at, sunrise, sunset
		FROM daily_cache
		ORDER BY cache_date DESC
		LIMIT 1
	`)
	return scanEntry(row)
}

// Upsert writes entry, replacing any row with the same date.
func (s *Store) Upsert(ctx context.Context, entry daylight.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_cache (cache_date, resolved_at, sunrise, sunset)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_date) DO UPDATE SET
			resolved_at = excluded.resolved_at,
			sunrise = excluded.sunrise,
			sunset = excluded.sunset
	`, entry.Date,
		entry.ResolvedAt.Format(time.RFC3339Nano),
		entry.Sunrise.Format(time.RFC3339Nano),
		entry.Sunset.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry %s: %w", entry.Date, err)
	}
	return nil
}

func scanEntry(row *sql.Row) (*daylight.CacheEntry, error) {
	var entry daylight.CacheEntry
	var resolvedAt, sunrise, sunset string

	err := row.Scan(&entry.Date, &resolvedAt, &sunrise, &sunset)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}

	if entry.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolvedAt); err != nil {
		return nil, fmt.Errorf("malformed resolved_at %q: %w", resolvedAt, err)
	}
	if entry.Sunrise, err = time.Parse(time.RFC3339Nano, sunrise); err != nil {
		return nil, fmt.Errorf("malformed sunrise %q: %w", sunrise, err)
	}
	if entry.Sunset, err = time.Parse(time.RFC3339Nano, sunset); err != nil {
		return nil, fmt.Errorf("malformed sunset %q: %w", sunset, err)
	}
	return &entry, nil
}
