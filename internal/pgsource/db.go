// Package pgsource reads the remote sunrise/sunset table and the manual
// override event log from PostgreSQL.
package pgsource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DefaultTimeout bounds each query when the caller sets none.
const DefaultTimeout = 10 * time.Second

// Open prepares a connection pool for dsn. No connection is made until
// the first query, so an unreachable server only degrades later cycles.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(10 * time.Minute)
	return db, nil
}

// Ping verifies that the server answers within timeout.
func Ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// inLocation re-reads a TIMESTAMP WITHOUT TIME ZONE value as wall time in
// loc. lib/pq labels those with a nameless zero-offset zone; values that
// carry a real zone are returned unchanged.
func inLocation(t time.Time, loc *time.Location) time.Time {
	if loc == nil || t.IsZero() {
		return t
	}
	if name, offset := t.Zone(); name != "" || offset != 0 {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
