package pgsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outletscheduler/internal/override"

	"github.com/lib/pq"
)

// DefaultEventTable is the table the web UI logs manual toggles to.
const DefaultEventTable = "eventlog"

// EventLog implements override.Log on a table with event_id,
// recorded_at, event_time, device_id and event_type columns.
type EventLog struct {
	db      *sql.DB
	query   string
	timeout time.Duration
	loc     *time.Location
}

// NewEventLog creates an override log on table. An empty table means
// DefaultEventTable. Timestamps stored without a zone are read in loc.
func NewEventLog(db *sql.DB, table string, timeout time.Duration, loc *time.Location) *EventLog {
	if table == "" {
		table = DefaultEventTable
	}
	return &EventLog{
		db: db,
		query: fmt.Sprintf(`
			SELECT event_id, recorded_at, event_time, device_id, event_type
			FROM %s
			WHERE device_id = $1
			ORDER BY event_id DESC
			LIMIT 1
		`, pq.QuoteIdentifier(table)),
		timeout: timeout,
		loc:     loc,
	}
}

// Latest returns the newest event for deviceID, or nil when there is none.
func (l *EventLog) Latest(ctx context.Context, deviceID string) (*override.Record, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	var rec override.Record
	var description sql.NullString
	err := l.db.QueryRowContext(ctx, l.query, deviceID).
		Scan(&rec.EventID, &rec.RecordedAt, &rec.EventTime, &rec.DeviceID, &description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}

	if rec.EventTime.IsZero() {
		return nil, fmt.Errorf("event %d has no event time", rec.EventID)
	}
	rec.RecordedAt = inLocation(rec.RecordedAt, l.loc)
	rec.EventTime = inLocation(rec.EventTime, l.loc)
	rec.Description = description.String
	return &rec, nil
}
