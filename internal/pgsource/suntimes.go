package pgsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"outletscheduler/internal/daylight"

	"github.com/lib/pq"
)

// DefaultSunTable is the table the weather station writes to.
const DefaultSunTable = "weather_outside"

// SunTimes implements daylight.RemoteSource. The table holds
// record_id, recorded_at, sunrise_offset and sunset_offset, where the
// offsets are TIME or INTERVAL values since midnight.
type SunTimes struct {
	db      *sql.DB
	query   string
	timeout time.Duration
	loc     *time.Location
}

// NewSunTimes creates a remote source on table. An empty table means
// DefaultSunTable. A recorded_at stored without a zone is read in loc.
func NewSunTimes(db *sql.DB, table string, timeout time.Duration, loc *time.Location) *SunTimes {
	if table == "" {
		table = DefaultSunTable
	}
	return &SunTimes{
		db: db,
		query: fmt.Sprintf(`
			SELECT record_id, recorded_at,
				EXTRACT(EPOCH FROM sunrise_offset),
				EXTRACT(EPOCH FROM sunset_offset)
			FROM %s
			ORDER BY record_id DESC
			LIMIT 1
		`, pq.QuoteIdentifier(table)),
		timeout: timeout,
		loc:     loc,
	}
}

// Latest returns the newest record, or nil when the table is empty.
func (s *SunTimes) Latest(ctx context.Context) (*daylight.RemoteRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var rec daylight.RemoteRecord
	var sunrise, sunset sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.query).Scan(&rec.RecordID, &rec.RecordedAt, &sunrise, &sunset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sun times: %w", err)
	}

	if !sunrise.Valid || !sunset.Valid {
		return nil, fmt.Errorf("record %d is missing sunrise or sunset", rec.RecordID)
	}
	rec.RecordedAt = inLocation(rec.RecordedAt, s.loc)
	rec.SunriseOffset = seconds(sunrise.Float64)
	rec.SunsetOffset = seconds(sunset.Float64)
	return &rec, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
