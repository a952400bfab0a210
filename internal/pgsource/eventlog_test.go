package pgsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"outletscheduler/internal/override"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const eventQuery = `SELECT event_id, recorded_at, event_time, device_id, event_type FROM "eventlog" WHERE device_id = \$1`

var eventColumns = []string{"event_id", "recorded_at", "event_time", "device_id", "event_type"}

func TestEventLog_Latest(t *testing.T) {
	db, mock := newMock(t)
	eventAt := time.Date(2024, 6, 1, 21, 15, 0, 0, time.UTC)

	rows := sqlmock.NewRows(eventColumns).
		AddRow(int64(99), eventAt.Add(time.Second), eventAt, "porch", "manual on")
	mock.ExpectQuery(eventQuery).WithArgs("porch").WillReturnRows(rows)

	rec, err := NewEventLog(db, "", time.Second, nil).Latest(context.Background(), "porch")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, int64(99), rec.EventID)
	assert.True(t, rec.EventTime.Equal(eventAt))
	assert.Equal(t, "porch", rec.DeviceID)
	assert.Equal(t, "manual on", rec.Description)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLog_NoEvents(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(eventQuery).WithArgs("porch").WillReturnRows(sqlmock.NewRows(eventColumns))

	rec, err := NewEventLog(db, "", time.Second, nil).Latest(context.Background(), "porch")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEventLog_NullDescription(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()
	rows := sqlmock.NewRows(eventColumns).AddRow(int64(1), now, now, "porch", nil)
	mock.ExpectQuery(eventQuery).WithArgs("porch").WillReturnRows(rows)

	rec, err := NewEventLog(db, "", time.Second, nil).Latest(context.Background(), "porch")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, rec.Description)
}

func TestEventLog_QueryError(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(eventQuery).WithArgs("porch").WillReturnError(errors.New("too many connections"))

	rec, err := NewEventLog(db, "", time.Second, nil).Latest(context.Background(), "porch")
	require.Error(t, err)
	assert.Nil(t, rec)
}

func TestEventLog_Timeout(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(eventQuery).WithArgs("porch").
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	_, err := NewEventLog(db, "", 20*time.Millisecond, nil).Latest(context.Background(), "porch")
	require.Error(t, err)
}

func TestEventLog_NaiveTimestampUsesLocation(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	// lib/pq returns TIMESTAMP WITHOUT TIME ZONE in a nameless UTC zone
	naive := time.FixedZone("", 0)
	eventAt := time.Date(2026, 10, 14, 10, 0, 0, 0, naive)

	db, mock := newMock(t)
	rows := sqlmock.NewRows(eventColumns).AddRow(int64(7), eventAt, eventAt, "porch", "web toggle")
	mock.ExpectQuery(eventQuery).WithArgs("porch").WillReturnRows(rows)

	rec, err := NewEventLog(db, "", time.Second, loc).Latest(context.Background(), "porch")
	require.NoError(t, err)
	require.NotNil(t, rec)

	want := time.Date(2026, 10, 14, 10, 0, 0, 0, loc)
	assert.True(t, rec.EventTime.Equal(want), "event time %s", rec.EventTime)
	assert.True(t, rec.RecordedAt.Equal(want), "recorded at %s", rec.RecordedAt)

	// 8.5h after a local 10:00 toggle the 8h override has lapsed
	mock.ExpectQuery(eventQuery).WithArgs("porch").WillReturnRows(
		sqlmock.NewRows(eventColumns).AddRow(int64(7), eventAt, eventAt, "porch", "web toggle"))
	detector := override.NewDetector(NewEventLog(db, "", time.Second, loc), 8*time.Hour, zap.NewNop())
	state, err := detector.Detect(context.Background(), time.Date(2026, 10, 14, 18, 30, 0, 0, loc), "porch")
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.True(t, state.ExpiresAt.Equal(time.Date(2026, 10, 14, 18, 0, 0, 0, loc)))
}

func TestEventLog_ZonedTimestampUnchanged(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	eventAt := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

	db, mock := newMock(t)
	rows := sqlmock.NewRows(eventColumns).AddRow(int64(8), eventAt, eventAt, "porch", nil)
	mock.ExpectQuery(eventQuery).WithArgs("porch").WillReturnRows(rows)

	rec, err := NewEventLog(db, "", time.Second, loc).Latest(context.Background(), "porch")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.EventTime.Equal(eventAt))
}
