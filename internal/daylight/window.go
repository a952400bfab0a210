// Package daylight resolves today's sunrise/sunset window through a chain
// of cache, remote source and built-in default.
package daylight

import (
	"fmt"
	"time"

	"outletscheduler/internal/faults"
)

// DateLayout is the calendar-date key used by cache stores.
const DateLayout = "2006-01-02"

// Source identifies the resolution tier a window came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceRemote  Source = "remote"
	SourceDefault Source = "default"
)

// Window is the resolved sunrise/sunset pair for one calendar day.
type Window struct {
	Sunrise    time.Time `json:"sunrise"`
	Sunset     time.Time `json:"sunset"`
	ResolvedAt time.Time `json:"resolved_at"`
	Source     Source    `json:"source"`
}

// ValidFor checks that sunrise precedes sunset and that both fall on the
// calendar date of day, in day's location.
func (w Window) ValidFor(day time.Time) error {
	if w.Sunrise.IsZero() || w.Sunset.IsZero() {
		return fmt.Errorf("%w: missing sunrise or sunset", faults.ErrInvariant)
	}
	if !w.Sunrise.Before(w.Sunset) {
		return fmt.Errorf("%w: sunrise %s is not before sunset %s",
			faults.ErrInvariant, w.Sunrise.Format(time.RFC3339), w.Sunset.Format(time.RFC3339))
	}

	loc := day.Location()
	want := day.Format(DateLayout)
	if got := w.Sunrise.In(loc).Format(DateLayout); got != want {
		return fmt.Errorf("%w: sunrise is on %s, expected %s", faults.ErrInvariant, got, want)
	}
	if got := w.Sunset.In(loc).Format(DateLayout); got != want {
		return fmt.Errorf("%w: sunset is on %s, expected %s", faults.ErrInvariant, got, want)
	}
	return nil
}

// IsDaylight reports whether sunrise <= now < sunset.
func (w Window) IsDaylight(now time.Time) bool {
	return !now.Before(w.Sunrise) && now.Before(w.Sunset)
}

// NextEdge returns the first sunrise or sunset strictly after now. Once
// today's sunset has passed, tomorrow's sunrise is approximated by today's.
func (w Window) NextEdge(now time.Time) time.Time {
	switch {
	case now.Before(w.Sunrise):
		return w.Sunrise
	case now.Before(w.Sunset):
		return w.Sunset
	default:
		return w.Sunrise.AddDate(0, 0, 1)
	}
}

// CacheEntry is one persisted row of the daily cache.
type CacheEntry struct {
	Date       string    `json:"date"`
	ResolvedAt time.Time `json:"resolved_at"`
	Sunrise    time.Time `json:"sunrise"`
	Sunset     time.Time `json:"sunset"`
}

// Window converts the entry to a cache-sourced window.
func (e CacheEntry) Window() Window {
	return Window{
		Sunrise:    e.Sunrise,
		Sunset:     e.Sunset,
		ResolvedAt: e.ResolvedAt,
		Source:     SourceCache,
	}
}

// RemoteRecord is the newest sunrise/sunset row of the remote source.
// Offsets are durations since midnight before timezone correction.
type RemoteRecord struct {
	RecordID      int64
	RecordedAt    time.Time
	SunriseOffset time.Duration
	SunsetOffset  time.Duration
}
