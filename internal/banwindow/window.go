// Package banwindow evaluates the quiet-hours window during which the
// scheduler never switches the device on.
package banwindow

import (
	"fmt"
	"strings"
	"time"
)

const day = 24 * time.Hour

// TimeOfDay is a wall-clock time without a date, stored as the offset
// since local midnight.
type TimeOfDay time.Duration

// NewTimeOfDay builds a TimeOfDay from its components.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour +
		time.Duration(minute)*time.Minute +
		time.Duration(second)*time.Second)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)

	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}

	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), nil
}

// Of returns the time of day of t in t's location.
func Of(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()) + TimeOfDay(t.Nanosecond())
}

// On returns the instant at which tod occurs on t's calendar date.
// Components are set through time.Date so DST transitions keep the wall
// clock value.
func (tod TimeOfDay) On(t time.Time) time.Time {
	d := time.Duration(tod)
	y, m, dd := t.Date()
	return time.Date(y, m, dd,
		int(d/time.Hour), int(d%time.Hour/time.Minute), int(d%time.Minute/time.Second),
		int(d%time.Second), t.Location())
}

// Wrap folds an arbitrary offset into a single day, so 25h becomes 01:00
// and -1h becomes 23:00.
func Wrap(d time.Duration) TimeOfDay {
	d %= day
	if d < 0 {
		d += day
	}
	return TimeOfDay(d)
}

// Next returns the first occurrence of tod strictly after t.
func (tod TimeOfDay) Next(t time.Time) time.Time {
	next := tod.On(t)
	if !next.After(t) {
		y, m, d := t.Date()
		next = tod.On(time.Date(y, m, d+1, 0, 0, 0, 0, t.Location()))
	}
	return next
}

func (tod TimeOfDay) String() string {
	d := time.Duration(tod)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if s == 0 {
		return fmt.Sprintf("%02d:%02d", h, m)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Window is a daily quiet-hours range. From == To, or From > To, means the
// window wraps past midnight; From == To therefore covers the whole day.
type Window struct {
	From TimeOfDay
	To   TimeOfDay
}

// Parse builds a Window from two "HH:MM" strings.
func Parse(from, to string) (Window, error) {
	f, err := ParseTimeOfDay(from)
	if err != nil {
		return Window{}, fmt.Errorf("ban window start: %w", err)
	}
	t, err := ParseTimeOfDay(to)
	if err != nil {
		return Window{}, fmt.Errorf("ban window end: %w", err)
	}
	return Window{From: f, To: t}, nil
}

// CrossesMidnight reports whether the window wraps into the next day.
func (w Window) CrossesMidnight() bool {
	return w.From >= w.To
}

// InBan reports whether now falls inside the window.
func (w Window) InBan(now time.Time) bool {
	tod := Of(now)
	if !w.CrossesMidnight() {
		return w.From <= tod && tod < w.To
	}
	return tod >= w.From || tod < w.To
}

// NextEdge returns the earliest start or end of the window strictly after now.
func (w Window) NextEdge(now time.Time) time.Time {
	from := w.From.Next(now)
	to := w.To.Next(now)
	if to.Before(from) {
		return to
	}
	return from
}

func (w Window) String() string {
	return w.From.String() + "-" + w.To.String()
}
