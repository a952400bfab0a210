// Package override detects recent manual toggles of the device, during
// which automated control stands down.
package override

import (
	"context"
	"time"

	"outletscheduler/internal/faults"

	"go.uber.org/zap"
)

// DefaultInterruptionDelay is how long automation defers to a manual toggle.
const DefaultInterruptionDelay = 8 * time.Hour

// Record is the newest manual toggle event from the override log.
type Record struct {
	EventID     int64
	RecordedAt  time.Time
	EventTime   time.Time
	DeviceID    string
	Description string
}

// Expiry is the instant automation resumes.
func (r Record) Expiry(delay time.Duration) time.Time {
	return r.EventTime.Add(delay)
}

// State is the interrupt state for one cycle. ExpiresAt is zero when no
// record exists.
type State struct {
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Record    *Record   `json:"-"`
}

// Log is the manual-override log. Latest returns (nil, nil) when the
// device has no events.
type Log interface {
	Latest(ctx context.Context, deviceID string) (*Record, error)
}

// Detector turns the newest log record into an interrupt state.
type Detector struct {
	log    Log
	delay  time.Duration
	logger *zap.Logger
}

// NewDetector creates a detector. A nil log means no override is ever seen.
func NewDetector(log Log, delay time.Duration, logger *zap.Logger) *Detector {
	if delay <= 0 {
		delay = DefaultInterruptionDelay
	}
	return &Detector{
		log:    log,
		delay:  delay,
		logger: logger.Named("override"),
	}
}

// Delay returns the configured interruption delay.
func (d *Detector) Delay() time.Duration {
	return d.delay
}

// Detect reports whether a manual toggle is still suppressing automation.
// A failed query fails open to an inactive state and is returned as a
// SourceError so callers can tell it apart from a real absence.
func (d *Detector) Detect(ctx context.Context, now time.Time, deviceID string) (State, error) {
	if d.log == nil {
		return State{}, nil
	}

	d.logger.Debug("Checking for manual toggles",
		zap.String("device_id", deviceID),
		zap.Duration("interruption_delay", d.delay))

	rec, err := d.log.Latest(ctx, deviceID)
	if err != nil {
		d.logger.Error("Failed to read override log, assuming no manual toggle",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return State{}, faults.NewSourceError("override log", err)
	}
	if rec == nil {
		d.logger.Warn("No override events for device, unknown if it was toggled manually",
			zap.String("device_id", deviceID))
		return State{}, nil
	}

	expiry := rec.Expiry(d.delay)
	state := State{
		Active:    now.Before(expiry),
		ExpiresAt: expiry,
		Record:    rec,
	}

	if state.Active {
		d.logger.Info("Manual toggle still active",
			zap.Int64("event_id", rec.EventID),
			zap.Time("event_time", rec.EventTime),
			zap.Time("expires_at", expiry))
	} else {
		d.logger.Info("Manual toggle expired",
			zap.Int64("event_id", rec.EventID),
			zap.Time("expires_at", expiry))
	}
	return state, nil
}
