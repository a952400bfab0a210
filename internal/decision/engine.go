// Package decision combines daylight, quiet hours and manual overrides into
// a target device state and the next instant worth re-evaluating.
package decision

import (
	"fmt"
	"time"

	"outletscheduler/internal/banwindow"
	"outletscheduler/internal/daylight"
	"outletscheduler/internal/override"
)

// Target is the state the device should be in.
type Target string

const (
	TargetOn  Target = "on"
	TargetOff Target = "off"
	// TargetNoChange means automation defers to a recent manual toggle.
	TargetNoChange Target = "no_change_forced"
)

// Decision is the outcome of one evaluation. It is never persisted.
type Decision struct {
	Target      Target    `json:"target"`
	Reason      string    `json:"reason"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	NextCheckAt time.Time `json:"next_check_at"`
	IsDaylight  bool      `json:"is_daylight"`
	InBan       bool      `json:"in_ban"`
}

// Config bounds the computed wake-up times.
type Config struct {
	// MaxPollInterval caps the sleep when no edge is close.
	MaxPollInterval time.Duration
	// MinSleep replaces non-positive delays.
	MinSleep time.Duration
	// OverrideMargin is added to an override expiry so the next cycle
	// never races it. A negative margin means none.
	OverrideMargin time.Duration
}

// DefaultConfig polls at least hourly.
var DefaultConfig = Config{
	MaxPollInterval: time.Hour,
	MinSleep:        10 * time.Second,
	OverrideMargin:  5 * time.Second,
}

// Engine evaluates decisions against a fixed quiet-hours window.
type Engine struct {
	ban banwindow.Window
	cfg Config
}

// NewEngine creates an engine. Zero config values take the defaults.
func NewEngine(ban banwindow.Window, cfg Config) *Engine {
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = DefaultConfig.MaxPollInterval
	}
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = DefaultConfig.MinSleep
	}
	switch {
	case cfg.OverrideMargin == 0:
		cfg.OverrideMargin = DefaultConfig.OverrideMargin
	case cfg.OverrideMargin < 0:
		cfg.OverrideMargin = 0
	}
	return &Engine{ban: ban, cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Decide classifies now. An active override wins over everything and the
// window is ignored in that case.
func (e *Engine) Decide(now time.Time, window daylight.Window, ov override.State, inBan bool) Decision {
	if ov.Active {
		return Decision{
			Target:      TargetNoChange,
			Reason:      fmt.Sprintf("manual toggle, automation paused until %s", ov.ExpiresAt.Format(time.RFC3339)),
			EvaluatedAt: now,
			NextCheckAt: e.clamp(now, ov.ExpiresAt.Add(e.cfg.OverrideMargin)),
			InBan:       inBan,
		}
	}

	d := Decision{
		EvaluatedAt: now,
		IsDaylight:  window.IsDaylight(now),
		InBan:       inBan,
	}

	switch {
	case d.IsDaylight:
		d.Target = TargetOff
		d.Reason = "daylight"
	case !inBan:
		d.Target = TargetOn
		d.Reason = "night outside quiet hours"
	default:
		d.Target = TargetOff
		d.Reason = "night during quiet hours"
	}

	d.NextCheckAt = e.nextCheck(now, window)
	return d
}

// nextCheck takes the minimum over every upcoming edge and the poll cap.
func (e *Engine) nextCheck(now time.Time, window daylight.Window) time.Time {
	next := now.Add(e.cfg.MaxPollInterval)

	if edge := window.NextEdge(now); edge.Before(next) {
		next = edge
	}
	if edge := e.ban.NextEdge(now); edge.Before(next) {
		next = edge
	}
	return e.clamp(now, next)
}

func (e *Engine) clamp(now, next time.Time) time.Time {
	if !next.After(now) {
		return now.Add(e.cfg.MinSleep)
	}
	return next
}

// SleepFor is the delay from now until the decision's next check,
// never less than MinSleep.
func (e *Engine) SleepFor(d Decision, now time.Time) time.Duration {
	delay := d.NextCheckAt.Sub(now)
	if delay <= 0 {
		return e.cfg.MinSleep
	}
	return delay
}
