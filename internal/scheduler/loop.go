// Package scheduler runs the evaluation cycle: detect overrides, resolve
// daylight, decide, actuate and sleep until the next relevant instant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outletscheduler/internal/actuation"
	"outletscheduler/internal/banwindow"
	"outletscheduler/internal/clock"
	"outletscheduler/internal/daylight"
	"outletscheduler/internal/decision"
	"outletscheduler/internal/override"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode selects between looping forever and a single dry-run pass.
type Mode int

const (
	Continuous Mode = iota
	SingleCycle
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case SingleCycle:
		return "single-cycle"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// OverrideDetector reports the manual-override state.
type OverrideDetector interface {
	Detect(ctx context.Context, now time.Time, deviceID string) (override.State, error)
}

// DaylightResolver produces today's window.
type DaylightResolver interface {
	Resolve(ctx context.Context, now time.Time) (daylight.Window, error)
}

// Actuator applies a decision to the device.
type Actuator interface {
	Apply(ctx context.Context, d decision.Decision) (actuation.Result, error)
}

// Cycle is the outcome of one evaluation.
type Cycle struct {
	ID        string            `json:"cycle_id"`
	StartedAt time.Time         `json:"started_at"`
	Override  override.State    `json:"override"`
	Daylight  *daylight.Window  `json:"daylight,omitempty"`
	Decision  decision.Decision `json:"decision"`
	Result    actuation.Result  `json:"result"`
	Sleep     time.Duration     `json:"sleep_ns"`
	Errors    []error           `json:"-"`
}

// Err joins every error the cycle ran into, or nil.
func (c Cycle) Err() error {
	return errors.Join(c.Errors...)
}

// ErrorStrings returns the cycle errors as text.
func (c Cycle) ErrorStrings() []string {
	out := make([]string, 0, len(c.Errors))
	for _, err := range c.Errors {
		out = append(out, err.Error())
	}
	return out
}

// Deps are the collaborators of a Loop.
type Deps struct {
	Clock    clock.Clock
	Detector OverrideDetector
	Resolver DaylightResolver
	Ban      banwindow.Window
	Engine   *decision.Engine
	Actuator Actuator
	// OverrideDeviceID is the device id in the override log.
	OverrideDeviceID string
}

// Loop drives the evaluation cycles.
type Loop struct {
	deps   Deps
	logger *zap.Logger

	mu     sync.RWMutex
	last   *Cycle
	cycles int
}

// New creates a loop.
func New(deps Deps, logger *zap.Logger) *Loop {
	return &Loop{
		deps:   deps,
		logger: logger.Named("scheduler"),
	}
}

// RunCycle executes one evaluation and actuation. It never fails; every
// error is recorded on the returned cycle.
func (l *Loop) RunCycle(ctx context.Context) Cycle {
	now := l.deps.Clock.Now()
	c := Cycle{ID: uuid.NewString(), StartedAt: now}
	logger := l.logger.With(zap.String("cycle_id", c.ID))

	logger.Info("Starting evaluation", zap.Time("now", now))

	ov, err := l.deps.Detector.Detect(ctx, now, l.deps.OverrideDeviceID)
	if err != nil {
		c.Errors = append(c.Errors, err)
	}
	c.Override = ov

	var window daylight.Window
	if !ov.Active {
		window, err = l.deps.Resolver.Resolve(ctx, now)
		if err != nil {
			c.Errors = append(c.Errors, err)
		}
		c.Daylight = &window
	}

	inBan := l.deps.Ban.InBan(now)
	c.Decision = l.deps.Engine.Decide(now, window, ov, inBan)

	logger.Info("Decision made",
		zap.String("target", string(c.Decision.Target)),
		zap.String("reason", c.Decision.Reason),
		zap.Bool("is_daylight", c.Decision.IsDaylight),
		zap.Bool("in_ban", inBan),
		zap.Time("next_check_at", c.Decision.NextCheckAt))

	c.Result, err = l.deps.Actuator.Apply(ctx, c.Decision)
	if err != nil {
		logger.Error("Actuation failed, retrying next cycle", zap.Error(err))
		c.Errors = append(c.Errors, err)
	}

	c.Sleep = l.deps.Engine.SleepFor(c.Decision, l.deps.Clock.Now())

	l.mu.Lock()
	l.last = &c
	l.cycles++
	l.mu.Unlock()

	return c
}

// Run executes cycles according to mode. SingleCycle returns after the
// first cycle with its joined errors. Continuous returns only when ctx is
// done, with ctx's error and the last completed cycle.
func (l *Loop) Run(ctx context.Context, mode Mode) (Cycle, error) {
	l.logger.Info("Scheduler starting", zap.Stringer("mode", mode))

	for {
		c := l.RunCycle(ctx)
		if mode == SingleCycle {
			l.logger.Info("Dry run finished, would sleep",
				zap.String("cycle_id", c.ID),
				zap.String("sleep", FormatSleep(c.Sleep)),
				zap.Time("until", c.Decision.NextCheckAt))
			return c, c.Err()
		}

		l.logger.Info("Sleeping until next check",
			zap.String("cycle_id", c.ID),
			zap.String("sleep", FormatSleep(c.Sleep)),
			zap.Time("until", c.Decision.NextCheckAt))

		if err := l.deps.Clock.Sleep(ctx, c.Sleep); err != nil {
			l.logger.Info("Scheduler stopped", zap.Error(err))
			return c, err
		}
	}
}

// LastCycle returns the most recent cycle, if any.
func (l *Loop) LastCycle() (Cycle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.last == nil {
		return Cycle{}, false
	}
	return *l.last, true
}

// Cycles returns the number of completed cycles.
func (l *Loop) Cycles() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cycles
}

// FormatSleep renders d in hours when above ten minutes, in minutes when
// above one minute and in seconds otherwise.
func FormatSleep(d time.Duration) string {
	switch {
	case d > 10*time.Minute:
		return fmt.Sprintf("%.1f hours", d.Hours())
	case d > time.Minute:
		return fmt.Sprintf("%.1f minutes", d.Minutes())
	default:
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	}
}
