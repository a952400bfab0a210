package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"outletscheduler/internal/actuation"
	"outletscheduler/internal/banwindow"
	"outletscheduler/internal/clock"
	"outletscheduler/internal/daylight"
	"outletscheduler/internal/decision"
	"outletscheduler/internal/faults"
	"outletscheduler/internal/override"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var loc = time.FixedZone("CET", 3600)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 12, hour, minute, 0, 0, loc)
}

type fakeDetector struct {
	state override.State
	err   error
}

func (f *fakeDetector) Detect(context.Context, time.Time, string) (override.State, error) {
	return f.state, f.err
}

type fakeResolver struct {
	calls int
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, now time.Time) (daylight.Window, error) {
	f.calls++
	return daylight.StandardDefault.Window(now), f.err
}

type fakeActuator struct {
	mu      sync.Mutex
	applied []decision.Decision
	errs    []error
	onApply func(n int)
}

func (f *fakeActuator) Apply(_ context.Context, d decision.Decision) (actuation.Result, error) {
	f.mu.Lock()
	f.applied = append(f.applied, d)
	n := len(f.applied)
	var err error
	if n <= len(f.errs) {
		err = f.errs[n-1]
	}
	hook := f.onApply
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return actuation.Result{DeviceID: "light.porch", Action: actuation.ActionNone}, err
}

func newLoop(t *testing.T, start time.Time, det *fakeDetector, res *fakeResolver, act *fakeActuator) (*Loop, *clock.MockClock) {
	t.Helper()
	ban, err := banwindow.Parse("23:00", "08:00")
	require.NoError(t, err)

	mock := clock.NewMockClock(start)
	loop := New(Deps{
		Clock:            mock,
		Detector:         det,
		Resolver:         res,
		Ban:              ban,
		Engine:           decision.NewEngine(ban, decision.DefaultConfig),
		Actuator:         act,
		OverrideDeviceID: "3",
	}, zap.NewNop())
	return loop, mock
}

func TestRunCycle_NightOutsideBan(t *testing.T) {
	res := &fakeResolver{}
	act := &fakeActuator{}
	loop, _ := newLoop(t, at(22, 0), &fakeDetector{}, res, act)

	c := loop.RunCycle(context.Background())

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, decision.TargetOn, c.Decision.Target)
	assert.False(t, c.Decision.IsDaylight)
	require.NotNil(t, c.Daylight)
	assert.Equal(t, daylight.SourceDefault, c.Daylight.Source)
	assert.Equal(t, at(23, 0), c.Decision.NextCheckAt)
	assert.Equal(t, time.Hour, c.Sleep)
	assert.NoError(t, c.Err())
	assert.Equal(t, 1, res.calls)
	assert.Len(t, act.applied, 1)
}

func TestRunCycle_Daylight(t *testing.T) {
	loop, _ := newLoop(t, at(17, 30), &fakeDetector{}, &fakeResolver{}, &fakeActuator{})

	c := loop.RunCycle(context.Background())

	assert.Equal(t, decision.TargetOff, c.Decision.Target)
	assert.Equal(t, at(18, 0), c.Decision.NextCheckAt)
	assert.Equal(t, 30*time.Minute, c.Sleep)
}

func TestRunCycle_OverrideSkipsResolver(t *testing.T) {
	expires := at(23, 40)
	det := &fakeDetector{state: override.State{Active: true, ExpiresAt: expires}}
	res := &fakeResolver{}
	act := &fakeActuator{}
	loop, _ := newLoop(t, at(21, 0), det, res, act)

	c := loop.RunCycle(context.Background())

	assert.Equal(t, decision.TargetNoChange, c.Decision.Target)
	assert.Nil(t, c.Daylight)
	assert.Zero(t, res.calls)
	assert.Equal(t, expires.Add(5*time.Second), c.Decision.NextCheckAt)
	assert.Equal(t, 2*time.Hour+40*time.Minute+5*time.Second, c.Sleep)
	require.Len(t, act.applied, 1)
	assert.Equal(t, decision.TargetNoChange, act.applied[0].Target)
}

func TestRunCycle_CollectsErrors(t *testing.T) {
	det := &fakeDetector{err: faults.NewSourceError("override log", errors.New("db down"))}
	res := &fakeResolver{err: faults.NewSourceError("remote", errors.New("timeout"))}
	actErr := &faults.ActuatorError{DeviceID: "light.porch", Op: "read state", Err: faults.ErrUnreachable}
	act := &fakeActuator{errs: []error{actErr}}
	loop, _ := newLoop(t, at(23, 30), det, res, act)

	c := loop.RunCycle(context.Background())

	assert.Equal(t, decision.TargetOff, c.Decision.Target, "night during quiet hours")
	require.Len(t, c.Errors, 3)
	assert.ErrorIs(t, c.Err(), faults.ErrUnreachable)
	assert.True(t, faults.IsTransient(c.Errors[0]))
	assert.Len(t, c.ErrorStrings(), 3)
}

func TestRun_SingleCycle(t *testing.T) {
	act := &fakeActuator{errs: []error{errors.New("bridge offline")}}
	loop, mock := newLoop(t, at(12, 0), &fakeDetector{}, &fakeResolver{}, act)

	c, err := loop.Run(context.Background(), SingleCycle)

	assert.ErrorContains(t, err, "bridge offline")
	assert.Equal(t, decision.TargetOff, c.Decision.Target)
	assert.Empty(t, mock.Sleeps(), "single cycle never sleeps")
	assert.Equal(t, 1, loop.Cycles())
}

func TestRun_SingleCycleClean(t *testing.T) {
	loop, _ := newLoop(t, at(12, 0), &fakeDetector{}, &fakeResolver{}, &fakeActuator{})

	_, err := loop.Run(context.Background(), SingleCycle)
	assert.NoError(t, err)
}

func TestRun_ContinuousSurvivesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	act := &fakeActuator{errs: []error{errors.New("first fails"), errors.New("second fails")}}
	act.onApply = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	loop, mock := newLoop(t, at(17, 30), &fakeDetector{}, &fakeResolver{}, act)

	last, err := loop.Run(ctx, Continuous)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, loop.Cycles())
	assert.NoError(t, last.Err())

	// 17:30 -> sunset 18:00 -> ban start 23:00 is 5h out, so the hourly cap applies
	assert.Equal(t, []time.Duration{30 * time.Minute, time.Hour}, mock.Sleeps())
	assert.Equal(t, at(19, 0), mock.Now())

	require.Len(t, act.applied, 3)
	assert.Equal(t, decision.TargetOff, act.applied[0].Target)
	assert.Equal(t, decision.TargetOn, act.applied[1].Target)
	assert.Equal(t, decision.TargetOn, act.applied[2].Target)
}

func TestLastCycle(t *testing.T) {
	loop, _ := newLoop(t, at(12, 0), &fakeDetector{}, &fakeResolver{}, &fakeActuator{})

	_, ok := loop.LastCycle()
	assert.False(t, ok)

	c := loop.RunCycle(context.Background())
	last, ok := loop.LastCycle()
	require.True(t, ok)
	assert.Equal(t, c.ID, last.ID)
}

func TestFormatSleep(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{90 * time.Minute, "1.5 hours"},
		{11 * time.Minute, "0.2 hours"},
		{10 * time.Minute, "10.0 minutes"},
		{90 * time.Second, "1.5 minutes"},
		{time.Minute, "60 seconds"},
		{10 * time.Second, "10 seconds"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSleep(tt.d), tt.d.String())
	}
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "continuous", Continuous.String())
	assert.Equal(t, "single-cycle", SingleCycle.String())
	assert.Equal(t, "Mode(7)", Mode(7).String())
}
