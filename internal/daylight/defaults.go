package daylight

import (
	"time"

	"outletscheduler/internal/banwindow"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"
)

// Fallback produces the last-resort window. It never fails.
type Fallback interface {
	Window(now time.Time) Window
}

// FixedDefault synthesizes the same sunrise/sunset every day.
type FixedDefault struct {
	Sunrise banwindow.TimeOfDay
	Sunset  banwindow.TimeOfDay
}

// StandardDefault is 07:30 sunrise and 18:00 sunset.
var StandardDefault = FixedDefault{
	Sunrise: banwindow.NewTimeOfDay(7, 30, 0),
	Sunset:  banwindow.NewTimeOfDay(18, 0, 0),
}

// Window returns the fixed window on now's date.
func (f FixedDefault) Window(now time.Time) Window {
	return Window{
		Sunrise:    f.Sunrise.On(now),
		Sunset:     f.Sunset.On(now),
		ResolvedAt: now,
		Source:     SourceDefault,
	}
}

// AstronomicalDefault computes today's sun times for a location and falls
// back to Fixed when the calculation gives no usable window (polar day or
// night, or a sunset that lands on another local date).
type AstronomicalDefault struct {
	Latitude  float64
	Longitude float64
	Fixed     FixedDefault
	logger    *zap.Logger
}

// NewAstronomicalDefault creates a default tier backed by go-sunrise.
func NewAstronomicalDefault(latitude, longitude float64, fixed FixedDefault, logger *zap.Logger) *AstronomicalDefault {
	return &AstronomicalDefault{
		Latitude:  latitude,
		Longitude: longitude,
		Fixed:     fixed,
		logger:    logger.Named("astronomical"),
	}
}

// Window returns the calculated window for now's date.
func (a *AstronomicalDefault) Window(now time.Time) Window {
	rise, set := sunrise.SunriseSunset(a.Latitude, a.Longitude, now.Year(), now.Month(), now.Day())

	w := Window{
		Sunrise:    rise.In(now.Location()),
		Sunset:     set.In(now.Location()),
		ResolvedAt: now,
		Source:     SourceDefault,
	}
	if err := w.ValidFor(now); err != nil {
		a.logger.Warn("Calculated sun times unusable, using fixed default",
			zap.Float64("latitude", a.Latitude),
			zap.Float64("longitude", a.Longitude),
			zap.Error(err))
		return a.Fixed.Window(now)
	}
	return w
}
