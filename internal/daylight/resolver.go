package daylight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outletscheduler/internal/banwindow"
	"outletscheduler/internal/faults"

	"go.uber.org/zap"
)

// Cache persists one resolved window per calendar date. Get and Latest
// return (nil, nil) when there is no matching row.
type Cache interface {
	Get(ctx context.Context, date string) (*CacheEntry, error)
	Latest(ctx context.Context) (*CacheEntry, error)
	Upsert(ctx context.Context, entry CacheEntry) error
}

// RemoteSource supplies the newest recorded sunrise/sunset. A (nil, nil)
// result means the source has no rows.
type RemoteSource interface {
	Latest(ctx context.Context) (*RemoteRecord, error)
}

// Options tune the resolution chain.
type Options struct {
	// Freshness is how long a cached window is trusted without asking the
	// remote source again.
	Freshness time.Duration

	// OffsetCorrection is added to the remote offsets to turn them into
	// local wall-clock times.
	OffsetCorrection time.Duration
}

// DefaultOptions mirrors the deployed configuration: a day of cache
// freshness and a one hour offset correction.
var DefaultOptions = Options{
	Freshness:        24 * time.Hour,
	OffsetCorrection: time.Hour,
}

// Resolver produces today's daylight window. Both cache and remote may be
// nil, which skips that tier without reporting an error.
type Resolver struct {
	cache    Cache
	remote   RemoteSource
	fallback Fallback
	opts     Options
	logger   *zap.Logger
}

// NewResolver creates a resolver. A nil fallback means StandardDefault.
func NewResolver(cache Cache, remote RemoteSource, fallback Fallback, opts Options, logger *zap.Logger) *Resolver {
	if fallback == nil {
		fallback = StandardDefault
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultOptions.Freshness
	}
	return &Resolver{
		cache:    cache,
		remote:   remote,
		fallback: fallback,
		opts:     opts,
		logger:   logger.Named("daylight"),
	}
}

// Resolve always returns a valid window for now's date. The error is
// non-nil when a tier was skipped because of a failure; it describes what
// degraded the result and is informational only.
func (r *Resolver) Resolve(ctx context.Context, now time.Time) (Window, error) {
	today := now.Format(DateLayout)
	var errs []error

	r.logger.Debug("Resolving sunrise and sunset", zap.String("date", today))

	cached, err := r.cachedToday(ctx, now, today)
	if err != nil {
		errs = append(errs, err)
	}
	if cached != nil && r.isFresh(*cached, now) {
		r.logger.Info("Using cached sun times",
			zap.Time("sunrise", cached.Sunrise),
			zap.Time("sunset", cached.Sunset),
			zap.Time("resolved_at", cached.ResolvedAt))
		return *cached, nil
	}
	if cached != nil {
		r.logger.Warn("Cached sun times are stale, asking remote source",
			zap.Time("resolved_at", cached.ResolvedAt),
			zap.Duration("freshness", r.opts.Freshness))
	}

	if r.remote != nil {
		remote, err := r.fetchRemote(ctx, now)
		if err == nil {
			r.store(ctx, today, remote)
			r.logger.Info("Using remote sun times",
				zap.Time("sunrise", remote.Sunrise),
				zap.Time("sunset", remote.Sunset),
				zap.Time("resolved_at", remote.ResolvedAt))
			return remote, nil
		}
		errs = append(errs, err)
		r.logger.Error("Remote sun times unavailable", zap.Error(err))
	}

	if cached != nil {
		r.logger.Warn("Using stale cached sun times",
			zap.Time("resolved_at", cached.ResolvedAt),
			zap.Bool("remote_configured", r.remote != nil))
		return *cached, errors.Join(errs...)
	}

	if last, err := r.lastKnown(ctx, now); err != nil {
		errs = append(errs, err)
	} else if last != nil {
		r.logger.Warn("Using last known cached sun times",
			zap.Time("sunrise", last.Sunrise),
			zap.Time("sunset", last.Sunset),
			zap.Time("resolved_at", last.ResolvedAt),
			zap.Bool("remote_configured", r.remote != nil))
		return *last, errors.Join(errs...)
	}

	w := r.fallback.Window(now)
	r.logger.Warn("Using default sun times, no remote or cached data",
		zap.Time("sunrise", w.Sunrise),
		zap.Time("sunset", w.Sunset))
	return w, errors.Join(errs...)
}

func (r *Resolver) isFresh(w Window, now time.Time) bool {
	return !w.ResolvedAt.Before(now.Add(-r.opts.Freshness))
}

// cachedToday returns today's valid cache row, or nil.
func (r *Resolver) cachedToday(ctx context.Context, now time.Time, today string) (*Window, error) {
	if r.cache == nil {
		return nil, nil
	}

	entry, err := r.cache.Get(ctx, today)
	if err != nil {
		r.logger.Warn("Failed to read cache, treating as miss", zap.Error(err))
		return nil, faults.NewSourceError("cache", err)
	}
	if entry == nil {
		r.logger.Info("No cached sun times for today", zap.String("date", today))
		return nil, nil
	}

	w := entry.Window()
	if err := w.ValidFor(now); err != nil {
		r.logger.Warn("Discarding invalid cached sun times", zap.Error(err))
		return nil, fmt.Errorf("cache entry %s: %w", today, err)
	}
	return &w, nil
}

// lastKnown re-projects the newest cache row from any date onto today.
func (r *Resolver) lastKnown(ctx context.Context, now time.Time) (*Window, error) {
	if r.cache == nil {
		return nil, nil
	}

	entry, err := r.cache.Latest(ctx)
	if err != nil {
		return nil, faults.NewSourceError("cache", err)
	}
	if entry == nil {
		return nil, nil
	}

	loc := now.Location()
	w := Window{
		Sunrise:    banwindow.Of(entry.Sunrise.In(loc)).On(now),
		Sunset:     banwindow.Of(entry.Sunset.In(loc)).On(now),
		ResolvedAt: entry.ResolvedAt,
		Source:     SourceCache,
	}
	if err := w.ValidFor(now); err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", entry.Date, err)
	}
	return &w, nil
}

func (r *Resolver) fetchRemote(ctx context.Context, now time.Time) (Window, error) {
	rec, err := r.remote.Latest(ctx)
	if err != nil {
		return Window{}, faults.NewSourceError("remote", err)
	}
	if rec == nil {
		return Window{}, faults.NewSourceError("remote", errors.New("no rows"))
	}

	w := Normalize(*rec, now, r.opts.OffsetCorrection)
	if err := w.ValidFor(now); err != nil {
		return Window{}, fmt.Errorf("remote record %d: %w", rec.RecordID, err)
	}
	return w, nil
}

func (r *Resolver) store(ctx context.Context, today string, w Window) {
	if r.cache == nil {
		return
	}

	entry := CacheEntry{
		Date:       today,
		ResolvedAt: w.ResolvedAt,
		Sunrise:    w.Sunrise,
		Sunset:     w.Sunset,
	}
	if err := r.cache.Upsert(ctx, entry); err != nil {
		r.logger.Warn("Failed to cache sun times", zap.Error(err))
		return
	}
	r.logger.Debug("Sun times cached", zap.String("date", today))
}

// Normalize turns a remote record into a window on now's date. Offsets
// past midnight after correction wrap into the same day.
func Normalize(rec RemoteRecord, now time.Time, correction time.Duration) Window {
	return Window{
		Sunrise:    banwindow.Wrap(rec.SunriseOffset + correction).On(now),
		Sunset:     banwindow.Wrap(rec.SunsetOffset + correction).On(now),
		ResolvedAt: rec.RecordedAt,
		Source:     SourceRemote,
	}
}
