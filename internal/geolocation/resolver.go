// Package geolocation wraps a platform's asynchronous current-position
// capability. Every failure resolves to "no location".
package geolocation

import (
	"context"
	"errors"
	"time"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/domain"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
)

// Defaults for a current-position query.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaximumAge = 5 * time.Minute
)

var (
	// ErrPermissionDenied is reported when the user refuses location access.
	ErrPermissionDenied = errors.New("geolocation permission denied")
	// ErrPositionUnavailable is reported when no fix can be obtained.
	ErrPositionUnavailable = errors.New("geolocation position unavailable")
)

// PositionOptions mirror the platform query options.
type PositionOptions struct {
	Timeout    time.Duration
	MaximumAge time.Duration
}

// Position is one location fix. Timestamp is when the fix was acquired;
// zero means "now".
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

// Locator is the platform's current-position capability.
type Locator interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (Position, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, opts PositionOptions) (Position, error)

// CurrentPosition calls f.
func (f LocatorFunc) CurrentPosition(ctx context.Context, opts PositionOptions) (Position, error) {
	return f(ctx, opts)
}

// Options configures a Resolver.
type Options struct {
	PositionOptions
	Now     func() time.Time
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Resolver queries a Locator once per Resolve call.
type Resolver struct {
	locator Locator
	opts    PositionOptions
	now     func() time.Time
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a Resolver. A nil locator means the capability is unavailable.
func NewResolver(locator Locator, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaximumAge <= 0 {
		opts.MaximumAge = DefaultMaximumAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	return &Resolver{
		locator: locator,
		opts:    opts.PositionOptions,
		now:     opts.Now,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

type result struct {
	pos Position
	err error
}

// Resolve returns the current location, or nil on unavailability, denial,
// error, timeout, or a fix older than the maximum age.
func (r *Resolver) Resolve(ctx context.Context) *domain.Location {
	if r.locator == nil {
		r.metrics.Geo(metrics.GeoUnavailable)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		pos, err := r.locator.CurrentPosition(ctx, r.opts)
		done <- result{pos: pos, err: err}
	}()

	select {
	case <-ctx.Done():
		r.metrics.Geo(metrics.GeoTimeout)
		r.log.Debug("Geolocation timed out", logger.Duration("timeout", r.opts.Timeout))
		return nil

	case res := <-done:
		if res.err != nil {
			r.metrics.Geo(metrics.GeoFailed)
			r.log.Debug("Geolocation unavailable", logger.Error(res.err))
			return nil
		}
		if !res.pos.Timestamp.IsZero() && r.now().Sub(res.pos.Timestamp) > r.opts.MaximumAge {
			r.metrics.Geo(metrics.GeoStale)
			r.log.Debug("Geolocation fix too old",
				logger.Duration("max_age", r.opts.MaximumAge),
			)
			return nil
		}

		r.metrics.Geo(metrics.GeoResolved)
		return &domain.Location{
			Latitude:  res.pos.Latitude,
			Longitude: res.pos.Longitude,
			Accuracy:  res.pos.Accuracy,
		}
	}
}
