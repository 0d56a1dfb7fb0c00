// Package refresher keeps a [store.Store] in step with a remote flag source.
//
// A Refresher is the only writer to its store. It fetches on a jittered
// interval, accepts out-of-band refresh requests, and never lets a failed
// fetch or an unparsable payload replace the snapshot that is already being
// served.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/flaggate/internal/fetch"
	"github.com/matt-riley/flaggate/internal/flagdoc"
	"github.com/matt-riley/flaggate/internal/store"
	"github.com/matt-riley/flaggate/internal/tracing"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultFetchTimeout = 10 * time.Second
	DefaultJitter       = 0.1

	refreshKey = "refresh"
)

var ErrNilFetcher = errors.New("fetcher is nil")

// Result describes a published snapshot.
type Result struct {
	Version   uint64        `json:"version"`
	FetchedAt time.Time     `json:"fetched_at"`
	Flags     int           `json:"flags"`
	Skipped   []error       `json:"-"`
	Duration  time.Duration `json:"-"`
}

// Observer is told about every refresh outcome.
type Observer interface {
	RefreshSucceeded(Result)
	RefreshFailed(error)
}

type Option func(*Refresher)

func WithInterval(interval time.Duration) Option {
	return func(r *Refresher) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithJitter spreads ticks by +/- fraction of the interval. Values outside
// [0, 1] are clamped.
func WithJitter(fraction float64) Option {
	return func(r *Refresher) {
		r.jitter = min(max(fraction, 0), 1)
	}
}

func WithFetchTimeout(timeout time.Duration) Option {
	return func(r *Refresher) {
		if timeout > 0 {
			r.fetchTimeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(r *Refresher) {
		if observer != nil {
			r.observers = append(r.observers, observer)
		}
	}
}

// WithClock replaces the wall clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

type Refresher struct {
	fetcher      fetch.Fetcher
	store        *store.Store
	interval     time.Duration
	jitter       float64
	fetchTimeout time.Duration
	logger       *slog.Logger
	observers    []Observer
	now          func() time.Time

	trigger chan struct{}
	group   singleflight.Group
}

func New(fetcher fetch.Fetcher, flagStore *store.Store, opts ...Option) (*Refresher, error) {
	if fetcher == nil {
		return nil, ErrNilFetcher
	}
	if flagStore == nil {
		return nil, errors.New("store is nil")
	}

	r := &Refresher{
		fetcher:      fetcher,
		store:        flagStore,
		interval:     DefaultInterval,
		jitter:       DefaultJitter,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default(),
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Run refreshes once immediately and then on every tick until ctx is done.
// Failures are logged and reported to observers; Run itself only returns
// once ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	_, _ = r.Refresh(ctx)

	timer := time.NewTimer(r.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			_, _ = r.Refresh(ctx)
			timer.Reset(r.nextDelay())
		case <-r.trigger:
			_, _ = r.Refresh(ctx)
		}
	}
}

// Trigger asks a running Refresher for an extra refresh. It never blocks, and
// requests made while one is already pending collapse into it.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Follow forwards every signal on signals to Trigger until the channel closes
// or ctx is done.
func (r *Refresher) Follow(ctx context.Context, signals <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			r.Trigger()
		}
	}
}

// Refresh fetches, parses and publishes a new snapshot. Concurrent callers
// share a single fetch and receive the same outcome. The shared fetch is
// bounded by the fetch timeout, not by any caller's context: a caller whose
// ctx ends stops waiting with ctx.Err() while the others keep theirs. On
// error the store is left untouched.
func (r *Refresher) Refresh(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	flight := r.group.DoChan(refreshKey, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case outcome := <-flight:
		if outcome.Err != nil {
			return Result{}, outcome.Err
		}
		return outcome.Val.(Result), nil
	}
}

func (r *Refresher) refresh(ctx context.Context) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "refresher.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("flaggate.source", sourceName(r.fetcher)))

	started := r.now()

	result, err := r.load(ctx, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		r.logger.Warn("flag refresh failed",
			"error", err,
			"version", r.store.Current().Version(),
		)
		for _, observer := range r.observers {
			observer.RefreshFailed(err)
		}
		return Result{}, err
	}

	result.Duration = r.now().Sub(started)
	span.SetAttributes(
		attribute.Int64("flaggate.snapshot.version", int64(result.Version)),
		attribute.Int("flaggate.snapshot.flags", result.Flags),
		attribute.Int("flaggate.snapshot.skipped", len(result.Skipped)),
	)
	for _, skipped := range result.Skipped {
		r.logger.Warn("skipped flag document", "error", skipped)
	}
	r.logger.Info("flag snapshot published",
		"version", result.Version,
		"flags", result.Flags,
		"skipped", len(result.Skipped),
	)
	for _, observer := range r.observers {
		observer.RefreshSucceeded(result)
	}

	return result, nil
}

func (r *Refresher) load(ctx context.Context, started time.Time) (Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	documents, err := r.fetcher.Fetch(fetchCtx)
	if err == nil {
		// A fetcher may ignore its context; a late answer still counts as a timeout.
		err = fetchCtx.Err()
	}
	if err != nil {
		var fetchErr *fetch.FetchError
		if errors.As(err, &fetchErr) {
			return Result{}, err
		}
		return Result{}, &fetch.FetchError{Source: sourceName(r.fetcher), Err: err}
	}

	flags, skipped, err := flagdoc.ParseAll(documents)
	if err != nil {
		return Result{}, fmt.Errorf("parse flags: %w", err)
	}

	next := store.NewSnapshot(r.store.Current().Version()+1, started, flags)
	if err := r.store.Publish(next); err != nil {
		return Result{}, fmt.Errorf("publish snapshot: %w", err)
	}

	return Result{
		Version:   next.Version(),
		FetchedAt: next.FetchedAt(),
		Flags:     next.Len(),
		Skipped:   skipped,
	}, nil
}

func (r *Refresher) nextDelay() time.Duration {
	if r.jitter == 0 {
		return r.interval
	}

	spread := float64(r.interval) * r.jitter
	delay := time.Duration(float64(r.interval) + spread*(2*rand.Float64()-1))
	if delay <= 0 {
		return r.interval
	}
	return delay
}

func sourceName(fetcher fetch.Fetcher) string {
	if named, ok := fetcher.(fmt.Stringer); ok {
		return named.String()
	}
	return ""
}
