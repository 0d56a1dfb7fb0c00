// Package main is the entry point for the flaggate server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Build the configured flag source (HTTP, PostgreSQL or file).
//  3. Create the snapshot store, the evaluator and the refresher.
//  4. Start the refresher, plus a push listener when the source has one.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/flaggate/internal/config"
	"github.com/matt-riley/flaggate/internal/evaluation"
	"github.com/matt-riley/flaggate/internal/fetch"
	"github.com/matt-riley/flaggate/internal/logging"
	"github.com/matt-riley/flaggate/internal/metrics"
	"github.com/matt-riley/flaggate/internal/middleware"
	"github.com/matt-riley/flaggate/internal/refresher"
	"github.com/matt-riley/flaggate/internal/repository"
	"github.com/matt-riley/flaggate/internal/server"
	"github.com/matt-riley/flaggate/internal/store"
	"github.com/matt-riley/flaggate/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	traceCfg, err := tracing.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load tracing config: %w", err)
	}
	shutdownTracer, err := tracing.Init(context.Background(), traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	source, err := newFlagSource(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer source.close()

	flagStore := store.New()
	evaluator := evaluation.New(flagStore,
		evaluation.WithPolicy(cfg.UnknownFlagPolicy),
		evaluation.WithRecorder(m),
	)

	grpcServer := server.NewGRPCServer(evaluator,
		server.WithGRPCMetrics(m),
		server.WithGRPCLogger(log),
		server.WithGatedMethods(cfg.GatedGRPCMethods),
	)

	ref, err := refresher.New(source.fetcher, flagStore,
		refresher.WithInterval(cfg.RefreshInterval),
		refresher.WithJitter(cfg.RefreshJitter),
		refresher.WithFetchTimeout(cfg.FetchTimeout),
		refresher.WithLogger(log.With("source", source.name)),
		refresher.WithObserver(m),
		refresher.WithObserver(grpcServer),
	)
	if err != nil {
		return fmt.Errorf("init refresher: %w", err)
	}

	httpOpts := []server.HTTPOption{
		server.WithMetrics(m),
		server.WithDemoFlag(cfg.DemoFlag),
	}
	if cfg.RefreshTokenHash != "" {
		validator, err := middleware.NewHashValidator(cfg.RefreshTokenHash)
		if err != nil {
			return fmt.Errorf("REFRESH_TOKEN_HASH: %w", err)
		}
		limiter := middleware.NewRateLimiter(ctx, cfg.RefreshRateLimit)
		defer limiter.Stop()
		httpOpts = append(httpOpts, server.WithRefresh(ref, validator, limiter))
	} else {
		log.Info("manual refresh disabled", "reason", "REFRESH_TOKEN_HASH not set")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(server.NewHTTPHandler(evaluator, httpOpts...), log),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		_ = ref.Run(ctx)
	}()
	if source.signals != nil {
		go ref.Follow(ctx, countSignals(ctx, source.signals, func() { m.IncInvalidations(source.name) }))
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"source", source.name,
		"refresh_interval", cfg.RefreshInterval,
		"unknown_flag_policy", cfg.UnknownFlagPolicy.String(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	<-refreshDone
	return serveErr
}

// newHTTPHandler adds request logging and tracing around the API handler.
func newHTTPHandler(apiHandler http.Handler, log *slog.Logger) http.Handler {
	return otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(apiHandler), "flaggate-http")
}

type flagSource struct {
	name    string
	fetcher fetch.Fetcher
	// signals is nil for sources without push notifications.
	signals <-chan struct{}
	close   func()
}

func newFlagSource(ctx context.Context, cfg config.Config, m *metrics.Metrics) (flagSource, error) {
	switch cfg.Source {
	case config.SourceHTTP:
		fetcher, err := fetch.NewHTTPFetcher(fetch.HTTPConfig{
			URL:          cfg.SourceURL,
			Token:        cfg.SourceToken,
			MaxBodyBytes: cfg.FetchMaxBytes,
		})
		if err != nil {
			return flagSource{}, fmt.Errorf("init HTTP source: %w", err)
		}
		return flagSource{name: config.SourceHTTP, fetcher: fetcher, close: func() {}}, nil

	case config.SourceFile:
		fetcher, err := fetch.NewFileFetcher(cfg.FlagFile)
		if err != nil {
			return flagSource{}, fmt.Errorf("init file source: %w", err)
		}
		signals, err := fetch.WatchFile(ctx, fetcher.Path(), 0)
		if err != nil {
			return flagSource{}, fmt.Errorf("watch %s: %w", fetcher.Path(), err)
		}
		return flagSource{name: config.SourceFile, fetcher: fetcher, signals: signals, close: func() {}}, nil

	case config.SourcePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return flagSource{}, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := runMigrations(ctx, pool); err != nil {
				pool.Close()
				return flagSource{}, err
			}
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)

		repo := repository.NewPostgresRepository(pool, repository.WithNotifyChannel(cfg.NotifyChannel))
		signals, err := repo.SubscribeFlagInvalidation(ctx)
		if err != nil {
			pool.Close()
			return flagSource{}, fmt.Errorf("subscribe flag invalidation: %w", err)
		}
		return flagSource{name: config.SourcePostgres, fetcher: repo, signals: signals, close: pool.Close}, nil

	default:
		return flagSource{}, fmt.Errorf("%w: unknown FLAG_SOURCE %q", config.ErrSourceNotConfigured, cfg.Source)
	}
}

// countSignals forwards in to the returned channel, calling inc for each
// signal. The returned channel closes when in closes or ctx is done.
func countSignals(ctx context.Context, in <-chan struct{}, inc func()) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
				inc()
			}
		}
	}()
	return out
}
