package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lijomadassery/appsentry/internal/artifacts"
	"github.com/lijomadassery/appsentry/internal/browser"
	"github.com/lijomadassery/appsentry/internal/browserpool"
	"github.com/lijomadassery/appsentry/internal/config"
	"github.com/lijomadassery/appsentry/internal/events"
	"github.com/lijomadassery/appsentry/internal/executor"
	"github.com/lijomadassery/appsentry/internal/scheduler"
	"github.com/lijomadassery/appsentry/internal/store"
)

func loadConfig() (*config.Config, error) {
	cfg, _, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// engine holds the components shared by serve and run
type engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	bus       *events.Bus
	artifacts *artifacts.FileStore
	pool      *browserpool.Pool
	scheduler *scheduler.Scheduler
}

func newEngine(cfg *config.Config, logger *slog.Logger) (*engine, error) {
	db, err := store.New(config.ExpandPath(cfg.General.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	kinds, err := cfg.Scheduler.Kinds()
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := events.NewBus(events.WithLogger(logger))
	files := artifacts.NewFileStore(config.ExpandPath(cfg.General.ArtifactDir))

	pool := browserpool.New(browser.NewHTTPLauncher(cfg.Pool.UserAgent), browserpool.Config{
		MaxBrowsers:    cfg.Pool.MaxBrowsers,
		MinBrowsers:    cfg.Pool.MinBrowsers,
		AcquireTimeout: cfg.Pool.AcquireTimeout.Duration,
		MaxAge:         cfg.Pool.MaxAge.Duration,
		MaxIdle:        cfg.Pool.MaxIdle.Duration,
		HealthInterval: cfg.Pool.HealthInterval.Duration,
	},
		browserpool.WithLogger(logger.With("component", "pool")),
		browserpool.WithOnChange(func(st browserpool.Stats) {
			bus.Emit(context.Background(), events.TypePoolChanged, st)
		}),
	)

	registry := executor.NewRegistry(
		executor.NewHealthCheckExecutor(&http.Client{}, cfg.Pool.UserAgent, logger.With("component", "healthcheck")),
		executor.NewLoginFlowExecutor(pool, files,
			executor.WithUserAgent(cfg.Pool.UserAgent),
			executor.WithLogger(logger.With("component", "loginflow")),
		),
	)

	sched := scheduler.New(db, db, registry,
		scheduler.WithConcurrencyLimit(cfg.Scheduler.ConcurrencyLimit),
		scheduler.WithMaxRetries(cfg.Scheduler.MaxRetries),
		scheduler.WithRetryDelay(cfg.Scheduler.RetryDelay.Duration, cfg.Scheduler.StrictRetryDelay),
		scheduler.WithRedispatchInterval(cfg.Scheduler.RedispatchInterval.Duration),
		scheduler.WithUnitTimeout(cfg.Scheduler.UnitTimeout.Duration),
		scheduler.WithProgressMode(scheduler.ProgressMode(cfg.Scheduler.ProgressTotal)),
		scheduler.WithEnabledKinds(kinds...),
		scheduler.WithEmitter(bus),
		scheduler.WithLogger(logger.With("component", "scheduler")),
	)

	return &engine{
		cfg:       cfg,
		logger:    logger,
		store:     db,
		bus:       bus,
		artifacts: files,
		pool:      pool,
		scheduler: sched,
	}, nil
}

func (e *engine) start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	return e.scheduler.Start(ctx)
}

// shutdown stops dispatching first so no unit is left holding a browser
// when the pool closes.
func (e *engine) shutdown(ctx context.Context) {
	if err := e.scheduler.Stop(ctx); err != nil {
		e.logger.Warn("scheduler stop", "error", err)
	}
	if err := e.pool.Shutdown(ctx); err != nil {
		e.logger.Warn("pool shutdown", "error", err)
	}
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing database", "error", err)
	}
}
