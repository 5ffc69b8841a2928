package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lijomadassery/appsentry/internal/config"
	"github.com/lijomadassery/appsentry/internal/events"
	"github.com/lijomadassery/appsentry/internal/fleet"
	"github.com/lijomadassery/appsentry/internal/notify"
	"github.com/lijomadassery/appsentry/internal/observer"
	"github.com/lijomadassery/appsentry/internal/schedule"
	"github.com/lijomadassery/appsentry/web/api"
)

const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Web.Port = servePort
	}
	logger := newLogger(os.Stderr, cfg.General.LogLevel, cfg.General.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	fleetPath := config.ExpandPath(cfg.General.FleetFile)
	report, err := fleet.LoadAndSync(ctx, eng.store, fleetPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("fleet file not found, serving stored applications", "path", fleetPath)
	case err != nil:
		eng.shutdown(context.Background())
		return err
	default:
		logger.Info("fleet synced", "path", fleetPath, "upserted", report.Upserted, "deactivated", len(report.Deactivated))
	}

	if err := eng.start(ctx); err != nil {
		eng.shutdown(context.Background())
		return err
	}

	watcher, err := fleet.NewWatcher(fleetPath, eng.store,
		fleet.WithLogger(logger.With("component", "fleet")),
		fleet.WithOnSync(func(r fleet.SyncReport, err error) {
			p := events.FleetPayload{Path: fleetPath, Upserted: r.Upserted, Deactivated: r.Deactivated}
			if err != nil {
				p.Error = err.Error()
			}
			eng.bus.Emit(ctx, events.TypeFleetSynced, p)
		}),
	)
	if err != nil {
		logger.Warn("fleet hot reload disabled", "path", fleetPath, "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	runner, err := schedule.NewRunner(eng.scheduler, eng.store, cfg.Schedules,
		schedule.WithEmitter(eng.bus),
		schedule.WithLogger(logger.With("component", "schedule")),
	)
	if err != nil {
		eng.shutdown(context.Background())
		return err
	}
	runner.Start(ctx)

	var notifiers []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if len(notifiers) > 0 {
		sub := notify.NewSubscriber(notify.NewMultiNotifier(notifiers...),
			notify.WithNotifyOnSuccess(cfg.Notifications.NotifyOnSuccess),
			notify.WithBaseURL(fmt.Sprintf("http://%s", cfg.Web.Addr())),
			notify.WithLogger(logger.With("component", "notify")),
		)
		defer sub.Attach(eng.bus).Unsubscribe()
	}

	obs := observer.New(cfg.Observer.StuckThreshold.Duration, observer.WithLogger(logger.With("component", "observer")))
	defer obs.Attach(eng.bus).Unsubscribe()

	server := api.NewServer(api.Deps{
		Store:     eng.store,
		Runs:      eng.scheduler,
		Pool:      eng.pool,
		Metrics:   obs,
		Schedules: runner,
		Artifacts: eng.artifacts,
		Bus:       eng.bus,
	}, cfg.Web.Addr(), api.WithLogger(logger.With("component", "api")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		obs.Watch(gctx, time.Minute)
		return nil
	})

	fmt.Printf("appsentry serving on http://%s\n", cfg.Web.Addr())
	err = g.Wait()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-runner.Stop().Done():
	case <-shutdownCtx.Done():
	}
	eng.shutdown(shutdownCtx)
	return err
}
