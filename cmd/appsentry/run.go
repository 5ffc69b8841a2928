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

	"github.com/lijomadassery/appsentry/internal/domain"
)

// errChecksFailed makes the process exit non-zero without repeating the
// summary already printed.
var errChecksFailed = errors.New("checks failed")

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.General.LogLevel, cfg.General.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	defer eng.shutdown(shutdownCtx)

	if err := eng.start(ctx); err != nil {
		return err
	}

	ids := args
	if len(ids) == 0 {
		ids, err = eng.store.ActiveApplicationIDs(ctx)
		if err != nil {
			return err
		}
	}

	runID, err := eng.scheduler.StartRun(ctx, ids, domain.Trigger{
		Kind:        domain.TriggerManual,
		Source:      "cli",
		TriggeredBy: triggeredBy(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Started run %s (%d applications)\n", runID, len(ids))

	snap, err := waitForRun(ctx, eng.scheduler, runID, 500*time.Millisecond)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Interrupted, cancelling run")
		if err := eng.scheduler.StopRun(context.WithoutCancel(ctx), runID); err != nil {
			logger.Warn("stopping run", "run_id", runID, "error", err)
		}
		snap, err = eng.scheduler.GetRunStatus(context.WithoutCancel(ctx), runID)
	}
	if err != nil {
		return err
	}

	results, err := eng.store.ListResultsForRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return err
	}
	if failed := printRun(cmd.OutOrStdout(), snap.Run, results); failed > 0 || snap.Run.Status == domain.RunCancelled {
		return errChecksFailed
	}
	return nil
}
