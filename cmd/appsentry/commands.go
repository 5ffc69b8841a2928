package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/lijomadassery/appsentry/internal/config"
	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/fleet"
	"github.com/lijomadassery/appsentry/internal/scheduler"
	"github.com/lijomadassery/appsentry/internal/store"
	"github.com/lijomadassery/appsentry/tui"
)

var (
	servePort   int
	runBy       string
	appsActive  bool
	appsEnv     string
	appsTeam    string
	statusLimit int
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, cron schedules and the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override [web] port")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run [APP...]",
		Short: "Run checks in-process and print the results",
		Long:  "Run checks against the given applications, or every active application when none are given. Exits non-zero when any check fails.",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runBy, "by", "", "triggered-by label (defaults to $USER)")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show recent runs, or the results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to list")
	rootCmd.AddCommand(statusCmd)

	// apps command
	appsCmd := &cobra.Command{
		Use:   "apps",
		Short: "List registered applications",
		RunE:  runApps,
	}
	appsCmd.Flags().BoolVar(&appsActive, "active", false, "only active applications")
	appsCmd.Flags().StringVar(&appsEnv, "env", "", "filter by environment")
	appsCmd.Flags().StringVar(&appsTeam, "team", "", "filter by team")
	rootCmd.AddCommand(appsCmd)

	// sync command
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync applications from the fleet file",
		RunE:  runSync,
	}
	rootCmd.AddCommand(syncCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	s, err := store.New(config.ExpandPath(cfg.General.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := s.FindRun(ctx, args[0])
		if err != nil {
			return err
		}
		results, err := s.ListResultsForRun(ctx, run.ID)
		if err != nil {
			return err
		}
		printRun(out, run, results)
		return nil
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{Limit: statusLimit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs yet")
		return nil
	}
	printRuns(out, runs)
	return nil
}

func runApps(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	apps, err := s.ListApplications(cmd.Context(), store.ApplicationFilter{
		ActiveOnly:  appsActive,
		Environment: appsEnv,
		Team:        appsTeam,
	})
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No applications registered. Run `appsentry sync`.")
		return nil
	}
	printApplications(cmd.OutOrStdout(), apps)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	path := config.ExpandPath(cfg.General.FleetFile)
	report, err := fleet.LoadAndSync(cmd.Context(), s, path)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d applications from %s\n", report.Upserted, path)
	for _, id := range report.Deactivated {
		fmt.Fprintf(cmd.OutOrStdout(), "  deactivated %s\n", id)
	}
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	model := tui.NewModel(tui.ModelConfig{Store: s, RefreshInterval: 2 * time.Second})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func printRuns(w io.Writer, runs []*domain.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tPROGRESS\tSTARTED")
	for _, r := range runs {
		trigger := string(r.Trigger.Kind)
		if r.Trigger.Source != "" {
			trigger += ":" + r.Trigger.Source
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID, r.Status, trigger, r.ProgressCompleted, r.ProgressTotal,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

// printRun writes the run header and its final per-unit results. It returns
// the number of failed units.
func printRun(w io.Writer, run *domain.Run, results []*domain.Result) int {
	final := scheduler.FinalResults(results)
	passed, failed, late := scheduler.CountResults(run, results)

	fmt.Fprintf(w, "Run %s: %s (%d/%d)\n", run.ID, run.Status, run.ProgressCompleted, run.ProgressTotal)
	if len(final) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "APPLICATION\tKIND\tSTATUS\tATTEMPT\tDURATION\tERROR")
		for _, r := range final {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%dms\t%s\n",
				r.ApplicationID, r.Kind, r.Status, r.Attempt, r.DurationMs, oneLine(r.Error))
		}
		tw.Flush()
	}
	fmt.Fprintf(w, "%d passed, %d failed", passed, failed)
	if late > 0 {
		fmt.Fprintf(w, ", %d late", late)
	}
	fmt.Fprintln(w)
	return failed
}

func printApplications(w io.Writer, apps []*domain.Application) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENV\tTEAM\tPRIORITY\tACTIVE\tKINDS")
	for _, a := range apps {
		kinds := make([]string, 0, 2)
		for _, k := range a.EnabledKinds() {
			kinds = append(kinds, string(k))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%v\t%s\n",
			a.ID, a.Name, a.Environment, a.Team, a.Priority, a.Active, strings.Join(kinds, ","))
	}
	tw.Flush()
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

func triggeredBy() string {
	if runBy != "" {
		return runBy
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// waitForRun polls until the run reaches a terminal status
func waitForRun(ctx context.Context, runs interface {
	GetRunStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error)
}, runID string, interval time.Duration) (*domain.RunSnapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := runs.GetRunStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if snap.Run.Status.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}
