package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/scheduler"
	"github.com/lijomadassery/appsentry/internal/store"
)

// Tabs
const (
	TabDashboard = iota
	TabRuns
	TabApplications
	tabCount
)

const recentRuns = 25

// Store is the read-only persistence surface the dashboard polls
type Store interface {
	ListApplications(ctx context.Context, filter store.ApplicationFilter) ([]*domain.Application, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*domain.Run, error)
	ListResultsForRun(ctx context.Context, runID string) ([]*domain.Result, error)
}

// Snapshot is one poll of the store
type Snapshot struct {
	Applications []*domain.Application
	Runs         []*domain.Run
	// RunID identifies the run Results belong to
	RunID   string
	Results []*domain.Result
}

// Model is the TUI application model
type Model struct {
	// Data
	store Store
	snap  Snapshot
	err   error

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	interval    time.Duration

	// Refresh
	lastRefresh time.Time
	loading     bool
}

// ModelConfig holds the data source and refresh settings for the TUI model
type ModelConfig struct {
	Store           Store
	RefreshInterval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		store:    cfg.Store,
		interval: interval,
		loading:  true,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		loadCmd(m.store, ""),
		tickCmd(m.interval),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// DataMsg carries the result of a poll
type DataMsg struct {
	Snapshot Snapshot
	Err      error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// loadCmd polls the store. Results are loaded for runID, or for the most
// recent run when runID is empty.
func loadCmd(s Store, runID string) tea.Cmd {
	return func() tea.Msg {
		if s == nil {
			return DataMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		snap, err := Load(ctx, s, runID)
		return DataMsg{Snapshot: snap, Err: err}
	}
}

// Load reads a snapshot from the store
func Load(ctx context.Context, s Store, runID string) (Snapshot, error) {
	var snap Snapshot
	var err error

	snap.Applications, err = s.ListApplications(ctx, store.ApplicationFilter{})
	if err != nil {
		return snap, err
	}
	snap.Runs, err = s.ListRuns(ctx, store.RunFilter{Limit: recentRuns})
	if err != nil {
		return snap, err
	}

	if runID == "" && len(snap.Runs) > 0 {
		runID = snap.Runs[0].ID
	}
	if runID != "" {
		results, err := s.ListResultsForRun(ctx, runID)
		if err != nil {
			return snap, err
		}
		snap.RunID = runID
		snap.Results = scheduler.FinalResults(results)
	}
	return snap, nil
}

// selectedRunID returns the run under the cursor on the runs tab
func (m Model) selectedRunID() string {
	if m.activeTab != TabRuns || m.selectedRow >= len(m.snap.Runs) {
		return m.snap.RunID
	}
	return m.snap.Runs[m.selectedRow].ID
}

func (m Model) rowCount() int {
	switch m.activeTab {
	case TabRuns:
		return len(m.snap.Runs)
	case TabApplications:
		return len(m.snap.Applications)
	}
	return 0
}
