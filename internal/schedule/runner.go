// Package schedule starts runs from cron expressions declared in the
// configuration file.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lijomadassery/appsentry/internal/config"
	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/events"
	"github.com/lijomadassery/appsentry/internal/scheduler"
)

// ErrUnknownSchedule is returned by Fire for names that are not registered
var ErrUnknownSchedule = errors.New("unknown schedule")

// TriggeredBy is recorded on runs started by the cron runner
const TriggeredBy = "cron"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// RunStarter is the scheduler surface the runner drives
type RunStarter interface {
	StartRun(ctx context.Context, applicationIDs []string, trigger domain.Trigger) (string, error)
	GetRunStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error)
}

// ApplicationLister resolves schedules that target every active application
type ApplicationLister interface {
	ActiveApplicationIDs(ctx context.Context) ([]string, error)
}

// Entry describes one registered schedule
type Entry struct {
	Name         string    `json:"name"`
	Cron         string    `json:"cron"`
	Applications []string  `json:"applications,omitempty"`
	Next         time.Time `json:"next"`
	LastFired    time.Time `json:"last_fired,omitempty"`
	LastRunID    string    `json:"last_run_id,omitempty"`
}

type entry struct {
	cfg       config.ScheduleConfig
	id        cron.EntryID
	lastFired time.Time
	lastRunID string
	firing    bool
}

// Runner fires scheduled runs
type Runner struct {
	starter RunStarter
	apps    ApplicationLister
	emitter scheduler.Emitter
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithEmitter sets the lifecycle event sink
func WithEmitter(e scheduler.Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithLocation sets the time zone cron expressions are evaluated in
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		r.cron = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	}
}

// NewRunner registers every enabled schedule. Disabled schedules are ignored.
func NewRunner(starter RunStarter, apps ApplicationLister, schedules []config.ScheduleConfig, opts ...Option) (*Runner, error) {
	r := &Runner{
		starter: starter,
		apps:    apps,
		logger:  slog.Default(),
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]*entry),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if _, dup := r.entries[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", cfg.Name)
		}
		name := cfg.Name
		id, err := r.cron.AddFunc(cfg.Cron, func() { r.fire(name) })
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", name, err)
		}
		r.entries[name] = &entry{cfg: cfg, id: id}
	}
	return r, nil
}

// Start begins firing schedules. Runs started by the cron use ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
	r.logger.Info("schedule runner started", "schedules", len(r.entries))
}

// Stop stops the cron and returns a context that is done once in-progress
// firings have returned.
func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

// Entries lists the registered schedules sorted by name
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Entry{
			Name:         name,
			Cron:         e.cfg.Cron,
			Applications: e.cfg.Applications,
			Next:         r.cron.Entry(e.id).Next,
			LastFired:    e.lastFired,
			LastRunID:    e.lastRunID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fire starts the named schedule's run now. It returns an empty run ID
// without error when the previous run of the schedule is still active.
func (r *Runner) Fire(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	if e.firing {
		r.mu.Unlock()
		r.skip(ctx, name, e.lastRunID, "previous firing in progress")
		return "", nil
	}
	e.firing = true
	lastRunID := e.lastRunID
	cfg := e.cfg
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		e.firing = false
		r.mu.Unlock()
	}()

	if lastRunID != "" && r.active(ctx, lastRunID) {
		r.skip(ctx, name, lastRunID, "previous run still active")
		return "", nil
	}

	ids := cfg.Applications
	if len(ids) == 0 {
		var err error
		ids, err = r.apps.ActiveApplicationIDs(ctx)
		if err != nil {
			return "", fmt.Errorf("listing active applications: %w", err)
		}
	}

	runID, err := r.starter.StartRun(ctx, ids, domain.Trigger{
		Kind:        domain.TriggerScheduled,
		Source:      name,
		TriggeredBy: TriggeredBy,
	})
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	e.lastFired = time.Now()
	e.lastRunID = runID
	r.mu.Unlock()

	r.logger.Info("scheduled run started", "schedule", name, "run_id", runID, "applications", len(ids))
	r.emit(ctx, events.TypeScheduleFired, events.SchedulePayload{Schedule: name, RunID: runID})
	return runID, nil
}

func (r *Runner) fire(name string) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	if _, err := r.Fire(ctx, name); err != nil {
		r.logger.Error("scheduled run failed to start", "schedule", name, "error", err)
	}
}

// active reports whether a run is still pending or running. Runs that can
// no longer be found are treated as finished.
func (r *Runner) active(ctx context.Context, runID string) bool {
	snap, err := r.starter.GetRunStatus(ctx, runID)
	if err != nil {
		if !errors.Is(err, scheduler.ErrRunNotFound) {
			r.logger.Warn("checking previous scheduled run", "run_id", runID, "error", err)
		}
		return false
	}
	return !snap.Run.Status.IsTerminal()
}

func (r *Runner) skip(ctx context.Context, name, runID, reason string) {
	r.logger.Info("scheduled run skipped", "schedule", name, "run_id", runID, "reason", reason)
	r.emit(ctx, events.TypeScheduleSkipped, events.SchedulePayload{Schedule: name, RunID: runID, Reason: reason})
}

func (r *Runner) emit(ctx context.Context, eventType string, data any) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, eventType, data); err != nil {
		r.logger.Warn("emitting schedule event", "type", eventType, "error", err)
	}
}
