// Package scheduler runs check units for test runs. It owns the pending
// queue and the global concurrency ceiling, dispatches units to executors,
// records results, retries failures and tracks run progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/executor"
)

// ProgressMode selects how a run's progress total is computed
type ProgressMode string

const (
	// ProgressEligible counts only units actually enqueued
	ProgressEligible ProgressMode = "eligible"
	// ProgressRequested counts every requested application times every enabled kind
	ProgressRequested ProgressMode = "requested"
)

// Persistence stores runs and results
type Persistence interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRun(ctx context.Context, id string, patch domain.RunPatch) error
	CreateResult(ctx context.Context, result *domain.Result) error
	FindRun(ctx context.Context, id string) (*domain.Run, error)
	ListResultsForRun(ctx context.Context, id string) ([]*domain.Result, error)
}

// ApplicationSource looks up applications by ID
type ApplicationSource interface {
	GetApplication(ctx context.Context, id string) (*domain.Application, error)
}

// Emitter publishes lifecycle events
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any) error
}

// Stats is a snapshot of scheduler occupancy
type Stats struct {
	Queued     int `json:"queued"`
	Delayed    int `json:"delayed"`
	InFlight   int `json:"in_flight"`
	Limit      int `json:"limit"`
	ActiveRuns int `json:"active_runs"`
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithConcurrencyLimit sets the maximum number of units executing at once
func WithConcurrencyLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithMaxRetries sets how many times a failed unit is retried
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryDelay sets the delay before a failed unit becomes eligible again.
// When strict is false the delay is recorded but retries dispatch immediately.
func WithRetryDelay(d time.Duration, strict bool) Option {
	return func(s *Scheduler) {
		s.retryDelay = d
		s.strictDelay = strict
	}
}

// WithRedispatchInterval sets how often the queue is revisited without a completion
func WithRedispatchInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.redispatch = d
		}
	}
}

// WithUnitTimeout bounds each unit attempt
func WithUnitTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.unitTimeout = d }
}

// WithProgressMode selects how progress totals are computed
func WithProgressMode(mode ProgressMode) Option {
	return func(s *Scheduler) { s.progressMode = mode }
}

// WithEnabledKinds restricts the test kinds expanded into units
func WithEnabledKinds(kinds ...domain.TestKind) Option {
	return func(s *Scheduler) {
		if len(kinds) > 0 {
			s.kinds = kinds
		}
	}
}

// WithEmitter sets the lifecycle event sink
func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the scheduler logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the scheduler's time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type runState struct {
	run      domain.Run
	queued   int
	inFlight int
	passed   int
	failed   int
	late     int
}

// Scheduler dispatches units across all active runs
type Scheduler struct {
	store     Persistence
	apps      ApplicationSource
	executors *executor.Registry
	emitter   Emitter
	logger    *slog.Logger
	now       func() time.Time

	limit        int
	maxRetries   int
	retryDelay   time.Duration
	strictDelay  bool
	redispatch   time.Duration
	unitTimeout  time.Duration
	progressMode ProgressMode
	kinds        []domain.TestKind

	mu       sync.Mutex
	queue    unitQueue
	delayed  delayedUnits
	runs     map[string]*runState
	inFlight int
	seq      uint64
	draining bool
	redrain  bool
	started  bool

	persistMu sync.Mutex

	unitCtx    context.Context
	unitCancel context.CancelFunc
	loopCancel context.CancelFunc
	units      sync.WaitGroup
	loop       sync.WaitGroup
}

// New creates a scheduler. Call Start before starting runs.
func New(store Persistence, apps ApplicationSource, executors *executor.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		apps:         apps,
		executors:    executors,
		logger:       slog.Default(),
		now:          time.Now,
		limit:        4,
		maxRetries:   1,
		retryDelay:   5 * time.Second,
		strictDelay:  true,
		redispatch:   time.Second,
		unitTimeout:  2 * time.Minute,
		progressMode: ProgressEligible,
		kinds:        domain.AllKinds,
		runs:         make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins dispatching. The redispatch timer picks up delayed retries and
// any wake-up lost between completions.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.unitCtx, s.unitCancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, loopCancel := context.WithCancel(context.Background())
	s.loopCancel = loopCancel
	s.mu.Unlock()

	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		ticker := time.NewTicker(s.redispatch)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.drain()
			}
		}
	}()

	s.logger.Info("scheduler started", "concurrency", s.limit, "max_retries", s.maxRetries)
	s.drain()
	return nil
}

// Stop stops dispatching and waits for in-flight units. If ctx ends first,
// running units are cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	loopCancel, unitCancel := s.loopCancel, s.unitCancel
	s.mu.Unlock()

	loopCancel()
	s.loop.Wait()

	done := make(chan struct{})
	go func() {
		s.units.Wait()
		close(done)
	}()

	select {
	case <-done:
		unitCancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		unitCancel()
		<-done
		return fmt.Errorf("waiting for in-flight units: %w", ctx.Err())
	}
}

// Stats returns current queue and concurrency figures
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, rs := range s.runs {
		if !rs.run.Status.IsTerminal() {
			active++
		}
	}
	return Stats{
		Queued:     s.queue.Len(),
		Delayed:    len(s.delayed),
		InFlight:   s.inFlight,
		Limit:      s.limit,
		ActiveRuns: active,
	}
}

func (s *Scheduler) emit(eventType string, data any) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(context.Background(), eventType, data); err != nil {
		s.logger.Warn("emitting event", "type", eventType, "error", err)
	}
}
