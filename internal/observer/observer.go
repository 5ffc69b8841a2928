// Package observer derives execution metrics from unit lifecycle events and
// flags units that have been running for too long.
package observer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/lijomadassery/appsentry/internal/events"
)

const maxCompletions = 1000

// Observer monitors unit execution and collects metrics
type Observer struct {
	stuckThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time

	inFlight    map[string]inFlightUnit
	kinds       map[string]*kindTotals
	completions []completion
	mu          sync.RWMutex
}

type inFlightUnit struct {
	RunID         string
	UnitID        string
	ApplicationID string
	Kind          string
	Attempt       int
	StartedAt     time.Time
}

type completion struct {
	UnitID      string
	Kind        string
	Passed      bool
	Duration    time.Duration
	CompletedAt time.Time
}

type kindTotals struct {
	passed   int
	failed   int
	retried  int
	late     int
	duration time.Duration
}

// KindMetrics aggregates attempts of one test kind
type KindMetrics struct {
	Passed      int           `json:"passed"`
	Failed      int           `json:"failed"`
	Retried     int           `json:"retried"`
	Late        int           `json:"late"`
	AvgDuration time.Duration `json:"avg_duration_ns"`
}

// StuckUnit is an in-flight unit that exceeded the stuck threshold
type StuckUnit struct {
	RunID         string        `json:"run_id"`
	UnitID        string        `json:"unit_id"`
	ApplicationID string        `json:"application_id"`
	Kind          string        `json:"kind"`
	Attempt       int           `json:"attempt"`
	StartedAt     time.Time     `json:"started_at"`
	Running       time.Duration `json:"running_ns"`
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int                    `json:"total_completed"`
	TotalFailed    int                    `json:"total_failed"`
	AvgDuration    time.Duration          `json:"avg_duration_ns"`
	InFlight       int                    `json:"in_flight"`
	Kinds          map[string]KindMetrics `json:"kinds"`
	Stuck          []StuckUnit            `json:"stuck"`
}

// Option configures an Observer
type Option func(*Observer)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) { o.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Observer) { o.now = now }
}

// New creates a new Observer
func New(stuckThreshold time.Duration, opts ...Option) *Observer {
	o := &Observer{
		stuckThreshold: stuckThreshold,
		logger:         slog.Default(),
		now:            time.Now,
		inFlight:       make(map[string]inFlightUnit),
		kinds:          make(map[string]*kindTotals),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Attach subscribes the observer to unit lifecycle events on bus
func (o *Observer) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(o.Handle, events.TypeUnitStarted, events.TypeUnitCompleted, events.TypeUnitFailed)
}

// Handle records one lifecycle event
func (o *Observer) Handle(ctx context.Context, event cloudevents.Event) {
	p, err := events.Decode[events.UnitPayload](event)
	if err != nil {
		o.logger.Warn("decoding unit event", "type", event.Type(), "error", err)
		return
	}

	switch event.Type() {
	case events.TypeUnitStarted:
		started := event.Time()
		if started.IsZero() {
			started = o.now()
		}
		o.RecordStart(p, started)
	case events.TypeUnitCompleted, events.TypeUnitFailed:
		o.RecordCompletion(p)
	}
}

// RecordStart marks a unit as in flight
func (o *Observer) RecordStart(p events.UnitPayload, startedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.inFlight[p.UnitID] = inFlightUnit{
		RunID:         p.RunID,
		UnitID:        p.UnitID,
		ApplicationID: p.ApplicationID,
		Kind:          p.Kind,
		Attempt:       p.Attempt,
		StartedAt:     startedAt,
	}
}

// RecordCompletion records the outcome of one attempt
func (o *Observer) RecordCompletion(p events.UnitPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.inFlight, p.UnitID)

	totals := o.kinds[p.Kind]
	if totals == nil {
		totals = &kindTotals{}
		o.kinds[p.Kind] = totals
	}
	passed := p.Status == "passed"
	if passed {
		totals.passed++
	} else {
		totals.failed++
	}
	if p.WillRetry {
		totals.retried++
	}
	if p.Late {
		totals.late++
	}
	d := time.Duration(p.DurationMs) * time.Millisecond
	totals.duration += d

	o.completions = append(o.completions, completion{
		UnitID:      p.UnitID,
		Kind:        p.Kind,
		Passed:      passed,
		Duration:    d,
		CompletedAt: o.now(),
	})
	if len(o.completions) > maxCompletions {
		o.completions = o.completions[len(o.completions)-maxCompletions:]
	}
}

// IsStuck returns true if a unit started at startedAt has run past the threshold
func (o *Observer) IsStuck(startedAt time.Time) bool {
	if o.stuckThreshold <= 0 || startedAt.IsZero() {
		return false
	}
	return o.now().Sub(startedAt) > o.stuckThreshold
}

// Stuck returns in-flight units over the threshold, longest running first
func (o *Observer) Stuck() []StuckUnit {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stuckLocked()
}

func (o *Observer) stuckLocked() []StuckUnit {
	now := o.now()
	var stuck []StuckUnit
	for _, u := range o.inFlight {
		if !o.IsStuck(u.StartedAt) {
			continue
		}
		stuck = append(stuck, StuckUnit{
			RunID:         u.RunID,
			UnitID:        u.UnitID,
			ApplicationID: u.ApplicationID,
			Kind:          u.Kind,
			Attempt:       u.Attempt,
			StartedAt:     u.StartedAt,
			Running:       now.Sub(u.StartedAt),
		})
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].StartedAt.Before(stuck[j].StartedAt) })
	return stuck
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{
		InFlight: len(o.inFlight),
		Kinds:    make(map[string]KindMetrics, len(o.kinds)),
		Stuck:    o.stuckLocked(),
	}
	var totalDuration time.Duration

	for kind, t := range o.kinds {
		km := KindMetrics{Passed: t.passed, Failed: t.failed, Retried: t.retried, Late: t.late}
		if n := t.passed + t.failed; n > 0 {
			km.AvgDuration = t.duration / time.Duration(n)
		}
		metrics.Kinds[kind] = km
		metrics.TotalCompleted += t.passed + t.failed
		metrics.TotalFailed += t.failed
		totalDuration += t.duration
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns unit IDs completed within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.UnitID)
		}
	}

	return result
}

// Watch logs stuck units every interval until ctx is done
func (o *Observer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, u := range o.Stuck() {
				o.logger.Warn("unit appears stuck",
					"run_id", u.RunID,
					"unit_id", u.UnitID,
					"application_id", u.ApplicationID,
					"kind", u.Kind,
					"running", u.Running.Round(time.Second))
			}
		}
	}
}
