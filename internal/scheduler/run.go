package scheduler

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/events"
)

// StartRun creates a run over applicationIDs and enqueues a unit for every
// active application and enabled kind. It returns as soon as the run is
// persisted; units execute asynchronously.
func (s *Scheduler) StartRun(ctx context.Context, applicationIDs []string, trigger domain.Trigger) (string, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}

	ids := dedupe(applicationIDs)
	if len(ids) == 0 {
		return "", ErrNoApplications
	}
	if trigger.Kind == "" {
		trigger.Kind = domain.TriggerManual
	}

	now := s.now()
	run := &domain.Run{
		ID:                   uuid.NewString(),
		Trigger:              trigger,
		TargetApplicationIDs: ids,
		Status:               domain.RunPending,
		StartedAt:            now,
	}

	units, err := s.expand(ctx, run.ID, ids)
	if err != nil {
		return "", err
	}

	switch s.progressMode {
	case ProgressRequested:
		run.ProgressTotal = len(ids) * len(s.kinds)
	default:
		run.ProgressTotal = len(units)
	}
	if run.ProgressTotal == 0 {
		run.Status = domain.RunCompleted
		run.CompletedAt = &now
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	s.logger.Info("run started",
		"run", run.ID,
		"trigger", trigger.Kind,
		"applications", len(ids),
		"units", len(units),
		"progress_total", run.ProgressTotal)
	s.emit(events.TypeRunStarted, runPayload(run, 0, 0))

	if run.Status == domain.RunCompleted {
		s.emit(events.TypeRunCompleted, runPayload(run, 0, 0))
		return run.ID, nil
	}

	s.mu.Lock()
	s.runs[run.ID] = &runState{run: *run, queued: len(units)}
	for _, u := range units {
		s.seq++
		heap.Push(&s.queue, &queuedUnit{unit: u, seq: s.seq})
	}
	s.mu.Unlock()

	s.drain()
	return run.ID, nil
}

// expand builds the units for a run, skipping applications that are
// missing, inactive or misconfigured
func (s *Scheduler) expand(ctx context.Context, runID string, ids []string) ([]*domain.Unit, error) {
	now := s.now()
	var units []*domain.Unit
	for _, id := range ids {
		app, err := s.apps.GetApplication(ctx, id)
		if err != nil {
			if isNotFound(err) {
				s.logger.Warn("skipping unknown application", "run", runID, "app", id)
				continue
			}
			return nil, fmt.Errorf("loading application %s: %w", id, err)
		}
		if !app.Active {
			s.logger.Warn("skipping inactive application", "run", runID, "app", id)
			continue
		}

		for _, kind := range s.kinds {
			cfg := app.ConfigFor(kind)
			if cfg == nil {
				s.logger.Debug("test kind not configured", "run", runID, "app", id, "kind", kind)
				continue
			}
			if err := cfg.Validate(); err != nil {
				s.logger.Warn("skipping misconfigured check", "run", runID, "app", id, "kind", kind, "error", err)
				continue
			}
			if _, ok := s.executors.For(kind); !ok {
				s.logger.Warn("skipping check without executor", "run", runID, "app", id, "kind", kind)
				continue
			}
			units = append(units, &domain.Unit{
				ID:            uuid.NewString(),
				RunID:         runID,
				ApplicationID: id,
				Kind:          kind,
				Priority:      app.Priority,
				CreatedAt:     now,
				MaxRetries:    s.maxRetries,
				Config:        cfg,
			})
		}
	}
	return units, nil
}

// StopRun cancels a run. Queued units are dropped immediately; units already
// executing finish and their results are still recorded.
func (s *Scheduler) StopRun(ctx context.Context, runID string) error {
	now := s.now()

	s.mu.Lock()
	rs, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return s.stopDetached(ctx, runID)
	}
	if rs.run.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, rs.run.Status)
	}
	rs.run.Status = domain.RunCancelled
	rs.run.CompletedAt = &now
	removed := s.queue.removeRun(runID) + s.delayed.removeRun(runID)
	rs.queued -= removed
	payload := runPayload(&rs.run, rs.passed, rs.failed)
	inFlight := rs.inFlight
	s.mu.Unlock()

	s.persistRun(ctx, runID)
	s.logger.Info("run cancelled", "run", runID, "dropped_units", removed, "in_flight", inFlight)
	s.emit(events.TypeRunCancelled, payload)
	s.prune(runID)
	return nil
}

// stopDetached cancels a persisted run this scheduler holds no state for
func (s *Scheduler) stopDetached(ctx context.Context, runID string) error {
	run, err := s.store.FindRun(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.Status)
	}

	status := domain.RunCancelled
	now := s.now()
	if err := s.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &status, CompletedAt: &now}); err != nil {
		return fmt.Errorf("cancelling run: %w", err)
	}
	run.Status = status
	run.CompletedAt = &now
	s.emit(events.TypeRunCancelled, runPayload(run, 0, 0))
	return nil
}

// GetRunStatus returns the persisted run with live queue counts. It never
// waits on executing units.
func (s *Scheduler) GetRunStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	run, err := s.store.FindRun(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	snap := &domain.RunSnapshot{Run: run}

	s.mu.Lock()
	rs, live := s.runs[runID]
	if live {
		snap.Queued = rs.queued
		snap.InFlight = rs.inFlight
		snap.Passed = rs.passed
		snap.Failed = rs.failed
		snap.LateResults = rs.late
	}
	s.mu.Unlock()

	if !live {
		results, err := s.store.ListResultsForRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("listing results: %w", err)
		}
		snap.Passed, snap.Failed, snap.LateResults = CountResults(run, results)
	}
	return snap, nil
}

// RetryFailed starts a new run over the applications whose final attempt in
// runID failed
func (s *Scheduler) RetryFailed(ctx context.Context, runID, triggeredBy string) (string, error) {
	run, err := s.store.FindRun(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return "", err
	}
	results, err := s.store.ListResultsForRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("listing results: %w", err)
	}

	var apps []string
	seen := make(map[string]bool)
	for _, r := range FinalResults(results) {
		if r.Status == domain.ResultFailed && !seen[r.ApplicationID] {
			seen[r.ApplicationID] = true
			apps = append(apps, r.ApplicationID)
		}
	}
	if len(apps) == 0 {
		return "", fmt.Errorf("%w: run %s has no failed checks", ErrNoApplications, run.ID)
	}

	return s.StartRun(ctx, apps, domain.Trigger{
		Kind:        domain.TriggerRetryOf,
		Source:      run.ID,
		TriggeredBy: triggeredBy,
	})
}

// FinalResults keeps the highest attempt per application and kind, in input order
func FinalResults(results []*domain.Result) []*domain.Result {
	type key struct {
		app  string
		kind domain.TestKind
	}
	latest := make(map[key]int)
	var out []*domain.Result
	for _, r := range results {
		k := key{r.ApplicationID, r.Kind}
		if i, ok := latest[k]; ok {
			if r.Attempt >= out[i].Attempt {
				out[i] = r
			}
			continue
		}
		latest[k] = len(out)
		out = append(out, r)
	}
	return out
}

// CountResults derives passed, failed and late counts from persisted results.
// Late results are those finished after the run was cancelled.
func CountResults(run *domain.Run, results []*domain.Result) (passed, failed, late int) {
	var counted []*domain.Result
	for _, r := range results {
		if run.Status == domain.RunCancelled && run.CompletedAt != nil && r.FinishedAt.After(*run.CompletedAt) {
			late++
			continue
		}
		counted = append(counted, r)
	}
	for _, r := range FinalResults(counted) {
		if r.Status == domain.ResultFailed {
			failed++
		} else {
			passed++
		}
	}
	return passed, failed, late
}

func runPayload(run *domain.Run, passed, failed int) events.RunPayload {
	return events.RunPayload{
		RunID:             run.ID,
		Status:            string(run.Status),
		TriggerKind:       string(run.Trigger.Kind),
		TriggerSource:     run.Trigger.Source,
		ProgressTotal:     run.ProgressTotal,
		ProgressCompleted: run.ProgressCompleted,
		Passed:            passed,
		Failed:            failed,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
