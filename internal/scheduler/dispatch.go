package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/events"
	"github.com/lijomadassery/appsentry/internal/executor"
)

type dispatch struct {
	item         *queuedUnit
	firstOfRun   bool
	dispatchedAt time.Time
}

// drain dispatches queued units until the queue is empty or the concurrency
// ceiling is reached. Only one drain runs at a time; a call that arrives
// while another is active makes that drain go round once more.
func (s *Scheduler) drain() {
	s.mu.Lock()
	if s.draining {
		s.redrain = true
		s.mu.Unlock()
		return
	}
	s.draining = true

	for {
		s.redrain = false
		batch := s.popLocked()
		s.mu.Unlock()

		for _, d := range batch {
			s.launch(d)
		}

		s.mu.Lock()
		if !s.redrain {
			break
		}
	}
	s.draining = false
	s.mu.Unlock()
}

// popLocked takes as many eligible units as free slots allow
func (s *Scheduler) popLocked() []dispatch {
	if !s.started {
		return nil
	}
	now := s.now()
	s.delayed.due(now, &s.queue)

	var batch []dispatch
	for s.inFlight < s.limit && s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queuedUnit)
		rs, ok := s.runs[item.unit.RunID]
		if !ok {
			continue
		}
		rs.queued--
		if rs.run.Status.IsTerminal() {
			continue
		}

		first := false
		if rs.run.Status == domain.RunPending {
			rs.run.Status = domain.RunRunning
			first = true
		}
		rs.inFlight++
		s.inFlight++
		s.units.Add(1)
		batch = append(batch, dispatch{item: item, firstOfRun: first, dispatchedAt: now})
	}
	return batch
}

func (s *Scheduler) launch(d dispatch) {
	u := d.item.unit
	if d.firstOfRun {
		s.persistRun(context.Background(), u.RunID)
	}
	s.logger.Debug("dispatching unit",
		"run", u.RunID,
		"unit", u.ID,
		"app", u.ApplicationID,
		"kind", u.Kind,
		"attempt", u.Attempt())
	s.emit(events.TypeUnitStarted, events.UnitPayload{
		RunID:         u.RunID,
		UnitID:        u.ID,
		ApplicationID: u.ApplicationID,
		Kind:          string(u.Kind),
		Attempt:       u.Attempt(),
	})
	go s.execute(d)
}

func (s *Scheduler) execute(d dispatch) {
	defer s.units.Done()

	u := d.item.unit
	ec := executor.ExecContext{
		RunID:         u.RunID,
		UnitID:        u.ID,
		ApplicationID: u.ApplicationID,
		Kind:          u.Kind,
		Config:        u.Config,
		Attempt:       u.Attempt(),
		StartedAt:     s.now(),
	}
	result := s.runUnit(ec)
	s.complete(d.item, result)
}

// runUnit executes one attempt and always returns a result. Executor errors
// and panics become Failed results.
func (s *Scheduler) runUnit(ec executor.ExecContext) (result *domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panicked", "run", ec.RunID, "unit", ec.UnitID, "panic", r)
			result = executor.Finish(executor.NewResult(ec), domain.ResultFailed, fmt.Sprintf("executor panic: %v", r))
		}
	}()

	exec, ok := s.executors.For(ec.Kind)
	if !ok {
		return executor.Finish(executor.NewResult(ec), domain.ResultFailed, fmt.Sprintf("%v: %s", ErrNoExecutor, ec.Kind))
	}

	ctx := s.unitCtx
	if s.unitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.unitTimeout)
		defer cancel()
	}

	res, err := exec.Execute(ctx, ec)
	switch {
	case err != nil:
		s.logger.Warn("unit execution error", "run", ec.RunID, "app", ec.ApplicationID, "kind", ec.Kind, "error", err)
		return executor.Finish(executor.NewResult(ec), domain.ResultFailed, err.Error())
	case res == nil:
		return executor.Finish(executor.NewResult(ec), domain.ResultFailed, "executor returned no result")
	}

	res.RunID = ec.RunID
	res.UnitID = ec.UnitID
	res.ApplicationID = ec.ApplicationID
	res.Kind = ec.Kind
	res.Attempt = ec.Attempt
	if res.ID == "" || res.FinishedAt.IsZero() {
		fresh := executor.NewResult(ec)
		if res.ID == "" {
			res.ID = fresh.ID
		}
		if res.StartedAt.IsZero() {
			res.StartedAt = fresh.StartedAt
		}
		if res.FinishedAt.IsZero() {
			res.FinishedAt = time.Now()
			res.DurationMs = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
		}
	}
	return res
}

// complete records a result and updates run progress, requeueing the unit
// when it failed with retries left
func (s *Scheduler) complete(item *queuedUnit, result *domain.Result) {
	ctx := context.Background()
	u := item.unit

	if err := s.store.CreateResult(ctx, result); err != nil {
		s.logger.Error("persisting result", "run", u.RunID, "unit", u.ID, "error", err)
	}

	now := s.now()
	var (
		late, retry, terminal, finished bool
		retryAt                         time.Time
		runEvent                        events.RunPayload
	)

	s.mu.Lock()
	s.inFlight--
	rs := s.runs[u.RunID]
	rs.inFlight--

	switch {
	case rs.run.Status == domain.RunCancelled:
		late = true
		rs.late++
	case result.Status == domain.ResultFailed && u.RetryCount < u.MaxRetries:
		retry = true
		u.RetryCount++
		retryAt = now.Add(s.retryDelay)
		u.ScheduledAt = &retryAt
		s.seq++
		requeued := &queuedUnit{unit: u, seq: s.seq, retry: true}
		rs.queued++
		if s.strictDelay && s.retryDelay > 0 {
			s.delayed = append(s.delayed, requeued)
		} else {
			heap.Push(&s.queue, requeued)
		}
	default:
		terminal = true
		rs.run.ProgressCompleted++
		if result.Status == domain.ResultFailed {
			rs.failed++
		} else {
			rs.passed++
		}
		if !rs.run.Status.IsTerminal() && rs.run.ProgressCompleted >= rs.run.ProgressTotal {
			rs.run.Status = domain.RunCompleted
			rs.run.CompletedAt = &now
			finished = true
		}
		runEvent = runPayload(&rs.run, rs.passed, rs.failed)
	}
	s.mu.Unlock()

	unitEvent := events.UnitPayload{
		RunID:         u.RunID,
		UnitID:        u.ID,
		ApplicationID: u.ApplicationID,
		Kind:          string(u.Kind),
		Attempt:       result.Attempt,
		Status:        string(result.Status),
		Error:         result.Error,
		DurationMs:    result.DurationMs,
		WillRetry:     retry,
		Late:          late,
	}
	if result.Status == domain.ResultFailed {
		s.emit(events.TypeUnitFailed, unitEvent)
	} else {
		s.emit(events.TypeUnitCompleted, unitEvent)
	}

	switch {
	case late:
		s.logger.Info("late result for cancelled run", "run", u.RunID, "app", u.ApplicationID, "kind", u.Kind, "status", result.Status)
	case retry:
		s.logger.Info("retrying unit",
			"run", u.RunID,
			"app", u.ApplicationID,
			"kind", u.Kind,
			"attempt", u.Attempt(),
			"error", result.Error)
		if s.strictDelay && s.retryDelay > 0 {
			time.AfterFunc(s.retryDelay, s.drain)
		}
	case terminal:
		s.persistRun(ctx, u.RunID)
		s.emit(events.TypeRunProgress, runEvent)
		if finished {
			s.logger.Info("run completed",
				"run", u.RunID,
				"passed", runEvent.Passed,
				"failed", runEvent.Failed)
			s.emit(events.TypeRunCompleted, runEvent)
		}
	}

	s.prune(u.RunID)
	s.drain()
}

// persistRun writes the run's current in-memory state. Writes are serialized
// and always carry the latest values, so persisted progress never goes back.
func (s *Scheduler) persistRun(ctx context.Context, runID string) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	rs, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	status := rs.run.Status
	total := rs.run.ProgressTotal
	completed := rs.run.ProgressCompleted
	var completedAt *time.Time
	if rs.run.CompletedAt != nil {
		t := *rs.run.CompletedAt
		completedAt = &t
	}
	s.mu.Unlock()

	patch := domain.RunPatch{
		Status:            &status,
		ProgressTotal:     &total,
		ProgressCompleted: &completed,
		CompletedAt:       completedAt,
	}
	if err := s.store.UpdateRun(ctx, runID, patch); err != nil {
		s.logger.Error("persisting run", "run", runID, "error", err)
	}
}

// prune forgets a finished run once nothing of it is queued or executing
func (s *Scheduler) prune(runID string) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.runs[runID]; ok && rs.run.Status.IsTerminal() && rs.queued == 0 && rs.inFlight == 0 {
		delete(s.runs, runID)
	}
}
