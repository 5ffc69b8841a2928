package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
)

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "json").Debug("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("json logger output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info at warn level should be dropped, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "", "").Info("kept", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text logger output = %q", buf.String())
	}
}

func TestPrintRun_FinalAttemptsAndLate(t *testing.T) {
	completed := time.Now()
	run := &domain.Run{
		ID:                "run-1",
		Status:            domain.RunCancelled,
		ProgressTotal:     3,
		ProgressCompleted: 2,
		CompletedAt:       &completed,
	}
	results := []*domain.Result{
		{UnitID: "u1", ApplicationID: "billing", Kind: domain.KindHealthCheck, Status: domain.ResultFailed, Attempt: 1, Error: "status 503", FinishedAt: completed.Add(-2 * time.Second)},
		{UnitID: "u1", ApplicationID: "billing", Kind: domain.KindHealthCheck, Status: domain.ResultPassed, Attempt: 2, FinishedAt: completed.Add(-time.Second)},
		{UnitID: "u2", ApplicationID: "wiki", Kind: domain.KindHealthCheck, Status: domain.ResultFailed, Attempt: 1, Error: "timeout\ngoroutine 1", FinishedAt: completed.Add(-time.Second)},
		{UnitID: "u3", ApplicationID: "crm", Kind: domain.KindLoginFlow, Status: domain.ResultPassed, Attempt: 1, FinishedAt: completed.Add(time.Second)},
	}

	var buf bytes.Buffer
	failed := printRun(&buf, run, results)
	out := buf.String()

	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	for _, want := range []string{"Run run-1: cancelled (2/3)", "1 passed, 1 failed, 1 late", "timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "goroutine") {
		t.Errorf("error should be cut to one line:\n%s", out)
	}
}

func TestPrintApplications(t *testing.T) {
	var buf bytes.Buffer
	printApplications(&buf, []*domain.Application{
		{ID: "billing", Name: "Billing", Environment: "prod", Team: "payments", Priority: 5, Active: true,
			HealthCheck: &domain.HealthCheckConfig{URL: "https://billing.example.com/health"}},
	})
	out := buf.String()
	for _, want := range []string{"ID", "billing", "prod", "payments", "health_check"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

type stubRuns struct {
	statuses []domain.RunStatus
	calls    int
	err      error
}

func (s *stubRuns) GetRunStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	st := s.statuses[min(s.calls, len(s.statuses)-1)]
	s.calls++
	return &domain.RunSnapshot{Run: &domain.Run{ID: runID, Status: st}}, nil
}

func TestWaitForRun(t *testing.T) {
	runs := &stubRuns{statuses: []domain.RunStatus{domain.RunRunning, domain.RunRunning, domain.RunCompleted}}
	snap, err := waitForRun(context.Background(), runs, "run-1", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Run.Status != domain.RunCompleted || runs.calls != 3 {
		t.Errorf("status = %s after %d polls, want completed after 3", snap.Run.Status, runs.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = waitForRun(ctx, &stubRuns{statuses: []domain.RunStatus{domain.RunRunning}}, "run-2", time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	boom := errors.New("boom")
	if _, err := waitForRun(context.Background(), &stubRuns{err: boom}, "run-3", time.Millisecond); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("first\nsecond"); got != "first" {
		t.Errorf("oneLine = %q, want first", got)
	}
	long := strings.Repeat("x", 100)
	if got := oneLine(long); len(got) != 80 || !strings.HasSuffix(got, "...") {
		t.Errorf("oneLine(long) = %q", got)
	}
}
