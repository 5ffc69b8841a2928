//go:build integration

package integration

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"testing"
)

func TestCLI_Sync(t *testing.T) {
	env := NewEnv(t)

	out, err := env.Run(t, "sync")
	if err != nil {
		t.Fatalf("sync command failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Synced 2 applications") {
		t.Errorf("Expected 'Synced 2 applications' in output, got: %s", out)
	}
}

func TestCLI_SyncDeactivatesRemoved(t *testing.T) {
	env := NewEnv(t)
	if out, err := env.Run(t, "sync"); err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}

	env.WriteFleet(t, fmt.Sprintf(`applications:
  - id: billing
    health_check:
      url: %s/health
`, env.Target.URL))

	out, err := env.Run(t, "sync")
	if err != nil {
		t.Fatalf("second sync failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "deactivated legacy") {
		t.Errorf("Expected legacy to be deactivated, got: %s", out)
	}

	out, err = env.Run(t, "apps", "--active")
	if err != nil {
		t.Fatalf("apps failed: %v\n%s", err, out)
	}
	if strings.Contains(out, "legacy") {
		t.Errorf("inactive application listed with --active: %s", out)
	}
}

func TestCLI_SyncRejectsInvalidFleet(t *testing.T) {
	env := NewEnv(t)
	env.WriteFleet(t, "applications:\n  - id: Not Valid\n")

	out, err := env.Run(t, "sync")
	if err == nil {
		t.Fatalf("sync should fail on an invalid fleet file, got: %s", out)
	}
	if !strings.Contains(out, "invalid fleet") {
		t.Errorf("Expected 'invalid fleet' in output, got: %s", out)
	}
}

func TestCLI_Apps(t *testing.T) {
	env := NewEnv(t)
	if out, err := env.Run(t, "sync"); err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}

	out, err := env.Run(t, "apps")
	if err != nil {
		t.Fatalf("apps command failed: %v\n%s", err, out)
	}
	for _, want := range []string{"ID", "KINDS", "billing", "legacy", "health_check"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got: %s", want, out)
		}
	}

	out, err = env.Run(t, "apps", "--env", "staging")
	if err != nil {
		t.Fatalf("apps --env failed: %v\n%s", err, out)
	}
	if strings.Contains(out, "billing") || !strings.Contains(out, "legacy") {
		t.Errorf("Expected only legacy for staging, got: %s", out)
	}
}

func TestCLI_RunPassing(t *testing.T) {
	env := NewEnv(t)
	if out, err := env.Run(t, "sync"); err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}

	out, err := env.Run(t, "run", "billing")
	if err != nil {
		t.Fatalf("run command failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed (1/1)") || !strings.Contains(out, "1 passed, 0 failed") {
		t.Errorf("Expected a completed passing run, got: %s", out)
	}
}

func TestCLI_RunFailingExitsNonZero(t *testing.T) {
	env := NewEnv(t)
	if out, err := env.Run(t, "sync"); err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}

	out, err := env.Run(t, "run")
	var exitErr *exec.ExitError
	if err == nil || !errors.As(err, &exitErr) {
		t.Fatalf("run with a failing application should exit non-zero, got err=%v\n%s", err, out)
	}
	if !strings.Contains(out, "1 passed, 1 failed") {
		t.Errorf("Expected '1 passed, 1 failed', got: %s", out)
	}
	if !strings.Contains(out, "503") {
		t.Errorf("Expected the 503 failure in output, got: %s", out)
	}
}

func TestCLI_Status(t *testing.T) {
	env := NewEnv(t)
	if out, err := env.Run(t, "sync"); err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}

	out, err := env.Run(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No runs yet") {
		t.Errorf("Expected 'No runs yet', got: %s", out)
	}

	runOut, err := env.Run(t, "run", "billing", "--by", "ci")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, runOut)
	}
	runID := regexp.MustCompile(`Started run (\S+)`).FindStringSubmatch(runOut)
	if runID == nil {
		t.Fatalf("no run ID in output: %s", runOut)
	}

	out, err = env.Run(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, runID[1]) || !strings.Contains(out, "manual:cli") {
		t.Errorf("Expected run %s in status, got: %s", runID[1], out)
	}

	out, err = env.Run(t, "status", runID[1])
	if err != nil {
		t.Fatalf("status RUN failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "APPLICATION") || !strings.Contains(out, "billing") {
		t.Errorf("Expected per-unit results, got: %s", out)
	}
}

func TestCLI_StatusUnknownRun(t *testing.T) {
	env := NewEnv(t)
	out, err := env.Run(t, "status", "does-not-exist")
	if err == nil {
		t.Fatalf("status of an unknown run should fail, got: %s", out)
	}
	if !strings.Contains(out, "not found") {
		t.Errorf("Expected 'not found', got: %s", out)
	}
}
