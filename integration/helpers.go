//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// Env is a scratch appsentry installation: config, fleet file and database
// in a temp directory, pointed at a local target server.
type Env struct {
	Dir        string
	ConfigPath string
	FleetPath  string
	Target     *httptest.Server
}

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../appsentry",
		"./appsentry",
		filepath.Join(os.Getenv("GOPATH"), "bin", "appsentry"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../appsentry", "../cmd/appsentry")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	abs, _ := filepath.Abs("../appsentry")
	return abs
}

// newTarget serves /health (200) and /broken (503)
func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><title>ok</title></head></html>")
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// NewEnv writes a config and a two-application fleet file
func NewEnv(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	target := newTarget(t)
	env := &Env{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, "config.toml"),
		FleetPath:  filepath.Join(dir, "fleet.yaml"),
		Target:     target,
	}

	config := fmt.Sprintf(`[general]
database_path = %q
fleet_file = %q
artifact_dir = %q
log_level = "error"

[scheduler]
concurrency_limit = 2
max_retries = 1
retry_delay = "10ms"
redispatch_interval = "20ms"
unit_timeout = "5s"

[pool]
max_browsers = 1
health_interval = "0s"

[notifications]
desktop = false

[web]
port = 0
host = "127.0.0.1"
`, filepath.Join(dir, "appsentry.db"), env.FleetPath, filepath.Join(dir, "artifacts"))
	if err := os.WriteFile(env.ConfigPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	env.WriteFleet(t, fmt.Sprintf(`applications:
  - id: billing
    name: Billing
    environment: prod
    priority: 5
    health_check:
      url: %s/health
  - id: legacy
    environment: staging
    health_check:
      url: %s/broken
`, target.URL, target.URL))
	return env
}

// WriteFleet replaces the fleet file
func (e *Env) WriteFleet(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(e.FleetPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fleet file: %v", err)
	}
}

// Run executes the CLI with the env's config and returns combined output
func (e *Env) Run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--config", e.ConfigPath)
	out, err := exec.Command(binaryPath(t), args...).CombinedOutput()
	return string(out), err
}
