package fleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lijomadassery/appsentry/internal/store"
)

const validFleet = `
applications:
  - id: billing
    name: Billing
    environment: prod
    team: payments
    priority: 5
    health_check:
      url: https://billing.example.com/health
      expected_status: 200
      timeout: 3s
    login_flow:
      login_url: https://billing.example.com/login
      username: probe
      password_env: BILLING_PASSWORD
      success_url_contains: /dashboard
  - id: wiki
    active: false
    health_check:
      url: https://wiki.example.com/
`

func TestParse_Valid(t *testing.T) {
	apps, err := Parse([]byte(validFleet))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("len(apps) = %d, want 2", len(apps))
	}

	billing := apps[0]
	if billing.ID != "billing" || billing.Name != "Billing" || billing.Priority != 5 {
		t.Errorf("billing = %+v", billing)
	}
	if !billing.Active {
		t.Error("billing.Active = false, want true by default")
	}
	if billing.HealthCheck == nil || billing.HealthCheck.Timeout != 3*time.Second {
		t.Errorf("billing.HealthCheck = %+v, want timeout 3s", billing.HealthCheck)
	}
	if billing.LoginFlow == nil || billing.LoginFlow.PasswordEnv != "BILLING_PASSWORD" {
		t.Errorf("billing.LoginFlow = %+v", billing.LoginFlow)
	}
	if len(billing.EnabledKinds()) != 2 {
		t.Errorf("billing kinds = %v, want 2", billing.EnabledKinds())
	}

	wiki := apps[1]
	if wiki.Active {
		t.Error("wiki.Active = true, want false")
	}
	if wiki.Name != "wiki" {
		t.Errorf("wiki.Name = %q, want id fallback", wiki.Name)
	}
	if wiki.LoginFlow != nil {
		t.Errorf("wiki.LoginFlow = %+v, want nil", wiki.LoginFlow)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ``},
		{"missing applications", `foo: bar`},
		{"unknown field", "applications:\n  - id: a\n    colour: red\n"},
		{"bad id", "applications:\n  - id: Not Valid\n"},
		{"health check without url", "applications:\n  - id: a\n    health_check:\n      method: GET\n"},
		{"bad duration", "applications:\n  - id: a\n    health_check:\n      url: https://a.example.com\n      timeout: soon\n"},
		{"status out of range", "applications:\n  - id: a\n    health_check:\n      url: https://a.example.com\n      expected_status: 700\n"},
		{"bad scheme", "applications:\n  - id: a\n    health_check:\n      url: ftp://a.example.com\n"},
		{"login without success condition", "applications:\n  - id: a\n    login_flow:\n      login_url: https://a.example.com/login\n      username: u\n"},
		{"duplicate id", "applications:\n  - id: a\n  - id: a\n"},
		{"not yaml", "applications: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidFleet) {
				t.Errorf("Parse() error = %v, want ErrInvalidFleet", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSync_UpsertsAndDeactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := Parse([]byte(`
applications:
  - id: a
    health_check: {url: "https://a.example.com"}
  - id: b
    health_check: {url: "https://b.example.com"}
`))
	if err != nil {
		t.Fatal(err)
	}
	report, err := Sync(ctx, s, first)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Upserted != 2 || len(report.Deactivated) != 0 {
		t.Errorf("report = %+v, want 2 upserted, none deactivated", report)
	}

	second, err := Parse([]byte(`
applications:
  - id: a
    name: Renamed
    health_check: {url: "https://a.example.com"}
`))
	if err != nil {
		t.Fatal(err)
	}
	report, err = Sync(ctx, s, second)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(report.Deactivated) != 1 || report.Deactivated[0] != "b" {
		t.Errorf("Deactivated = %v, want [b]", report.Deactivated)
	}

	a, err := s.GetApplication(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "Renamed" {
		t.Errorf("a.Name = %q, want Renamed", a.Name)
	}
	b, err := s.GetApplication(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if b.Active {
		t.Error("b.Active = true, want false after removal from fleet")
	}
}

func TestWatcher_ResyncsOnWrite(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte("applications: []\n"), 0644); err != nil {
		t.Fatal(err)
	}

	synced := make(chan SyncReport, 4)
	w, err := NewWatcher(path, s,
		WithDebounce(20*time.Millisecond),
		WithOnSync(func(r SyncReport, err error) {
			if err == nil {
				synced <- r
			}
		}))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	content := "applications:\n  - id: late\n    health_check: {url: \"https://late.example.com\"}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-synced:
		if r.Upserted != 1 {
			t.Errorf("Upserted = %d, want 1", r.Upserted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not re-sync")
	}

	if _, err := s.GetApplication(context.Background(), "late"); err != nil {
		t.Errorf("GetApplication(late) error = %v", err)
	}
}
