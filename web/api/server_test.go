package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lijomadassery/appsentry/internal/artifacts"
	"github.com/lijomadassery/appsentry/internal/browserpool"
	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/events"
	"github.com/lijomadassery/appsentry/internal/observer"
	"github.com/lijomadassery/appsentry/internal/scheduler"
	"github.com/lijomadassery/appsentry/internal/store"
)

type mockRuns struct {
	mu      sync.Mutex
	store   *store.Store
	started [][]string
	stopped []string
}

func (m *mockRuns) StartRun(ctx context.Context, ids []string, trigger domain.Trigger) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) == 0 {
		return "", scheduler.ErrNoApplications
	}
	m.started = append(m.started, ids)
	id := fmt.Sprintf("run-%d", len(m.started))
	run := &domain.Run{ID: id, Trigger: trigger, TargetApplicationIDs: ids, Status: domain.RunPending, StartedAt: time.Now()}
	return id, m.store.CreateRun(ctx, run)
}

func (m *mockRuns) StopRun(ctx context.Context, runID string) error {
	snap, err := m.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if snap.Run.Status.IsTerminal() {
		return scheduler.ErrRunTerminal
	}
	m.mu.Lock()
	m.stopped = append(m.stopped, runID)
	m.mu.Unlock()
	st := domain.RunCancelled
	return m.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &st})
}

func (m *mockRuns) GetRunStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	run, err := m.store.FindRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrRunNotFound, runID)
	}
	return &domain.RunSnapshot{Run: run, Queued: 1}, nil
}

func (m *mockRuns) RetryFailed(ctx context.Context, runID, by string) (string, error) {
	if _, err := m.GetRunStatus(ctx, runID); err != nil {
		return "", err
	}
	return m.StartRun(ctx, []string{"billing"}, domain.Trigger{Kind: domain.TriggerRetryOf, Source: runID, TriggeredBy: by})
}

func (m *mockRuns) Stats() scheduler.Stats {
	return scheduler.Stats{Limit: 4}
}

type mockPool struct{}

func (mockPool) Stats() browserpool.Stats { return browserpool.Stats{Total: 2, Available: 1, Busy: 1} }

func newTestServer(t *testing.T) (*Server, *store.Store, *mockRuns) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, app := range []*domain.Application{
		{ID: "billing", Name: "Billing", Environment: "prod", Active: true, Priority: 5,
			HealthCheck: &domain.HealthCheckConfig{URL: "https://billing.example.com/health"}},
		{ID: "wiki", Name: "Wiki", Environment: "staging", Active: false,
			HealthCheck: &domain.HealthCheckConfig{URL: "https://wiki.example.com/"}},
	} {
		if err := st.UpsertApplication(ctx, app); err != nil {
			t.Fatal(err)
		}
	}

	runs := &mockRuns{store: st}
	srv := NewServer(Deps{
		Store:   st,
		Runs:    runs,
		Pool:    mockPool{},
		Metrics: observer.New(time.Minute),
	}, ":0")
	return srv, st, runs
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestListApplicationsHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, "GET", "/api/applications", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var apps []ApplicationResponse
	json.NewDecoder(w.Body).Decode(&apps)
	if len(apps) != 2 {
		t.Errorf("Application count = %d, want 2", len(apps))
	}

	w = do(t, srv, "GET", "/api/applications?active=true", "")
	apps = nil
	json.NewDecoder(w.Body).Decode(&apps)
	if len(apps) != 1 || apps[0].ID != "billing" {
		t.Errorf("active applications = %+v, want [billing]", apps)
	}
	if len(apps) == 1 && (len(apps[0].Kinds) != 1 || apps[0].Kinds[0] != domain.KindHealthCheck) {
		t.Errorf("Kinds = %v, want [health_check]", apps[0].Kinds)
	}
}

func TestStartRunHandler(t *testing.T) {
	srv, _, runs := newTestServer(t)

	w := do(t, srv, "POST", "/api/runs", `{"triggered_by":"alice"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var created RunCreatedResponse
	json.NewDecoder(w.Body).Decode(&created)
	if created.RunID == "" {
		t.Fatal("RunID is empty")
	}
	if len(runs.started[0]) != 1 || runs.started[0][0] != "billing" {
		t.Errorf("started ids = %v, want active applications only", runs.started[0])
	}

	w = do(t, srv, "POST", "/api/runs", `{"application_ids":["billing","wiki"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201", w.Code)
	}
	if len(runs.started[1]) != 2 {
		t.Errorf("started ids = %v, want explicit ids", runs.started[1])
	}

	w = do(t, srv, "POST", "/api/runs", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for bad body", w.Code)
	}
}

func TestRunLifecycleHandlers(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	w := do(t, srv, "POST", "/api/runs", "")
	var created RunCreatedResponse
	json.NewDecoder(w.Body).Decode(&created)

	w = do(t, srv, "GET", "/api/runs/"+created.RunID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET run Status = %d, want 200", w.Code)
	}
	var status RunStatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if status.ID != created.RunID || status.Queued != 1 {
		t.Errorf("status = %+v", status)
	}

	if err := st.CreateResult(ctx, &domain.Result{
		ID: "res-1", RunID: created.RunID, UnitID: "u1", ApplicationID: "billing",
		Kind: domain.KindHealthCheck, Status: domain.ResultFailed, Attempt: 1,
		StartedAt: time.Now(), FinishedAt: time.Now(), Error: "status 503",
	}); err != nil {
		t.Fatal(err)
	}
	w = do(t, srv, "GET", "/api/runs/"+created.RunID+"/results", "")
	var results []ResultResponse
	json.NewDecoder(w.Body).Decode(&results)
	if len(results) != 1 || results[0].Error != "status 503" {
		t.Errorf("results = %+v", results)
	}

	w = do(t, srv, "POST", "/api/runs/"+created.RunID+"/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop Status = %d, want 200", w.Code)
	}
	json.NewDecoder(w.Body).Decode(&status)
	if status.Status != string(domain.RunCancelled) {
		t.Errorf("status after stop = %s, want cancelled", status.Status)
	}

	w = do(t, srv, "POST", "/api/runs/"+created.RunID+"/stop", "")
	if w.Code != http.StatusConflict {
		t.Errorf("second stop Status = %d, want 409", w.Code)
	}

	w = do(t, srv, "POST", "/api/runs/"+created.RunID+"/retry", `{"triggered_by":"bob"}`)
	if w.Code != http.StatusCreated {
		t.Errorf("retry Status = %d, want 201", w.Code)
	}

	w = do(t, srv, "GET", "/api/runs?limit=1", "")
	var list []RunResponse
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0].TriggerKind != string(domain.TriggerRetryOf) {
		t.Errorf("latest runs = %+v, want the retry run", list)
	}
}

func TestRunHandlers_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/runs/nope"},
		{"POST", "/api/runs/nope/stop"},
		{"POST", "/api/runs/nope/retry"},
		{"GET", "/api/runs/nope/results"},
	} {
		w := do(t, srv, tc.method, tc.path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s Status = %d, want 404", tc.method, tc.path, w.Code)
		}
	}

	w := do(t, srv, "GET", "/api/runs?status=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for bad status filter", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, "POST", "/api/runs", "")

	w := do(t, srv, "GET", "/api/status", "")
	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.Applications != 2 {
		t.Errorf("Applications = %d, want 2", status.Applications)
	}
	if status.ActiveApplications != 1 {
		t.Errorf("ActiveApplications = %d, want 1", status.ActiveApplications)
	}
	if status.Pool == nil || status.Pool.Total != 2 {
		t.Errorf("Pool = %+v, want total 2", status.Pool)
	}
	if status.Scheduler.Limit != 4 {
		t.Errorf("Scheduler.Limit = %d, want 4", status.Scheduler.Limit)
	}
	if status.LastRun == nil {
		t.Error("LastRun = nil, want the started run")
	}
}

func TestPoolAndMetricsHandlers(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, "GET", "/api/pool", "")
	var stats browserpool.Stats
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.Busy != 1 {
		t.Errorf("Busy = %d, want 1", stats.Busy)
	}

	w = do(t, srv, "GET", "/api/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("metrics Status = %d, want 200", w.Code)
	}
}

func TestArtifactHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)
	dir := t.TempDir()
	fs := artifacts.NewFileStore(dir)
	srv.Artifacts = fs

	ref, err := fs.Save(context.Background(), "run-1", "billing-login.html", []byte("<html>ok</html>"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, ref)); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, "GET", "/api/artifacts/"+ref, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if w.Body.String() != "<html>ok</html>" {
		t.Errorf("Body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}

	w = do(t, srv, "GET", "/api/artifacts/run-1/missing.html", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing Status = %d, want 404", w.Code)
	}
	w = do(t, srv, "GET", "/api/artifacts/a/b/c", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid ref Status = %d, want 400", w.Code)
	}
}

func startHub(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEHandler_StreamsEvents(t *testing.T) {
	srv, _, _ := newTestServer(t)
	startHub(t, srv)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events?run_id=r1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	waitClients(t, srv.hub, 1)

	srv.hub.Broadcast(fromCloudEvent(events.New(events.TypeRunStarted, events.RunPayload{RunID: "other"})))
	srv.hub.Broadcast(fromCloudEvent(events.New(events.TypeRunCompleted, events.RunPayload{RunID: "r1", Status: "completed"})))

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}
	if eventLine != events.TypeRunCompleted {
		t.Errorf("event = %q, want run completed (filtered by run)", eventLine)
	}
	var ev SSEEvent
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.RunID != "r1" {
		t.Errorf("RunID = %q, want r1", ev.RunID)
	}
}

func TestWSHandler_StreamsEvents(t *testing.T) {
	srv, _, _ := newTestServer(t)
	startHub(t, srv)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitClients(t, srv.hub, 1)

	srv.hub.Broadcast(fromCloudEvent(events.New(events.TypeUnitStarted, events.UnitPayload{RunID: "r1", UnitID: "u1"})))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev SSEEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != events.TypeUnitStarted || ev.RunID != "r1" {
		t.Errorf("event = %+v", ev)
	}
}
