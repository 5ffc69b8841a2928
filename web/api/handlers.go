package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lijomadassery/appsentry/internal/artifacts"
	"github.com/lijomadassery/appsentry/internal/browserpool"
	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/schedule"
	"github.com/lijomadassery/appsentry/internal/scheduler"
	"github.com/lijomadassery/appsentry/internal/store"
)

const defaultRunLimit = 50

// ApplicationResponse is the API response for an application
type ApplicationResponse struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Environment string                    `json:"environment,omitempty"`
	Team        string                    `json:"team,omitempty"`
	Active      bool                      `json:"active"`
	Priority    int                       `json:"priority"`
	Kinds       []domain.TestKind         `json:"kinds"`
	HealthCheck *domain.HealthCheckConfig `json:"health_check,omitempty"`
	LoginFlow   *domain.LoginFlowConfig   `json:"login_flow,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// RunResponse is the API response for a run
type RunResponse struct {
	ID                   string     `json:"id"`
	Status               string     `json:"status"`
	TriggerKind          string     `json:"trigger_kind"`
	TriggerSource        string     `json:"trigger_source,omitempty"`
	TriggeredBy          string     `json:"triggered_by,omitempty"`
	TargetApplicationIDs []string   `json:"target_application_ids"`
	ProgressTotal        int        `json:"progress_total"`
	ProgressCompleted    int        `json:"progress_completed"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// RunStatusResponse is a run with its live counts
type RunStatusResponse struct {
	RunResponse
	Queued      int `json:"queued"`
	InFlight    int `json:"in_flight"`
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
	LateResults int `json:"late_results"`
}

// ResultResponse is the API response for one executed attempt
type ResultResponse struct {
	ID            string         `json:"id"`
	UnitID        string         `json:"unit_id"`
	ApplicationID string         `json:"application_id"`
	Kind          string         `json:"kind"`
	Status        string         `json:"status"`
	Attempt       int            `json:"attempt"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	DurationMs    int64          `json:"duration_ms"`
	Error         string         `json:"error,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ArtifactRefs  []string       `json:"artifact_refs,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Applications       int                `json:"applications"`
	ActiveApplications int                `json:"active_applications"`
	Scheduler          scheduler.Stats    `json:"scheduler"`
	Pool               *browserpool.Stats `json:"pool,omitempty"`
	LastRun            *RunResponse       `json:"last_run,omitempty"`
	Schedules          []schedule.Entry   `json:"schedules,omitempty"`
	EventClients       int                `json:"event_clients"`
}

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	ApplicationIDs []string `json:"application_ids"`
	TriggeredBy    string   `json:"triggered_by"`
}

// RetryRunRequest is the body of POST /api/runs/{id}/retry
type RetryRunRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

// RunCreatedResponse is returned when a run is started
type RunCreatedResponse struct {
	RunID string `json:"run_id"`
}

func applicationToResponse(a *domain.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:          a.ID,
		Name:        a.Name,
		Environment: a.Environment,
		Team:        a.Team,
		Active:      a.Active,
		Priority:    a.Priority,
		Kinds:       a.EnabledKinds(),
		HealthCheck: a.HealthCheck,
		LoginFlow:   a.LoginFlow,
		UpdatedAt:   a.UpdatedAt,
	}
}

func runToResponse(r *domain.Run) RunResponse {
	ids := r.TargetApplicationIDs
	if ids == nil {
		ids = []string{}
	}
	return RunResponse{
		ID:                   r.ID,
		Status:               string(r.Status),
		TriggerKind:          string(r.Trigger.Kind),
		TriggerSource:        r.Trigger.Source,
		TriggeredBy:          r.Trigger.TriggeredBy,
		TargetApplicationIDs: ids,
		ProgressTotal:        r.ProgressTotal,
		ProgressCompleted:    r.ProgressCompleted,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
	}
}

func snapshotToResponse(s *domain.RunSnapshot) RunStatusResponse {
	return RunStatusResponse{
		RunResponse: runToResponse(s.Run),
		Queued:      s.Queued,
		InFlight:    s.InFlight,
		Passed:      s.Passed,
		Failed:      s.Failed,
		LateResults: s.LateResults,
	}
}

func resultToResponse(r *domain.Result) ResultResponse {
	return ResultResponse{
		ID:            r.ID,
		UnitID:        r.UnitID,
		ApplicationID: r.ApplicationID,
		Kind:          string(r.Kind),
		Status:        string(r.Status),
		Attempt:       r.Attempt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		DurationMs:    r.DurationMs,
		Error:         r.Error,
		Payload:       r.Payload,
		ArtifactRefs:  r.ArtifactRefs,
	}
}

// writeRunError maps scheduler errors to HTTP status codes
func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrRunTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNoApplications):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, scheduler.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apps, err := s.Store.ListApplications(ctx, store.ApplicationFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := StatusResponse{
		Applications: len(apps),
		Scheduler:    s.Runs.Stats(),
		EventClients: s.hub.Clients(),
	}
	for _, a := range apps {
		if a.Active {
			status.ActiveApplications++
		}
	}
	if s.Pool != nil {
		stats := s.Pool.Stats()
		status.Pool = &stats
	}
	if s.Schedules != nil {
		status.Schedules = s.Schedules.Entries()
	}

	runs, err := s.Store.ListRuns(ctx, store.RunFilter{Limit: 1})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(runs) > 0 {
		last := runToResponse(runs[0])
		status.LastRun = &last
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApplicationFilter{
		ActiveOnly:  q.Get("active") == "true",
		Environment: q.Get("environment"),
		Team:        q.Get("team"),
	}

	apps, err := s.Store.ListApplications(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]ApplicationResponse, len(apps))
	for i, a := range apps {
		resp[i] = applicationToResponse(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Limit: defaultRunLimit}

	if raw := q.Get("status"); raw != "" {
		st := domain.RunStatus(raw)
		switch st {
		case domain.RunPending, domain.RunRunning, domain.RunCompleted, domain.RunCancelled:
			filter.Status = st
		default:
			writeError(w, http.StatusBadRequest, "invalid status: "+raw)
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		filter.Limit = n
	}

	runs, err := s.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]RunResponse, len(runs))
	for i, run := range runs {
		resp[i] = runToResponse(run)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startRunHandler(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	ids := req.ApplicationIDs
	if len(ids) == 0 {
		var err error
		ids, err = s.Store.ActiveApplicationIDs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	runID, err := s.Runs.StartRun(r.Context(), ids, domain.Trigger{
		Kind:        domain.TriggerManual,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RunCreatedResponse{RunID: runID})
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Runs.GetRunStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(snap))
}

func (s *Server) stopRunHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Runs.StopRun(r.Context(), id); err != nil {
		writeRunError(w, err)
		return
	}
	snap, err := s.Runs.GetRunStatus(r.Context(), id)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(snap))
}

func (s *Server) retryRunHandler(w http.ResponseWriter, r *http.Request) {
	var req RetryRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	runID, err := s.Runs.RetryFailed(r.Context(), chi.URLParam(r, "id"), req.TriggeredBy)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RunCreatedResponse{RunID: runID})
}

// runResultsHandler lists every attempt of a run; ?final=true keeps only
// the last attempt of each unit
func (s *Server) runResultsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Runs.GetRunStatus(r.Context(), id); err != nil {
		writeRunError(w, err)
		return
	}

	results, err := s.Store.ListResultsForRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.URL.Query().Get("final") == "true" {
		results = scheduler.FinalResults(results)
	}

	resp := make([]ResultResponse, len(results))
	for i, res := range results {
		resp[i] = resultToResponse(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		writeJSON(w, http.StatusOK, browserpool.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.Stats())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.Metrics.GetMetrics())
}

func (s *Server) listSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeJSON(w, http.StatusOK, []schedule.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.Schedules.Entries())
}

func (s *Server) fireScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeError(w, http.StatusNotFound, "no schedules configured")
		return
	}
	runID, err := s.Schedules.Fire(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, schedule.ErrUnknownSchedule):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeRunError(w, err)
	case runID == "":
		writeError(w, http.StatusConflict, "previous run of this schedule is still active")
	default:
		writeJSON(w, http.StatusCreated, RunCreatedResponse{RunID: runID})
	}
}

func (s *Server) artifactHandler(w http.ResponseWriter, r *http.Request) {
	if s.Artifacts == nil {
		writeError(w, http.StatusNotFound, "artifacts not enabled")
		return
	}
	ref := chi.URLParam(r, "*")
	rc, err := s.Artifacts.Open(ref)
	if err != nil {
		switch {
		case errors.Is(err, artifacts.ErrInvalidRef):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusNotFound, "artifact not found")
		}
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(path.Ext(ref))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	io.Copy(w, rc)
}
