// Package api serves the HTTP API: run control, status queries and live
// lifecycle event streams over SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lijomadassery/appsentry/internal/browserpool"
	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/events"
	"github.com/lijomadassery/appsentry/internal/observer"
	"github.com/lijomadassery/appsentry/internal/schedule"
	"github.com/lijomadassery/appsentry/internal/scheduler"
	"github.com/lijomadassery/appsentry/internal/store"
)

// Store is the read side of persistence used by the API
type Store interface {
	ListApplications(ctx context.Context, filter store.ApplicationFilter) ([]*domain.Application, error)
	ActiveApplicationIDs(ctx context.Context) ([]string, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*domain.Run, error)
	ListResultsForRun(ctx context.Context, runID string) ([]*domain.Result, error)
}

// Runs controls test runs
type Runs interface {
	StartRun(ctx context.Context, applicationIDs []string, trigger domain.Trigger) (string, error)
	StopRun(ctx context.Context, runID string) error
	GetRunStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error)
	RetryFailed(ctx context.Context, runID, triggeredBy string) (string, error)
	Stats() scheduler.Stats
}

// Pool reports browser pool occupancy
type Pool interface {
	Stats() browserpool.Stats
}

// Metrics reports execution metrics
type Metrics interface {
	GetMetrics() observer.Metrics
}

// Schedules lists and fires cron schedules
type Schedules interface {
	Entries() []schedule.Entry
	Fire(ctx context.Context, name string) (string, error)
}

// Artifacts opens stored run artifacts
type Artifacts interface {
	Open(ref string) (io.ReadCloser, error)
}

// Deps are the components the server exposes. Pool, Metrics, Schedules,
// Artifacts and Bus are optional.
type Deps struct {
	Store     Store
	Runs      Runs
	Pool      Pool
	Metrics   Metrics
	Schedules Schedules
	Artifacts Artifacts
	Bus       *events.Bus
}

// Server is the HTTP API server
type Server struct {
	Deps
	addr   string
	router chi.Router
	hub    *Hub
	sub    *events.Subscription
	logger *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server
func NewServer(deps Deps, addr string, opts ...Option) *Server {
	s := &Server{
		Deps:   deps,
		addr:   addr,
		router: chi.NewRouter(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.statusHandler)
		r.Get("/applications", s.listApplicationsHandler)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRunsHandler)
			r.Post("/", s.startRunHandler)
			r.Get("/{id}", s.getRunHandler)
			r.Post("/{id}/stop", s.stopRunHandler)
			r.Post("/{id}/retry", s.retryRunHandler)
			r.Get("/{id}/results", s.runResultsHandler)
		})

		r.Get("/pool", s.poolHandler)
		r.Get("/metrics", s.metricsHandler)
		r.Get("/schedules", s.listSchedulesHandler)
		r.Post("/schedules/{name}/fire", s.fireScheduleHandler)

		r.Get("/events", s.sseHandler)
		r.Get("/ws", s.wsHandler)
		r.Get("/artifacts/*", s.artifactHandler)
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event fan-out hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.Bus != nil {
		s.sub = s.Bus.Subscribe(func(_ context.Context, e cloudevents.Event) {
			s.hub.Broadcast(fromCloudEvent(e))
		})
		defer s.sub.Unsubscribe()
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
