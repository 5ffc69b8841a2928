package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeContext(cfg domain.TestConfig) ExecContext {
	return ExecContext{
		RunID:         "run-1",
		UnitID:        "unit-1",
		ApplicationID: "billing",
		Kind:          domain.KindHealthCheck,
		Config:        cfg,
		Attempt:       1,
		StartedAt:     time.Now(),
	}
}

func TestHealthCheckExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, `{"status":"UP"}`)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		cfg     *domain.HealthCheckConfig
		want    domain.ResultStatus
		wantErr string
	}{
		{"passes on 200", &domain.HealthCheckConfig{URL: srv.URL + "/ok"}, domain.ResultPassed, ""},
		{"body match", &domain.HealthCheckConfig{URL: srv.URL + "/ok", Contains: "UP"}, domain.ResultPassed, ""},
		{"body mismatch", &domain.HealthCheckConfig{URL: srv.URL + "/ok", Contains: "DOWN"}, domain.ResultFailed, "does not contain"},
		{"not found", &domain.HealthCheckConfig{URL: srv.URL + "/missing"}, domain.ResultFailed, "unexpected status 404"},
		{"expected status", &domain.HealthCheckConfig{URL: srv.URL + "/created", ExpectedStatus: 201}, domain.ResultPassed, ""},
		{"wrong expected status", &domain.HealthCheckConfig{URL: srv.URL + "/ok", ExpectedStatus: 204}, domain.ResultFailed, "want 204"},
		{"timeout", &domain.HealthCheckConfig{URL: srv.URL + "/slow", Timeout: 20 * time.Millisecond}, domain.ResultFailed, "request failed"},
	}

	e := NewHealthCheckExecutor(nil, "appsentry-test", nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Execute(context.Background(), probeContext(tt.cfg))
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Status)
			assert.Contains(t, result.Error, tt.wantErr)
			assert.Equal(t, "run-1", result.RunID)
			assert.Equal(t, "billing", result.ApplicationID)
			assert.Equal(t, 1, result.Attempt)
			assert.NotEmpty(t, result.ID)
			assert.False(t, result.FinishedAt.Before(result.StartedAt))
		})
	}
}

func TestHealthCheckExecutor_Misconfigured(t *testing.T) {
	e := NewHealthCheckExecutor(nil, "", nil)

	_, err := e.Execute(context.Background(), probeContext(&domain.HealthCheckConfig{URL: "not a url"}))
	require.ErrorIs(t, err, ErrMisconfigured)

	_, err = e.Execute(context.Background(), probeContext(&domain.LoginFlowConfig{}))
	require.ErrorIs(t, err, ErrMisconfigured)
}

func TestRegistry(t *testing.T) {
	probe := NewHealthCheckExecutor(nil, "", nil)
	fake := Func{TestKind: domain.KindLoginFlow, Fn: func(ctx context.Context, ec ExecContext) (*domain.Result, error) {
		return Finish(NewResult(ec), domain.ResultPassed, ""), nil
	}}
	r := NewRegistry(probe, fake)

	got, ok := r.For(domain.KindHealthCheck)
	require.True(t, ok)
	assert.Same(t, probe, got)

	_, ok = r.For(domain.TestKind("smoke"))
	assert.False(t, ok)

	assert.Equal(t, []domain.TestKind{domain.KindHealthCheck, domain.KindLoginFlow}, r.Kinds())
}
