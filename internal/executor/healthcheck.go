package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
)

const (
	defaultProbeTimeout = 10 * time.Second
	maxProbeBody        = 1 << 20
)

// HealthCheckExecutor probes an HTTP endpoint
type HealthCheckExecutor struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHealthCheckExecutor creates a probe executor. A nil client uses a
// default client that does not share cookies between probes.
func NewHealthCheckExecutor(client *http.Client, userAgent string, logger *slog.Logger) *HealthCheckExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthCheckExecutor{client: client, userAgent: userAgent, logger: logger}
}

// Kind implements KindExecutor
func (e *HealthCheckExecutor) Kind() domain.TestKind { return domain.KindHealthCheck }

// Execute implements Executor
func (e *HealthCheckExecutor) Execute(ctx context.Context, ec ExecContext) (*domain.Result, error) {
	cfg, ok := ec.Config.(*domain.HealthCheckConfig)
	if !ok {
		return nil, fmt.Errorf("%w: expected health check config, got %T", ErrMisconfigured, ec.Config)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	result := NewResult(ec)
	result.Payload["url"] = cfg.URL

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrMisconfigured, err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start)
	result.Payload["latency_ms"] = latency.Milliseconds()
	if err != nil {
		e.logger.Debug("health probe failed", "app", ec.ApplicationID, "error", err)
		return Finish(result, domain.ResultFailed, fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	result.Payload["status_code"] = resp.StatusCode
	result.Payload["final_url"] = resp.Request.URL.String()

	if !statusMatches(resp.StatusCode, cfg.ExpectedStatus) {
		want := "2xx or 3xx"
		if cfg.ExpectedStatus != 0 {
			want = fmt.Sprintf("%d", cfg.ExpectedStatus)
		}
		return Finish(result, domain.ResultFailed, fmt.Sprintf("unexpected status %d, want %s", resp.StatusCode, want)), nil
	}

	if cfg.Contains != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
		if err != nil {
			return Finish(result, domain.ResultFailed, fmt.Sprintf("reading body: %v", err)), nil
		}
		if !strings.Contains(string(body), cfg.Contains) {
			return Finish(result, domain.ResultFailed, fmt.Sprintf("body does not contain %q", cfg.Contains)), nil
		}
	}

	return Finish(result, domain.ResultPassed, ""), nil
}

func statusMatches(got, want int) bool {
	if want != 0 {
		return got == want
	}
	return got >= 200 && got < 400
}
