package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lijomadassery/appsentry/internal/artifacts"
	"github.com/lijomadassery/appsentry/internal/browser"
	"github.com/lijomadassery/appsentry/internal/browserpool"
	"github.com/lijomadassery/appsentry/internal/domain"
)

const defaultLoginTimeout = 30 * time.Second

// BrowserPool is the subset of the browser pool used by login flows
type BrowserPool interface {
	Acquire(ctx context.Context) (*browserpool.Handle, error)
	Release(h *browserpool.Handle) error
	NewContext(ctx context.Context, h *browserpool.Handle, opts browser.ContextOptions) (browser.Context, error)
	CloseContext(h *browserpool.Handle, bc browser.Context) error
}

// LoginFlowOption configures a LoginFlowExecutor
type LoginFlowOption func(*LoginFlowExecutor)

// WithGetenv overrides how passwords are looked up
func WithGetenv(getenv func(string) string) LoginFlowOption {
	return func(e *LoginFlowExecutor) { e.getenv = getenv }
}

// WithUserAgent sets the user agent for login contexts
func WithUserAgent(ua string) LoginFlowOption {
	return func(e *LoginFlowExecutor) { e.userAgent = ua }
}

// WithLogger sets the executor logger
func WithLogger(logger *slog.Logger) LoginFlowOption {
	return func(e *LoginFlowExecutor) { e.logger = logger }
}

// LoginFlowExecutor signs in to an application through a pooled browser
type LoginFlowExecutor struct {
	pool      BrowserPool
	artifacts artifacts.Store
	getenv    func(string) string
	userAgent string
	logger    *slog.Logger
}

// NewLoginFlowExecutor creates a login flow executor. store may be nil, in
// which case no page snapshots are kept.
func NewLoginFlowExecutor(pool BrowserPool, store artifacts.Store, opts ...LoginFlowOption) *LoginFlowExecutor {
	e := &LoginFlowExecutor{
		pool:      pool,
		artifacts: store,
		getenv:    os.Getenv,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Kind implements KindExecutor
func (e *LoginFlowExecutor) Kind() domain.TestKind { return domain.KindLoginFlow }

// Execute implements Executor
func (e *LoginFlowExecutor) Execute(ctx context.Context, ec ExecContext) (*domain.Result, error) {
	cfg, ok := ec.Config.(*domain.LoginFlowConfig)
	if !ok {
		return nil, fmt.Errorf("%w: expected login flow config, got %T", ErrMisconfigured, ec.Config)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	password := ""
	if cfg.PasswordEnv != "" {
		password = e.getenv(cfg.PasswordEnv)
		if password == "" {
			return nil, fmt.Errorf("%w: password variable %s is not set", ErrMisconfigured, cfg.PasswordEnv)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring browser: %w", err)
	}
	defer func() {
		if err := e.pool.Release(h); err != nil {
			e.logger.Warn("releasing browser", "browser", h.ID(), "error", err)
		}
	}()

	bc, err := e.pool.NewContext(ctx, h, browser.ContextOptions{UserAgent: e.userAgent})
	if err != nil {
		return nil, err
	}
	defer e.pool.CloseContext(h, bc)

	result := NewResult(ec)
	result.Payload["browser_id"] = h.ID()

	page, err := bc.Navigate(ctx, cfg.LoginURL)
	if err != nil {
		return Finish(result, domain.ResultFailed, fmt.Sprintf("loading login page: %v", err)), nil
	}
	if page.StatusCode >= 400 {
		result.Payload["status_code"] = page.StatusCode
		return Finish(result, domain.ResultFailed, fmt.Sprintf("login page returned %d", page.StatusCode)), nil
	}

	action := cfg.SubmitURL
	if action == "" {
		action = page.URL
	}
	form := browser.Form{
		Action: action,
		Values: url.Values{
			fieldOr(cfg.UsernameField, "username"): {cfg.Username},
			fieldOr(cfg.PasswordField, "password"): {password},
		},
	}

	page, err = bc.Submit(ctx, form)
	if err != nil {
		return Finish(result, domain.ResultFailed, fmt.Sprintf("submitting credentials: %v", err)), nil
	}
	result.Payload["final_url"] = page.URL
	result.Payload["status_code"] = page.StatusCode
	result.Payload["title"] = page.Title

	if e.artifacts != nil {
		ref, err := e.artifacts.Save(ctx, ec.RunID, ec.ApplicationID+"-login.html", []byte(page.Body))
		if err != nil {
			e.logger.Warn("saving login snapshot", "app", ec.ApplicationID, "error", err)
		} else {
			result.ArtifactRefs = append(result.ArtifactRefs, ref)
		}
	}

	if msg := loginFailure(cfg, page); msg != "" {
		return Finish(result, domain.ResultFailed, msg), nil
	}
	return Finish(result, domain.ResultPassed, ""), nil
}

func loginFailure(cfg *domain.LoginFlowConfig, page *browser.Page) string {
	if page.StatusCode >= 400 {
		return fmt.Sprintf("login returned %d", page.StatusCode)
	}
	if cfg.FailureText != "" && strings.Contains(page.Body, cfg.FailureText) {
		return fmt.Sprintf("failure text %q present after login", cfg.FailureText)
	}
	if cfg.SuccessURLContains != "" && !strings.Contains(page.URL, cfg.SuccessURLContains) {
		return fmt.Sprintf("landed on %s, want URL containing %q", page.URL, cfg.SuccessURLContains)
	}
	if cfg.SuccessText != "" && !strings.Contains(page.Body, cfg.SuccessText) {
		return fmt.Sprintf("success text %q not found", cfg.SuccessText)
	}
	return ""
}

func fieldOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
