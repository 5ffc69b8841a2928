package domain

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrInvalidConfig is returned when a check configuration cannot be executed
	ErrInvalidConfig = errors.New("invalid check configuration")
	// ErrNotFound is returned by persistence when a record does not exist
	ErrNotFound = errors.New("not found")
)

// TestConfig is the kind-specific payload handed through to an executor
type TestConfig interface {
	Kind() TestKind
	Validate() error
}

// HealthCheckConfig configures an HTTP health probe
type HealthCheckConfig struct {
	URL            string        `json:"url" yaml:"url"`
	Method         string        `json:"method,omitempty" yaml:"method,omitempty"`
	ExpectedStatus int           `json:"expected_status,omitempty" yaml:"expected_status,omitempty"`
	Contains       string        `json:"contains,omitempty" yaml:"contains,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Kind implements TestConfig
func (c *HealthCheckConfig) Kind() TestKind { return KindHealthCheck }

// Validate implements TestConfig
func (c *HealthCheckConfig) Validate() error {
	if err := validateURL(c.URL); err != nil {
		return fmt.Errorf("%w: health check url: %v", ErrInvalidConfig, err)
	}
	if c.ExpectedStatus != 0 && (c.ExpectedStatus < 100 || c.ExpectedStatus > 599) {
		return fmt.Errorf("%w: expected status %d out of range", ErrInvalidConfig, c.ExpectedStatus)
	}
	return nil
}

// LoginFlowConfig configures a browser-driven login sequence
type LoginFlowConfig struct {
	LoginURL           string        `json:"login_url" yaml:"login_url"`
	SubmitURL          string        `json:"submit_url,omitempty" yaml:"submit_url,omitempty"`
	Username           string        `json:"username" yaml:"username"`
	PasswordEnv        string        `json:"password_env,omitempty" yaml:"password_env,omitempty"`
	UsernameField      string        `json:"username_field,omitempty" yaml:"username_field,omitempty"`
	PasswordField      string        `json:"password_field,omitempty" yaml:"password_field,omitempty"`
	SuccessURLContains string        `json:"success_url_contains,omitempty" yaml:"success_url_contains,omitempty"`
	SuccessText        string        `json:"success_text,omitempty" yaml:"success_text,omitempty"`
	FailureText        string        `json:"failure_text,omitempty" yaml:"failure_text,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Kind implements TestConfig
func (c *LoginFlowConfig) Kind() TestKind { return KindLoginFlow }

// Validate implements TestConfig
func (c *LoginFlowConfig) Validate() error {
	if err := validateURL(c.LoginURL); err != nil {
		return fmt.Errorf("%w: login url: %v", ErrInvalidConfig, err)
	}
	if c.SubmitURL != "" {
		if err := validateURL(c.SubmitURL); err != nil {
			return fmt.Errorf("%w: submit url: %v", ErrInvalidConfig, err)
		}
	}
	if c.Username == "" {
		return fmt.Errorf("%w: login flow requires a username", ErrInvalidConfig)
	}
	if c.SuccessURLContains == "" && c.SuccessText == "" {
		return fmt.Errorf("%w: login flow requires success_url_contains or success_text", ErrInvalidConfig)
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("missing")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Application is a registered target that checks run against
type Application struct {
	ID          string
	Name        string
	Environment string
	Team        string
	Active      bool
	Priority    int
	HealthCheck *HealthCheckConfig
	LoginFlow   *LoginFlowConfig
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConfigFor returns the check configuration for a kind, or nil if the kind is not set up
func (a *Application) ConfigFor(kind TestKind) TestConfig {
	switch kind {
	case KindHealthCheck:
		if a.HealthCheck != nil {
			return a.HealthCheck
		}
	case KindLoginFlow:
		if a.LoginFlow != nil {
			return a.LoginFlow
		}
	}
	return nil
}

// EnabledKinds returns the kinds the application has configuration for
func (a *Application) EnabledKinds() []TestKind {
	var kinds []TestKind
	for _, k := range AllKinds {
		if a.ConfigFor(k) != nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
