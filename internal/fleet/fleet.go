// Package fleet reads the YAML fleet file that declares which applications
// are monitored and how each one is checked.
package fleet

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/lijomadassery/appsentry/internal/domain"
)

// ErrInvalidFleet is returned when the fleet file fails schema or semantic validation
var ErrInvalidFleet = errors.New("invalid fleet file")

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "fleet.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
})

// File is the on-disk shape of the fleet file
type File struct {
	Applications []Entry `yaml:"applications"`
}

// Entry is one application in the fleet file
type Entry struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Environment string       `yaml:"environment"`
	Team        string       `yaml:"team"`
	Active      *bool        `yaml:"active"`
	Priority    int          `yaml:"priority"`
	HealthCheck *HealthEntry `yaml:"health_check"`
	LoginFlow   *LoginEntry  `yaml:"login_flow"`
}

type HealthEntry struct {
	URL            string `yaml:"url"`
	Method         string `yaml:"method"`
	ExpectedStatus int    `yaml:"expected_status"`
	Contains       string `yaml:"contains"`
	Timeout        string `yaml:"timeout"`
}

type LoginEntry struct {
	LoginURL           string `yaml:"login_url"`
	SubmitURL          string `yaml:"submit_url"`
	Username           string `yaml:"username"`
	PasswordEnv        string `yaml:"password_env"`
	UsernameField      string `yaml:"username_field"`
	PasswordField      string `yaml:"password_field"`
	SuccessURLContains string `yaml:"success_url_contains"`
	SuccessText        string `yaml:"success_text"`
	FailureText        string `yaml:"failure_text"`
	Timeout            string `yaml:"timeout"`
}

// Load reads and validates the fleet file at path
func Load(path string) ([]*domain.Application, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw fleet YAML and converts it to applications
func Parse(data []byte) ([]*domain.Application, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFleet, err)
	}

	apps := make([]*domain.Application, 0, len(file.Applications))
	seen := make(map[string]bool, len(file.Applications))
	var errs []error
	for _, entry := range file.Applications {
		if seen[entry.ID] {
			errs = append(errs, fmt.Errorf("duplicate application id %q", entry.ID))
			continue
		}
		seen[entry.ID] = true

		app, err := entry.toApplication()
		if err != nil {
			errs = append(errs, fmt.Errorf("application %q: %w", entry.ID, err))
			continue
		}
		apps = append(apps, app)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFleet, errors.Join(errs...))
	}
	return apps, nil
}

// validate checks the document against the embedded schema. The schema
// validator works on JSON values, so the YAML is round-tripped first.
func validate(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compiling fleet schema: %w", err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFleet, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidFleet)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFleet, err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFleet, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFleet, err)
	}
	return nil
}

func (e Entry) toApplication() (*domain.Application, error) {
	app := &domain.Application{
		ID:          e.ID,
		Name:        e.Name,
		Environment: e.Environment,
		Team:        e.Team,
		Active:      e.Active == nil || *e.Active,
		Priority:    e.Priority,
	}
	if app.Name == "" {
		app.Name = e.ID
	}

	if h := e.HealthCheck; h != nil {
		timeout, err := parseTimeout(h.Timeout)
		if err != nil {
			return nil, err
		}
		app.HealthCheck = &domain.HealthCheckConfig{
			URL:            h.URL,
			Method:         h.Method,
			ExpectedStatus: h.ExpectedStatus,
			Contains:       h.Contains,
			Timeout:        timeout,
		}
		if err := app.HealthCheck.Validate(); err != nil {
			return nil, err
		}
	}

	if l := e.LoginFlow; l != nil {
		timeout, err := parseTimeout(l.Timeout)
		if err != nil {
			return nil, err
		}
		app.LoginFlow = &domain.LoginFlowConfig{
			LoginURL:           l.LoginURL,
			SubmitURL:          l.SubmitURL,
			Username:           l.Username,
			PasswordEnv:        l.PasswordEnv,
			UsernameField:      l.UsernameField,
			PasswordField:      l.PasswordField,
			SuccessURLContains: l.SuccessURLContains,
			SuccessText:        l.SuccessText,
			FailureText:        l.FailureText,
			Timeout:            timeout,
		}
		if err := app.LoginFlow.Validate(); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("timeout %q: %w", s, err)
	}
	return d, nil
}
