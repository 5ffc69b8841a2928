package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// LocalConfigName is the per-project config file searched for from the working directory upwards
const LocalConfigName = ".appsentry.toml"

// Progress total modes
const (
	ProgressEligible  = "eligible"
	ProgressRequested = "requested"
)

// Duration wraps time.Duration so it can be written as "30s" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Pool          PoolConfig          `toml:"pool"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
	Observer      ObserverConfig      `toml:"observer"`
	Schedules     []ScheduleConfig    `toml:"schedules"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	FleetFile    string `toml:"fleet_file"`
	ArtifactDir  string `toml:"artifact_dir"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
}

// SchedulerConfig holds test scheduler settings
type SchedulerConfig struct {
	ConcurrencyLimit   int      `toml:"concurrency_limit"`
	MaxRetries         int      `toml:"max_retries"`
	RetryDelay         Duration `toml:"retry_delay"`
	StrictRetryDelay   bool     `toml:"strict_retry_delay"`
	RedispatchInterval Duration `toml:"redispatch_interval"`
	UnitTimeout        Duration `toml:"unit_timeout"`
	ProgressTotal      string   `toml:"progress_total"`
	EnabledKinds       []string `toml:"enabled_kinds"`
}

// PoolConfig holds browser pool settings
type PoolConfig struct {
	MaxBrowsers    int      `toml:"max_browsers"`
	MinBrowsers    int      `toml:"min_browsers"`
	AcquireTimeout Duration `toml:"acquire_timeout"`
	MaxAge         Duration `toml:"max_age"`
	MaxIdle        Duration `toml:"max_idle"`
	HealthInterval Duration `toml:"health_interval"`
	UserAgent      string   `toml:"user_agent"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Addr returns the listen address
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop         bool   `toml:"desktop"`
	SlackWebhook    string `toml:"slack_webhook"`
	NotifyOnSuccess bool   `toml:"notify_on_success"`
}

// ObserverConfig holds metrics settings
type ObserverConfig struct {
	StuckThreshold Duration `toml:"stuck_threshold"`
}

// ScheduleConfig is one cron-triggered run definition
type ScheduleConfig struct {
	Name         string   `toml:"name"`
	Cron         string   `toml:"cron"`
	Applications []string `toml:"applications"`
	Enabled      bool     `toml:"enabled"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".appsentry", "appsentry.db"),
			FleetFile:    filepath.Join(home, ".appsentry", "fleet.yaml"),
			ArtifactDir:  filepath.Join(home, ".appsentry", "artifacts"),
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Scheduler: SchedulerConfig{
			ConcurrencyLimit:   4,
			MaxRetries:         1,
			RetryDelay:         Duration{5 * time.Second},
			StrictRetryDelay:   true,
			RedispatchInterval: Duration{time.Second},
			UnitTimeout:        Duration{2 * time.Minute},
			ProgressTotal:      ProgressEligible,
			EnabledKinds:       []string{string(domain.KindHealthCheck), string(domain.KindLoginFlow)},
		},
		Pool: PoolConfig{
			MaxBrowsers:    3,
			MinBrowsers:    0,
			AcquireTimeout: Duration{30 * time.Second},
			MaxAge:         Duration{30 * time.Minute},
			MaxIdle:        Duration{5 * time.Minute},
			HealthInterval: Duration{60 * time.Second},
			UserAgent:      "appsentry/1.0",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Observer: ObserverConfig{
			StuckThreshold: Duration{5 * time.Minute},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.FleetFile = ExpandPath(cfg.General.FleetFile)
	cfg.General.ArtifactDir = ExpandPath(cfg.General.ArtifactDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a local
// .appsentry.toml found from the working directory, otherwise the default path
func LoadWithLocalFallback(explicitPath string) (*Config, string, error) {
	path := explicitPath
	if path == "" {
		path = FindLocalConfig()
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks that the configuration can drive the scheduler and pool
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.ConcurrencyLimit <= 0 {
		errs = append(errs, errors.New("scheduler.concurrency_limit must be positive"))
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries must not be negative"))
	}
	switch c.Scheduler.ProgressTotal {
	case ProgressEligible, ProgressRequested:
	default:
		errs = append(errs, fmt.Errorf("scheduler.progress_total %q must be %q or %q",
			c.Scheduler.ProgressTotal, ProgressEligible, ProgressRequested))
	}
	if _, err := c.Scheduler.Kinds(); err != nil {
		errs = append(errs, err)
	}
	if c.Pool.MaxBrowsers <= 0 {
		errs = append(errs, errors.New("pool.max_browsers must be positive"))
	}
	if c.Pool.MinBrowsers < 0 || c.Pool.MinBrowsers > c.Pool.MaxBrowsers {
		errs = append(errs, errors.New("pool.min_browsers must be between 0 and max_browsers"))
	}

	seen := make(map[string]bool)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for i, s := range c.Schedules {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("schedule %d: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("schedule %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if _, err := parser.Parse(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: invalid cron expression: %w", s.Name, err))
		}
	}

	return errors.Join(errs...)
}

// Kinds parses the enabled test kinds
func (s SchedulerConfig) Kinds() ([]domain.TestKind, error) {
	if len(s.EnabledKinds) == 0 {
		return domain.AllKinds, nil
	}
	kinds := make([]domain.TestKind, 0, len(s.EnabledKinds))
	for _, raw := range s.EnabledKinds {
		k, err := domain.ParseTestKind(raw)
		if err != nil {
			return nil, fmt.Errorf("scheduler.enabled_kinds: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "appsentry", "config.toml")
}
