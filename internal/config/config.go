package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBindAddr                  = "127.0.0.1:18790"
	defaultQueryTimeoutSeconds       = 3600
	defaultPollIntervalSeconds       = 10
	defaultSessionIdleTimeoutSeconds = 3600
	defaultReapIntervalSeconds       = 60
	defaultRetentionSchedule         = "0 * * * *"
	defaultRetentionMaxAgeHours      = 7 * 24
	defaultRateLimitPerSecond        = 10
	defaultRateLimitBurst            = 20
)

// TelemetryConfig mirrors the OpenTelemetry settings in config.yaml.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp", "stdout", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// RetentionConfig controls pruning of released or abandoned executions.
type RetentionConfig struct {
	// Schedule is a 5-field cron expression.
	Schedule    string `yaml:"schedule"`
	MaxAgeHours int    `yaml:"max_age_hours"`
}

// RateLimitConfig bounds HTTP requests per client key.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// QueryTimeoutSeconds is the grace period a stopped streaming query stays
	// reachable before the cache evicts it.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds"`

	// PollIntervalSeconds is the query cache reconciliation period.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// SessionIdleTimeoutSeconds closes sessions with no access and no
	// attached sender for this long.
	SessionIdleTimeoutSeconds int `yaml:"session_idle_timeout_seconds"`
	ReapIntervalSeconds       int `yaml:"reap_interval_seconds"`

	// AuthToken overrides the generated auth.token file when set.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// Bounded drain timeout (seconds). 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// QueryTimeout returns the stopped-query grace period.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// PollInterval returns the query cache reconciliation period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SessionIdleTimeout returns how long an unattended session may stay idle.
func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}

// ReapInterval returns how often idle sessions are scanned.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// RetentionMaxAge returns how long an execution may go without updates
// before retention prunes it.
func (c Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeHours) * time.Hour
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|query_timeout=%d|poll=%d|idle=%d|retention=%s/%d|origins=%v",
		c.BindAddr, c.LogLevel, c.QueryTimeoutSeconds, c.PollIntervalSeconds,
		c.SessionIdleTimeoutSeconds, c.Retention.Schedule, c.Retention.MaxAgeHours, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                  defaultBindAddr,
		LogLevel:                  "info",
		QueryTimeoutSeconds:       defaultQueryTimeoutSeconds,
		PollIntervalSeconds:       defaultPollIntervalSeconds,
		SessionIdleTimeoutSeconds: defaultSessionIdleTimeoutSeconds,
		ReapIntervalSeconds:       defaultReapIntervalSeconds,
		DrainTimeoutSeconds:       5,
		Retention: RetentionConfig{
			Schedule:    defaultRetentionSchedule,
			MaxAgeHours: defaultRetentionMaxAgeHours,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: defaultRateLimitPerSecond,
			Burst:             defaultRateLimitBurst,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("QUERYGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".querygate")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create querygate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueryTimeoutSeconds <= 0 {
		cfg.QueryTimeoutSeconds = defaultQueryTimeoutSeconds
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if cfg.SessionIdleTimeoutSeconds <= 0 {
		cfg.SessionIdleTimeoutSeconds = defaultSessionIdleTimeoutSeconds
	}
	if cfg.ReapIntervalSeconds <= 0 {
		cfg.ReapIntervalSeconds = defaultReapIntervalSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = defaultRetentionSchedule
	}
	if cfg.Retention.MaxAgeHours <= 0 {
		cfg.Retention.MaxAgeHours = defaultRetentionMaxAgeHours
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = defaultRateLimitPerSecond
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateLimitBurst
	}
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
}

// validate rejects settings that would make the query cache unable to keep
// sessions alive: a poll interval at or above the session idle timeout lets
// the registry reap a session between two heartbeats.
func validate(cfg Config) error {
	if cfg.PollIntervalSeconds >= cfg.SessionIdleTimeoutSeconds {
		return fmt.Errorf("poll_interval_seconds (%d) must be < session_idle_timeout_seconds (%d) so keep-alives arrive before sessions are reaped",
			cfg.PollIntervalSeconds, cfg.SessionIdleTimeoutSeconds)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("QUERYGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("QUERYGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("QUERYGATE_QUERY_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.QueryTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("QUERYGATE_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("QUERYGATE_SESSION_IDLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SessionIdleTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("QUERYGATE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("QUERYGATE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
}
