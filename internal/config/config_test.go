package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/querygate/internal/config"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("QUERYGATE_HOME", home)
	if body != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := writeConfig(t, "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.QueryTimeout() != time.Hour {
		t.Fatalf("expected 1h query timeout, got %s", cfg.QueryTimeout())
	}
	if cfg.PollInterval() != 10*time.Second {
		t.Fatalf("expected 10s poll interval, got %s", cfg.PollInterval())
	}
	if cfg.Retention.Schedule != "0 * * * *" {
		t.Fatalf("unexpected retention schedule %q", cfg.Retention.Schedule)
	}
	if cfg.RetentionMaxAge() != 7*24*time.Hour {
		t.Fatalf("unexpected retention max age %s", cfg.RetentionMaxAge())
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected info log level, got %q", cfg.LogLevel)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	writeConfig(t, `
bind_addr: "127.0.0.1:19000"
log_level: DEBUG
query_timeout_seconds: 120
poll_interval_seconds: 5
session_idle_timeout_seconds: 600
allow_origins: ["https://console.example.com"]
retention:
  schedule: "*/15 * * * *"
  max_age_hours: 24
rate_limit:
  requests_per_second: 3
  burst: 6
telemetry:
  enabled: true
  exporter: stdout
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := config.Config{
		HomeDir:                   cfg.HomeDir,
		BindAddr:                  "127.0.0.1:19000",
		LogLevel:                  "debug",
		QueryTimeoutSeconds:       120,
		PollIntervalSeconds:       5,
		SessionIdleTimeoutSeconds: 600,
		ReapIntervalSeconds:       60,
		AllowOrigins:              []string{"https://console.example.com"},
		DrainTimeoutSeconds:       5,
		Retention:                 config.RetentionConfig{Schedule: "*/15 * * * *", MaxAgeHours: 24},
		RateLimit:                 config.RateLimitConfig{RequestsPerSecond: 3, Burst: 6},
		Telemetry:                 config.TelemetryConfig{Enabled: true, Exporter: "stdout"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeConfig(t, "query_timeout_seconds: 120\nbind_addr: 127.0.0.1:1\n")
	t.Setenv("QUERYGATE_BIND_ADDR", "0.0.0.0:8080")
	t.Setenv("QUERYGATE_LOG_LEVEL", "warn")
	t.Setenv("QUERYGATE_QUERY_TIMEOUT_SECONDS", "45")
	t.Setenv("QUERYGATE_POLL_INTERVAL_SECONDS", "2")
	t.Setenv("QUERYGATE_SESSION_IDLE_TIMEOUT_SECONDS", "30")
	t.Setenv("QUERYGATE_AUTH_TOKEN", "env-token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:8080" {
		t.Fatalf("expected env bind addr, got %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected warn, got %q", cfg.LogLevel)
	}
	if cfg.QueryTimeoutSeconds != 45 || cfg.PollIntervalSeconds != 2 || cfg.SessionIdleTimeoutSeconds != 30 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.AuthToken != "env-token" {
		t.Fatalf("expected env auth token, got %q", cfg.AuthToken)
	}
}

func TestLoad_InvalidEnvValueIgnored(t *testing.T) {
	writeConfig(t, "query_timeout_seconds: 120\n")
	t.Setenv("QUERYGATE_QUERY_TIMEOUT_SECONDS", "soon")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.QueryTimeoutSeconds != 120 {
		t.Fatalf("expected yaml value to survive bad env, got %d", cfg.QueryTimeoutSeconds)
	}
}

func TestLoad_NormalizesNonPositive(t *testing.T) {
	writeConfig(t, "query_timeout_seconds: -5\npoll_interval_seconds: 0\nretention:\n  max_age_hours: -1\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.QueryTimeoutSeconds != 3600 || cfg.PollIntervalSeconds != 10 || cfg.Retention.MaxAgeHours != 168 {
		t.Fatalf("expected defaults after normalize, got %+v", cfg)
	}
}

func TestLoad_RejectsPollSlowerThanIdleTimeout(t *testing.T) {
	writeConfig(t, "poll_interval_seconds: 60\nsession_idle_timeout_seconds: 60\n")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "poll_interval_seconds") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_RejectsUnknownLogLevel(t *testing.T) {
	writeConfig(t, "log_level: chatty\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestLoad_ParseError(t *testing.T) {
	writeConfig(t, "bind_addr: [unterminated\n")
	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestHomeDir_DefaultsUnderUserHome(t *testing.T) {
	t.Setenv("QUERYGATE_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	if got, want := config.HomeDir(), filepath.Join(home, ".querygate"); got != want {
		t.Fatalf("HomeDir() = %q, want %q", got, want)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	writeConfig(t, "")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable for identical configs")
	}
	b.QueryTimeoutSeconds++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when query timeout changes")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}
