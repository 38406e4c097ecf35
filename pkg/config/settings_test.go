package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if filepath.Base(s.DataRoot) != "environments" {
		t.Errorf("expected data root to end in 'environments', got %s", s.DataRoot)
	}
	if filepath.Base(s.JournalPath) != "journal.db" {
		t.Errorf("expected journal path to end in 'journal.db', got %s", s.JournalPath)
	}
	if s.LockTimeout.Std() != 15*time.Second {
		t.Errorf("expected lock timeout 15s, got %v", s.LockTimeout.Std())
	}
	if s.HookTimeout.Std() != 30*time.Second {
		t.Errorf("expected hook timeout 30s, got %v", s.HookTimeout.Std())
	}
	if !s.Policy.Enabled || s.Policy.OnViolation != "warn" {
		t.Errorf("unexpected policy defaults: %+v", s.Policy)
	}
	if s.Telemetry.LogLevel != "info" || s.Telemetry.LogFormat != "console" {
		t.Errorf("unexpected telemetry defaults: %+v", s.Telemetry)
	}

	if err := s.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
data_root: /var/lib/gantry/environments
journal_path: /var/lib/gantry/journal.db
lock_timeout: 45s
manifest: /etc/gantry/manifest.cue
providers:
  localdir: /usr/local/bin/gantry-provider-localdir
policy:
  enabled: true
  on_violation: fail
telemetry:
  log_level: debug
  log_format: json
  tracing_exporter: otlp
  tracing_endpoint: collector:4317
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	s, err := LoadSettings(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.DataRoot != "/var/lib/gantry/environments" {
		t.Errorf("unexpected data root: %s", s.DataRoot)
	}
	if s.LockTimeout.Std() != 45*time.Second {
		t.Errorf("expected lock timeout 45s, got %v", s.LockTimeout.Std())
	}
	if s.Providers["localdir"] != "/usr/local/bin/gantry-provider-localdir" {
		t.Errorf("unexpected provider binary: %s", s.Providers["localdir"])
	}
	if s.Policy.OnViolation != "fail" {
		t.Errorf("expected on_violation 'fail', got %s", s.Policy.OnViolation)
	}
	if s.Telemetry.TracingEndpoint != "collector:4317" {
		t.Errorf("unexpected tracing endpoint: %s", s.Telemetry.TracingEndpoint)
	}

	// Fields absent from the file keep their defaults.
	if s.HookTimeout.Std() != 30*time.Second {
		t.Errorf("expected default hook timeout to survive, got %v", s.HookTimeout.Std())
	}
}

func TestLoadSettingsMissingExplicitFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoadSettingsRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "bad on_violation",
			content: `
data_root: /tmp/gantry
policy:
  on_violation: panic
`,
		},
		{
			name: "bad log level",
			content: `
data_root: /tmp/gantry
telemetry:
  log_level: loud
`,
		},
		{
			name: "bad duration",
			content: `
data_root: /tmp/gantry
lock_timeout: notaduration
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}

			if _, err := LoadSettings(configPath); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDurationYAML(t *testing.T) {
	type holder struct {
		Wait Duration `yaml:"wait"`
	}

	h := holder{Wait: Duration(90 * time.Second)}
	data, err := yaml.Marshal(h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), "1m30s") {
		t.Errorf("expected marshaled duration '1m30s', got %s", data)
	}

	var back holder
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Wait.Std() != 90*time.Second {
		t.Errorf("expected 90s after round trip, got %v", back.Wait.Std())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "tilde prefix", path: "~/gantry/data", want: filepath.Join(home, "gantry", "data")},
		{name: "bare tilde", path: "~", want: home},
		{name: "absolute path", path: "/var/lib/gantry", want: "/var/lib/gantry"},
		{name: "relative path", path: "state/journal.db", want: "state/journal.db"},
		{name: "empty", path: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandPath(tt.path); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTelemetryConfigFromSettings(t *testing.T) {
	s := DefaultSettings()
	cfg := s.TelemetryConfig("1.2.3")

	if cfg.ServiceVersion != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", cfg.ServiceVersion)
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing disabled by default")
	}
	if cfg.Metrics.Enabled {
		t.Error("expected metrics disabled by default")
	}

	s.Telemetry = TelemetrySettings{
		LogLevel:        "debug",
		LogFormat:       "json",
		TracingExporter: "otlp",
		TracingEndpoint: "collector:4317",
		MetricsListen:   ":9464",
	}
	cfg = s.TelemetryConfig("1.2.3")

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" {
		t.Errorf("unexpected tracing config: %+v", cfg.Tracing)
	}
	if cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing endpoint: %s", cfg.Tracing.Endpoint)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != ":9464" {
		t.Errorf("unexpected metrics config: %+v", cfg.Metrics)
	}
}
