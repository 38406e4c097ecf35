package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gantrydev/gantry/pkg/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML settings can use values like "30s"
// or "5m".
type Duration time.Duration

// MarshalYAML renders the duration in Go's duration syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses a duration from a string node.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PolicySettings configures the policy gate.
type PolicySettings struct {
	// Enabled turns policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// Paths lists directories or files with additional rego policies.
	Paths []string `yaml:"paths,omitempty"`

	// OnViolation selects the action for advisory violations (warn, fail).
	OnViolation string `yaml:"on_violation,omitempty" validate:"omitempty,oneof=warn fail"`
}

// TelemetrySettings is the operator-facing slice of the telemetry
// configuration. TelemetryConfig expands it to the full form.
type TelemetrySettings struct {
	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format,omitempty" validate:"omitempty,oneof=console json"`

	// TracingExporter selects the trace exporter (otlp, stdout, none).
	TracingExporter string `yaml:"tracing_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`

	// MetricsListen enables the metrics HTTP listener on that address.
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// Settings are the tool-level settings loaded from the gantry YAML config
// file. They locate state on disk and tune cross-cutting behavior; the
// deployment manifest stays a separate document.
type Settings struct {
	// DataRoot is the directory holding one subdirectory per environment.
	DataRoot string `yaml:"data_root" validate:"required"`

	// JournalPath is the SQLite transition journal location.
	JournalPath string `yaml:"journal_path,omitempty"`

	// LockTimeout bounds how long operations wait for a held environment lock.
	LockTimeout Duration `yaml:"lock_timeout,omitempty" validate:"min=0"`

	// Manifest is the default manifest path used when --manifest is not given.
	Manifest string `yaml:"manifest,omitempty"`

	// Hooks is the hooks script path. Empty means hooks.star next to the
	// manifest, loaded only if present.
	Hooks string `yaml:"hooks,omitempty"`

	// HookTimeout bounds a single hook invocation.
	HookTimeout Duration `yaml:"hook_timeout,omitempty" validate:"min=0"`

	// Providers maps provider name to binary path.
	Providers map[string]string `yaml:"providers,omitempty"`

	// Policy configures the policy gate.
	Policy PolicySettings `yaml:"policy"`

	// Production marks every operation from this installation as targeting
	// production in the policy input.
	Production bool `yaml:"production,omitempty"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

var settingsValidator = validator.New()

// DefaultSettings returns the settings used when no config file exists.
// State lands under ~/.gantry; a relative .gantry directory is the fallback
// when the home directory cannot be resolved.
func DefaultSettings() *Settings {
	base := ".gantry"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".gantry")
	}

	return &Settings{
		DataRoot:    filepath.Join(base, "environments"),
		JournalPath: filepath.Join(base, "journal.db"),
		LockTimeout: Duration(15 * time.Second),
		HookTimeout: Duration(30 * time.Second),
		Policy: PolicySettings{
			Enabled:     true,
			OnViolation: "warn",
		},
		Telemetry: TelemetrySettings{
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "none",
		},
	}
}

// DefaultSettingsPath returns the path probed when --config is not given.
func DefaultSettingsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".gantry", "config.yaml")
	}
	return filepath.Join(".gantry", "config.yaml")
}

// LoadSettings loads settings from the YAML file at path, layered over the
// defaults. An empty path probes the default location and silently falls
// back to pure defaults when no file exists there; an explicit path must
// exist.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	s.expandPaths()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}

	return s, nil
}

// Validate checks the settings against their validation tags.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// expandPaths expands a leading ~ in the path-valued settings.
func (s *Settings) expandPaths() {
	s.DataRoot = ExpandPath(s.DataRoot)
	s.JournalPath = ExpandPath(s.JournalPath)
	s.Manifest = ExpandPath(s.Manifest)
	s.Hooks = ExpandPath(s.Hooks)
	for name, binary := range s.Providers {
		s.Providers[name] = ExpandPath(binary)
	}
}

// ExpandPath replaces a leading "~/" with the user's home directory. Paths
// without the prefix are returned unchanged.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// TelemetryConfig expands the telemetry settings into the full telemetry
// configuration, with version stamped for resource attribution.
func (s *Settings) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if s.Production {
		cfg.Environment = "production"
	}

	if s.Telemetry.LogLevel != "" {
		cfg.Logging.Level = s.Telemetry.LogLevel
	}
	if s.Telemetry.LogFormat != "" {
		cfg.Logging.Format = s.Telemetry.LogFormat
	}

	switch s.Telemetry.TracingExporter {
	case "", "none":
		cfg.Tracing.Enabled = false
		cfg.Tracing.Exporter = "none"
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.Telemetry.TracingExporter
	}
	if s.Telemetry.TracingEndpoint != "" {
		cfg.Tracing.Endpoint = s.Telemetry.TracingEndpoint
	}

	if s.Telemetry.MetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = s.Telemetry.MetricsListen
	} else {
		cfg.Metrics.Enabled = false
	}

	return cfg
}
