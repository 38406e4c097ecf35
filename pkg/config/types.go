package config

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/gantrydev/gantry/pkg/lifecycle"
)

// ManifestMeta identifies a deployment manifest.
type ManifestMeta struct {
	// Name is the manifest name (e.g., the application or team name).
	Name string `json:"name" validate:"required"`

	// Version is the manifest format version.
	Version string `json:"version,omitempty"`
}

// ProviderSpec selects the provisioning provider for an environment.
type ProviderSpec struct {
	// Name is the provider name (e.g., "localdir", "cloud.vm").
	Name string `json:"name" validate:"required"`

	// Binary overrides the provider binary path resolved from settings.
	Binary string `json:"binary,omitempty"`

	// Config is provider-specific configuration passed through verbatim.
	Config json.RawMessage `json:"config,omitempty"`
}

// SSHSpec carries the SSH defaults used to reach provisioned instances.
type SSHSpec struct {
	// User is the remote account name.
	User string `json:"user,omitempty"`

	// Port is the SSH port (defaults to 22 at the transport).
	Port int `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// IdentityFile is the local path of the private key.
	IdentityFile string `json:"identity_file,omitempty"`
}

// Credentials converts the spec to the lifecycle credential form stored in
// the environment record.
func (s SSHSpec) Credentials() lifecycle.SSHCredentials {
	return lifecycle.SSHCredentials{
		User:           s.User,
		PrivateKeyPath: s.IdentityFile,
	}
}

// StepSpec is one configure step executed on the target instance.
type StepSpec struct {
	// Name identifies the step in logs, failure payloads, and history.
	Name string `json:"name" validate:"required"`

	// Action is the step kind: exec, file, or service.
	Action string `json:"action" validate:"required,oneof=exec file service"`

	// Command is the shell command for exec steps.
	Command string `json:"command,omitempty"`

	// Path is the remote file path for file steps.
	Path string `json:"path,omitempty"`

	// Content is the file content for file steps.
	Content string `json:"content,omitempty"`

	// Mode is the octal file mode for file steps (e.g., "0644").
	Mode string `json:"mode,omitempty" validate:"omitempty,len=4"`

	// Service is the service name for service steps.
	Service string `json:"service,omitempty"`

	// State is the desired service state for service steps.
	State string `json:"state,omitempty" validate:"omitempty,oneof=started stopped restarted"`

	// Params are step parameters, merged with hook outputs before execution.
	Params map[string]string `json:"params,omitempty"`
}

// ReleaseSpec describes the artifact pushed during the release operation.
type ReleaseSpec struct {
	// Artifact is the local artifact path relative to the build directory.
	Artifact string `json:"artifact" validate:"required"`

	// RemotePath is where the artifact lands on the instance.
	RemotePath string `json:"remote_path" validate:"required"`

	// Commands run on the instance after the upload, in order.
	Commands []string `json:"commands,omitempty"`
}

// ServiceSpec is one service started by the run operation.
type ServiceSpec struct {
	// Name identifies the service.
	Name string `json:"name" validate:"required"`

	// Command starts the service. Empty means "systemctl start <name>".
	Command string `json:"command,omitempty"`
}

// EnvironmentSpec is the full deployment description for one environment.
// Fields left empty inherit from the manifest defaults section.
type EnvironmentSpec struct {
	// Provider selects and configures the provisioning provider.
	Provider ProviderSpec `json:"provider"`

	// SSH carries the credentials used to reach the instance.
	SSH SSHSpec `json:"ssh,omitempty"`

	// BuildDir is the local directory holding build outputs.
	BuildDir string `json:"build_dir,omitempty"`

	// DataDir is the remote directory owned by the deployment.
	DataDir string `json:"data_dir,omitempty"`

	// Labels are free-form key-value pairs carried into policy input.
	Labels map[string]string `json:"labels,omitempty"`

	// Steps are the configure steps, executed in order.
	Steps []StepSpec `json:"steps,omitempty" validate:"omitempty,dive"`

	// Release describes the release artifact and its install commands.
	Release *ReleaseSpec `json:"release,omitempty"`

	// Services are started by the run operation, in order.
	Services []ServiceSpec `json:"services,omitempty" validate:"omitempty,dive"`
}

// ParsedManifest is the result of parsing a deployment manifest.
type ParsedManifest struct {
	// Meta is the manifest identification block.
	Meta ManifestMeta `json:"meta"`

	// Defaults are merged under every environment spec.
	Defaults *EnvironmentSpec `json:"defaults,omitempty"`

	// Environments maps environment name to its deployment spec.
	Environments map[string]EnvironmentSpec `json:"environments"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the manifest was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Environment returns the resolved spec for the named environment with
// manifest defaults merged in. Per-environment values win; labels are the
// union with the environment side taking precedence.
func (pm *ParsedManifest) Environment(name string) (*EnvironmentSpec, error) {
	spec, ok := pm.Environments[name]
	if !ok {
		return nil, &UnknownEnvironmentError{Manifest: pm.Meta.Name, Name: name}
	}
	if pm.Defaults != nil {
		spec = mergeSpec(*pm.Defaults, spec)
	}
	return &spec, nil
}

// EnvironmentNames returns the declared environment names, sorted.
func (pm *ParsedManifest) EnvironmentNames() []string {
	names := make([]string, 0, len(pm.Environments))
	for name := range pm.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mergeSpec overlays an environment spec on the manifest defaults. Scalar
// fields fall back per field; steps, release, and services fall back as whole
// sections so a partial override never interleaves with defaulted entries.
func mergeSpec(base, over EnvironmentSpec) EnvironmentSpec {
	out := over

	if out.Provider.Name == "" {
		out.Provider.Name = base.Provider.Name
	}
	if out.Provider.Binary == "" {
		out.Provider.Binary = base.Provider.Binary
	}
	if len(out.Provider.Config) == 0 {
		out.Provider.Config = base.Provider.Config
	}
	if out.SSH.User == "" {
		out.SSH.User = base.SSH.User
	}
	if out.SSH.Port == 0 {
		out.SSH.Port = base.SSH.Port
	}
	if out.SSH.IdentityFile == "" {
		out.SSH.IdentityFile = base.SSH.IdentityFile
	}
	if out.BuildDir == "" {
		out.BuildDir = base.BuildDir
	}
	if out.DataDir == "" {
		out.DataDir = base.DataDir
	}
	if len(out.Steps) == 0 {
		out.Steps = base.Steps
	}
	if out.Release == nil {
		out.Release = base.Release
	}
	if len(out.Services) == 0 {
		out.Services = base.Services
	}
	if len(base.Labels) > 0 {
		merged := make(map[string]string, len(base.Labels)+len(out.Labels))
		for k, v := range base.Labels {
			merged[k] = v
		}
		for k, v := range out.Labels {
			merged[k] = v
		}
		out.Labels = merged
	}

	return out
}

// UnknownEnvironmentError reports a lookup of an environment the manifest
// does not declare.
type UnknownEnvironmentError struct {
	// Manifest is the manifest name.
	Manifest string

	// Name is the environment that was requested.
	Name string
}

func (e *UnknownEnvironmentError) Error() string {
	if e.Manifest == "" {
		return "environment " + e.Name + " is not declared in the manifest"
	}
	return "environment " + e.Name + " is not declared in manifest " + e.Manifest
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "environments.staging.steps").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
