package engine

import (
	"time"

	"github.com/gantrydev/gantry/pkg/lifecycle"
)

// Operation names, as they appear in policy input, the journal, logs, and
// metrics.
const (
	OpCreate    = "create"
	OpProvision = "provision"
	OpConfigure = "configure"
	OpRelease   = "release"
	OpRun       = "run"
	OpRetry     = "retry"
	OpDestroy   = "destroy"
	OpCleanup   = "cleanup"
)

// defaultStepTimeout bounds one agent command. Manifest steps carry no
// per-step timeout, so every command gets this one.
const defaultStepTimeout = 5 * time.Minute

// CreateOptions adjusts environment creation.
type CreateOptions struct {
	// Labels are merged over the manifest labels in the policy input,
	// with these taking precedence.
	Labels map[string]string
}

// DestroyOptions adjusts environment teardown.
type DestroyOptions struct {
	// Force marks the policy input as operator-confirmed, letting
	// force-aware policies permit otherwise blocked teardowns.
	Force bool
}

// EnvironmentStatus is the read-only view of one environment returned by
// Status and List.
type EnvironmentStatus struct {
	// Name is the environment name.
	Name string `json:"name"`

	// Stage is the current lifecycle stage.
	Stage lifecycle.StageName `json:"stage"`

	// Address is the instance address, once one is recorded.
	Address string `json:"address,omitempty"`

	// InstanceName is the derived provider instance name.
	InstanceName string `json:"instance_name"`

	// ResourceGroup is the derived provider resource group name.
	ResourceGroup string `json:"resource_group"`

	// Failed is true when the environment sits in a failure stage.
	Failed bool `json:"failed"`

	// FailedStep names the step that failed, for failure stages.
	FailedStep string `json:"failed_step,omitempty"`

	// FailureClass is the recorded failure classification.
	FailureClass lifecycle.FailureClass `json:"failure_class,omitempty"`

	// TraceRef is the trace recorded with the failure.
	TraceRef string `json:"trace_ref,omitempty"`

	// Terminal is true once the environment is destroyed.
	Terminal bool `json:"terminal"`

	// LastTransition is the journal's most recent entry for this
	// environment, zero when the journal has none.
	LastTransition time.Time `json:"last_transition,omitempty"`

	// Summary is the one-line rendering of the environment.
	Summary string `json:"summary"`
}

// statusFromEnvelope builds the status view of one stored record.
func statusFromEnvelope(envl *lifecycle.Envelope) EnvironmentStatus {
	status := EnvironmentStatus{
		Name:          envl.Name(),
		Stage:         envl.StageName(),
		Address:       envl.Address(),
		InstanceName:  envl.InstanceName(),
		ResourceGroup: envl.ResourceGroup(),
		Failed:        envl.IsFailure(),
		Terminal:      envl.IsTerminal(),
		Summary:       envl.String(),
	}
	if f := envl.Failure(); f != nil {
		status.FailedStep = f.FailedStep
		status.FailureClass = f.Class
		status.TraceRef = f.TraceRef
	}
	return status
}
