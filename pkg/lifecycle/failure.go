package lifecycle

// FailureClass classifies a step failure for retry and reporting logic.
type FailureClass string

const (
	// FailureClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary provider unavailability.
	FailureClassTransient FailureClass = "transient"

	// FailureClassThrottled indicates provider rate limiting or quota exhaustion.
	FailureClassThrottled FailureClass = "throttled"

	// FailureClassConflict indicates a resource state conflict at the provider.
	FailureClassConflict FailureClass = "conflict"

	// FailureClassPermanent indicates a non-recoverable failure.
	// Examples: invalid credentials, rejected configuration.
	FailureClassPermanent FailureClass = "permanent"
)

// Failure is the payload carried by the failure stages. It records which
// workflow step failed plus optional context for diagnosis; the richer trace
// itself lives with the tracing subsystem, the lifecycle only carries the
// reference.
type Failure struct {
	// FailedStep is a free-text description of the step that failed.
	FailedStep string `json:"failed_step"`

	// Class is the optional failure classification.
	Class FailureClass `json:"class,omitempty"`

	// TraceRef is an optional reference into the tracing subsystem
	// (for example an OpenTelemetry trace ID).
	TraceRef string `json:"trace_ref,omitempty"`
}

// FailureOption customizes the failure payload built by a failure transition.
type FailureOption func(*Failure)

// WithClass attaches a failure classification.
func WithClass(class FailureClass) FailureOption {
	return func(f *Failure) {
		f.Class = class
	}
}

// WithTraceRef attaches a trace reference.
func WithTraceRef(ref string) FailureOption {
	return func(f *Failure) {
		f.TraceRef = ref
	}
}

func newFailure(failedStep string, opts []FailureOption) Failure {
	f := Failure{FailedStep: failedStep}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}
