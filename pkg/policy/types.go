package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for advisory violations that do not block operations.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be overridden.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations at this severity stop an operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Environment is the environment the violation applies to.
	Environment string `json:"environment,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of checking one operation against the
// loaded policies.
type PolicyResult struct {
	// Allowed indicates if the operation may proceed. It is false when any
	// violation carries a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists advisory violations that do not block the operation.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the input document for policy evaluation.
type PolicyInput struct {
	// Operation is the operation being gated (create, provision, configure,
	// release, run, retry, destroy, cleanup).
	Operation string `json:"operation"`

	// Environment summarizes the environment the operation targets. Nil for
	// operations that act before an environment exists.
	Environment *EnvironmentSummary `json:"environment,omitempty"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// EnvironmentSummary is the slice of environment state exposed to policies.
type EnvironmentSummary struct {
	// Name is the environment name.
	Name string `json:"name"`

	// Stage is the current lifecycle stage name.
	Stage string `json:"stage,omitempty"`

	// Address is the provisioned instance address, when one exists.
	Address string `json:"address,omitempty"`

	// Labels are the environment labels from the manifest.
	Labels map[string]string `json:"labels,omitempty"`

	// FailedStep names the step that failed, for failure stages.
	FailedStep string `json:"failed_step,omitempty"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Production marks the operation as targeting production.
	Production bool `json:"production"`

	// Force indicates the operator explicitly confirmed a destructive action.
	Force bool `json:"force"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
