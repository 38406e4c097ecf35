package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gantrydev/gantry/pkg/lifecycle"
	"github.com/gantrydev/gantry/pkg/policy"
	"github.com/gantrydev/gantry/pkg/providers"
	"github.com/gantrydev/gantry/pkg/runner/client"
	"github.com/gantrydev/gantry/pkg/stores"
	"github.com/gantrydev/gantry/pkg/transports/ssh"
)

// NotFoundError reports an operation against an environment with no stored
// record.
type NotFoundError struct {
	// Environment is the environment name.
	Environment string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("environment %q does not exist", e.Environment)
}

// ExistsError reports a create against a name that already has a record.
type ExistsError struct {
	// Environment is the environment name.
	Environment string

	// Stage is the stage the existing record holds.
	Stage lifecycle.StageName
}

// Error implements the error interface.
func (e *ExistsError) Error() string {
	return fmt.Sprintf("environment %q already exists in stage %s", e.Environment, e.Stage)
}

// PolicyDeniedError reports an operation the policy gate blocked.
type PolicyDeniedError struct {
	// Operation is the operation that was denied.
	Operation string

	// Environment is the environment name.
	Environment string

	// Violations are the blocking violations, in evaluation order.
	Violations []policy.PolicyViolation
}

// Error implements the error interface.
func (e *PolicyDeniedError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("%s of %q denied by policy", e.Operation, e.Environment)
	}
	first := e.Violations[0]
	msg := fmt.Sprintf("%s of %q denied by policy %s: %s", e.Operation, e.Environment, first.Policy, first.Message)
	if len(e.Violations) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(e.Violations)-1)
	}
	return msg
}

// OperationError is a deployment operation failure carrying the failure
// classification that was recorded on the environment.
type OperationError struct {
	// Operation is the operation that failed.
	Operation string

	// Environment is the environment name.
	Environment string

	// Step is the workflow step that failed, when one is attributable.
	Step string

	// Class is the failure classification.
	Class lifecycle.FailureClass

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s of %q failed at %s: %v", e.Operation, e.Environment, e.Step, e.Err)
	}
	return fmt.Sprintf("%s of %q failed: %v", e.Operation, e.Environment, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether `gantry retry` could succeed.
func (e *OperationError) Retryable() bool {
	return e.Class != lifecycle.FailureClassPermanent
}

// Classify maps an operational error to the failure class recorded on the
// environment. Provider-reported errors classify by their error code,
// transport and agent errors by their retryability flags; anything
// unrecognized is permanent.
func Classify(err error) lifecycle.FailureClass {
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		return classifyProviderCode(provErr.Code)
	}

	var cmdErr *client.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.Retryable {
			return lifecycle.FailureClassTransient
		}
		return lifecycle.FailureClassPermanent
	}

	var transportErr *ssh.TransportError
	if errors.As(err, &transportErr) {
		if transportErr.IsAuthError {
			return lifecycle.FailureClassPermanent
		}
		if transportErr.Temporary() {
			return lifecycle.FailureClassTransient
		}
		return lifecycle.FailureClassPermanent
	}

	if stores.IsConflict(err) {
		return lifecycle.FailureClassConflict
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return lifecycle.FailureClassTransient
	}

	return lifecycle.FailureClassPermanent
}

// classifyProviderCode maps a provider's machine-readable error code. Codes
// are free-form, so this covers the common vocabulary and defaults to
// permanent: the provider itself rejected the operation.
func classifyProviderCode(code string) lifecycle.FailureClass {
	switch strings.ToLower(code) {
	case "quota_exceeded", "rate_limited", "throttled":
		return lifecycle.FailureClassThrottled
	case "conflict", "already_exists", "in_use":
		return lifecycle.FailureClassConflict
	case "timeout", "unavailable", "network":
		return lifecycle.FailureClassTransient
	default:
		return lifecycle.FailureClassPermanent
	}
}
