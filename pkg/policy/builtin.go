package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		environmentNamingPolicy(),
		operationRestrictionsPolicy(),
		retryHygienePolicy(),
	}
}

// environmentNamingPolicy enforces environment naming conventions at create
// time. Names created under these rules stay usable as directory names,
// hostnames, and journal keys.
func environmentNamingPolicy() Policy {
	return Policy{
		Name:        "environment-naming",
		Description: "Enforces environment naming conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gantry.policies.naming

import rego.v1

deny contains violation if {
	input.operation == "create"
	name := input.environment.name

	# Name must be lowercase
	lower(name) != name
	violation := {
		"message": sprintf("environment name '%s' must be lowercase", [name]),
		"severity": "error",
		"environment": name,
	}
}

deny contains violation if {
	input.operation == "create"
	name := input.environment.name

	# Name must match pattern: alphanumeric and hyphens only
	not regex.match("^[a-z0-9-]+$", name)
	violation := {
		"message": sprintf("environment name '%s' must contain only lowercase letters, numbers, and hyphens", [name]),
		"severity": "error",
		"environment": name,
	}
}

deny contains violation if {
	input.operation == "create"
	name := input.environment.name

	# Name must not start or end with hyphen
	regex.match("^-.*", name)
	violation := {
		"message": sprintf("environment name '%s' must not start with a hyphen", [name]),
		"severity": "error",
		"environment": name,
	}
}

deny contains violation if {
	input.operation == "create"
	name := input.environment.name

	regex.match(".*-$", name)
	violation := {
		"message": sprintf("environment name '%s' must not end with a hyphen", [name]),
		"severity": "error",
		"environment": name,
	}
}

deny contains violation if {
	input.operation == "create"
	name := input.environment.name

	# Name must not exceed 63 characters
	count(name) > 63
	violation := {
		"message": sprintf("environment name '%s' must not exceed 63 characters", [name]),
		"severity": "error",
		"environment": name,
	}
}`,
	}
}

// operationRestrictionsPolicy protects active and production environments
// from unconfirmed destructive operations.
func operationRestrictionsPolicy() Policy {
	return Policy{
		Name:        "operation-restrictions",
		Description: "Requires force for destructive operations on active or production environments",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"operations", "safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gantry.policies.operations

import rego.v1

# Destructive operations that require confirmation
destructive_operations := {"destroy", "cleanup"}

# Stages with provisioned infrastructure or running workloads
active_stages := {
	"Provisioning",
	"Provisioned",
	"Configuring",
	"Configured",
	"Releasing",
	"Released",
	"Running",
}

deny contains violation if {
	input.environment
	input.operation in destructive_operations

	# Check if the environment still holds infrastructure
	input.environment.stage in active_stages

	# Check if the operator confirmed
	not input.context.force

	violation := {
		"message": sprintf("%s of active environment '%s' (stage %s) requires --force", [input.operation, input.environment.name, input.environment.stage]),
		"severity": "error",
		"environment": input.environment.name,
	}
}

deny contains violation if {
	input.environment
	input.operation in destructive_operations

	# Production environments always need explicit confirmation
	input.context.production
	not input.context.force

	violation := {
		"message": sprintf("%s of production environment '%s' requires --force", [input.operation, input.environment.name]),
		"severity": "critical",
		"environment": input.environment.name,
	}
}

# Warn when running workloads are about to be destroyed even with force
deny contains violation if {
	input.environment
	input.operation == "destroy"
	input.environment.stage == "Running"
	input.context.force

	violation := {
		"message": sprintf("environment '%s' has running services that will be stopped", [input.environment.name]),
		"severity": "warning",
		"environment": input.environment.name,
	}
}`,
	}
}

// retryHygienePolicy flags retries requested outside failure stages. The
// engine rejects those anyway; the policy surfaces the mistake as a warning
// with the stage spelled out.
func retryHygienePolicy() Policy {
	return Policy{
		Name:        "retry-hygiene",
		Description: "Flags retry requests from stages that are not failure stages",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"operations", "retry"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gantry.policies.retry

import rego.v1

failure_stages := {
	"ProvisionFailed",
	"ConfigureFailed",
	"ReleaseFailed",
	"RunFailed",
}

deny contains violation if {
	input.environment
	input.operation == "retry"

	not input.environment.stage in failure_stages

	violation := {
		"message": sprintf("retry of environment '%s' requested from stage %s, which is not a failure stage", [input.environment.name, input.environment.stage]),
		"severity": "warning",
		"environment": input.environment.name,
	}
}`,
	}
}
