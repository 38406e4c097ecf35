// Package policy provides Open Policy Agent (OPA) integration for Gantry.
//
// This package implements the policy gate consulted before every lifecycle
// operation. Policies are written in the Rego policy language; built-in
// policies cover common governance requirements and custom policies load
// from the filesystem.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles Rego policies and checks operations against them
//  2. Loader - Loads policies from files and directories, with hot reload
//  3. Types - Data structures for policies, violations, and results
//  4. Built-in Policies - Pre-defined policies for common requirements
//
// # Usage
//
// Creating a policy engine:
//
//	logger := zerolog.New(os.Stdout)
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Checking an operation:
//
//	input := &policy.PolicyInput{
//	    Operation: "destroy",
//	    Environment: &policy.EnvironmentSummary{
//	        Name:    "payments-prod",
//	        Stage:   "Running",
//	        Address: "203.0.113.10",
//	    },
//	    Context: &policy.PolicyContext{
//	        User:       "deploy-bot",
//	        Production: true,
//	    },
//	}
//
//	result, err := gate.Check(ctx, input)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("Policy %s violated: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	paths := []string{
//	    "/etc/gantry/policies",
//	    "/opt/policies/custom.rego",
//	}
//
//	err = gate.LoadPolicies(ctx, paths)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. environment-naming - Enforces environment naming conventions at create
//  2. operation-restrictions - Requires force for destructive operations on
//     active or production environments
//  3. retry-hygiene - Flags retries requested outside failure stages
//
// # Custom Policies
//
// Custom policies can be written in Rego and loaded from files. Each policy
// package exposes a deny set queried as data.<package>.deny:
//
//	package gantry.policies.quiet_hours
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation == "release"
//	    input.context.production
//
//	    # Releases to production are blocked on weekends
//	    time.weekday(time.now_ns()) in ["Saturday", "Sunday"]
//
//	    violation := {
//	        "message": "production releases are blocked on weekends",
//	        "severity": "error",
//	        "environment": input.environment.name,
//	    }
//	}
//
// # Input Document
//
// Every check receives the same input shape:
//
//   - input.operation: the operation being gated
//   - input.environment: name, stage, address, labels, failed_step
//   - input.context: user, production flag, force flag, timestamp
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Issues that should be reviewed but don't block operations
//   - error: Issues that block operations
//   - critical: Severe issues that block operations and demand attention
//
// Violations at error or critical severity set Allowed to false; the rest
// surface as warnings.
//
// # Hot Reload
//
// The engine watches its loaded policy paths and swaps the file-sourced
// policies on change, leaving the built-ins untouched:
//
//	err = gate.LoadPolicies(ctx, settings.Policy.Paths)
//	err = gate.Watch(ctx)
//
// # Performance
//
// Policies are compiled once; each policy's deny query is prepared with
// OPA's PreparedEvalQuery and reused across checks.
package policy
