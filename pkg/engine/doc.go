// Package engine drives deployment environments through their lifecycle.
//
// # Overview
//
// The Deployer is the orchestration core behind the gantry CLI. Each
// operation moves one environment along the stage sequence:
//
//	created -> provisioning -> provisioned -> configuring -> configured
//	        -> releasing -> released -> running
//
// with destroy reachable from every stage and retry re-entering the
// in-progress stage recorded by a failure. Every mutating operation
// follows the same shape: load the stored envelope, recover it into the
// typed stage the operation requires, check the policy gate, act,
// transition, save, and journal the transition. In-progress stages are
// saved before the side effect starts, so a crash mid-operation leaves a
// record that names what was underway.
//
// # Collaborators
//
// The Deployer owns no I/O of its own; it wires together:
//
//   - the manifest (pkg/config) for environment declarations
//   - the environment store (pkg/stores) for envelope persistence
//   - the transition journal (pkg/stores) for history
//   - the policy gate (pkg/policy) for operation admission
//   - the provider registry (pkg/providers) for infrastructure calls
//   - the dialer (this package) for instance sessions over SSH
//   - hooks (pkg/config) for Starlark callouts around stages
//   - telemetry (pkg/telemetry) for spans, metrics, and events
//
// The journal, gate, registry, and dialer sit behind small interfaces so
// tests can substitute them; the production implementations satisfy them
// directly.
//
// # Failure Handling
//
// When an operation's side effect fails, the environment moves to the
// matching failure stage with the failed step's name, a failure class,
// and the active trace ID attached, then the error is returned wrapped in
// an OperationError carrying the same classification:
//
//   - transient: connection drops, timeouts; retry as-is
//   - throttled: provider quota or rate limiting; retry after backoff
//   - conflict: another process holds the record or the resource
//   - permanent: bad input, auth failures; retry will not help
//
// # Remote Execution
//
// Configure steps, release commands, and service starts all execute on
// the instance through the gantry agent: the dialer opens an SSH
// connection, uploads the agent binary, and speaks the NDJSON command
// protocol over its stdio. Artifact uploads bypass the agent and go over
// SFTP directly, verified by comparing SHA-256 digests.
package engine
