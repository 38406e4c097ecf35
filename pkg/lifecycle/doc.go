// Package lifecycle models the deployment environment state machine.
//
// An environment moves through a linear lifecycle:
//
//	Created -> Provisioning -> Provisioned -> Configuring -> Configured
//	        -> Releasing -> Released -> Running -> Destroyed
//
// with a failure branch off each in-progress stage (ProvisionFailed,
// ConfigureFailed, ReleaseFailed, RunFailed). A failure stage records the
// failed step and optional context; retry re-enters the corresponding
// in-progress stage. Destroy is available from every stage.
//
// The package offers two representations of the same environment:
//
// Environment[S] is the typed form. The stage is a type parameter, so a
// workflow step declares the stage it requires in its signature and handing
// it an environment at any other stage is a compile error. Transitions are
// package-level functions defined for exactly one input stage; they are pure
// and preserve the identity fields (name, instance name, resource group,
// SSH credentials, directories) unchanged.
//
// Envelope is the erased form used for storage and stage-agnostic handling.
// Erase narrows any typed environment into an envelope; RecoverAs widens it
// back, failing with a StageMismatchError when the envelope holds a
// different stage. Envelopes serialize to JSON with a leading stage
// discriminator and round-trip exactly.
//
// Usage:
//
//	env, err := lifecycle.New("demo", lifecycle.SSHCredentials{User: "deploy"}, buildDir, dataDir)
//	if err != nil { ... }
//	prov := lifecycle.StartProvisioning(env)
//	// persist the in-progress stage before doing the work
//	if err := store.Save(ctx, lifecycle.Erase(prov)); err != nil { ... }
//
//	// later, in a different process
//	envelope, err := store.Load(ctx, "demo")
//	prov, err := lifecycle.RecoverAs[lifecycle.Provisioning](envelope)
//	done := lifecycle.CompleteProvisioning(prov, addr)
//	if err := store.Save(ctx, lifecycle.Erase(done)); err != nil { ... }
//
// Nothing here performs I/O: persistence and locking live in pkg/stores and
// pkg/lockfile, layered on by the orchestration engine.
package lifecycle
