package lifecycle

import (
	"encoding/json"
	"fmt"
)

// StageName identifies a lifecycle stage by its wire name. It is the
// discriminator written at the top of every persisted environment record.
type StageName string

const (
	// StageCreated indicates the environment exists only as a named record.
	StageCreated StageName = "Created"

	// StageProvisioning indicates infrastructure provisioning is underway.
	StageProvisioning StageName = "Provisioning"

	// StageProvisioned indicates the instance exists and its address is known.
	StageProvisioned StageName = "Provisioned"

	// StageConfiguring indicates host configuration is underway.
	StageConfiguring StageName = "Configuring"

	// StageConfigured indicates the host is configured and ready for a release.
	StageConfigured StageName = "Configured"

	// StageReleasing indicates an application release is being rolled out.
	StageReleasing StageName = "Releasing"

	// StageReleased indicates the application artifact is in place.
	StageReleased StageName = "Released"

	// StageRunning indicates application services have been started.
	StageRunning StageName = "Running"

	// StageDestroyed indicates all infrastructure has been torn down.
	StageDestroyed StageName = "Destroyed"

	// StageProvisionFailed indicates provisioning stopped at a failed step.
	StageProvisionFailed StageName = "ProvisionFailed"

	// StageConfigureFailed indicates configuration stopped at a failed step.
	StageConfigureFailed StageName = "ConfigureFailed"

	// StageReleaseFailed indicates the release stopped at a failed step.
	StageReleaseFailed StageName = "ReleaseFailed"

	// StageRunFailed indicates service startup stopped at a failed step.
	StageRunFailed StageName = "RunFailed"
)

// IsFailure returns true if the stage is one of the failure variants.
func (s StageName) IsFailure() bool {
	return s == StageProvisionFailed || s == StageConfigureFailed ||
		s == StageReleaseFailed || s == StageRunFailed
}

// IsTerminal returns true if the stage ends the lifecycle. Failure stages are
// terminal for their branch only (retry re-enters the in-progress stage), so
// Destroyed is the single globally terminal stage.
func (s StageName) IsTerminal() bool {
	return s == StageDestroyed
}

// IsInProgress returns true for the stages that represent an ongoing workflow
// step, i.e. the stages a failure transition is available from.
func (s StageName) IsInProgress() bool {
	return s == StageProvisioning || s == StageConfiguring ||
		s == StageReleasing || s == StageRunning
}

// HasAddress returns true if environments at this stage carry the acquired
// instance network address. The address becomes known when provisioning
// completes and is kept through every later stage except Destroyed.
func (s StageName) HasAddress() bool {
	switch s {
	case StageProvisioned, StageConfiguring, StageConfigured,
		StageReleasing, StageReleased, StageRunning,
		StageConfigureFailed, StageReleaseFailed, StageRunFailed:
		return true
	default:
		return false
	}
}

// Validate checks if the stage name is one of the known stages.
func (s StageName) Validate() error {
	switch s {
	case StageCreated, StageProvisioning, StageProvisioned,
		StageConfiguring, StageConfigured, StageReleasing, StageReleased,
		StageRunning, StageDestroyed, StageProvisionFailed,
		StageConfigureFailed, StageReleaseFailed, StageRunFailed:
		return nil
	default:
		return fmt.Errorf("invalid stage name: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StageName) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StageName) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StageName(str)
	return s.Validate()
}

// Stage is the constraint satisfied by exactly the thirteen stage marker
// types below. The unexported method seals the set: no type outside this
// package can satisfy it, so Environment can only ever be instantiated at a
// known stage.
type Stage interface {
	stageName() StageName
}

// Created is the stage marker for a freshly constructed environment.
type Created struct{}

// Provisioning is the stage marker for an environment whose infrastructure
// is being provisioned.
type Provisioning struct{}

// Provisioned is the stage marker for an environment with a live instance.
type Provisioned struct {
	// Addr is the acquired instance network address.
	Addr string
}

// Configuring is the stage marker for an environment being configured.
type Configuring struct {
	Addr string
}

// Configured is the stage marker for a configured environment.
type Configured struct {
	Addr string
}

// Releasing is the stage marker for an environment receiving a release.
type Releasing struct {
	Addr string
}

// Released is the stage marker for an environment with the release in place.
type Released struct {
	Addr string
}

// Running is the stage marker for an environment with services started.
type Running struct {
	Addr string
}

// Destroyed is the stage marker for a torn-down environment.
type Destroyed struct{}

// ProvisionFailed is the stage marker recording a failed provisioning step.
// No address is carried: provisioning failed before one was acquired.
type ProvisionFailed struct {
	Failure Failure
}

// ConfigureFailed is the stage marker recording a failed configuration step.
type ConfigureFailed struct {
	Addr    string
	Failure Failure
}

// ReleaseFailed is the stage marker recording a failed release step.
type ReleaseFailed struct {
	Addr    string
	Failure Failure
}

// RunFailed is the stage marker recording a failed service startup step.
type RunFailed struct {
	Addr    string
	Failure Failure
}

func (Created) stageName() StageName         { return StageCreated }
func (Provisioning) stageName() StageName    { return StageProvisioning }
func (Provisioned) stageName() StageName     { return StageProvisioned }
func (Configuring) stageName() StageName     { return StageConfiguring }
func (Configured) stageName() StageName      { return StageConfigured }
func (Releasing) stageName() StageName       { return StageReleasing }
func (Released) stageName() StageName        { return StageReleased }
func (Running) stageName() StageName         { return StageRunning }
func (Destroyed) stageName() StageName       { return StageDestroyed }
func (ProvisionFailed) stageName() StageName { return StageProvisionFailed }
func (ConfigureFailed) stageName() StageName { return StageConfigureFailed }
func (ReleaseFailed) stageName() StageName   { return StageReleaseFailed }
func (RunFailed) stageName() StageName       { return StageRunFailed }
