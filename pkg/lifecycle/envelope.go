package lifecycle

import (
	"encoding/json"
	"fmt"
)

// Envelope holds an environment at any stage behind one concrete type. It is
// the form environments take for storage and for stage-agnostic handling
// (status output, listings). Erase narrows a typed environment into an
// envelope without loss; RecoverAs widens it back into the requested stage,
// failing descriptively if the envelope holds a different one.
//
// All fields are unexported: envelopes come from Erase or from UnmarshalJSON
// on a previously valid record, never from direct construction.
type Envelope struct {
	id      identity
	stage   StageName
	addr    string
	failure *Failure
}

// StageMismatchError reports a RecoverAs call against an envelope holding a
// different stage than requested.
type StageMismatchError struct {
	// Name is the environment name.
	Name string

	// Expected is the stage that was requested.
	Expected StageName

	// Actual is the stage the envelope holds.
	Actual StageName
}

// Error implements the error interface.
func (e *StageMismatchError) Error() string {
	return fmt.Sprintf("environment %q is in stage %s, not %s", e.Name, e.Actual, e.Expected)
}

// Erase narrows a typed environment into an envelope. It is total: every
// stage erases, and nothing is lost in the narrowing.
func Erase[S Stage](env Environment[S]) *Envelope {
	e := &Envelope{
		id:    env.id,
		stage: env.stage.stageName(),
	}

	switch s := any(env.stage).(type) {
	case Provisioned:
		e.addr = s.Addr
	case Configuring:
		e.addr = s.Addr
	case Configured:
		e.addr = s.Addr
	case Releasing:
		e.addr = s.Addr
	case Released:
		e.addr = s.Addr
	case Running:
		e.addr = s.Addr
	case ProvisionFailed:
		f := s.Failure
		e.failure = &f
	case ConfigureFailed:
		e.addr = s.Addr
		f := s.Failure
		e.failure = &f
	case ReleaseFailed:
		e.addr = s.Addr
		f := s.Failure
		e.failure = &f
	case RunFailed:
		e.addr = s.Addr
		f := s.Failure
		e.failure = &f
	}

	return e
}

// RecoverAs widens an envelope back into an environment typed at stage S.
// It succeeds only if the envelope's stage matches S; on mismatch it returns
// a StageMismatchError naming both stages and never coerces. A recovered
// environment is equal to the one that was erased.
func RecoverAs[S Stage](e *Envelope) (Environment[S], error) {
	var zero Environment[S]
	var want S

	if e.stage != want.stageName() {
		return zero, &StageMismatchError{
			Name:     e.id.name,
			Expected: want.stageName(),
			Actual:   e.stage,
		}
	}

	return Environment[S]{id: e.id, stage: e.payload().(S)}, nil
}

// payload rebuilds the stage marker the envelope holds. The envelope's stage
// has already been validated, so the switch is exhaustive.
func (e *Envelope) payload() Stage {
	switch e.stage {
	case StageCreated:
		return Created{}
	case StageProvisioning:
		return Provisioning{}
	case StageProvisioned:
		return Provisioned{Addr: e.addr}
	case StageConfiguring:
		return Configuring{Addr: e.addr}
	case StageConfigured:
		return Configured{Addr: e.addr}
	case StageReleasing:
		return Releasing{Addr: e.addr}
	case StageReleased:
		return Released{Addr: e.addr}
	case StageRunning:
		return Running{Addr: e.addr}
	case StageDestroyed:
		return Destroyed{}
	case StageProvisionFailed:
		return ProvisionFailed{Failure: *e.failure}
	case StageConfigureFailed:
		return ConfigureFailed{Addr: e.addr, Failure: *e.failure}
	case StageReleaseFailed:
		return ReleaseFailed{Addr: e.addr, Failure: *e.failure}
	case StageRunFailed:
		return RunFailed{Addr: e.addr, Failure: *e.failure}
	}
	panic(fmt.Sprintf("lifecycle: envelope holds unknown stage %q", e.stage))
}

// Name returns the environment name.
func (e *Envelope) Name() string {
	return e.id.name
}

// InstanceName returns the generated provider instance name.
func (e *Envelope) InstanceName() string {
	return e.id.instanceName
}

// ResourceGroup returns the generated provider resource-group name.
func (e *Envelope) ResourceGroup() string {
	return e.id.resourceGroup
}

// SSH returns the SSH credentials for the instance.
func (e *Envelope) SSH() SSHCredentials {
	return e.id.ssh
}

// BuildDir returns the ephemeral build artifact directory.
func (e *Envelope) BuildDir() string {
	return e.id.buildDir
}

// DataDir returns the persistent data directory.
func (e *Envelope) DataDir() string {
	return e.id.dataDir
}

// StageName returns the stage the envelope holds.
func (e *Envelope) StageName() StageName {
	return e.stage
}

// Address returns the instance network address, or "" for stages that do not
// carry one.
func (e *Envelope) Address() string {
	return e.addr
}

// IsFailure returns true if the envelope holds a failure stage.
func (e *Envelope) IsFailure() bool {
	return e.stage.IsFailure()
}

// IsTerminal returns true if the envelope holds the terminal stage.
func (e *Envelope) IsTerminal() bool {
	return e.stage.IsTerminal()
}

// Failure returns a copy of the failure payload, or nil for non-failure
// stages.
func (e *Envelope) Failure() *Failure {
	if e.failure == nil {
		return nil
	}
	f := *e.failure
	return &f
}

// String renders a one-line summary of the envelope.
func (e *Envelope) String() string {
	if e.failure != nil {
		return fmt.Sprintf("Environment '%s' is in stage %s (failed at: %s)", e.id.name, e.stage, e.failure.FailedStep)
	}
	return fmt.Sprintf("Environment '%s' is in stage %s", e.id.name, e.stage)
}

// envelopeJSON is the wire form of an envelope. The stage discriminator
// leads, followed by the identity fields and the stage payload.
type envelopeJSON struct {
	Stage         StageName      `json:"stage"`
	Name          string         `json:"name"`
	InstanceName  string         `json:"instance_name"`
	ResourceGroup string         `json:"resource_group"`
	SSH           SSHCredentials `json:"ssh"`
	BuildDir      string         `json:"build_dir"`
	DataDir       string         `json:"data_dir"`
	Addr          string         `json:"addr,omitempty"`
	Failure       *Failure       `json:"failure,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Stage:         e.stage,
		Name:          e.id.name,
		InstanceName:  e.id.instanceName,
		ResourceGroup: e.id.resourceGroup,
		SSH:           e.id.ssh,
		BuildDir:      e.id.buildDir,
		DataDir:       e.id.dataDir,
		Addr:          e.addr,
		Failure:       e.failure,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Decoding validates the stage
// discriminator and the stage/payload pairing, so an envelope read back from
// disk is as well-formed as one produced by Erase.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	if err := w.Stage.Validate(); err != nil {
		return err
	}
	if w.Name == "" {
		return fmt.Errorf("environment record has no name")
	}
	if w.Failure != nil && !w.Stage.IsFailure() {
		return fmt.Errorf("stage %s cannot carry a failure payload", w.Stage)
	}
	if w.Failure == nil && w.Stage.IsFailure() {
		return fmt.Errorf("stage %s requires a failure payload", w.Stage)
	}
	if w.Addr != "" && !w.Stage.HasAddress() {
		return fmt.Errorf("stage %s cannot carry an instance address", w.Stage)
	}

	e.id = identity{
		name:          w.Name,
		instanceName:  w.InstanceName,
		resourceGroup: w.ResourceGroup,
		ssh:           w.SSH,
		buildDir:      w.BuildDir,
		dataDir:       w.DataDir,
	}
	e.stage = w.Stage
	e.addr = w.Addr
	e.failure = w.Failure
	return nil
}
