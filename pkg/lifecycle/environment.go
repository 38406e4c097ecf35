package lifecycle

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// SSHCredentials identifies the account used to reach the provisioned
// instance over SSH.
type SSHCredentials struct {
	// User is the remote account name.
	User string `json:"user"`

	// PrivateKeyPath is the local path of the private key, if key auth is used.
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

// identity holds the fields that stay constant across the whole lifecycle.
// Only the stage payload ever changes; transitions copy the identity through
// untouched.
type identity struct {
	name          string
	instanceName  string
	resourceGroup string
	ssh           SSHCredentials
	buildDir      string
	dataDir       string
}

// Environment is a deployment environment at a specific lifecycle stage S.
// The stage is part of the type: a function taking Environment[Provisioned]
// cannot be handed an environment at any other stage, and the transition for
// a stage only exists on that stage's instantiation.
//
// Values are only obtainable from New, from a transition on the prior stage,
// or from RecoverAs on a deserialized Envelope.
type Environment[S Stage] struct {
	id    identity
	stage S
}

const maxNameLength = 63

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// New constructs an environment in the Created stage. The name becomes the
// record's directory on disk and must be filesystem-safe: lowercase letters,
// digits and hyphens, not starting or ending with a hyphen, at most 63
// characters. Instance and resource-group names are generated from the name
// with a random suffix so repeated create/destroy cycles never collide at
// the provider.
func New(name string, ssh SSHCredentials, buildDir, dataDir string) (Environment[Created], error) {
	var zero Environment[Created]

	if name == "" {
		return zero, fmt.Errorf("environment name is required")
	}
	if len(name) > maxNameLength {
		return zero, fmt.Errorf("environment name %q exceeds %d characters", name, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return zero, fmt.Errorf("environment name %q must contain only lowercase letters, digits and hyphens, and must not start or end with a hyphen", name)
	}
	if ssh.User == "" {
		return zero, fmt.Errorf("ssh user is required")
	}
	if buildDir == "" {
		return zero, fmt.Errorf("build directory is required")
	}
	if dataDir == "" {
		return zero, fmt.Errorf("data directory is required")
	}

	return Environment[Created]{
		id: identity{
			name:          name,
			instanceName:  fmt.Sprintf("%s-vm-%s", name, shortID()),
			resourceGroup: fmt.Sprintf("%s-rg-%s", name, shortID()),
			ssh:           ssh,
			buildDir:      buildDir,
			dataDir:       dataDir,
		},
	}, nil
}

func shortID() string {
	return uuid.NewString()[:8]
}

// Name returns the environment name, the unique lookup key.
func (e Environment[S]) Name() string {
	return e.id.name
}

// InstanceName returns the generated provider instance name.
func (e Environment[S]) InstanceName() string {
	return e.id.instanceName
}

// ResourceGroup returns the generated provider resource-group name.
func (e Environment[S]) ResourceGroup() string {
	return e.id.resourceGroup
}

// SSH returns the SSH credentials for the instance.
func (e Environment[S]) SSH() SSHCredentials {
	return e.id.ssh
}

// BuildDir returns the ephemeral build artifact directory.
func (e Environment[S]) BuildDir() string {
	return e.id.buildDir
}

// DataDir returns the persistent data directory.
func (e Environment[S]) DataDir() string {
	return e.id.dataDir
}

// Stage returns the stage payload.
func (e Environment[S]) Stage() S {
	return e.stage
}

// StageName returns the wire name of the current stage.
func (e Environment[S]) StageName() StageName {
	return e.stage.stageName()
}
