package engine

import (
	"context"

	"github.com/gantrydev/gantry/pkg/policy"
	"github.com/gantrydev/gantry/pkg/providers"
	"github.com/gantrydev/gantry/pkg/runner/protocol"
	"github.com/gantrydev/gantry/pkg/stores"
)

// Journal records completed stage transitions for `gantry history`. The
// SQLite journal in pkg/stores implements it; a nil journal disables
// recording.
type Journal interface {
	// Record appends one transition.
	Record(ctx context.Context, rec *stores.TransitionRecord) error

	// List returns an environment's transitions, oldest first, with
	// limit/offset pagination.
	List(ctx context.Context, environment string, limit, offset int) ([]*stores.TransitionRecord, error)

	// LastTransition returns an environment's most recent transition.
	LastTransition(ctx context.Context, environment string) (*stores.TransitionRecord, error)

	// Prune deletes every transition recorded for an environment and
	// returns the number removed.
	Prune(ctx context.Context, environment string) (int64, error)
}

var _ Journal = (*stores.Journal)(nil)

// Gate evaluates an operation against the loaded policies before the
// deployer acts on it. The Rego engine in pkg/policy implements it.
type Gate interface {
	// Check evaluates the input document against every loaded policy.
	Check(ctx context.Context, input *policy.PolicyInput) (*policy.PolicyResult, error)
}

var _ Gate = (*policy.Engine)(nil)

// ProviderResolver resolves the provider named by an environment's
// manifest. The registry in pkg/providers implements it.
type ProviderResolver interface {
	// Resolve returns the provider registered under name. A non-empty
	// binary overrides the configured binary path for subprocess
	// providers.
	Resolve(name, binary string) (providers.Provider, error)
}

var _ ProviderResolver = (*providers.Registry)(nil)

// Target locates the instance an operation connects to. It is assembled
// from the stored environment record and the manifest's SSH block.
type Target struct {
	// Environment is the environment name, for logging.
	Environment string

	// Host is the instance address recorded at provision time.
	Host string

	// Port is the SSH port.
	Port int

	// User is the remote account name.
	User string

	// IdentityFile is the local private key path, empty for agent auth.
	IdentityFile string
}

// Session is an open control channel to one instance. Commands go through
// the remote agent; uploads and checksums go directly over the transport.
type Session interface {
	// Execute sends one command to the instance agent and waits for its
	// result.
	Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error)

	// Upload copies a local file onto the instance.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Checksum returns the hex SHA-256 digest of a remote file.
	Checksum(ctx context.Context, remotePath string) (string, error)

	// Close ends the agent session and tears the connection down.
	Close(ctx context.Context) error
}

// Dialer opens sessions to provisioned instances. The production dialer
// connects over SSH and bootstraps the remote agent.
type Dialer interface {
	// Dial connects to the target and returns a ready session.
	Dial(ctx context.Context, target Target) (Session, error)
}
