package stores

import (
	"context"
	"time"

	"github.com/gantrydev/gantry/pkg/lifecycle"
)

// EnvironmentStore defines the interface for durable environment records.
// Implementations hide their backend: callers see envelopes and the three
// StoreError kinds, nothing storage-specific.
type EnvironmentStore interface {
	// Save writes the envelope's record, replacing any previous one.
	Save(ctx context.Context, env *lifecycle.Envelope) error

	// Load reads the record for name. Absence is not an error: Load
	// returns (nil, nil).
	Load(ctx context.Context, name string) (*lifecycle.Envelope, error)

	// Exists reports whether a record for name is present.
	Exists(ctx context.Context, name string) (bool, error)

	// Delete removes the record for name. Deleting an absent record is a
	// no-op.
	Delete(ctx context.Context, name string) error

	// List returns the names of all stored environments, sorted.
	List(ctx context.Context) ([]string, error)
}

// TransitionRecord is one journaled lifecycle transition.
type TransitionRecord struct {
	ID          int64               `json:"id"`
	Environment string              `json:"environment"`
	FromStage   lifecycle.StageName `json:"from_stage"`
	ToStage     lifecycle.StageName `json:"to_stage"`
	Operation   string              `json:"operation"`
	FailedStep  *string             `json:"failed_step,omitempty"`
	TraceRef    *string             `json:"trace_ref,omitempty"`
	RecordedAt  time.Time           `json:"recorded_at"`
}
