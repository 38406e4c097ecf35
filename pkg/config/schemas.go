package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Registered schemas are
// values to unify with data: definitions give closed-struct validation,
// plain structs give open validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistryIn(cuecontext.New())
}

// newSchemaRegistryIn builds a registry inside an existing CUE context so
// its schemas can be unified with values parsed in that context. Values from
// different contexts cannot be mixed.
func newSchemaRegistryIn(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas compiles the built-in definitions once and registers
// each under its schema name. A single compile keeps the cross-references
// between definitions resolvable.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	val := sr.ctx.CompileString(builtinSchemas)
	if err := val.Err(); err != nil {
		// The built-in source is a compile-time constant; a failure here is
		// a programming error surfaced on first validation.
		return
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range map[string]string{
		"manifest":    "#Manifest",
		"environment": "#Environment",
		"step":        "#Step",
		"release":     "#Release",
		"service":     "#Service",
	} {
		sr.schemas[name] = val.LookupPath(cue.ParsePath(def))
	}
}

// RegisterSchema compiles and registers a CUE schema under the given name.
// The schema string must be self-contained; it is unified with data as-is.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateManifestValue checks a raw manifest value against the manifest
// schema before decoding, returning every diagnostic. The value must come
// from the same CUE context the registry was built in.
func (sr *SchemaRegistry) ValidateManifestValue(val cue.Value) []ValidationError {
	schema, ok := sr.GetSchema("manifest")
	if !ok {
		return nil
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// builtinSchemas holds every built-in definition in one source so the
// definitions can reference each other.
const builtinSchemas = `
// Manifest is the top-level deployment manifest shape
#Manifest: {
	manifest: {
		// Name identifies the manifest
		name: string & =~"^[a-zA-Z0-9_-]+$"

		// Version is the manifest format version
		version?: string
	}

	// Defaults are merged under every environment
	defaults?: #Environment

	// Environments maps environment name to deployment spec
	environments: {[=~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"]: #Environment}
}

// Environment is a per-environment deployment spec
#Environment: {
	// Provider selects the provisioning provider
	provider?: {
		name?:   string
		binary?: string
		config?: {...}
	}

	// SSH defaults for reaching the instance
	ssh?: {
		user?:          string
		port?:          int & >0 & <65536
		identity_file?: string
	}

	// Local build output directory
	build_dir?: string

	// Remote data directory owned by the deployment
	data_dir?: string

	// Labels carried into policy input
	labels?: {[string]: string}

	// Configure steps, executed in order
	steps?: [...#Step]

	// Release artifact description
	release?: #Release

	// Services started by the run operation
	services?: [...#Service]
}

// Step is one configure step
#Step: {
	// Name identifies the step in logs and failure payloads
	name: string & =~"^[a-z0-9_-]+$"

	// Action is the step kind
	action: "exec" | "file" | "service"

	// Command for exec steps
	command?: string

	// Path, content, and mode for file steps
	path?:    string
	content?: string
	mode?:    string & =~"^0[0-7]{3}$"

	// Service name and desired state for service steps
	service?: string
	state?:   "started" | "stopped" | "restarted"

	// Parameters merged with hook outputs
	params?: {[string]: string}
}

// Release is the artifact pushed during release
#Release: {
	// Artifact is the local artifact path
	artifact: string

	// RemotePath is where the artifact lands on the instance
	remote_path: string

	// Commands run after the upload, in order
	commands?: [...string]
}

// Service is one service started by run
#Service: {
	// Name identifies the service
	name: string & =~"^[a-zA-Z0-9_.-]+$"

	// Command starts the service; empty means systemctl start <name>
	command?: string
}
`

// ValidateEnvironment validates an environment spec against the environment schema.
func (sr *SchemaRegistry) ValidateEnvironment(ctx context.Context, spec EnvironmentSpec) error {
	return sr.ValidateAgainstSchema(ctx, "environment", spec)
}

// ValidateStep validates a configure step against the step schema.
func (sr *SchemaRegistry) ValidateStep(ctx context.Context, step StepSpec) error {
	return sr.ValidateAgainstSchema(ctx, "step", step)
}

// ValidateRelease validates a release spec against the release schema.
func (sr *SchemaRegistry) ValidateRelease(ctx context.Context, release ReleaseSpec) error {
	return sr.ValidateAgainstSchema(ctx, "release", release)
}

// ValidateService validates a service spec against the service schema.
func (sr *SchemaRegistry) ValidateService(ctx context.Context, service ServiceSpec) error {
	return sr.ValidateAgainstSchema(ctx, "service", service)
}
