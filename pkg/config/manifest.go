package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// ManifestParser parses and validates deployment manifests written in CUE.
type ManifestParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewManifestParser creates a new manifest parser. The schema registry is
// built inside the parser's CUE context so parsed values can be checked
// against the registered schemas directly.
func NewManifestParser() *ManifestParser {
	cctx := cuecontext.New()
	return &ManifestParser{
		ctx:            cctx,
		schemaRegistry: newSchemaRegistryIn(cctx),
		validator:      validator.New(),
	}
}

// Load parses the manifest at path and fails on any validation error. This
// is the entrypoint the CLI uses: a manifest with diagnostics is not usable
// for deployment operations.
func (mp *ManifestParser) Load(ctx context.Context, path string) (*ParsedManifest, error) {
	pm, err := mp.Parse(ctx, []string{path})
	if err != nil {
		return nil, err
	}

	if len(pm.Errors) > 0 {
		return nil, fmt.Errorf("manifest %s has %d validation error(s), first: %s",
			path, len(pm.Errors), pm.Errors[0].Message)
	}

	if err := mp.Validate(ctx, pm); err != nil {
		return nil, err
	}

	return pm, nil
}

// Parse parses manifest CUE from the given sources. Sources may be files or
// directories; multiple sources are unified into one manifest. Parse reports
// diagnostics through ParsedManifest.Errors rather than failing, so callers
// like `validate` can render every problem at once.
func (mp *ManifestParser) Parse(ctx context.Context, sources []string) (*ParsedManifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := mp.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := mp.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedManifest{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		parseErrors = append(parseErrors, convertCUEErrors(err)...)
		return &ParsedManifest{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return mp.extractManifest(cueValue, sourceFiles)
}

// ParseInline parses inline CUE content.
func (mp *ManifestParser) ParseInline(ctx context.Context, content string) (*ParsedManifest, error) {
	val := mp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedManifest{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}

	return mp.extractManifest(val, []string{"inline"})
}

// Validate checks the manifest metadata and every resolved environment spec
// against struct validation tags. Specs are validated after defaults merging
// so an environment that only fills gaps left by the defaults still passes.
func (mp *ManifestParser) Validate(ctx context.Context, pm *ParsedManifest) error {
	if err := mp.validator.Struct(pm.Meta); err != nil {
		return fmt.Errorf("manifest metadata validation failed: %w", err)
	}

	if len(pm.Environments) == 0 {
		return fmt.Errorf("manifest %s declares no environments", pm.Meta.Name)
	}

	for _, name := range pm.EnvironmentNames() {
		spec, err := pm.Environment(name)
		if err != nil {
			return err
		}
		if err := mp.validator.Struct(spec); err != nil {
			return fmt.Errorf("environment %s validation failed: %w", name, err)
		}
		for i, step := range spec.Steps {
			if err := validateStepShape(step); err != nil {
				return fmt.Errorf("environment %s step %d (%s): %w", name, i, step.Name, err)
			}
		}
	}

	return nil
}

// validateStepShape enforces the per-action required fields that struct tags
// cannot express.
func validateStepShape(step StepSpec) error {
	switch step.Action {
	case "exec":
		if step.Command == "" {
			return fmt.Errorf("exec steps require a command")
		}
	case "file":
		if step.Path == "" {
			return fmt.Errorf("file steps require a path")
		}
	case "service":
		if step.Service == "" {
			return fmt.Errorf("service steps require a service name")
		}
	}
	return nil
}

// loadDirectory loads a directory as a CUE package.
func (mp *ManifestParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := mp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (mp *ManifestParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := mp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// extractManifest validates a CUE value against the manifest schema and
// extracts the manifest sections.
func (mp *ManifestParser) extractManifest(val cue.Value, sourceFiles []string) (*ParsedManifest, error) {
	pm := &ParsedManifest{
		Environments: make(map[string]EnvironmentSpec),
		SourceFiles:  sourceFiles,
		ParsedAt:     time.Now(),
	}

	if errs := mp.schemaRegistry.ValidateManifestValue(val); len(errs) > 0 {
		pm.Errors = errs
		return pm, nil
	}

	metaVal := val.LookupPath(cue.ParsePath("manifest"))
	if metaVal.Exists() {
		if err := metaVal.Decode(&pm.Meta); err != nil {
			pm.Errors = append(pm.Errors, ValidationError{
				Path:     "manifest",
				Message:  fmt.Sprintf("failed to decode manifest metadata: %v", err),
				Severity: "error",
			})
		}
	}

	defaultsVal := val.LookupPath(cue.ParsePath("defaults"))
	if defaultsVal.Exists() {
		var defaults EnvironmentSpec
		if err := defaultsVal.Decode(&defaults); err != nil {
			pm.Errors = append(pm.Errors, ValidationError{
				Path:     "defaults",
				Message:  fmt.Sprintf("failed to decode defaults: %v", err),
				Severity: "error",
			})
		} else {
			pm.Defaults = &defaults
		}
	}

	envsVal := val.LookupPath(cue.ParsePath("environments"))
	if envsVal.Exists() {
		iter, err := envsVal.Fields()
		if err != nil {
			pm.Errors = append(pm.Errors, ValidationError{
				Path:     "environments",
				Message:  fmt.Sprintf("failed to iterate environments: %v", err),
				Severity: "error",
			})
		} else {
			for iter.Next() {
				// Unquoted so hyphenated names like "my-env" come back
				// without their CUE label quoting.
				name := iter.Selector().Unquoted()
				spec, err := mp.extractEnvironment(iter.Value())
				if err != nil {
					pm.Errors = append(pm.Errors, ValidationError{
						Path:     fmt.Sprintf("environments.%s", name),
						Message:  err.Error(),
						Severity: "error",
					})
				} else {
					pm.Environments[name] = spec
				}
			}
		}
	}

	if len(pm.Environments) == 0 && len(pm.Errors) == 0 {
		pm.Errors = append(pm.Errors, ValidationError{
			Path:     "environments",
			Message:  "manifest declares no environments",
			Severity: "error",
		})
	}

	return pm, nil
}

// extractEnvironment extracts one environment spec from a CUE value.
func (mp *ManifestParser) extractEnvironment(val cue.Value) (EnvironmentSpec, error) {
	var spec EnvironmentSpec

	if err := val.Decode(&spec); err != nil {
		return spec, fmt.Errorf("failed to decode environment: %w", err)
	}

	return spec, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ValidateWithSchema validates a value against a registered CUE schema.
func (mp *ManifestParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return mp.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (mp *ManifestParser) GetSchemaRegistry() *SchemaRegistry {
	return mp.schemaRegistry
}

// ExportJSON renders a parsed manifest as indented JSON, used by --json
// output of the validate command.
func (mp *ManifestParser) ExportJSON(pm *ParsedManifest) ([]byte, error) {
	data, err := json.MarshalIndent(pm, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}
