package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantrydev/gantry/pkg/config"
	"github.com/gantrydev/gantry/pkg/lifecycle"
	"github.com/gantrydev/gantry/pkg/policy"
	"github.com/gantrydev/gantry/pkg/providers"
	"github.com/gantrydev/gantry/pkg/runner/protocol"
	"github.com/gantrydev/gantry/pkg/stores"
	"github.com/gantrydev/gantry/pkg/telemetry"
	"github.com/gantrydev/gantry/pkg/transports/ssh"
)

// Step names recorded for failures outside the manifest's own steps.
const (
	stepResolveProvider   = "resolve provider"
	stepProviderProvision = "provider provision"
	stepProviderDestroy   = "provider destroy"
	stepConnect           = "connect"
	stepReadArtifact      = "read artifact"
	stepUploadArtifact    = "upload artifact"
	stepVerifyArtifact    = "verify artifact"
)

// Config wires the deployer's collaborators.
type Config struct {
	// Manifest is the parsed deployment manifest.
	Manifest *config.ParsedManifest

	// Hooks is the loaded hooks script; nil means no hooks.
	Hooks *config.Hooks

	// Store persists environment records.
	Store stores.EnvironmentStore

	// Journal records transitions; nil disables history.
	Journal Journal

	// Gate checks operations against policy; nil disables the gate.
	Gate Gate

	// PolicyWarnOnly logs policy denials instead of blocking, matching
	// the settings' on_violation mode.
	PolicyWarnOnly bool

	// Providers resolves provisioning providers.
	Providers ProviderResolver

	// Dialer opens instance sessions. Nil selects the SSH dialer.
	Dialer Dialer

	// AgentPath names the local gantry-agent binary for the SSH dialer.
	AgentPath string

	// Telemetry carries the tracer, metrics, and event publisher; nil
	// disables all three.
	Telemetry *telemetry.Telemetry

	// Logger is the structured logger.
	Logger zerolog.Logger

	// User attributes operations in the policy input. Empty means the
	// current OS user.
	User string

	// Production marks the policy input as targeting production.
	Production bool
}

// Deployer executes deployment operations against one manifest.
type Deployer struct {
	manifest   *config.ParsedManifest
	hooks      *config.Hooks
	store      stores.EnvironmentStore
	journal    Journal
	gate       Gate
	warnOnly   bool
	providers  ProviderResolver
	dialer     Dialer
	tel        *telemetry.Telemetry
	logger     zerolog.Logger
	user       string
	production bool
}

// NewDeployer validates the configuration and returns a ready deployer.
func NewDeployer(cfg Config) (*Deployer, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("environment store is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider resolver is required")
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewAgentDialer(cfg.AgentPath, cfg.Logger)
	}

	operator := cfg.User
	if operator == "" {
		if u, err := user.Current(); err == nil {
			operator = u.Username
		}
	}

	return &Deployer{
		manifest:   cfg.Manifest,
		hooks:      cfg.Hooks,
		store:      cfg.Store,
		journal:    cfg.Journal,
		gate:       cfg.Gate,
		warnOnly:   cfg.PolicyWarnOnly,
		providers:  cfg.Providers,
		dialer:     dialer,
		tel:        cfg.Telemetry,
		logger:     cfg.Logger.With().Str("component", "deployer").Logger(),
		user:       operator,
		production: cfg.Production,
	}, nil
}

// Create builds a new environment record in the created stage from the
// manifest entry for name.
func (d *Deployer) Create(ctx context.Context, name string, opts CreateOptions) error {
	return d.run(ctx, OpCreate, name, func(ctx context.Context) (lifecycle.StageName, error) {
		spec, err := d.manifest.Environment(name)
		if err != nil {
			return "", err
		}

		existing, err := d.store.Load(ctx, name)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return existing.StageName(), &ExistsError{Environment: name, Stage: existing.StageName()}
		}

		summary := &policy.EnvironmentSummary{
			Name:   name,
			Stage:  string(lifecycle.StageCreated),
			Labels: mergeStrings(spec.Labels, opts.Labels),
		}
		if err := d.checkGate(ctx, OpCreate, name, summary, false); err != nil {
			return "", err
		}

		env, err := lifecycle.New(name, spec.SSH.Credentials(), spec.BuildDir, spec.DataDir)
		if err != nil {
			return "", err
		}

		envl := lifecycle.Erase(env)
		if err := d.commit(ctx, OpCreate, "", envl); err != nil {
			return "", err
		}
		return envl.StageName(), nil
	})
}

// Provision acquires infrastructure for a created environment through its
// manifest provider.
func (d *Deployer) Provision(ctx context.Context, name string) error {
	return d.run(ctx, OpProvision, name, func(ctx context.Context) (lifecycle.StageName, error) {
		spec, envl, err := d.loadFor(ctx, name)
		if err != nil {
			return "", err
		}

		created, err := lifecycle.RecoverAs[lifecycle.Created](envl)
		if err != nil {
			return envl.StageName(), err
		}

		if err := d.checkGate(ctx, OpProvision, name, d.summarize(envl, spec), false); err != nil {
			return envl.StageName(), err
		}

		provisioning := lifecycle.StartProvisioning(created)
		if err := d.commit(ctx, OpProvision, lifecycle.StageCreated, lifecycle.Erase(provisioning)); err != nil {
			return lifecycle.StageCreated, err
		}

		return d.provisionFrom(ctx, spec, provisioning)
	})
}

// provisionFrom drives the provider call for an environment already moved
// into provisioning, completing or failing the stage.
func (d *Deployer) provisionFrom(ctx context.Context, spec *config.EnvironmentSpec, env lifecycle.Environment[lifecycle.Provisioning]) (lifecycle.StageName, error) {
	name := env.Name()

	if _, err := d.callHook(ctx, config.HookPreProvision, lifecycle.Erase(env), spec); err != nil {
		return failStage(d, ctx, OpProvision, env, lifecycle.FailProvisioning, hookStep(config.HookPreProvision), err)
	}

	provider, err := d.providers.Resolve(spec.Provider.Name, spec.Provider.Binary)
	if err != nil {
		return failStage(d, ctx, OpProvision, env, lifecycle.FailProvisioning, stepResolveProvider, err)
	}

	req := providers.ProvisionRequest{
		Environment:   name,
		Instance:      env.InstanceName(),
		ResourceGroup: env.ResourceGroup(),
		Labels:        spec.Labels,
		Config:        spec.Provider.Config,
	}

	if d.tel != nil {
		_ = d.tel.Events.PublishProviderInvoked(name, provider.Name(), OpProvision)
	}

	var result *providers.ProvisionResult
	err = telemetry.RecordProviderOperation(ctx, provider.Name(), OpProvision, func() error {
		var provisionErr error
		result, provisionErr = provider.Provision(ctx, req)
		return provisionErr
	})
	if err != nil {
		return failStage(d, ctx, OpProvision, env, lifecycle.FailProvisioning, stepProviderProvision, err)
	}

	provisioned := lifecycle.CompleteProvisioning(env, result.Address)
	out := lifecycle.Erase(provisioned)
	if err := d.commit(ctx, OpProvision, lifecycle.StageProvisioning, out); err != nil {
		return lifecycle.StageProvisioning, err
	}

	d.callPostHook(ctx, config.HookPostProvision, out, spec)
	return out.StageName(), nil
}

// Configure runs the manifest's configure steps on the provisioned instance
// through the remote agent.
func (d *Deployer) Configure(ctx context.Context, name string) error {
	return d.run(ctx, OpConfigure, name, func(ctx context.Context) (lifecycle.StageName, error) {
		spec, envl, err := d.loadFor(ctx, name)
		if err != nil {
			return "", err
		}

		provisioned, err := lifecycle.RecoverAs[lifecycle.Provisioned](envl)
		if err != nil {
			return envl.StageName(), err
		}

		if err := d.checkGate(ctx, OpConfigure, name, d.summarize(envl, spec), false); err != nil {
			return envl.StageName(), err
		}

		configuring := lifecycle.StartConfiguring(provisioned)
		if err := d.commit(ctx, OpConfigure, lifecycle.StageProvisioned, lifecycle.Erase(configuring)); err != nil {
			return lifecycle.StageProvisioned, err
		}

		return d.configureFrom(ctx, spec, configuring)
	})
}

// configureFrom executes the steps for an environment already in
// configuring.
func (d *Deployer) configureFrom(ctx context.Context, spec *config.EnvironmentSpec, env lifecycle.Environment[lifecycle.Configuring]) (lifecycle.StageName, error) {
	envl := lifecycle.Erase(env)

	hookParams, err := d.callHook(ctx, config.HookPreConfigure, envl, spec)
	if err != nil {
		return failStage(d, ctx, OpConfigure, env, lifecycle.FailConfiguring, hookStep(config.HookPreConfigure), err)
	}

	if step, err := d.runSteps(ctx, envl, spec, hookParams); err != nil {
		return failStage(d, ctx, OpConfigure, env, lifecycle.FailConfiguring, step, err)
	}

	configured := lifecycle.CompleteConfiguring(env)
	out := lifecycle.Erase(configured)
	if err := d.commit(ctx, OpConfigure, lifecycle.StageConfiguring, out); err != nil {
		return lifecycle.StageConfiguring, err
	}

	d.callPostHook(ctx, config.HookPostConfigure, out, spec)
	return out.StageName(), nil
}

// Release uploads the build artifact to the configured instance, verifies
// it, and runs the release commands.
func (d *Deployer) Release(ctx context.Context, name string) error {
	return d.run(ctx, OpRelease, name, func(ctx context.Context) (lifecycle.StageName, error) {
		spec, envl, err := d.loadFor(ctx, name)
		if err != nil {
			return "", err
		}

		configured, err := lifecycle.RecoverAs[lifecycle.Configured](envl)
		if err != nil {
			return envl.StageName(), err
		}

		if err := d.checkGate(ctx, OpRelease, name, d.summarize(envl, spec), false); err != nil {
			return envl.StageName(), err
		}

		releasing := lifecycle.StartReleasing(configured)
		if err := d.commit(ctx, OpRelease, lifecycle.StageConfigured, lifecycle.Erase(releasing)); err != nil {
			return lifecycle.StageConfigured, err
		}

		return d.releaseFrom(ctx, spec, releasing)
	})
}

// releaseFrom pushes the artifact for an environment already in releasing.
func (d *Deployer) releaseFrom(ctx context.Context, spec *config.EnvironmentSpec, env lifecycle.Environment[lifecycle.Releasing]) (lifecycle.StageName, error) {
	envl := lifecycle.Erase(env)

	if _, err := d.callHook(ctx, config.HookPreRelease, envl, spec); err != nil {
		return failStage(d, ctx, OpRelease, env, lifecycle.FailReleasing, hookStep(config.HookPreRelease), err)
	}

	if step, err := d.pushRelease(ctx, envl, spec); err != nil {
		return failStage(d, ctx, OpRelease, env, lifecycle.FailReleasing, step, err)
	}

	released := lifecycle.CompleteReleasing(env)
	out := lifecycle.Erase(released)
	if err := d.commit(ctx, OpRelease, lifecycle.StageReleasing, out); err != nil {
		return lifecycle.StageReleasing, err
	}

	d.callPostHook(ctx, config.HookPostRelease, out, spec)
	return out.StageName(), nil
}

// Run starts the released application's services on the instance. Running
// is the steady state: the environment stays there until it fails,
// is destroyed, or is run again after a new release.
func (d *Deployer) Run(ctx context.Context, name string) error {
	return d.run(ctx, OpRun, name, func(ctx context.Context) (lifecycle.StageName, error) {
		spec, envl, err := d.loadFor(ctx, name)
		if err != nil {
			return "", err
		}

		released, err := lifecycle.RecoverAs[lifecycle.Released](envl)
		if err != nil {
			return envl.StageName(), err
		}

		if err := d.checkGate(ctx, OpRun, name, d.summarize(envl, spec), false); err != nil {
			return envl.StageName(), err
		}

		running := lifecycle.StartRunning(released)
		if err := d.commit(ctx, OpRun, lifecycle.StageReleased, lifecycle.Erase(running)); err != nil {
			return lifecycle.StageReleased, err
		}

		return d.runFrom(ctx, spec, running)
	})
}

// runFrom starts the services for an environment already in running.
func (d *Deployer) runFrom(ctx context.Context, spec *config.EnvironmentSpec, env lifecycle.Environment[lifecycle.Running]) (lifecycle.StageName, error) {
	envl := lifecycle.Erase(env)

	if _, err := d.callHook(ctx, config.HookPreRun, envl, spec); err != nil {
		return failStage(d, ctx, OpRun, env, lifecycle.FailRunning, hookStep(config.HookPreRun), err)
	}

	if step, err := d.startServices(ctx, envl, spec); err != nil {
		return failStage(d, ctx, OpRun, env, lifecycle.FailRunning, step, err)
	}

	d.callPostHook(ctx, config.HookPostRun, envl, spec)
	return envl.StageName(), nil
}

// Retry re-enters the in-progress stage matching the recorded failure and
// re-executes the failed operation from there.
func (d *Deployer) Retry(ctx context.Context, name string) error {
	return d.run(ctx, OpRetry, name, func(ctx context.Context) (lifecycle.StageName, error) {
		spec, envl, err := d.loadFor(ctx, name)
		if err != nil {
			return "", err
		}

		if err := d.checkGate(ctx, OpRetry, name, d.summarize(envl, spec), false); err != nil {
			return envl.StageName(), err
		}

		from := envl.StageName()
		switch from {
		case lifecycle.StageProvisionFailed:
			failed, err := lifecycle.RecoverAs[lifecycle.ProvisionFailed](envl)
			if err != nil {
				return from, err
			}
			provisioning := lifecycle.RetryProvisioning(failed)
			if err := d.commit(ctx, OpRetry, from, lifecycle.Erase(provisioning)); err != nil {
				return from, err
			}
			return d.provisionFrom(ctx, spec, provisioning)

		case lifecycle.StageConfigureFailed:
			failed, err := lifecycle.RecoverAs[lifecycle.ConfigureFailed](envl)
			if err != nil {
				return from, err
			}
			configuring := lifecycle.RetryConfiguring(failed)
			if err := d.commit(ctx, OpRetry, from, lifecycle.Erase(configuring)); err != nil {
				return from, err
			}
			return d.configureFrom(ctx, spec, configuring)

		case lifecycle.StageReleaseFailed:
			failed, err := lifecycle.RecoverAs[lifecycle.ReleaseFailed](envl)
			if err != nil {
				return from, err
			}
			releasing := lifecycle.RetryReleasing(failed)
			if err := d.commit(ctx, OpRetry, from, lifecycle.Erase(releasing)); err != nil {
				return from, err
			}
			return d.releaseFrom(ctx, spec, releasing)

		case lifecycle.StageRunFailed:
			failed, err := lifecycle.RecoverAs[lifecycle.RunFailed](envl)
			if err != nil {
				return from, err
			}
			running := lifecycle.RetryRunning(failed)
			if err := d.commit(ctx, OpRetry, from, lifecycle.Erase(running)); err != nil {
				return from, err
			}
			return d.runFrom(ctx, spec, running)

		default:
			return from, fmt.Errorf("environment %q is in stage %s; retry applies only to failed stages", name, from)
		}
	})
}

// Destroy tears the environment's infrastructure down from any stage and
// moves the record to destroyed. Destroying a destroyed environment is a
// no-op. The provider is not called for environments that never entered
// provisioning, and a provider failure leaves the record in its prior
// stage so destroy can be retried.
func (d *Deployer) Destroy(ctx context.Context, name string, opts DestroyOptions) error {
	return d.run(ctx, OpDestroy, name, func(ctx context.Context) (lifecycle.StageName, error) {
		spec, envl, err := d.loadFor(ctx, name)
		if err != nil {
			return "", err
		}

		from := envl.StageName()
		if envl.IsTerminal() {
			return from, nil
		}

		if err := d.checkGate(ctx, OpDestroy, name, d.summarize(envl, spec), opts.Force); err != nil {
			return from, err
		}

		if from != lifecycle.StageCreated {
			if err := d.destroyInstance(ctx, name, spec, envl); err != nil {
				return from, err
			}
		}

		destroyed, err := destroyEnvelope(envl)
		if err != nil {
			return from, err
		}
		if err := d.commit(ctx, OpDestroy, from, destroyed); err != nil {
			return from, err
		}
		return destroyed.StageName(), nil
	})
}

// destroyInstance asks the provider to release the environment's
// infrastructure.
func (d *Deployer) destroyInstance(ctx context.Context, name string, spec *config.EnvironmentSpec, envl *lifecycle.Envelope) error {
	provider, err := d.providers.Resolve(spec.Provider.Name, spec.Provider.Binary)
	if err != nil {
		return &OperationError{Operation: OpDestroy, Environment: name, Step: stepResolveProvider, Class: Classify(err), Err: err}
	}

	req := providers.DestroyRequest{
		Environment:   name,
		Instance:      envl.InstanceName(),
		ResourceGroup: envl.ResourceGroup(),
		Address:       envl.Address(),
		Config:        spec.Provider.Config,
	}

	if d.tel != nil {
		_ = d.tel.Events.PublishProviderInvoked(name, provider.Name(), OpDestroy)
	}

	err = telemetry.RecordProviderOperation(ctx, provider.Name(), OpDestroy, func() error {
		return provider.Destroy(ctx, req)
	})
	if err != nil {
		class := Classify(err)
		if d.tel != nil {
			d.tel.Metrics.RecordError(string(class))
		}
		return &OperationError{Operation: OpDestroy, Environment: name, Step: stepProviderDestroy, Class: class, Err: err}
	}
	return nil
}

// Cleanup deletes the record of a destroyed environment and prunes its
// journal history. Cleaning up an absent environment is a no-op.
func (d *Deployer) Cleanup(ctx context.Context, name string) error {
	return d.run(ctx, OpCleanup, name, func(ctx context.Context) (lifecycle.StageName, error) {
		envl, err := d.store.Load(ctx, name)
		if err != nil {
			return "", err
		}
		if envl == nil {
			return "", nil
		}

		if _, err := lifecycle.RecoverAs[lifecycle.Destroyed](envl); err != nil {
			return envl.StageName(), err
		}

		// The environment may already be gone from the manifest; the gate
		// still sees what the record holds.
		spec, _ := d.manifest.Environment(name)
		if err := d.checkGate(ctx, OpCleanup, name, d.summarize(envl, spec), false); err != nil {
			return envl.StageName(), err
		}

		if err := d.store.Delete(ctx, name); err != nil {
			return envl.StageName(), err
		}

		if d.journal != nil {
			if pruned, err := d.journal.Prune(ctx, name); err != nil {
				d.logger.Warn().Err(err).Str("environment", name).Msg("failed to prune journal")
			} else if pruned > 0 {
				d.logger.Debug().Str("environment", name).Int64("transitions", pruned).Msg("journal pruned")
			}
		}
		return lifecycle.StageDestroyed, nil
	})
}

// Status returns the read-only view of one environment.
func (d *Deployer) Status(ctx context.Context, name string) (*EnvironmentStatus, error) {
	envl, err := d.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if envl == nil {
		return nil, &NotFoundError{Environment: name}
	}

	status := statusFromEnvelope(envl)
	if d.journal != nil {
		last, err := d.journal.LastTransition(ctx, name)
		switch {
		case err == nil:
			status.LastTransition = last.RecordedAt
		case !stores.IsNotFound(err):
			d.logger.Warn().Err(err).Str("environment", name).Msg("failed to read last transition")
		}
	}
	return &status, nil
}

// List returns the status of every stored environment, sorted by name.
func (d *Deployer) List(ctx context.Context) ([]EnvironmentStatus, error) {
	names, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]EnvironmentStatus, 0, len(names))
	for _, name := range names {
		status, err := d.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *status)
	}
	return statuses, nil
}

// History returns an environment's journaled transitions, oldest first.
func (d *Deployer) History(ctx context.Context, name string, limit, offset int) ([]*stores.TransitionRecord, error) {
	if d.journal == nil {
		return nil, nil
	}
	exists, err := d.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &NotFoundError{Environment: name}
	}
	return d.journal.List(ctx, name, limit, offset)
}

// run executes one mutating operation inside a deploy span, recording the
// operation metrics and events around it.
func (d *Deployer) run(ctx context.Context, op, name string, fn func(context.Context) (lifecycle.StageName, error)) error {
	if d.tel != nil {
		ctx = d.tel.WithContext(ctx)
	}
	ctx = telemetry.WithDeployContext(ctx, name, op)

	stage, err := fn(ctx)
	telemetry.EndDeployContext(ctx, name, op, string(stage), err)

	if err != nil {
		d.logger.Error().Err(err).Str("environment", name).Str("operation", op).Msg("operation failed")
		return err
	}
	d.logger.Info().Str("environment", name).Str("operation", op).Str("stage", string(stage)).Msg("operation completed")
	return nil
}

// loadFor resolves the manifest entry and the stored envelope for name.
func (d *Deployer) loadFor(ctx context.Context, name string) (*config.EnvironmentSpec, *lifecycle.Envelope, error) {
	spec, err := d.manifest.Environment(name)
	if err != nil {
		return nil, nil, err
	}
	envl, err := d.store.Load(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if envl == nil {
		return nil, nil, &NotFoundError{Environment: name}
	}
	return spec, envl, nil
}

// commit saves the envelope, then records the transition in the journal,
// metrics, and events. The save is authoritative: journal and telemetry
// failures log but do not undo it.
func (d *Deployer) commit(ctx context.Context, op string, from lifecycle.StageName, envl *lifecycle.Envelope) error {
	if err := d.store.Save(ctx, envl); err != nil {
		return err
	}

	to := envl.StageName()
	d.logger.Debug().
		Str("environment", envl.Name()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("operation", op).
		Msg("stage transition saved")

	if d.journal != nil {
		rec := &stores.TransitionRecord{
			Environment: envl.Name(),
			FromStage:   from,
			ToStage:     to,
			Operation:   op,
		}
		if f := envl.Failure(); f != nil {
			rec.FailedStep = &f.FailedStep
			if f.TraceRef != "" {
				rec.TraceRef = &f.TraceRef
			}
		}
		if err := d.journal.Record(ctx, rec); err != nil {
			d.logger.Warn().Err(err).Str("environment", envl.Name()).Msg("failed to journal transition")
		}
	}

	if d.tel != nil {
		d.tel.Metrics.RecordTransition(string(from), string(to))
		_ = d.tel.Events.PublishStageChanged(envl.Name(), string(from), string(to))
	}
	return nil
}

// failStage records a failure transition and wraps the cause with its
// classification. It is generic over the in-progress and failure stages for
// the same reason the lifecycle transitions are package-level functions.
func failStage[S lifecycle.Stage, F lifecycle.Stage](
	d *Deployer,
	ctx context.Context,
	op string,
	env lifecycle.Environment[S],
	fail func(lifecycle.Environment[S], string, ...lifecycle.FailureOption) lifecycle.Environment[F],
	step string,
	cause error,
) (lifecycle.StageName, error) {
	class := Classify(cause)
	failed := fail(env, step, d.failureOpts(ctx, class)...)
	envl := lifecycle.Erase(failed)
	if err := d.commit(ctx, op, env.StageName(), envl); err != nil {
		d.logger.Error().Err(err).
			Str("environment", env.Name()).
			Str("operation", op).
			Msg("failed to persist failure stage")
	}
	if d.tel != nil {
		d.tel.Metrics.RecordError(string(class))
	}
	return envl.StageName(), &OperationError{
		Operation:   op,
		Environment: env.Name(),
		Step:        step,
		Class:       class,
		Err:         cause,
	}
}

// failureOpts builds the failure payload options: the classification plus
// the active trace ID when one exists.
func (d *Deployer) failureOpts(ctx context.Context, class lifecycle.FailureClass) []lifecycle.FailureOption {
	opts := []lifecycle.FailureOption{lifecycle.WithClass(class)}
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		opts = append(opts, lifecycle.WithTraceRef(traceID))
	}
	return opts
}

// checkGate evaluates the policy gate for one operation. In warn-only mode
// denials log and the operation proceeds.
func (d *Deployer) checkGate(ctx context.Context, op, name string, summary *policy.EnvironmentSummary, force bool) error {
	if d.gate == nil {
		return nil
	}

	input := &policy.PolicyInput{
		Operation:   op,
		Environment: summary,
		Context: &policy.PolicyContext{
			User:       d.user,
			Production: d.production,
			Force:      force,
			Timestamp:  time.Now(),
		},
	}

	result, err := d.gate.Check(ctx, input)
	if err != nil {
		return fmt.Errorf("policy check for %s of %q: %w", op, name, err)
	}

	for _, w := range result.Warnings {
		d.logger.Warn().Str("environment", name).Str("policy", w.Policy).Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	for _, v := range result.Violations {
		if d.tel != nil {
			d.tel.Metrics.RecordPolicyDenial(v.Policy)
			_ = d.tel.Events.PublishPolicyViolation(name, v.Policy, v.Message)
		}
	}
	if d.warnOnly {
		for _, v := range result.Violations {
			d.logger.Warn().
				Str("environment", name).
				Str("policy", v.Policy).
				Str("mode", "warn").
				Msg(v.Message)
		}
		return nil
	}
	return &PolicyDeniedError{Operation: op, Environment: name, Violations: result.Violations}
}

// summarize builds the policy view of a stored environment. The manifest
// entry contributes labels when the environment is still declared.
func (d *Deployer) summarize(envl *lifecycle.Envelope, spec *config.EnvironmentSpec) *policy.EnvironmentSummary {
	summary := &policy.EnvironmentSummary{
		Name:    envl.Name(),
		Stage:   string(envl.StageName()),
		Address: envl.Address(),
	}
	if spec != nil {
		summary.Labels = spec.Labels
	}
	if f := envl.Failure(); f != nil {
		summary.FailedStep = f.FailedStep
	}
	return summary
}

// target assembles the connection target from the stored record and the
// manifest's SSH block. The record is authoritative for the credentials
// captured at create time; the port comes from the manifest.
func (d *Deployer) target(envl *lifecycle.Envelope, spec *config.EnvironmentSpec) (Target, error) {
	if envl.Address() == "" {
		return Target{}, fmt.Errorf("environment %q has no instance address", envl.Name())
	}
	creds := envl.SSH()
	return Target{
		Environment:  envl.Name(),
		Host:         envl.Address(),
		Port:         spec.SSH.Port,
		User:         creds.User,
		IdentityFile: creds.PrivateKeyPath,
	}, nil
}

// runSteps dials the instance and executes the manifest steps in order
// through the agent. It returns the failing step's name with the error.
func (d *Deployer) runSteps(ctx context.Context, envl *lifecycle.Envelope, spec *config.EnvironmentSpec, hookParams map[string]string) (string, error) {
	if len(spec.Steps) == 0 {
		return "", nil
	}

	target, err := d.target(envl, spec)
	if err != nil {
		return stepConnect, err
	}
	session, err := d.dialer.Dial(ctx, target)
	if err != nil {
		return stepConnect, err
	}
	defer d.closeSession(ctx, envl.Name(), session)

	for _, step := range spec.Steps {
		if err := d.executeStep(ctx, session, envl.Name(), step, hookParams); err != nil {
			return step.Name, err
		}
	}
	return "", nil
}

// executeStep sends one step to the agent and interprets its result.
func (d *Deployer) executeStep(ctx context.Context, session Session, name string, step config.StepSpec, hookParams map[string]string) error {
	cmd, err := commandForStep(step, hookParams)
	if err != nil {
		return err
	}

	d.logger.Info().
		Str("environment", name).
		Str("step", step.Name).
		Str("action", step.Action).
		Msg("executing step")

	done, err := session.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if step.Action == "exec" {
		return execError(done)
	}
	return nil
}

// pushRelease uploads and verifies the artifact, then runs the release
// commands. It returns the failing step's name with the error. An
// environment without a release block completes trivially.
func (d *Deployer) pushRelease(ctx context.Context, envl *lifecycle.Envelope, spec *config.EnvironmentSpec) (string, error) {
	rel := spec.Release
	if rel == nil {
		return "", nil
	}

	artifact := rel.Artifact
	if !filepath.IsAbs(artifact) {
		artifact = filepath.Join(envl.BuildDir(), artifact)
	}
	want, err := ssh.LocalChecksum(artifact)
	if err != nil {
		return stepReadArtifact, err
	}

	target, err := d.target(envl, spec)
	if err != nil {
		return stepConnect, err
	}
	session, err := d.dialer.Dial(ctx, target)
	if err != nil {
		return stepConnect, err
	}
	defer d.closeSession(ctx, envl.Name(), session)

	d.logger.Info().
		Str("environment", envl.Name()).
		Str("artifact", artifact).
		Str("remote_path", rel.RemotePath).
		Msg("uploading artifact")

	if err := session.Upload(ctx, artifact, rel.RemotePath); err != nil {
		return stepUploadArtifact, err
	}

	got, err := session.Checksum(ctx, rel.RemotePath)
	if err != nil {
		return stepVerifyArtifact, err
	}
	if got != want {
		return stepVerifyArtifact, fmt.Errorf("checksum mismatch after upload: local %s, remote %s", want, got)
	}

	for i, command := range rel.Commands {
		step := fmt.Sprintf("release command %d", i+1)
		cmd, err := execCommand(command)
		if err != nil {
			return step, err
		}
		d.logger.Info().Str("environment", envl.Name()).Str("command", command).Msg("running release command")
		done, err := session.Execute(ctx, cmd)
		if err != nil {
			return step, err
		}
		if err := execError(done); err != nil {
			return step, err
		}
	}
	return "", nil
}

// startServices starts each declared service on the instance, in order.
func (d *Deployer) startServices(ctx context.Context, envl *lifecycle.Envelope, spec *config.EnvironmentSpec) (string, error) {
	if len(spec.Services) == 0 {
		return "", nil
	}

	target, err := d.target(envl, spec)
	if err != nil {
		return stepConnect, err
	}
	session, err := d.dialer.Dial(ctx, target)
	if err != nil {
		return stepConnect, err
	}
	defer d.closeSession(ctx, envl.Name(), session)

	for _, svc := range spec.Services {
		raw, err := json.Marshal(protocol.ServiceParams{
			Name:    svc.Name,
			State:   "started",
			Command: svc.Command,
		})
		if err != nil {
			return svc.Name, err
		}
		cmd := &protocol.CommandMessage{
			ID:       uuid.NewString(),
			Type:     protocol.CommandTypeService,
			Timeout:  int(defaultStepTimeout.Seconds()),
			Params:   raw,
			Metadata: map[string]string{"service": svc.Name},
		}

		d.logger.Info().Str("environment", envl.Name()).Str("service", svc.Name).Msg("starting service")
		if _, err := session.Execute(ctx, cmd); err != nil {
			return svc.Name, err
		}
	}
	return "", nil
}

// closeSession closes an instance session, logging instead of failing the
// operation when teardown goes wrong.
func (d *Deployer) closeSession(ctx context.Context, name string, session Session) {
	if err := session.Close(ctx); err != nil {
		d.logger.Warn().Err(err).Str("environment", name).Msg("failed to close instance session")
	}
}

// callHook invokes a pre hook and returns its parameters. A failing pre
// hook fails the operation.
func (d *Deployer) callHook(ctx context.Context, hook string, envl *lifecycle.Envelope, spec *config.EnvironmentSpec) (map[string]string, error) {
	if !d.hooks.Has(hook) {
		return nil, nil
	}
	params, err := d.hooks.Call(ctx, hook, hookEnv(envl, spec))
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		d.logger.Debug().
			Str("environment", envl.Name()).
			Str("hook", hook).
			Int("params", len(params)).
			Msg("hook returned parameters")
	}
	return params, nil
}

// callPostHook invokes a post hook for observation. Post hooks run after
// the stage is saved, so a failure logs a warning instead of undoing the
// operation.
func (d *Deployer) callPostHook(ctx context.Context, hook string, envl *lifecycle.Envelope, spec *config.EnvironmentSpec) {
	if !d.hooks.Has(hook) {
		return
	}
	if _, err := d.hooks.Call(ctx, hook, hookEnv(envl, spec)); err != nil {
		d.logger.Warn().Err(err).Str("environment", envl.Name()).Str("hook", hook).Msg("post hook failed")
	}
}

// hookEnv is the environment dict passed to hook functions.
func hookEnv(envl *lifecycle.Envelope, spec *config.EnvironmentSpec) map[string]interface{} {
	env := map[string]interface{}{
		"name":           envl.Name(),
		"stage":          string(envl.StageName()),
		"instance_name":  envl.InstanceName(),
		"resource_group": envl.ResourceGroup(),
		"build_dir":      envl.BuildDir(),
		"data_dir":       envl.DataDir(),
	}
	if addr := envl.Address(); addr != "" {
		env["address"] = addr
	}
	if spec != nil && len(spec.Labels) > 0 {
		env["labels"] = spec.Labels
	}
	return env
}

// hookStep names the failed step when a pre hook rejects an operation.
func hookStep(hook string) string {
	return "hook " + hook
}

// commandForStep translates a manifest step into an agent command. Hook
// parameters overlay the step's own params; for exec steps the merged map
// becomes the command's environment.
func commandForStep(step config.StepSpec, hookParams map[string]string) (*protocol.CommandMessage, error) {
	params := mergeStrings(step.Params, hookParams)

	var (
		cmdType protocol.CommandType
		payload interface{}
	)
	switch step.Action {
	case "exec":
		if step.Command == "" {
			return nil, fmt.Errorf("step %q: exec action requires a command", step.Name)
		}
		cmdType = protocol.CommandTypeExec
		payload = protocol.ExecParams{
			Command:    step.Command,
			Env:        params,
			CaptureOut: true,
			CaptureErr: true,
		}
	case "file":
		if step.Path == "" {
			return nil, fmt.Errorf("step %q: file action requires a path", step.Name)
		}
		cmdType = protocol.CommandTypeFileWrite
		payload = protocol.FileWriteParams{
			Path:    step.Path,
			Content: step.Content,
			Mode:    step.Mode,
			Create:  true,
		}
	case "service":
		if step.Service == "" {
			return nil, fmt.Errorf("step %q: service action requires a service name", step.Name)
		}
		state := step.State
		if state == "" {
			state = "started"
		}
		cmdType = protocol.CommandTypeService
		payload = protocol.ServiceParams{
			Name:    step.Service,
			State:   state,
			Command: step.Command,
		}
	default:
		return nil, fmt.Errorf("step %q: unknown action %q", step.Name, step.Action)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}

	return &protocol.CommandMessage{
		ID:       uuid.NewString(),
		Type:     cmdType,
		Timeout:  int(defaultStepTimeout.Seconds()),
		Params:   raw,
		Metadata: map[string]string{"step": step.Name},
	}, nil
}

// execCommand wraps a bare shell command in an agent exec message.
func execCommand(command string) (*protocol.CommandMessage, error) {
	raw, err := json.Marshal(protocol.ExecParams{
		Command:    command,
		CaptureOut: true,
		CaptureErr: true,
	})
	if err != nil {
		return nil, err
	}
	return &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    protocol.CommandTypeExec,
		Timeout: int(defaultStepTimeout.Seconds()),
		Params:  raw,
	}, nil
}

// execError interprets an exec result. The agent reports a command that
// ran and exited nonzero as a completed command, so the exit code has to
// be checked here.
func execError(done *protocol.DoneMessage) error {
	var result protocol.ExecResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return fmt.Errorf("failed to decode exec result: %w", err)
	}
	if result.ExitCode == 0 {
		return nil
	}
	detail := strings.TrimSpace(result.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(result.Stdout)
	}
	if detail != "" {
		return fmt.Errorf("command exited with code %d: %s", result.ExitCode, detail)
	}
	return fmt.Errorf("command exited with code %d", result.ExitCode)
}

// destroyEnvelope applies the universal destroy transition to an envelope
// of any stage. Destroy is generic over the source stage, so the envelope
// is recovered into its concrete stage first.
func destroyEnvelope(envl *lifecycle.Envelope) (*lifecycle.Envelope, error) {
	switch envl.StageName() {
	case lifecycle.StageCreated:
		return destroyAs[lifecycle.Created](envl)
	case lifecycle.StageProvisioning:
		return destroyAs[lifecycle.Provisioning](envl)
	case lifecycle.StageProvisioned:
		return destroyAs[lifecycle.Provisioned](envl)
	case lifecycle.StageConfiguring:
		return destroyAs[lifecycle.Configuring](envl)
	case lifecycle.StageConfigured:
		return destroyAs[lifecycle.Configured](envl)
	case lifecycle.StageReleasing:
		return destroyAs[lifecycle.Releasing](envl)
	case lifecycle.StageReleased:
		return destroyAs[lifecycle.Released](envl)
	case lifecycle.StageRunning:
		return destroyAs[lifecycle.Running](envl)
	case lifecycle.StageProvisionFailed:
		return destroyAs[lifecycle.ProvisionFailed](envl)
	case lifecycle.StageConfigureFailed:
		return destroyAs[lifecycle.ConfigureFailed](envl)
	case lifecycle.StageReleaseFailed:
		return destroyAs[lifecycle.ReleaseFailed](envl)
	case lifecycle.StageRunFailed:
		return destroyAs[lifecycle.RunFailed](envl)
	case lifecycle.StageDestroyed:
		return envl, nil
	}
	return nil, fmt.Errorf("envelope holds unknown stage %q", envl.StageName())
}

func destroyAs[S lifecycle.Stage](envl *lifecycle.Envelope) (*lifecycle.Envelope, error) {
	env, err := lifecycle.RecoverAs[S](envl)
	if err != nil {
		return nil, err
	}
	return lifecycle.Erase(lifecycle.Destroy(env)), nil
}

// mergeStrings overlays over on base without mutating either. Nil when
// both are empty.
func mergeStrings(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}
