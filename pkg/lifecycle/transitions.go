package lifecycle

// Transitions are the only way to move an environment between stages. Each
// one is defined for exactly the stage it leaves, so calling it on an
// environment at any other stage is a compile error, and each preserves the
// identity fields unchanged. Transitions are pure data transformations:
// persistence is layered on by the caller, which erases and saves the result.
//
// Go does not allow methods on a single instantiation of a generic type,
// so transitions are package-level functions taking the typed environment
// instead of methods on it. The effect is the same: the operation's
// signature admits only the legal input stage.

// StartProvisioning begins infrastructure provisioning for a freshly
// created environment.
func StartProvisioning(env Environment[Created]) Environment[Provisioning] {
	return Environment[Provisioning]{id: env.id}
}

// CompleteProvisioning records the acquired instance address and moves the
// environment to Provisioned.
func CompleteProvisioning(env Environment[Provisioning], addr string) Environment[Provisioned] {
	return Environment[Provisioned]{id: env.id, stage: Provisioned{Addr: addr}}
}

// FailProvisioning records the failed provisioning step.
func FailProvisioning(env Environment[Provisioning], failedStep string, opts ...FailureOption) Environment[ProvisionFailed] {
	return Environment[ProvisionFailed]{id: env.id, stage: ProvisionFailed{Failure: newFailure(failedStep, opts)}}
}

// RetryProvisioning re-enters Provisioning after a provisioning failure.
// No address is carried over: provisioning failed before one was acquired.
func RetryProvisioning(env Environment[ProvisionFailed]) Environment[Provisioning] {
	return Environment[Provisioning]{id: env.id}
}

// StartConfiguring begins host configuration of a provisioned instance.
func StartConfiguring(env Environment[Provisioned]) Environment[Configuring] {
	return Environment[Configuring]{id: env.id, stage: Configuring{Addr: env.stage.Addr}}
}

// CompleteConfiguring moves the environment to Configured.
func CompleteConfiguring(env Environment[Configuring]) Environment[Configured] {
	return Environment[Configured]{id: env.id, stage: Configured{Addr: env.stage.Addr}}
}

// FailConfiguring records the failed configuration step.
func FailConfiguring(env Environment[Configuring], failedStep string, opts ...FailureOption) Environment[ConfigureFailed] {
	return Environment[ConfigureFailed]{id: env.id, stage: ConfigureFailed{Addr: env.stage.Addr, Failure: newFailure(failedStep, opts)}}
}

// RetryConfiguring re-enters Configuring after a configuration failure,
// keeping the instance address.
func RetryConfiguring(env Environment[ConfigureFailed]) Environment[Configuring] {
	return Environment[Configuring]{id: env.id, stage: Configuring{Addr: env.stage.Addr}}
}

// StartReleasing begins rolling out a release to a configured instance.
func StartReleasing(env Environment[Configured]) Environment[Releasing] {
	return Environment[Releasing]{id: env.id, stage: Releasing{Addr: env.stage.Addr}}
}

// CompleteReleasing moves the environment to Released.
func CompleteReleasing(env Environment[Releasing]) Environment[Released] {
	return Environment[Released]{id: env.id, stage: Released{Addr: env.stage.Addr}}
}

// FailReleasing records the failed release step.
func FailReleasing(env Environment[Releasing], failedStep string, opts ...FailureOption) Environment[ReleaseFailed] {
	return Environment[ReleaseFailed]{id: env.id, stage: ReleaseFailed{Addr: env.stage.Addr, Failure: newFailure(failedStep, opts)}}
}

// RetryReleasing re-enters Releasing after a release failure, keeping the
// instance address.
func RetryReleasing(env Environment[ReleaseFailed]) Environment[Releasing] {
	return Environment[Releasing]{id: env.id, stage: Releasing{Addr: env.stage.Addr}}
}

// StartRunning starts the released application's services. Running is the
// steady state of a successful deployment; there is no later completion
// stage.
func StartRunning(env Environment[Released]) Environment[Running] {
	return Environment[Running]{id: env.id, stage: Running{Addr: env.stage.Addr}}
}

// FailRunning records the failed service startup step.
func FailRunning(env Environment[Running], failedStep string, opts ...FailureOption) Environment[RunFailed] {
	return Environment[RunFailed]{id: env.id, stage: RunFailed{Addr: env.stage.Addr, Failure: newFailure(failedStep, opts)}}
}

// RetryRunning re-enters Running after a startup failure, keeping the
// instance address.
func RetryRunning(env Environment[RunFailed]) Environment[Running] {
	return Environment[Running]{id: env.id, stage: Running{Addr: env.stage.Addr}}
}

// Destroy moves an environment at any stage to Destroyed. Teardown must be
// available no matter where a workflow was interrupted, so this is the one
// transition defined for every stage.
func Destroy[S Stage](env Environment[S]) Environment[Destroyed] {
	return Environment[Destroyed]{id: env.id}
}
