// Package config provides the two configuration layers of Gantry plus the
// Starlark hook evaluator.
//
// # Overview
//
// Gantry is configured through two documents with different lifetimes. Tool
// settings (YAML) tell the CLI where state lives and how the tool behaves:
// data root, journal path, lock timeout, provider binaries, policy and
// telemetry tuning. The deployment manifest (CUE) describes what to deploy:
// per-environment provider selection, SSH defaults, configure steps, the
// release artifact, and the services started by run. An optional Starlark
// hooks script supplies procedural step parameters.
//
// # Components
//
// Settings: the YAML settings file layered over DefaultSettings. Loaded with
// LoadSettings, validated with struct tags, and expanded into the full
// telemetry configuration with TelemetryConfig.
//
// ManifestParser: parses manifest CUE from files, directories, or inline
// content. Raw values are checked against the built-in manifest schema
// before decoding, and decoded specs are validated again after defaults
// merging. Diagnostics carry file, line, and CUE path.
//
// SchemaRegistry: holds the built-in manifest schemas (manifest,
// environment, step, release, service) and supports registering custom
// schemas for provider config validation.
//
// Hooks: a loaded hooks.star script. Functions named pre_provision,
// post_release, and friends are called around deployment operations with an
// environment summary and return string dicts merged into step parameters.
//
// # Usage Example
//
//	settings, err := config.LoadSettings(configPath)
//	if err != nil {
//	    return err
//	}
//
//	parser := config.NewManifestParser()
//	manifest, err := parser.Load(ctx, settings.Manifest)
//	if err != nil {
//	    return err
//	}
//
//	spec, err := manifest.Environment("staging")
//	if err != nil {
//	    return err
//	}
//
//	hooks, err := config.LoadHooks(settings.Hooks, settings.HookTimeout.Std())
//	if err != nil {
//	    return err
//	}
//
// # Manifest Structure
//
// A manifest names its environments and factors shared values into a
// defaults section:
//
//	manifest: {
//	    name: "payments"
//	    version: "1"
//	}
//
//	defaults: {
//	    provider: {name: "localdir"}
//	    ssh: {user: "deploy", identity_file: "~/.ssh/id_ed25519"}
//	    build_dir: "./build"
//	    data_dir: "/var/lib/payments"
//	}
//
//	environments: {
//	    staging: {
//	        steps: [
//	            {name: "install_runtime", action: "exec", command: "apt-get install -y openjdk-17-jre"},
//	            {name: "write_config", action: "file", path: "/etc/payments/app.yaml", content: "mode: staging\n", mode: "0644"},
//	        ]
//	        release: {
//	            artifact:    "payments.tar.gz"
//	            remote_path: "/opt/payments/releases"
//	            commands: ["tar -C /opt/payments -xzf /opt/payments/releases/payments.tar.gz"]
//	        }
//	        services: [{name: "payments"}]
//	    }
//	}
//
// # Hooks
//
// Hook functions receive a dict describing the environment (name, stage,
// address, labels) and return string parameters, or None:
//
//	def pre_configure(env):
//	    return {"config_checksum": env["name"] + "-v1"}
//
// # Error Handling
//
// Parsing and schema errors include location information:
//
//	ValidationError{
//	    File: "manifest.cue",
//	    Line: 12,
//	    Column: 5,
//	    Path: "environments.staging.steps",
//	    Message: "field not allowed",
//	    Severity: "error",
//	}
//
// # Security
//
// Starlark execution is sandboxed: no filesystem access, no network access,
// print suppressed, and a hard timeout that cancels the interpreter thread.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Hook globals are
// frozen after load, so concurrent hook calls cannot mutate shared state.
package config
