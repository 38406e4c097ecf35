package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gantrydev/gantry/pkg/config"
	"github.com/gantrydev/gantry/pkg/engine"
	"github.com/gantrydev/gantry/pkg/policy"
	"github.com/gantrydev/gantry/pkg/providers"
	"github.com/gantrydev/gantry/pkg/stores"
	"github.com/gantrydev/gantry/pkg/telemetry"
)

// defaultManifestPath is probed when neither --manifest nor the settings
// name a manifest.
const defaultManifestPath = "deploy.cue"

// app bundles the collaborators wired for one command invocation.
type app struct {
	settings *config.Settings
	manifest *config.ParsedManifest
	deployer *engine.Deployer
	journal  *stores.Journal
	tel      *telemetry.Telemetry
}

// loadApp loads the settings and wires the deployer. Inspection commands
// pass needManifest=false so they keep working from outside a project
// directory; deployment commands require a parseable manifest.
func loadApp(ctx context.Context, needManifest bool) (*app, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if dataRoot != "" {
		settings.DataRoot = config.ExpandPath(dataRoot)
	}

	// The --verbose flag wins, then LOG_LEVEL; otherwise the settings
	// decide the level.
	if !verbose && os.Getenv("LOG_LEVEL") == "" {
		if level, err := zerolog.ParseLevel(settings.Telemetry.LogLevel); err == nil && level != zerolog.NoLevel {
			zerolog.SetGlobalLevel(level)
		}
	}

	telCfg := settings.TelemetryConfig(cliVersion)
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	if jsonOutput {
		telCfg.Logging.Format = "json"
	}
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if telCfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			log.Warn().Err(err).Msg("Metrics listener failed to start")
		}
	}

	mPath := resolveManifestPath(settings)
	manifest := &config.ParsedManifest{Environments: map[string]config.EnvironmentSpec{}}
	if needManifest {
		manifest, err = config.NewManifestParser().Load(ctx, mPath)
		if err != nil {
			return nil, err
		}
	} else if _, statErr := os.Stat(mPath); statErr == nil {
		parsed, err := config.NewManifestParser().Load(ctx, mPath)
		if err != nil {
			log.Debug().Err(err).Str("path", mPath).Msg("Manifest not loaded")
		} else {
			manifest = parsed
		}
	}

	hooks, err := loadHooks(settings, mPath)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewFSStore(stores.FSConfig{
		Root:        settings.DataRoot,
		LockTimeout: settings.LockTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	cfg := engine.Config{
		Manifest:       manifest,
		Hooks:          hooks,
		Store:          store,
		PolicyWarnOnly: settings.Policy.OnViolation != "fail",
		Telemetry:      tel,
		Logger:         log.Logger,
		Production:     settings.Production,
	}

	journal, err := openJournal(ctx, settings)
	if err != nil {
		log.Warn().Err(err).Msg("Transition journal unavailable, history disabled")
		journal = nil
	}
	if journal != nil {
		cfg.Journal = journal
	}

	if settings.Policy.Enabled {
		gate, err := policy.NewEngine(log.Logger)
		if err != nil {
			return nil, err
		}
		if err := gate.LoadPolicies(ctx, settings.Policy.Paths); err != nil {
			return nil, err
		}
		cfg.Gate = gate
	}

	registry := providers.NewRegistry(settings.Providers, log.Logger)
	if dir := providersDir(settings); dir != "" {
		if err := registry.Discover(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Provider discovery failed")
		}
	}
	cfg.Providers = registry

	deployer, err := engine.NewDeployer(cfg)
	if err != nil {
		return nil, err
	}

	return &app{
		settings: settings,
		manifest: manifest,
		deployer: deployer,
		journal:  journal,
		tel:      tel,
	}, nil
}

// Close flushes telemetry and releases the journal.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Debug().Err(err).Msg("Journal close failed")
		}
	}
	if a.tel != nil {
		if err := a.tel.Flush(ctx); err != nil {
			log.Debug().Err(err).Msg("Telemetry flush failed")
		}
		if err := a.tel.Shutdown(ctx); err != nil {
			log.Debug().Err(err).Msg("Telemetry shutdown failed")
		}
	}
}

// resolveManifestPath picks the manifest source: the --manifest flag, then
// the settings, then deploy.cue in the working directory.
func resolveManifestPath(settings *config.Settings) string {
	if manifestPath != "" {
		return config.ExpandPath(manifestPath)
	}
	if settings.Manifest != "" {
		return settings.Manifest
	}
	return defaultManifestPath
}

// loadHooks loads the hooks script. An explicitly configured script must
// exist; the conventional hooks.star next to the manifest is optional.
func loadHooks(settings *config.Settings, mPath string) (*config.Hooks, error) {
	timeout := settings.HookTimeout.Std()

	if settings.Hooks != "" {
		hooks, err := config.LoadHooks(settings.Hooks, timeout)
		if err != nil {
			return nil, err
		}
		if hooks == nil {
			return nil, fmt.Errorf("hooks script %s does not exist", settings.Hooks)
		}
		return hooks, nil
	}

	return config.LoadHooks(filepath.Join(filepath.Dir(mPath), "hooks.star"), timeout)
}

// openJournal opens the transition journal and brings its schema current.
// An empty journal path disables history.
func openJournal(ctx context.Context, settings *config.Settings) (*stores.Journal, error) {
	if settings.JournalPath == "" {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(settings.JournalPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	journal, err := stores.NewJournal(stores.JournalConfig{Path: settings.JournalPath})
	if err != nil {
		return nil, err
	}
	if err := journal.Init(ctx); err != nil {
		return nil, err
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return journal, nil
}

// providersDir is the conventional provider install location, a sibling of
// the data root (~/.gantry/providers in the default layout).
func providersDir(settings *config.Settings) string {
	if settings.DataRoot == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(settings.DataRoot), "providers")
}
