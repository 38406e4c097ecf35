package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gantrydev/gantry/pkg/config"
	"github.com/gantrydev/gantry/pkg/stores"
)

const settingsTemplate = `# Gantry settings

# Directory holding one subdirectory per environment
data_root: %s

# SQLite transition journal
journal_path: %s

# Default deployment manifest (overridden by --manifest)
manifest: deploy.cue

# Provider binaries by name. Providers can also be dropped into
# %s with a manifest.yaml next to the binary.
#providers:
#  localdir: /usr/local/bin/gantry-provider-localdir

policy:
  enabled: true
  # warn logs violations and proceeds; fail blocks the operation
  on_violation: warn

telemetry:
  log_level: info
  log_format: console
  tracing_exporter: none
  # metrics_listen: ":9464"
`

const manifestTemplate = `manifest: {
	name:    %q
	version: "1"
}

defaults: {
	provider: {name: "localdir"}
	ssh: {user: "deploy", port: 22}
	build_dir: "./build"
	data_dir:  "/var/lib/app"
}

environments: {
	staging: {
		provider: {
			name: "localdir"
			config: {root: "/tmp/gantry-staging"}
		}
		steps: [
			{name: "write_motd", action: "file", path: "/etc/motd", content: "managed by gantry\n", mode: "0644"},
		]
		release: {
			artifact:    "app.tar.gz"
			remote_path: "/opt/app/app.tar.gz"
			commands: ["tar -C /opt/app -xzf /opt/app/app.tar.gz"]
		}
		services: [{name: "app"}]
	}
}
`

const hooksTemplate = `# Gantry hooks.
#
# Functions named pre_<operation> run before the operation; a returned dict
# of string keys and values overrides step parameters. Functions named
# post_<operation> run after it. Each receives the environment summary as
# its single argument.
#
# def pre_configure(env):
#     return {"release_channel": "stable"}
#
# def post_run(env):
#     print("services up on " + env["address"])
`

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a gantry workspace",
		Long: `Initialize the gantry workspace: data directories, the transition
journal, a settings file, and starter manifest and hooks files.

Existing files are left untouched, so init is safe to run in a workspace
that is already set up.`,
		Example: `  # Initialize with the default layout under ~/.gantry
  gantry init

  # Initialize with explicit locations
  gantry init --config ./gantry.yaml --data-root ./data/environments`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings := config.DefaultSettings()
			if dataRoot != "" {
				settings.DataRoot = config.ExpandPath(dataRoot)
			}

			settingsPath := configPath
			if settingsPath == "" {
				settingsPath = config.DefaultSettingsPath()
			}

			log.Info().
				Str("config", settingsPath).
				Str("data_root", settings.DataRoot).
				Msg("Initializing workspace")

			// Step 1: directory layout
			dirs := []string{
				settings.DataRoot,
				providersDir(settings),
				filepath.Dir(settings.JournalPath),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: transition journal
			if err := initJournal(ctx, settings.JournalPath); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized transition journal: %s\n", settings.JournalPath)

			// Step 3: settings file
			settingsContent := fmt.Sprintf(settingsTemplate,
				settings.DataRoot, settings.JournalPath, providersDir(settings))
			created, err := writeIfAbsent(settingsPath, settingsContent, 0o644)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Created settings file: %s\n", settingsPath)
			} else {
				fmt.Printf("✓ Settings file already exists: %s\n", settingsPath)
			}

			// Step 4: starter manifest
			projectName := "app"
			if wd, err := os.Getwd(); err == nil {
				projectName = filepath.Base(wd)
			}
			created, err = writeIfAbsent(defaultManifestPath, fmt.Sprintf(manifestTemplate, projectName), 0o644)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Created starter manifest: %s\n", defaultManifestPath)
			} else {
				fmt.Printf("✓ Manifest already exists: %s\n", defaultManifestPath)
			}

			// Step 5: hooks script
			created, err = writeIfAbsent("hooks.star", hooksTemplate, 0o644)
			if err != nil {
				return err
			}
			if created {
				fmt.Println("✓ Created hooks script: hooks.star")
			} else {
				fmt.Println("✓ Hooks script already exists: hooks.star")
			}

			fmt.Printf("\n✅ Workspace initialized!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Edit %s and declare your environments\n", defaultManifestPath)
			fmt.Printf("  2. Validate the configuration:\n")
			fmt.Printf("     gantry validate\n\n")
			fmt.Printf("  3. Create and provision an environment:\n")
			fmt.Printf("     gantry create staging\n")
			fmt.Printf("     gantry provision staging\n\n")

			return nil
		},
	}

	return cmd
}

// initJournal creates the journal database and applies its migrations.
func initJournal(ctx context.Context, path string) error {
	journal, err := stores.NewJournal(stores.JournalConfig{Path: path})
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}
	defer journal.Close()

	if err := journal.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run journal migrations: %w", err)
	}
	return nil
}

// writeIfAbsent writes content to path unless the file already exists.
func writeIfAbsent(path, content string, mode os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
