package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	manifestPath string
	dataRoot     string
	verbose      bool
	jsonOutput   bool

	// cliVersion is stamped into telemetry resource attributes.
	cliVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gantry",
		Short: "Gantry - Deployment Environment Orchestrator",
		Long: `Gantry drives deployment environments through a durable lifecycle:
create, provision, configure, release, run, destroy.

Each environment is a named record that survives process restarts, so any
operation can be inspected, resumed, or retried from a later invocation.

Features:
  - Crash-recoverable lifecycle with explicit failure stages
  - Typed manifests via CUE, optional Starlark hooks
  - External provider processes for provisioning
  - SSH-based remote execution through an uploaded agent
  - Policy gating via OPA/rego
  - SQLite transition journal for history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging()
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "deployment manifest path (file or directory)")
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "environment data directory (overrides settings)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newReleaseCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// configureLogging applies the logging flags to the process-wide logger.
// Settings can lower the level further once they are loaded.
func configureLogging() {
	if jsonOutput {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// main.go already applied LOG_LEVEL; only --verbose overrides it here.
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
