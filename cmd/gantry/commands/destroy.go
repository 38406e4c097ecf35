package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gantrydev/gantry/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		force bool
	)

	cmd := &cobra.Command{
		Use:   "destroy <environment>",
		Short: "Destroy the environment's infrastructure",
		Long: `Tear down the environment's provisioned infrastructure.

The provider releases the instance and the record moves to Destroyed, where
it keeps its history until 'gantry cleanup' removes it. An environment that
never provisioned (stage Created) skips the provider call; a destroyed
environment is a no-op. If the provider fails, the environment keeps its
stage so destroy can be retried.

Policies may require --force for environments with active infrastructure or
marked as production.`,
		Example: `  # Destroy the staging environment
  gantry destroy staging

  # Confirm teardown of an active environment
  gantry destroy staging --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Bool("force", force).Msg("Destroying environment")

			if err := app.deployer.Destroy(cmd.Context(), name, engine.DestroyOptions{Force: force}); err != nil {
				return describeError(name, err)
			}

			return reportOutcome(cmd.Context(), app, name, "destroyed")
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm a destructive operation")

	return cmd
}
