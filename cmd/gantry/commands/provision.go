package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newProvisionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision <environment>",
		Short: "Provision the environment's infrastructure",
		Long: `Provision infrastructure for a created environment.

The provider configured in the manifest is invoked as an external process
and returns the instance address, which is recorded on the environment. On
failure the environment lands in ProvisionFailed with the failing step and
failure class recorded; 'gantry retry' resumes from there.`,
		Example: `  # Provision the staging environment
  gantry provision staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Msg("Provisioning environment")

			if err := app.deployer.Provision(cmd.Context(), name); err != nil {
				return describeError(name, err)
			}

			return reportOutcome(cmd.Context(), app, name, "provisioned")
		},
	}

	return cmd
}
