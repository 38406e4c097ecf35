package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <environment>",
		Short: "Start the environment's services",
		Long: `Start the manifest's services on the released instance.

Services start in manifest order. Once every service is up the environment
sits in Running, the operational end state of a successful deployment.`,
		Example: `  # Start services in the staging environment
  gantry run staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Msg("Starting services")

			if err := app.deployer.Run(cmd.Context(), name); err != nil {
				return describeError(name, err)
			}

			return reportOutcome(cmd.Context(), app, name, "running")
		},
	}

	return cmd
}
