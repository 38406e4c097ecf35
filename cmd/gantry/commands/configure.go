package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newConfigureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure <environment>",
		Short: "Run the configure steps on the instance",
		Long: `Run the manifest's configure steps on the provisioned instance.

Gantry connects over SSH, uploads its agent, and executes the steps in
manifest order: shell commands, file writes, service state changes. A
pre_configure hook, when defined, can override step parameters. The first
failing step stops the run and is recorded on the environment.`,
		Example: `  # Configure the staging environment
  gantry configure staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Msg("Configuring environment")

			if err := app.deployer.Configure(cmd.Context(), name); err != nil {
				return describeError(name, err)
			}

			return reportOutcome(cmd.Context(), app, name, "configured")
		},
	}

	return cmd
}
