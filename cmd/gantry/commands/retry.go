package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <environment>",
		Short: "Retry the failed operation",
		Long: `Retry the operation recorded by the environment's failure stage.

An environment in ProvisionFailed retries provisioning, ConfigureFailed
retries configuration, and so on. Environments outside a failure stage
cannot be retried. Transient, throttled, and conflict failures are worth
retrying; a permanent failure will fail the same way until the manifest or
the instance changes.`,
		Example: `  # Retry after a failed provision
  gantry retry staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Msg("Retrying failed operation")

			if err := app.deployer.Retry(cmd.Context(), name); err != nil {
				return describeError(name, err)
			}

			return reportOutcome(cmd.Context(), app, name, "retried")
		},
	}

	return cmd
}
