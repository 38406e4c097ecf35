package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newReleaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <environment>",
		Short: "Push the release artifact to the instance",
		Long: `Upload the release artifact and run the install commands.

The artifact from the manifest's build directory is uploaded over SFTP and
verified by checksum before the release commands run. A checksum mismatch
fails the release without executing any command.`,
		Example: `  # Release to the staging environment
  gantry release staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Msg("Releasing to environment")

			if err := app.deployer.Release(cmd.Context(), name); err != nil {
				return describeError(name, err)
			}

			return reportOutcome(cmd.Context(), app, name, "released")
		},
	}

	return cmd
}
