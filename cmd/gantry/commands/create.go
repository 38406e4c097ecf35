package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gantrydev/gantry/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		labels []string
	)

	cmd := &cobra.Command{
		Use:   "create <environment>",
		Short: "Create an environment record",
		Long: `Create the durable record for an environment declared in the manifest.

The record starts in the Created stage with derived provider names (instance
name, resource group) and the manifest's SSH settings. No infrastructure is
touched yet; 'gantry provision' does that.`,
		Example: `  # Create the record for the staging environment
  gantry create staging

  # Attach extra labels for policy evaluation
  gantry create staging --labels team=web,tier=frontend`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			labelMap, err := parseLabels(labels)
			if err != nil {
				return err
			}

			app, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Msg("Creating environment")

			if err := app.deployer.Create(cmd.Context(), name, engine.CreateOptions{Labels: labelMap}); err != nil {
				return describeError(name, err)
			}

			return reportOutcome(cmd.Context(), app, name, "created")
		},
	}

	cmd.Flags().StringSliceVar(&labels, "labels", nil, "extra labels (key=value)")

	return cmd
}
