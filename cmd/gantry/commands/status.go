package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/gantrydev/gantry/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <environment>",
		Short: "Show one environment's current state",
		Long: `Show the stored state of one environment.

The view comes from the durable record plus the transition journal: current
stage, instance address, derived provider names, failure details when the
environment sits in a failure stage, and the time of the last transition.`,
		Example: `  # Inspect the staging environment
  gantry status staging

  # Machine-readable status
  gantry status staging --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			status, err := app.deployer.Status(cmd.Context(), name)
			if err != nil {
				var notFound *engine.NotFoundError
				if errors.As(err, &notFound) {
					return errors.New(notFound.Error() + "; 'gantry list' shows the known environments")
				}
				return err
			}

			return printStatus(status)
		},
	}

	return cmd
}
