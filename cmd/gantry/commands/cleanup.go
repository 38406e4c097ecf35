package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup <environment>",
		Short: "Remove a destroyed environment's record",
		Long: `Remove a destroyed environment's record and journal history.

Only environments in the Destroyed stage can be cleaned up; anything earlier
still owns infrastructure or a resumable record. The record directory goes
first, then the transition history is pruned. Cleaning up an environment
that no longer exists is a no-op, so an interrupted cleanup can simply be
run again.`,
		Example: `  # Remove the destroyed staging environment
  gantry cleanup staging`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Str("environment", name).Msg("Cleaning up environment")

			if err := app.deployer.Cleanup(cmd.Context(), name); err != nil {
				return describeError(name, err)
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"name":       name,
					"cleaned_up": true,
				})
			}

			fmt.Printf("✓ environment %s removed\n", name)
			return nil
		},
	}

	return cmd
}
