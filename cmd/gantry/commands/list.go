package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all environments",
		Long: `List every environment under the data root with its current stage.

Environments are listed in name order regardless of manifest contents, so
records whose manifest entry was since removed still show up here.`,
		Example: `  # List environments
  gantry list

  # Machine-readable listing
  gantry list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			statuses, err := app.deployer.List(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(statuses)
			}

			if len(statuses) == 0 {
				fmt.Printf("no environments under %s\n", app.settings.DataRoot)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTAGE\tADDRESS\tLAST CHANGE")
			for _, status := range statuses {
				lastChange := "-"
				if !status.LastTransition.IsZero() {
					lastChange = status.LastTransition.Local().Format(timeFormat)
				}
				address := status.Address
				if address == "" {
					address = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", status.Name, status.Stage, address, lastChange)
			}
			return w.Flush()
		},
	}

	return cmd
}
