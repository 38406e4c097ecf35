package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history <environment>",
		Short: "Show an environment's transition history",
		Long: `Show the journaled lifecycle transitions of one environment.

Entries are ordered oldest first; the creation entry has no origin stage and
renders it as "-". The journal is observational, so history survives until
'gantry cleanup' prunes it, even after the environment is destroyed.`,
		Example: `  # Full history of the staging environment
  gantry history staging

  # Page through a long history
  gantry history staging --limit 10 --offset 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.deployer.History(cmd.Context(), name, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}

			if len(records) == 0 {
				fmt.Printf("no history for environment %s\n", name)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tOPERATION\tTRANSITION\tSTEP")
			for _, rec := range records {
				step := ""
				if rec.FailedStep != nil {
					step = *rec.FailedStep
				}
				fmt.Fprintf(w, "%s\t%s\t%s -> %s\t%s\n",
					rec.RecordedAt.Local().Format(timeFormat),
					rec.Operation,
					stageOrDash(string(rec.FromStage)),
					rec.ToStage,
					step,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip from the start")

	return cmd
}
