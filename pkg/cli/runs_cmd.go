package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deid/internal/app"
	"deid/internal/domain"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect migration runs",
	}
	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsCancelCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list CATALOG",
		Short: "List the most recent runs of a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				runs, err := a.Runs.List(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), runs)
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					finished := ""
					if r.FinishedAt != nil {
						finished = r.FinishedAt.Format(time.RFC3339)
					}
					rows = append(rows, []string{r.ID, r.Target, string(r.Status), yesNo(r.Preview), r.StartedAt.Format(time.RFC3339), finished, r.Error})
				}
				printTable(cmd.OutOrStdout(), []string{"id", "target", "status", "preview", "started", "finished", "error"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newRunsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Mark a run abandoned by a crashed process as failed",
		Long:  "A running run blocks further runs against its target. Use this after the process executing it died.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Runs.Finish(ctx, args[0], domain.RunStatusFailed, "cancelled by operator"); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s marked as failed.\n", args[0])
				return nil
			})
		},
	}
}
