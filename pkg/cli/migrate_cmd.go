package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deid/internal/app"
	"deid/internal/migrate"
	"deid/internal/plan"
)

func newMigrateCmd() *cobra.Command {
	var (
		preview   bool
		preflight bool
		schedule  string
	)
	cmd := &cobra.Command{
		Use:   "migrate CATALOG",
		Short: "Migrate a catalog into its de-identified copy",
		Long: `Runs the plan of CATALOG: reads the source, pseudonymizes, dilutes and drops
columns, stores identifiers in the vault and replaces the destination tables.

--preview reads the source and resolves tokens without allocating any or
writing the vault or the destination. --schedule runs incremental migrations
on a cron schedule until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if schedule != "" && preview {
				return errors.New("--schedule cannot be combined with --preview")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Manager(ctx, args[0])
				if err != nil {
					return err
				}
				e, err := a.Engine(ctx, m)
				if err != nil {
					return err
				}

				if preflight {
					return runPreflight(ctx, cmd, e)
				}
				if schedule != "" {
					return runScheduled(ctx, a, m, schedule)
				}

				report, err := e.Run(ctx, migrate.RunOptions{Preview: preview})
				var blocked *migrate.CheckFailedError
				if errors.As(err, &blocked) {
					if getOutputFormat(cmd) == "json" {
						_ = printJSON(cmd.OutOrStdout(), blocked.Findings)
					} else {
						plan.FormatFindings(cmd.ErrOrStderr(), blocked.Findings, noColor(cmd))
					}
					return err
				}
				if report != nil {
					if perr := printReport(cmd, report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "Dry run: allocate no tokens and write nothing")
	cmd.Flags().BoolVar(&preflight, "preflight", false, "Only probe the servers the plan depends on")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule of incremental runs (e.g. \"@hourly\")")
	cmd.MarkFlagsMutuallyExclusive("preflight", "schedule")
	return cmd
}

func runPreflight(ctx context.Context, cmd *cobra.Command, e *migrate.Engine) error {
	deps := e.RequiredDependencies()
	err := e.Preflight(ctx)
	if getOutputFormat(cmd) == "json" {
		out := map[string]any{"dependencies": deps, "ok": err == nil}
		if err != nil {
			out["error"] = err.Error()
		}
		if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
			return perr
		}
		if err != nil {
			return &exitError{code: 1, msg: err.Error()}
		}
		return nil
	}
	rows := make([][]string, 0, len(deps))
	for _, d := range deps {
		rows = append(rows, []string{d.Capability, d.Reason})
	}
	printTable(cmd.OutOrStdout(), []string{"capability", "reason"}, rows)
	return err
}

func runScheduled(ctx context.Context, a *app.App, m *plan.Manager, spec string) error {
	if m.Plan().Incremental == nil {
		return errors.New("--schedule needs an incremental plan: configure one with 'deid plan configure --incremental'")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := migrate.NewScheduler(func(ctx context.Context) (*migrate.RunReport, error) {
		// Engines are cheap and pick up the watermark saved by the previous run.
		e, err := a.Engine(ctx, m)
		if err != nil {
			return nil, err
		}
		return e.Run(ctx, migrate.RunOptions{})
	}, a.Logger)
	if err := s.Add(ctx, spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.Start(ctx)
	return nil
}

func printReport(cmd *cobra.Command, r *migrate.RunReport) error {
	if getOutputFormat(cmd) == "json" {
		return printJSON(cmd.OutOrStdout(), r)
	}
	rows := make([][]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		status := "ok"
		if t.Error != "" {
			status = t.Error
		}
		rows = append(rows, []string{
			t.Table,
			strconv.Itoa(t.Stats.Rows),
			strconv.Itoa(t.Stats.Allocated),
			strconv.FormatInt(t.Stats.VaultInserted, 10),
			strconv.FormatInt(t.Stats.VaultUpdated, 10),
			t.Duration.Round(time.Millisecond).String(),
			status,
		})
	}
	printTable(cmd.OutOrStdout(), []string{"table", "rows", "allocated", "vault new", "vault updated", "duration", "status"}, rows)

	mode := "Run"
	if r.Preview {
		mode = "Preview"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s of %q", mode, r.RunID, r.Catalog)
	if r.Window != nil {
		fmt.Fprintf(cmd.OutOrStdout(), " up to %s", r.Window.To.Format(time.RFC3339))
	}
	fmt.Fprintln(cmd.OutOrStdout(), ".")
	return nil
}
