package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"deid/internal/app"
	"deid/internal/domain"
	"deid/internal/migrate"
	"deid/internal/plan"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Edit, check and exchange anonymisation plans",
	}
	cmd.AddCommand(newPlanShowCmd())
	cmd.AddCommand(newPlanSetCmd())
	cmd.AddCommand(newPlanConfigureCmd())
	cmd.AddCommand(newPlanSuggestCmd())
	cmd.AddCommand(newPlanCheckCmd())
	cmd.AddCommand(newPlanEndpointCmd())
	cmd.AddCommand(newPlanExportCmd())
	cmd.AddCommand(newPlanImportCmd())
	return cmd
}

// withPlan loads the plan of catalog and saves it after fn succeeds.
func withPlan(cmd *cobra.Command, catalog string, fn func(ctx context.Context, a *app.App, m *plan.Manager) error) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		m, err := a.Manager(ctx, catalog)
		if err != nil {
			return err
		}
		if err := fn(ctx, a, m); err != nil {
			return err
		}
		return a.SavePlan(ctx, m)
	})
}

type decisionRow struct {
	Column    domain.ColumnRef `json:"column"`
	Decision  string           `json:"decision"`
	Effective string           `json:"effective"`
	Endpoint  string           `json:"endpoint_type,omitempty"`
}

func newPlanShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show CATALOG",
		Short: "Show the decision of every column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Manager(ctx, args[0])
				if err != nil {
					return err
				}
				var out []decisionRow
				for _, ref := range m.Catalog().ColumnRefs() {
					r := decisionRow{
						Column:    ref,
						Decision:  domain.DescribeDecision(m.Decision(ref)),
						Effective: domain.DescribeDecision(m.Effective(ref)),
					}
					if typ, keep := m.ComputeEndpointType(ctx, ref); keep {
						r.Endpoint = typ
					}
					out = append(out, r)
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), out)
				}
				rows := make([][]string, 0, len(out))
				for _, r := range out {
					rows = append(rows, []string{r.Column.String(), r.Decision, r.Effective, r.Endpoint})
				}
				printTable(cmd.OutOrStdout(), []string{"column", "decision", "effective", "endpoint type"}, rows)
				return nil
			})
		},
	}
}

func newPlanSetCmd() *cobra.Command {
	var (
		store     string
		operation string
		toVault   bool
	)
	cmd := &cobra.Command{
		Use:   "set CATALOG TABLE.COLUMN DECISION",
		Short: "Decide how a column is migrated",
		Long: `Sets the decision of a column: drop, pseudonymize, dilute, pass_through or undecided.

  deid plan set study patients.chi pseudonymize --store chi
  deid plan set study patients.dob dilute --operation date_to_year
  deid plan set study patients.name drop --to-vault`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseColumnRef(args[1])
			if err != nil {
				return err
			}
			return withPlan(cmd, args[0], func(_ context.Context, _ *app.App, m *plan.Manager) error {
				if strings.EqualFold(args[2], "undecided") {
					return m.ClearDecision(ref)
				}
				kind, err := domain.ParseDecisionKind(args[2])
				if err != nil {
					return err
				}
				switch {
				case kind == domain.DecisionPseudonymize && store != "":
					err = m.SetPseudonymStore(ref, store)
				case kind == domain.DecisionDilute && operation != "":
					err = m.SetDilution(ref, operation)
				case kind == domain.DecisionDrop:
					err = m.SetVaultDestination(ref, toVault)
				default:
					err = m.SetDecision(ref, kind)
				}
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), decisionRow{
						Column:    ref,
						Decision:  domain.DescribeDecision(m.Decision(ref)),
						Effective: domain.DescribeDecision(m.Effective(ref)),
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", ref, domain.DescribeDecision(m.Decision(ref)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "Pseudonym store (pseudonymize)")
	cmd.Flags().StringVar(&operation, "operation", "", "Dilution operation (dilute)")
	cmd.Flags().BoolVar(&toVault, "to-vault", false, "Keep dropped values in the vault (drop)")
	return cmd
}

func newPlanConfigureCmd() *cobra.Command {
	var (
		target        string
		defaultVault  string
		tableVaults   []string
		skip          []string
		unskip        []string
		incremental   string
		noIncremental bool
	)
	cmd := &cobra.Command{
		Use:   "configure CATALOG",
		Short: "Set the target, vaults, scope and incremental mode of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return withPlan(cmd, args[0], func(_ context.Context, _ *app.App, m *plan.Manager) error {
				if flags.Changed("target") {
					m.SetTarget(target)
				}
				if flags.Changed("default-vault") {
					m.SetDefaultVault(defaultVault)
				}
				for _, tv := range tableVaults {
					table, vault, ok := strings.Cut(tv, "=")
					if !ok {
						return domain.ErrValidation("--table-vault %q must have the form table=vault", tv)
					}
					if err := m.SetTableVault(strings.TrimSpace(table), strings.TrimSpace(vault)); err != nil {
						return err
					}
				}
				for _, t := range skip {
					if err := m.SetSkipped(t, true); err != nil {
						return err
					}
				}
				for _, t := range unskip {
					if err := m.SetSkipped(t, false); err != nil {
						return err
					}
				}
				switch {
				case noIncremental:
					if err := m.SetIncremental(nil); err != nil {
						return err
					}
				case incremental != "":
					ref, err := domain.ParseColumnRef(incremental)
					if err != nil {
						return err
					}
					if err := m.SetIncremental(&domain.IncrementalSpec{Table: ref.Table, Column: ref.Column}); err != nil {
						return err
					}
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), m.Plan())
				}
				p := m.Plan()
				fmt.Fprintf(cmd.OutOrStdout(), "target: %s\ndefault vault: %s\nskipped: %s\n", p.Target, p.DefaultVault, strings.Join(p.Skipped, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Destination identity guarded against concurrent runs")
	cmd.Flags().StringVar(&defaultVault, "default-vault", "", "Vault target of tables without an override")
	cmd.Flags().StringArrayVar(&tableVaults, "table-vault", nil, "Per-table vault target (table=vault), repeatable")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "Exclude tables from migration")
	cmd.Flags().StringSliceVar(&unskip, "unskip", nil, "Include previously skipped tables")
	cmd.Flags().StringVar(&incremental, "incremental", "", "Partition column (table.column) of an incremental migration")
	cmd.Flags().BoolVar(&noIncremental, "no-incremental", false, "Switch back to full migrations")
	cmd.MarkFlagsMutuallyExclusive("incremental", "no-incremental")
	return cmd
}

func newPlanSuggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest CATALOG",
		Short: "Decide undecided columns by heuristics",
		Long:  "Adopts the store already used for columns of the same name, drops administrative columns and passes extractable columns through. Decided columns are never changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd, args[0], func(ctx context.Context, _ *app.App, m *plan.Manager) error {
				res, err := m.Suggest(ctx)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), res)
				}
				plan.FormatSuggestions(cmd.OutOrStdout(), res, noColor(cmd))
				return nil
			})
		},
	}
}

func newPlanCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check CATALOG",
		Short: "Check whether a plan is ready to migrate",
		Long:  "Reports findings by severity. Exits with status 1 when any finding blocks migration.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Manager(ctx, args[0])
				if err != nil {
					return err
				}
				findings := m.Check(ctx)
				if getOutputFormat(cmd) == "json" {
					if findings == nil {
						findings = []domain.Finding{}
					}
					if err := printJSON(cmd.OutOrStdout(), findings); err != nil {
						return err
					}
				} else {
					plan.FormatFindings(cmd.OutOrStdout(), findings, noColor(cmd))
				}
				if domain.HasFailures(findings) {
					return &exitError{code: 1, msg: "plan check failed"}
				}
				return nil
			})
		},
	}
}

func newPlanEndpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint CATALOG TABLE",
		Short: "Show the destination schema the plan produces for a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Manager(ctx, args[0])
				if err != nil {
					return err
				}
				cols, err := migrate.EndpointSchema(ctx, m, args[1])
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), cols)
				}
				rows := make([][]string, 0, len(cols))
				for _, c := range cols {
					rows = append(rows, []string{c.Name, c.Type, c.Source, yesNo(c.PrimaryKey)})
				}
				printTable(cmd.OutOrStdout(), []string{"column", "type", "source", "pk"}, rows)
				return nil
			})
		},
	}
}

func newPlanExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export CATALOG",
		Short: "Write a plan as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Manager(ctx, args[0])
				if err != nil {
					return err
				}
				var w io.Writer = cmd.OutOrStdout()
				if file != "" && file != "-" {
					f, err := os.Create(file)
					if err != nil {
						return err
					}
					defer f.Close() //nolint:errcheck
					w = f
				}
				return plan.Export(w, m.Plan())
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Output file (default stdout)")
	return cmd
}

func newPlanImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace a plan from a YAML file",
		Long:  "Reads a plan exported by 'deid plan export'. The catalog named in the file must exist and contain every decided column.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck
				r = f
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.ImportPlan(ctx, r)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]any{"catalog": p.CatalogName, "decisions": len(p.Decisions)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported plan of %q with %d decision(s).\n", p.CatalogName, len(p.Decisions))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Plan file, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
