package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"deid/internal/app"
	"deid/internal/domain"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Import and curate catalog metadata",
	}
	cmd.AddCommand(newCatalogImportCmd())
	cmd.AddCommand(newCatalogListCmd())
	cmd.AddCommand(newCatalogShowCmd())
	cmd.AddCommand(newCatalogJoinCmd())
	cmd.AddCommand(newCatalogLookupCmd())
	cmd.AddCommand(newCatalogExtractableCmd())
	return cmd
}

func newCatalogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import NAME",
		Short: "Introspect SOURCE_DSN into catalog NAME",
		Long:  "Reads tables, columns, primary keys and foreign keys from the source. Joins, lookups and extractable flags of a previous import are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Import(ctx, args[0])
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), c)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported catalog %q: %d table(s), %d join(s).\n", c.Name, len(c.Tables), len(c.Joins))
				return nil
			})
		},
	}
}

func newCatalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cats, err := a.Catalogs.List(ctx)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), cats)
				}
				rows := make([][]string, 0, len(cats))
				for _, c := range cats {
					rows = append(rows, []string{c.Name, c.SourcePlatform, strconv.Itoa(len(c.Tables)), c.CreatedAt.Format("2006-01-02 15:04")})
				}
				printTable(cmd.OutOrStdout(), []string{"name", "platform", "tables", "imported"}, rows)
				return nil
			})
		},
	}
}

func newCatalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show the tables and columns of a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Catalogs.GetByName(ctx, args[0])
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), c)
				}
				var rows [][]string
				for _, t := range c.Tables {
					for _, col := range t.Columns {
						rows = append(rows, []string{t.Name, col.Name, col.Type, yesNo(col.IsPrimaryKey), yesNo(col.Extractable)})
					}
				}
				printTable(cmd.OutOrStdout(), []string{"table", "column", "type", "pk", "extractable"}, rows)
				for _, j := range c.Joins {
					fmt.Fprintf(cmd.OutOrStdout(), "join   %s -> %s\n", j.ForeignKey, j.PrimaryKey)
				}
				for _, l := range c.Lookups {
					fmt.Fprintf(cmd.OutOrStdout(), "lookup %s -> %s %v\n", l.ForeignKey, l.PrimaryKey, l.Descriptions)
				}
				return nil
			})
		},
	}
}

func newCatalogJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join NAME FK_TABLE.COLUMN PK_TABLE.COLUMN",
		Short: "Declare a join between two tables",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fk, err := domain.ParseColumnRef(args[1])
			if err != nil {
				return err
			}
			pk, err := domain.ParseColumnRef(args[2])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Catalogs.AddJoin(ctx, args[0], domain.JoinInfo{ForeignKey: fk, PrimaryKey: pk})
			})
		},
	}
}

func newCatalogLookupCmd() *cobra.Command {
	var descriptions []string
	cmd := &cobra.Command{
		Use:   "lookup NAME FK_TABLE.COLUMN PK_TABLE.COLUMN",
		Short: "Declare a lookup table and its description columns",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := domain.LookupInfo{}
			var err error
			if l.ForeignKey, err = domain.ParseColumnRef(args[1]); err != nil {
				return err
			}
			if l.PrimaryKey, err = domain.ParseColumnRef(args[2]); err != nil {
				return err
			}
			for _, d := range descriptions {
				ref, err := domain.ParseColumnRef(d)
				if err != nil {
					return err
				}
				l.Descriptions = append(l.Descriptions, ref)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Catalogs.AddLookup(ctx, args[0], l)
			})
		},
	}
	cmd.Flags().StringSliceVar(&descriptions, "description", nil, "Description column (table.column), repeatable")
	return cmd
}

func newCatalogExtractableCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "extractable NAME TABLE.COLUMN",
		Short: "Mark a column as already feeding an extractable projection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseColumnRef(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Catalogs.SetExtractable(ctx, args[0], ref, !off)
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "Clear the flag instead")
	return cmd
}
