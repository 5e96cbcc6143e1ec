package cli

import (
	"context"

	"github.com/spf13/cobra"

	"deid/internal/app"
)

func newDilutionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dilutions",
		Short: "List the registered dilution operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App) error {
				type op struct {
					Name        string `json:"name"`
					Type        string `json:"type"`
					Description string `json:"description"`
				}
				var ops []op
				for _, o := range a.Dilutions.List() {
					ops = append(ops, op{Name: o.Name(), Type: o.ExpectedDestinationType(), Description: o.Description()})
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), ops)
				}
				rows := make([][]string, 0, len(ops))
				for _, o := range ops {
					rows = append(rows, []string{o.Name, o.Type, o.Description})
				}
				printTable(cmd.OutOrStdout(), []string{"name", "type", "description"}, rows)
				return nil
			})
		},
	}
}
