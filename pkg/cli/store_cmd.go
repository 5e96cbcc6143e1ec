package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"deid/internal/app"
	"deid/internal/domain"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage pseudonym stores",
	}
	cmd.AddCommand(newStoreCreateCmd())
	cmd.AddCommand(newStoreListCmd())
	cmd.AddCommand(newStoreProvisionCmd())
	return cmd
}

func newStoreCreateCmd() *cobra.Command {
	var s domain.PseudonymStore
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Register a pseudonym store",
		Long:  "Registers the token shape of a store. The shape is fixed once the store is provisioned on the mapping server.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.Name = args[0]
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				created, err := a.Stores.Create(ctx, &s)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), created)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created store %q.\n", created.Name)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&s.Digits, "digits", 6, "Number of digits in a token")
	cmd.Flags().IntVar(&s.Chars, "chars", 0, "Number of letters in a token")
	cmd.Flags().StringVar(&s.Suffix, "suffix", "", "Fixed token suffix")
	cmd.Flags().StringVar(&s.KeyType, "key-type", "VARCHAR(255)", "Type of the raw key column on the mapping server")
	return cmd
}

func newStoreListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pseudonym stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stores, err := a.Stores.List(ctx)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), stores)
				}
				rows := make([][]string, 0, len(stores))
				for _, s := range stores {
					rows = append(rows, []string{
						s.Name, strconv.Itoa(s.Digits), strconv.Itoa(s.Chars), s.Suffix, s.KeyType, s.OutputType(), yesNo(s.Provisioned()),
					})
				}
				printTable(cmd.OutOrStdout(), []string{"name", "digits", "chars", "suffix", "key type", "token type", "provisioned"}, rows)
				return nil
			})
		},
	}
}

func newStoreProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision NAME",
		Short: "Create the mapping table of a store on the mapping server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ms, err := a.MappingStore(ctx, args[0])
				if err != nil {
					return err
				}
				if err := ms.Provision(ctx); err != nil {
					return err
				}
				n, err := ms.Count(ctx)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]any{"store": args[0], "mappings": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Store %q is provisioned (%d mapping(s)).\n", args[0], n)
				return nil
			})
		},
	}
}
