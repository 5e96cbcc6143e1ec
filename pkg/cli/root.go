// Package cli implements the deid command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"deid/internal/app"
	"deid/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// exitError carries a process exit code for outcomes that are not failures
// of the command itself, such as a plan check reporting Fail findings.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return run(newRootCmd(), os.Stdout, os.Stderr)
}

func run(rootCmd *cobra.Command, stdout, stderr io.Writer) int {
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(stdout, map[string]interface{}{"error": err.Error()})
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		output  string
		envFile string
	)

	rootCmd := &cobra.Command{
		Use:           "deid",
		Short:         "De-identify cataloged datasets",
		Long:          "Plans and runs the migration of a cataloged dataset into a pseudonymized, diluted copy with its identifiers kept in a vault.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("output") {
				if v := os.Getenv("DEID_OUTPUT"); v != "" {
					output = v
				}
			}
			return validateOutputFormat(output)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading configuration")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCatalogCmd())
	rootCmd.AddCommand(newStoreCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newDilutionsCmd())
	rootCmd.AddCommand(newCommandsCmd())

	return rootCmd
}

// withApp loads configuration, wires the application and hands it to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", "error", err)
		}
	}()
	return fn(ctx, a)
}
