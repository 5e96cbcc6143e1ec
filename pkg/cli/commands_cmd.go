package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// commandEntry describes one leaf command.
type commandEntry struct {
	Path  string      `json:"path"`
	Args  string      `json:"args,omitempty"`
	Short string      `json:"short"`
	Flags []flagEntry `json:"flags,omitempty"`
}

type flagEntry struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Default  string `json:"default,omitempty"`
	Usage    string `json:"usage,omitempty"`
	Required bool   `json:"required,omitempty"`
}

func newCommandsCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List every command with its arguments and flags",
		Long:  "Walks the command tree offline, so scripts can discover what the installed binary supports.",
		Example: `  deid commands --filter plan
  deid commands -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries := walkCommands(cmd.Root(), "")
			if filter != "" {
				needle := strings.ToLower(filter)
				kept := entries[:0]
				for _, e := range entries {
					if strings.Contains(strings.ToLower(e.Path+" "+e.Short), needle) {
						kept = append(kept, e)
					}
				}
				entries = kept
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{strings.TrimSpace(e.Path + " " + e.Args), e.Short})
			}
			printTable(cmd.OutOrStdout(), []string{"command", "description"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Substring search across command paths and descriptions")
	return cmd
}

func walkCommands(cmd *cobra.Command, parent string) []commandEntry {
	var out []commandEntry
	for _, child := range cmd.Commands() {
		if child.Hidden || child.Name() == "help" || child.Name() == "completion" {
			continue
		}
		path := strings.TrimSpace(parent + " " + child.Name())
		if child.HasSubCommands() {
			out = append(out, walkCommands(child, path)...)
			continue
		}
		e := commandEntry{Path: path, Short: child.Short, Flags: collectFlags(child)}
		if fields := strings.Fields(child.Use); len(fields) > 1 {
			e.Args = strings.Join(fields[1:], " ")
		}
		out = append(out, e)
	}
	return out
}

func collectFlags(cmd *cobra.Command) []flagEntry {
	var flags []flagEntry
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		e := flagEntry{Name: f.Name, Type: f.Value.Type(), Default: f.DefValue, Usage: f.Usage}
		if ann := f.Annotations[cobra.BashCompOneRequiredFlag]; len(ann) > 0 && ann[0] == "true" {
			e.Required = true
		}
		flags = append(flags, e)
	})
	return flags
}
