package cmd

import (
	"fmt"

	"github.com/ggoodman/botfleet/commands"
	"github.com/spf13/cobra"
)

func newCommandsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Inspect the command registry",
	}

	cmd.AddCommand(
		newCommandsListCmd(opts),
		newCommandsSchemaCmd(),
	)

	return cmd
}

func newCommandsListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the commands and events that load with the current settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.ErrOrStderr(), opts)
			if err != nil {
				return err
			}
			reg, errs := a.loadRegistry()
			out := cmd.OutOrStdout()
			for _, s := range reg.Summaries() {
				_, _ = fmt.Fprintf(out, "command\t%s\t%s\t%s\n", s.Name, s.Category, s.Description)
			}
			for _, e := range reg.Events() {
				_, _ = fmt.Fprintf(out, "event\t%s\n", e.Name)
			}
			for _, err := range errs {
				_, _ = fmt.Fprintf(out, "error\t%v\n", err)
			}
			return nil
		},
	}
}

func newCommandsSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema <command|event>",
		Short:     "Print the JSON schema descriptor manifests are validated against",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"command", "event"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				b   []byte
				err error
			)
			switch args[0] {
			case "command":
				b, err = commands.CommandManifestSchema()
			case "event":
				b, err = commands.EventManifestSchema()
			default:
				return fmt.Errorf("unknown manifest kind %q", args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}
