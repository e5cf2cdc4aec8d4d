// Package cmd is the botfleet command line: the serve command that runs the
// supervisor and dashboard, plus operator commands over the account store and
// the command registry.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/ggoodman/botfleet/internal/jobs"
	"github.com/spf13/cobra"
)

// Execute runs the root command and returns the process exit code. A scheduled
// restart exits with 1 so the process manager starts a fresh process.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, jobs.ErrRestart) {
			_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 1
	}
	return 0
}

type globalOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "botfleet",
		Short:         "Run and manage a fleet of chat bot sessions",
		Long:          "botfleet supervises one long-lived chat session per linked account, dispatches messages to the loaded commands and serves the dashboard API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts := &globalOptions{}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "settings file (overrides BOTFLEET_CONFIG_FILE)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newAccountsCmd(opts),
		newCommandsCmd(opts),
	)

	return rootCmd
}
