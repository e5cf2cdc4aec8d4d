package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAccountsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect the account store",
	}

	cmd.AddCommand(
		newAccountsListCmd(opts),
		newAccountsDeleteCmd(opts),
	)

	return cmd
}

func newAccountsListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.ErrOrStderr(), opts)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range recs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\telapsed=%ds\trestorable=%t\n",
					rec.AccountID, rec.Username, rec.DisplayName, rec.ElapsedSeconds, rec.Restorable())
			}
			return nil
		},
	}
}

func newAccountsDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account-id>",
		Short: "Delete a stored account so it is not restored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd.ErrOrStderr(), opts)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
}
