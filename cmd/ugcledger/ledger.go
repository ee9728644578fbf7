package main

import "github.com/spf13/cobra"

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create ledger rows for every task in the task source",
		Args:  configArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Seed(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	})
	return cmd
}
