package main

import "github.com/spf13/cobra"

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <shard-log|shard-dir|run-dir>...",
		Short: "Reconcile shard logs into the ledger",
		Long: `Reads the given shard logs (directories are expanded to the shard logs
they contain) and writes their observations into the ledger. Applying the same
logs again leaves the ledger unchanged.`,
		Args: configArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Apply(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}
