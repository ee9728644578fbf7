package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ugc-ledger/internal/app"
	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/orchestrator"
)

// newWorkerCmd is the entry point of worker subprocesses. It is hidden from
// help output.
func newWorkerCmd(root *rootOptions) *cobra.Command {
	var (
		specPath string
		spec     orchestrator.WorkerSpec
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one shard lease from a worker spec",
		Hidden: true,
		Args:   configArgs(cobra.NoArgs),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if specPath == "" {
				return collector.Configf("--spec is required")
			}
			var err error
			if spec, err = orchestrator.ReadSpec(specPath); err != nil {
				return err
			}
			return attachApp(cmd, root.cfgFile, app.Options{
				Worker:   true,
				LogPaths: logPaths(spec.WorkerLogPath),
			})
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.ServeWorker(ctx, spec)
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "worker spec file written by the orchestrator")
	return cmd
}

func logPaths(path string) []string {
	if path == "" {
		return nil
	}
	return []string{path}
}
