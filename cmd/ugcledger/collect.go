package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/app"
	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

func newCollectCmd() *cobra.Command {
	var opts app.CollectOptions
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the workers and write shard logs",
		Long: `Partitions the task list across shards, runs one worker per shard on
its own leased browser profile, and writes one shard log per lease. The ledger
is not modified; use "apply" or "run" for that.

The first interrupt asks workers to stop after their current task; a second
interrupt cancels the run.`,
		Args: configArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollection(cmd, func(ctx context.Context, a *app.App) (collector.RunSummary, error) {
				return a.Collect(ctx, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.RetryMissing, "retry-missing", false, "collect only ledger rows without a value in the latest column")
	return cmd
}

func newRunCmd() *cobra.Command {
	var opts app.CollectOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect, then reconcile the new shard logs into the ledger",
		Args:  configArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollection(cmd, func(ctx context.Context, a *app.App) (collector.RunSummary, error) {
				return a.Run(ctx, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.RetryMissing, "retry-missing", false, "collect only ledger rows without a value in the latest column")
	return cmd
}

func runCollection(cmd *cobra.Command, fn func(context.Context, *app.App) (collector.RunSummary, error)) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, release := stopOnSignal(cmd.Context(), a)
	defer release()

	summary, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd, summary)
}

// stopOnSignal raises the run's stop signal on the first SIGINT/SIGTERM and
// cancels ctx on the second.
func stopOnSignal(parent context.Context, a *app.App) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		stopping := false
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				if stopping {
					a.Logger().Warn("second signal; cancelling run", zap.Stringer("signal", sig))
					cancel()
					return
				}
				stopping = true
				if err := a.RequestStop(context.WithoutCancel(ctx)); err != nil {
					a.Logger().Error("raise stop signal", zap.Error(err))
				}
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}
