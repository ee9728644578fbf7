package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/app"
	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

const (
	exitOK          = 0
	exitConfigError = 2
)

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfgFile string, opts app.Options) (*app.App, error) {
	opts.Version = version
	return app.Load(ctx, cfgFile, opts)
}

type rootOptions struct {
	cfgFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ugcledger",
		Short:         "Collect per-entity counts and keep them in a dated ledger",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `ugcledger visits a list of targets with a pool of isolated browser
profiles, records one observation per target in per-worker shard logs, and
reconciles those logs into a ledger with one column per day.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return attachApp(cmd, opts.cfgFile, app.Options{})
		},
		PersistentPostRun: closeApp,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return collector.Configf("%v", err)
	})
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); UGC_* environment variables override it")

	cmd.AddCommand(
		newCollectCmd(),
		newRunCmd(),
		newApplyCmd(),
		newLedgerCmd(),
		newWorkerCmd(opts),
	)
	return cmd
}

// attachApp builds the App and stores it in the command context. Failing to
// build any configured service is reported as a configuration error.
func attachApp(cmd *cobra.Command, cfgFile string, opts app.Options) error {
	a, err := newApp(cmd.Context(), cfgFile, opts)
	if err != nil {
		if collector.IsConfiguration(err) {
			return err
		}
		return fmt.Errorf("%w: initialize services: %w", collector.ErrConfiguration, err)
	}
	zap.ReplaceGlobals(a.Logger())
	cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
	return nil
}

func closeApp(cmd *cobra.Command, _ []string) {
	if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
		a.Close(context.WithoutCancel(cmd.Context()))
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// configArgs marks positional argument errors as configuration errors.
func configArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return collector.Configf("%v", err)
		}
		return nil
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the CLI and returns the process exit code: non-zero only for
// configuration errors. Other failures are logged; the run summary already
// carries per-task outcomes.
func Execute() int {
	err := newRootCmd().ExecuteContext(context.Background())
	return exitCode(err, zap.L())
}

func exitCode(err error, logger *zap.Logger) int {
	if err == nil {
		return exitOK
	}
	if collector.IsConfiguration(err) {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn("command cancelled")
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	logger.Error("command failed", zap.Error(err))
	return exitOK
}
