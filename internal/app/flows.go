package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/orchestrator"
	"github.com/JakeFAU/ugc-ledger/internal/progress"
	"github.com/JakeFAU/ugc-ledger/internal/progress/sinks"
	"github.com/JakeFAU/ugc-ledger/internal/reconcile"
	"github.com/JakeFAU/ugc-ledger/internal/session"
	"github.com/JakeFAU/ugc-ledger/internal/shardlog"
	"github.com/JakeFAU/ugc-ledger/internal/tasksource"
)

// Event kinds published when a run ends.
const (
	KindCollect = "collect"
	KindRun     = "run"
)

// CollectOptions select the task list for a collection.
type CollectOptions struct {
	// RetryMissing collects only ledger rows without a value in the latest
	// column.
	RetryMissing bool
}

// Collect runs one collection and writes its run summary. Worker failures
// are reported in the summary; only setup problems return an error.
func (a *App) Collect(ctx context.Context, opts CollectOptions) (collector.RunSummary, error) {
	summary, layout, err := a.collect(ctx, opts)
	if err != nil {
		return summary, err
	}
	return summary, a.finish(ctx, KindCollect, summary, layout)
}

// Run collects and then reconciles the run's shard logs into the ledger.
func (a *App) Run(ctx context.Context, opts CollectOptions) (collector.RunSummary, error) {
	summary, layout, err := a.collect(ctx, opts)
	if err != nil {
		return summary, err
	}
	res, err := a.Apply(context.WithoutCancel(ctx), summary.ShardLogs)
	if err != nil {
		return summary, err
	}
	summary.ReconciliationApplied = res.Applied
	summary.ReconciliationSkipped = res.Skipped
	a.snapshotLedger(ctx, layout)
	return summary, a.finish(ctx, KindRun, summary, layout)
}

// Apply reconciles shard logs into the ledger. Arguments may name shard log
// files, shard directories, or run directories.
func (a *App) Apply(ctx context.Context, paths []string) (reconcile.Result, error) {
	if a.store == nil {
		return reconcile.Result{}, fmt.Errorf("ledger store is not configured")
	}
	logs, err := expandShardLogs(paths)
	if err != nil {
		return reconcile.Result{}, err
	}
	r := reconcile.New(reconcile.Config{
		AlertDeltaThreshold: a.cfg.Ledger.AlertDeltaThreshold,
		Location:            a.cfg.Location(),
		PruneTrailingEmpty:  a.cfg.Ledger.PruneTrailingEmpty,
	}, a.metrics, a.logger)
	res, err := r.Run(ctx, a.store, logs)
	if err != nil {
		return res, err
	}
	a.writeTextfile()
	return res, nil
}

// SeedResult reports what Seed changed.
type SeedResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Skipped  int `json:"skipped"`
}

// Seed creates ledger rows for every task in the configured task source.
// Existing rows keep their values; an empty target is filled in.
func (a *App) Seed(ctx context.Context) (SeedResult, error) {
	if a.store == nil {
		return SeedResult{}, fmt.Errorf("ledger store is not configured")
	}
	loaded, err := tasksource.Load(a.cfg.Tasks.Path, a.cfg.Tasks.Format, a.logger)
	if err != nil {
		return SeedResult{}, err
	}
	l, err := a.store.Load(ctx)
	if err != nil {
		return SeedResult{}, fmt.Errorf("load ledger: %w", err)
	}
	res := SeedResult{Skipped: loaded.Skipped}
	for _, task := range loaded.Tasks {
		_, created, err := l.AddRow(task.DisplayName, task.Target)
		if err != nil {
			res.Skipped++
			continue
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
	}
	if err := a.store.Save(ctx, l); err != nil {
		return res, fmt.Errorf("save ledger: %w", err)
	}
	a.logger.Info("ledger seeded",
		zap.Int("created", res.Created),
		zap.Int("existing", res.Existing),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (a *App) collect(ctx context.Context, opts CollectOptions) (collector.RunSummary, orchestrator.Layout, error) {
	tasks, err := a.tasks(ctx, opts)
	if err != nil {
		return collector.RunSummary{}, orchestrator.Layout{}, err
	}

	runID, err := a.ids.NewRunID(a.clock.Now())
	if err != nil {
		return collector.RunSummary{}, orchestrator.Layout{}, err
	}
	layout := orchestrator.NewLayout(a.cfg.Run.Dir, runID)
	if err := layout.Ensure(); err != nil {
		return collector.RunSummary{}, layout, err
	}
	logger := a.logger.With(zap.String("run_id", runID))

	stop := a.stopFor(runID, layout)
	a.setStop(stop)
	defer a.setStop(nil)

	pool, err := session.NewPool(a.cfg.Run.Profiles, a.ids)
	if err != nil {
		return collector.RunSummary{}, layout, collector.Configf("profile pool: %v", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(logger.Named("progress"))}
	if a.promSink != nil {
		hubSinks = append(hubSinks, a.promSink)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, hubSinks...)
	defer func() { _ = hub.Close(context.WithoutCancel(ctx)) }()

	runner, err := a.newRunner(runID, stop, hub)
	if err != nil {
		return collector.RunSummary{}, layout, err
	}
	orch, err := orchestrator.New(orchestrator.Config{
		RunID:                runID,
		ShardCount:           a.cfg.Run.ShardCount,
		MaxLeaseReplacements: a.cfg.Run.MaxLeaseReplacements,
	}, layout, orchestrator.Deps{
		Pool:    pool,
		Runner:  runner,
		Stop:    stop,
		Clock:   a.clock,
		Metrics: a.metrics,
		Logger:  logger,
	})
	if err != nil {
		return collector.RunSummary{}, layout, err
	}
	summary, err := orch.Collect(ctx, tasks)
	if err != nil {
		return summary, layout, err
	}
	return summary, layout, nil
}

// tasks resolves the task list: retry-missing rows, the task file, or every
// ledger row with a target when no task file is configured.
func (a *App) tasks(ctx context.Context, opts CollectOptions) ([]collector.Task, error) {
	if !opts.RetryMissing && a.cfg.Tasks.Path != "" {
		loaded, err := tasksource.Load(a.cfg.Tasks.Path, a.cfg.Tasks.Format, a.logger)
		return loaded.Tasks, err
	}
	if a.store == nil {
		return nil, collector.Configf("tasks.path is required when no ledger is configured")
	}
	l, err := a.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	loaded := tasksource.FromLedger(l)
	source := "ledger"
	if opts.RetryMissing {
		loaded = tasksource.RetryMissing(l)
		source = "retry-missing"
	}
	a.logger.Info("tasks derived from ledger",
		zap.String("source", source),
		zap.Int("tasks", len(loaded.Tasks)),
		zap.Int("skipped", loaded.Skipped),
	)
	return loaded.Tasks, nil
}

// finish persists the run summary and hands it to the optional archive and
// notification backends. Their failures are logged, never returned.
func (a *App) finish(ctx context.Context, kind string, summary collector.RunSummary, layout orchestrator.Layout) error {
	ctx = context.WithoutCancel(ctx)
	if err := orchestrator.WriteJSONAtomic(layout.RunSummary(), summary); err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}
	a.writeTextfile()
	a.logger.Info("run summary",
		zap.String("run_id", summary.RunID),
		zap.Int("tasks_total", summary.TasksTotal),
		zap.Int("tasks_succeeded", summary.TasksSucceeded),
		zap.Int("tasks_soft_failed", summary.TasksSoftFailed),
		zap.Int("tasks_not_attempted", summary.TasksNotAttempted),
		zap.Int("reconciliation_applied", summary.ReconciliationApplied),
		zap.Int("reconciliation_skipped", summary.ReconciliationSkipped),
		zap.Bool("stop_requested", summary.StopRequested),
		zap.String("summary", layout.RunSummary()),
	)

	var archiveURI string
	if a.archiver != nil {
		manifest, err := a.archiver.Archive(ctx, summary.RunID, layout.Root)
		if err != nil {
			a.logger.Error("archive failed", zap.Error(err))
		} else {
			archiveURI = manifest.URI
		}
	}
	if err := a.notifier.RunFinished(ctx, kind, summary, archiveURI); err != nil {
		a.logger.Error("run notification failed", zap.Error(err))
	}
	return nil
}

func (a *App) snapshotLedger(ctx context.Context, layout orchestrator.Layout) {
	l, err := a.store.Load(context.WithoutCancel(ctx))
	if err != nil {
		a.logger.Warn("ledger snapshot skipped", zap.Error(err))
		return
	}
	if err := orchestrator.WriteJSONAtomic(layout.LedgerSnapshot(), l); err != nil {
		a.logger.Warn("ledger snapshot failed", zap.Error(err))
	}
}

func (a *App) writeTextfile() {
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfileDir, textfileName); err != nil {
		a.logger.Warn("metrics textfile export failed", zap.Error(err))
	}
}

// expandShardLogs turns run directories and shard directories into the
// shard log files they hold.
func expandShardLogs(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			out = append(out, p)
			continue
		}
		dir := p
		if sub := filepath.Join(p, "shards"); isDir(sub) {
			dir = sub
		}
		logs, err := shardlog.Glob(dir)
		if err != nil {
			return nil, fmt.Errorf("list shard logs in %s: %w", dir, err)
		}
		out = append(out, logs...)
	}
	return out, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
