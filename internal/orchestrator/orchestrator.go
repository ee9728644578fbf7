// Package orchestrator partitions a task list into shards, runs one worker
// per shard on its own session lease, and collects the worker summaries into
// a run summary. It never touches the ledger.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/metrics"
	"github.com/JakeFAU/ugc-ledger/internal/session"
)

// Config controls a collection run.
type Config struct {
	RunID      string
	ShardCount int
	// MaxLeaseReplacements bounds how many times a shard may move to a fresh
	// lease after a fatal failure. Zero disables replacement.
	MaxLeaseReplacements int
}

// Deps are the orchestrator's collaborators. Metrics and Logger are optional.
type Deps struct {
	Pool    *session.Pool
	Runner  Runner
	Stop    collector.StopSignal
	Clock   collector.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Orchestrator fans shards out to workers.
type Orchestrator struct {
	cfg    Config
	layout Layout
	deps   Deps
	logger *zap.Logger
}

// New validates the configuration against the lease pool.
func New(cfg Config, layout Layout, deps Deps) (*Orchestrator, error) {
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if deps.Pool == nil || deps.Runner == nil || deps.Stop == nil || deps.Clock == nil {
		return nil, fmt.Errorf("orchestrator requires pool, runner, stop signal, and clock")
	}
	if cfg.ShardCount <= 0 {
		return nil, collector.Configf("shard count must be > 0, got %d", cfg.ShardCount)
	}
	if cfg.ShardCount > deps.Pool.Size() {
		return nil, collector.Configf("shard count %d exceeds profile pool size %d", cfg.ShardCount, deps.Pool.Size())
	}
	if cfg.MaxLeaseReplacements < 0 {
		return nil, collector.Configf("max lease replacements must be >= 0")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		layout: layout,
		deps:   deps,
		logger: logger.Named("orchestrator").With(zap.String("run_id", cfg.RunID)),
	}, nil
}

// Layout returns the run's file layout.
func (o *Orchestrator) Layout() Layout {
	return o.layout
}

// Collect runs every shard to completion and returns the run summary. It
// returns once every worker has ended and its shard log is closed. Workers
// that fail never fail the run; only setup errors are returned.
func (o *Orchestrator) Collect(ctx context.Context, tasks []collector.Task) (collector.RunSummary, error) {
	summary := collector.RunSummary{
		RunID:      o.cfg.RunID,
		StartedAt:  o.deps.Clock.Now().UTC(),
		TasksTotal: len(tasks),
	}
	if err := o.layout.Ensure(); err != nil {
		return summary, err
	}
	shards, err := collector.Partition(collector.Reindex(tasks), o.cfg.ShardCount)
	if err != nil {
		return summary, err
	}
	o.logger.Info("collection starting", zap.Int("tasks", len(tasks)), zap.Int("shards", len(shards)))

	results := make([][]collector.WorkerSummary, len(shards))
	var wg sync.WaitGroup
	for i, shard := range shards {
		if len(shard.Tasks) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, shard collector.Shard) {
			defer wg.Done()
			results[i] = o.runShard(ctx, shard)
		}(i, shard)
	}
	wg.Wait()

	for _, workers := range results {
		for _, w := range workers {
			summary.Absorb(w)
		}
	}
	summary.StopRequested = o.deps.Stop.IsSet(context.WithoutCancel(ctx))
	summary.FinishedAt = o.deps.Clock.Now().UTC()
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveRun(summary)
	}
	o.logger.Info("collection finished",
		zap.Int("succeeded", summary.TasksSucceeded),
		zap.Int("soft_failed", summary.TasksSoftFailed),
		zap.Int("not_attempted", summary.TasksNotAttempted),
		zap.Bool("stop_requested", summary.StopRequested),
	)
	return summary, nil
}

// runShard drives one shard through as many leases as replacement allows.
func (o *Orchestrator) runShard(ctx context.Context, shard collector.Shard) []collector.WorkerSummary {
	owner := fmt.Sprintf("worker-%02d", shard.Index)
	logger := o.logger.With(zap.Int("shard", shard.Index))

	lease, err := o.deps.Pool.Acquire(owner)
	if err != nil {
		logger.Error("no lease available for shard", zap.Error(err))
		return []collector.WorkerSummary{{
			Shard:        shard.Index,
			Fatal:        true,
			FatalReason:  err.Error(),
			NotAttempted: taskIDs(shard.Tasks),
		}}
	}

	var out []collector.WorkerSummary
	remaining := shard
	for attempt := 1; ; attempt++ {
		spec := o.spec(remaining, lease, owner, attempt)
		o.observe(func(m *metrics.Metrics) { m.IncWorkersStarted() })
		ws, err := o.deps.Runner.Run(ctx, spec)
		if err != nil {
			logger.Error("worker ended without a summary; recovering from shard log",
				zap.String("lease_id", spec.LeaseID),
				zap.Error(err),
			)
			ws = Recover(spec, err, logger)
		}
		o.observe(func(m *metrics.Metrics) { m.ObserveWorker(ws) })

		if !ws.Fatal {
			if err := lease.Release(owner); err != nil {
				logger.Warn("lease release failed", zap.Error(err))
			}
			return append(out, ws)
		}
		_ = lease.MarkDead(ws.FatalReason)

		if ws.ProvisionFailed {
			o.raiseStop(ctx, logger, ws)
			return append(out, ws)
		}
		if !o.replaceable(ctx, attempt, ws) {
			return append(out, ws)
		}
		next, err := o.deps.Pool.Replace(lease, owner)
		if err != nil {
			logger.Warn("lease replacement failed", zap.Error(err))
			return append(out, ws)
		}
		o.observe(func(m *metrics.Metrics) { m.IncLeaseReplacements() })
		logger.Info("resuming shard on replacement lease",
			zap.String("dead_lease_id", lease.ID()),
			zap.String("lease_id", next.ID()),
			zap.Int("tasks", len(ws.NotAttempted)),
		)
		remaining = pending(shard, ws.NotAttempted)
		ws.HandedOff, ws.NotAttempted = ws.NotAttempted, nil
		out = append(out, ws)
		lease = next
	}
}

func (o *Orchestrator) replaceable(ctx context.Context, attempt int, ws collector.WorkerSummary) bool {
	if attempt > o.cfg.MaxLeaseReplacements || len(ws.NotAttempted) == 0 {
		return false
	}
	return ctx.Err() == nil && !o.deps.Stop.IsSet(ctx)
}

// raiseStop sets the global stop signal: a profile that cannot be provisioned
// means the environment is compromised for every worker.
func (o *Orchestrator) raiseStop(ctx context.Context, logger *zap.Logger, ws collector.WorkerSummary) {
	logger.Error("session provisioning failed; stopping all workers",
		zap.String("profile_id", ws.ProfileID),
		zap.String("reason", ws.FatalReason),
	)
	if err := o.deps.Stop.Set(context.WithoutCancel(ctx)); err != nil {
		logger.Error("raise stop signal", zap.Error(err))
		return
	}
	o.observe(func(m *metrics.Metrics) { m.IncStopRequests() })
}

func (o *Orchestrator) spec(shard collector.Shard, lease *session.Lease, owner string, attempt int) WorkerSpec {
	return WorkerSpec{
		RunID:         o.cfg.RunID,
		Shard:         shard,
		LeaseID:       lease.ID(),
		ProfileID:     lease.ProfileID(),
		Owner:         owner,
		Attempt:       attempt,
		LogPath:       o.layout.ShardLog(shard.Index, lease.ID()),
		JournalPath:   o.layout.Journal(shard.Index, lease.ID()),
		SpecPath:      o.layout.WorkerSpec(shard.Index, attempt),
		SummaryPath:   o.layout.WorkerSummary(shard.Index, attempt),
		WorkerLogPath: o.layout.WorkerLog(shard.Index),
	}
}

func (o *Orchestrator) observe(fn func(*metrics.Metrics)) {
	if o.deps.Metrics != nil {
		fn(o.deps.Metrics)
	}
}

// pending keeps the shard's tasks whose ids are listed, in shard order.
func pending(shard collector.Shard, ids []string) collector.Shard {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := collector.Shard{Index: shard.Index, Count: shard.Count}
	for _, task := range shard.Tasks {
		if _, ok := want[task.ID]; ok {
			out.Tasks = append(out.Tasks, task)
		}
	}
	return out
}

func taskIDs(tasks []collector.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
