// Package worker runs one shard of tasks on one leased browser session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/logging"
	"github.com/JakeFAU/ugc-ledger/internal/pacer"
	"github.com/JakeFAU/ugc-ledger/internal/progress"
	"github.com/JakeFAU/ugc-ledger/internal/resolver"
	"github.com/JakeFAU/ugc-ledger/internal/session"
)

const tracerName = "github.com/JakeFAU/ugc-ledger/internal/worker"

// Config controls Worker behavior.
type Config struct {
	RunID       string
	TaskTimeout time.Duration
	Pacer       pacer.Config
	Resolver    resolver.Config
}

// Deps are the collaborators shared by every worker of a run.
type Deps struct {
	Provisioner session.Provisioner
	Extractor   collector.Extractor
	Clock       collector.Clock
	Stop        collector.StopSignal
	Emitter     progress.Emitter
	Logger      *zap.Logger
	// Jitter overrides the pacing random source.
	Jitter func(limit time.Duration) time.Duration
}

// Assignment binds one shard to one active lease and its private log.
type Assignment struct {
	Shard   collector.Shard
	Lease   *session.Lease
	Owner   string
	Log     collector.ShardWriter
	LogPath string
	Journal collector.AttemptJournal
	// Attempt numbers the lease within the shard, starting at 1.
	Attempt int
}

// Worker executes assignments.
type Worker struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.TaskTimeout <= 0 {
		return nil, collector.Configf("task timeout must be > 0")
	}
	if cfg.Pacer.MinInterval < 0 || cfg.Pacer.MaxInterval < cfg.Pacer.MinInterval {
		return nil, collector.Configf("invalid pacing range %v..%v", cfg.Pacer.MinInterval, cfg.Pacer.MaxInterval)
	}
	if deps.Provisioner == nil || deps.Extractor == nil || deps.Clock == nil || deps.Stop == nil {
		return nil, fmt.Errorf("worker requires provisioner, extractor, clock, and stop signal")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps, tracer: otel.Tracer(tracerName)}, nil
}

// outcome of one task on the current session.
type result struct {
	outcome   collector.Outcome
	value     *int64
	target    string
	reason    string
	refreshes int
	status    int
	dur       time.Duration
	err       error
}

// Run processes the assignment's tasks in order until they are exhausted, the
// stop signal is raised, or the session fails fatally. Every completed task
// leaves exactly one shard log entry; tasks after a fatal failure or a stop
// are reported as not attempted.
func (w *Worker) Run(ctx context.Context, a Assignment) collector.WorkerSummary {
	started := w.deps.Clock.Now()
	if a.Attempt <= 0 {
		a.Attempt = 1
	}
	logger := logging.ForShard(w.deps.Logger, w.cfg.RunID, a.Shard.Index, a.Lease.ID())
	summary := collector.WorkerSummary{
		Shard:     a.Shard.Index,
		LeaseID:   a.Lease.ID(),
		ProfileID: a.Lease.ProfileID(),
		LogPath:   a.LogPath,
	}
	ctx, span := w.tracer.Start(ctx, "worker.run", trace.WithAttributes(
		attribute.String("run.id", w.cfg.RunID),
		attribute.Int("shard.index", a.Shard.Index),
		attribute.String("lease.id", a.Lease.ID()),
		attribute.Int("shard.tasks", len(a.Shard.Tasks)),
	))
	defer span.End()

	w.emit(a, progress.Event{Stage: progress.StageWorkerStart})
	logger.Info("worker starting", zap.Int("tasks", len(a.Shard.Tasks)), zap.String("profile_id", a.Lease.ProfileID()))

	p, err := pacer.New(w.cfg.Pacer, w.deps.Clock, w.deps.Stop, pacer.WithJitter(w.deps.Jitter), pacer.WithLogger(logger))
	if err != nil {
		summary.Fatal = true
		summary.FatalReason = err.Error()
		summary.NotAttempted = taskIDs(a.Shard.Tasks)
		_ = a.Lease.Release(a.Owner)
		logger.Error("pacer setup failed", zap.Error(err))
		w.emit(a, progress.Event{Stage: progress.StageWorkerFatal, Note: err.Error()})
		return summary
	}

	sess, err := a.Lease.Provision(ctx, a.Owner, w.deps.Provisioner)
	if err != nil {
		summary.Fatal = true
		summary.ProvisionFailed = errors.Is(err, collector.ErrProvision)
		summary.FatalReason = err.Error()
		summary.NotAttempted = taskIDs(a.Shard.Tasks)
		_ = a.Lease.MarkDead(err.Error())
		span.SetStatus(codes.Error, "provision failed")
		logger.Error("session provisioning failed", zap.Error(err))
		w.emit(a, progress.Event{Stage: progress.StageWorkerFatal, Dur: w.since(started), Note: err.Error()})
		return summary
	}

	res := resolver.New(w.cfg.Resolver, w.deps.Extractor, w.deps.Clock, p, logger,
		resolver.WithStop(w.deps.Stop, w.cfg.Pacer.PollInterval))

	for i, task := range a.Shard.Tasks {
		if w.stopRequested(ctx) {
			summary.Stopped = true
			summary.NotAttempted = taskIDs(a.Shard.Tasks[i:])
			break
		}
		if i > 0 && !p.Pace(ctx) {
			summary.Stopped = true
			summary.NotAttempted = taskIDs(a.Shard.Tasks[i:])
			break
		}

		r := w.runTask(ctx, sess, res, task, logger)
		w.journal(a, task, r, logger)

		if r.err != nil {
			summary.Fatal = true
			summary.FatalReason = r.err.Error()
			summary.NotAttempted = taskIDs(a.Shard.Tasks[i:])
			_ = a.Lease.MarkDead(r.err.Error())
			span.SetStatus(codes.Error, "session failed")
			logger.Error("session failed; abandoning lease",
				zap.String("task_id", task.ID),
				zap.Int("remaining", len(a.Shard.Tasks)-i),
				zap.Error(r.err),
			)
			w.emit(a, progress.Event{Stage: progress.StageWorkerFatal, Dur: w.since(started), Note: r.err.Error()})
			return summary
		}

		entry := collector.NewShardLogEntry(task, r.target, r.value, w.deps.Clock.Now())
		if err := a.Log.Append(entry); err != nil {
			// Without a durable log the rest of the shard cannot be recorded.
			summary.Fatal = true
			summary.FatalReason = err.Error()
			summary.NotAttempted = taskIDs(a.Shard.Tasks[i:])
			_ = a.Lease.MarkDead(err.Error())
			span.SetStatus(codes.Error, "shard log append failed")
			logger.Error("shard log append failed", zap.Error(err))
			w.emit(a, progress.Event{Stage: progress.StageWorkerFatal, Dur: w.since(started), Note: err.Error()})
			return summary
		}
		summary.Attempted++

		if r.outcome == collector.OutcomeSuccess {
			summary.Succeeded++
			p.RecordSuccess()
			continue
		}
		summary.SoftFailed++
		if p.RecordSoftFailure(ctx) {
			w.emit(a, progress.Event{Stage: progress.StageBreakerTrip, Note: r.reason})
		}
	}

	if err := a.Lease.Release(a.Owner); err != nil {
		logger.Warn("lease release failed", zap.Error(err))
	}
	logger.Info("worker finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("soft_failed", summary.SoftFailed),
		zap.Int("not_attempted", len(summary.NotAttempted)),
		zap.Bool("stopped", summary.Stopped),
	)
	w.emit(a, progress.Event{Stage: progress.StageWorkerDone, Dur: w.since(started)})
	return summary
}

func (w *Worker) runTask(
	ctx context.Context,
	sess collector.Session,
	res *resolver.Resolver,
	task collector.Task,
	logger *zap.Logger,
) result {
	// In-flight work is bounded only by the task budget; a stop request or
	// parent cancellation takes effect at the next loop iteration.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TaskTimeout)
	defer cancel()
	taskCtx, span := w.tracer.Start(taskCtx, "worker.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.target", task.Target),
	))
	defer span.End()

	started := w.deps.Clock.Now()
	r := w.attempt(taskCtx, sess, res, task)
	r.status = sess.DocumentStatus()

	span.SetAttributes(
		attribute.String("task.outcome", string(r.outcome)),
		attribute.Int("task.refreshes", r.refreshes),
	)
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, "fatal failure")
	}
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("entity_key", task.DisplayName),
		zap.String("outcome", string(r.outcome)),
		zap.Int("refreshes", r.refreshes),
		zap.Duration("dur", w.since(started)),
	}
	switch r.outcome {
	case collector.OutcomeSuccess:
		logger.Info("task succeeded", append(fields, zap.Int64("value", *r.value))...)
	case collector.OutcomeSoftFailure:
		logger.Warn("task soft failure", append(fields, zap.String("reason", r.reason))...)
	}
	r.dur = w.since(started)
	return r
}

func (w *Worker) attempt(ctx context.Context, sess collector.Session, res *resolver.Resolver, task collector.Task) result {
	resolved, err := res.Resolve(ctx, sess, task.Target)
	r := result{target: resolved.FinalTarget, refreshes: resolved.Refreshes}
	if err != nil {
		r.outcome = collector.OutcomeFatalFailure
		r.reason = err.Error()
		r.err = err
		return r
	}
	if resolved.Final() == resolver.StateExhausted {
		r.outcome = collector.OutcomeSoftFailure
		r.reason = "error page persisted after refreshes"
		return r
	}
	rec, err := w.deps.Extractor.Extract(ctx, sess)
	switch {
	case err != nil && collector.IsFatal(err):
		r.outcome = collector.OutcomeFatalFailure
		r.reason = err.Error()
		r.err = err
	case err != nil:
		r.outcome = collector.OutcomeSoftFailure
		r.reason = err.Error()
	case rec.Value == nil:
		r.outcome = collector.OutcomeSoftFailure
		r.reason = "extractor returned no value"
	default:
		r.outcome = collector.OutcomeSuccess
		r.value = rec.Value
	}
	return r
}

func (w *Worker) journal(a Assignment, task collector.Task, r result, logger *zap.Logger) {
	now := w.deps.Clock.Now().UTC()
	w.emit(a, progress.Event{
		Stage:       progress.StageTaskDone,
		TaskID:      task.ID,
		Target:      r.target,
		Outcome:     r.outcome,
		StatusClass: progress.ClassifyStatus(r.status),
		Refreshes:   r.refreshes,
		Dur:         r.dur,
		Note:        r.reason,
	})
	if a.Journal == nil {
		return
	}
	rec := collector.AttemptRecord{
		TaskID:    task.ID,
		Attempt:   a.Attempt,
		Outcome:   r.outcome,
		Value:     r.value,
		Reason:    r.reason,
		Timestamp: now,
	}
	if err := a.Journal.Record(rec); err != nil {
		logger.Warn("attempt journal write failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (w *Worker) emit(a Assignment, evt progress.Event) {
	evt.RunID = w.cfg.RunID
	evt.Shard = a.Shard.Index
	evt.LeaseID = a.Lease.ID()
	evt.TS = w.deps.Clock.Now().UTC()
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || w.deps.Stop.IsSet(ctx)
}

func (w *Worker) since(t time.Time) time.Duration {
	d := w.deps.Clock.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

func taskIDs(tasks []collector.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
