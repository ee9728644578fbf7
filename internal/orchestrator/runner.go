package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/worker"
)

// Runner executes one worker spec to completion. An error means the worker
// ended without a trustworthy summary; the orchestrator then recovers one
// from the shard log.
type Runner interface {
	Run(ctx context.Context, spec WorkerSpec) (collector.WorkerSummary, error)
}

// InProcess runs workers as goroutines of the current process. Browser
// sessions are still isolated per lease, but a crash takes the whole run
// down, so it is meant for development and tests.
type InProcess struct {
	Worker *worker.Worker
	Logger *zap.Logger
}

// Run executes spec on the shared worker, converting a panic into an error.
func (r *InProcess) Run(ctx context.Context, spec WorkerSpec) (summary collector.WorkerSummary, err error) {
	defer func() {
		if p := recover(); p != nil {
			if r.Logger != nil {
				r.Logger.Error("worker panicked",
					zap.Int("shard", spec.Shard.Index),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
				)
			}
			err = fmt.Errorf("worker panic: %v", p)
		}
	}()
	return Execute(ctx, r.Worker, spec)
}
