package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

const defaultGrace = 10 * time.Second

// Process runs every worker in its own OS process: the executable is started
// with Args followed by "--spec <file>", and reports back through the summary
// file named in its WorkerSpec. Each worker gets its own process group so that its
// browser processes can be signalled together.
type Process struct {
	Path string
	Args []string
	Env  []string
	// Grace is how long an interrupted worker may take to finish its
	// in-flight task before it is killed.
	Grace  time.Duration
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// Run writes the worker spec file, starts the worker, and waits for it. When ctx ends the
// worker is asked to stop with SIGTERM and killed after Grace.
func (p *Process) Run(ctx context.Context, spec WorkerSpec) (collector.WorkerSummary, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int("shard", spec.Shard.Index), zap.String("lease_id", spec.LeaseID))
	if p.Path == "" {
		return collector.WorkerSummary{}, fmt.Errorf("worker executable is not configured")
	}
	if err := os.Remove(spec.SummaryPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return collector.WorkerSummary{}, fmt.Errorf("remove stale summary: %w", err)
	}
	if err := WriteJSONAtomic(spec.SpecPath, spec); err != nil {
		return collector.WorkerSummary{}, fmt.Errorf("write worker spec: %w", err)
	}

	args := append(append([]string(nil), p.Args...), "--spec", spec.SpecPath)
	cmd := exec.Command(p.Path, args...) //nolint:gosec // path is our own executable
	cmd.Env = p.Env
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	configureWorkerProcess(cmd)

	if err := cmd.Start(); err != nil {
		return collector.WorkerSummary{}, fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker process started", zap.Int("pid", cmd.Process.Pid), zap.Int("attempt", spec.Attempt))

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		waitErr = p.interrupt(cmd, done, logger)
	}
	// Browser processes outlive a crashed worker unless the group is reaped.
	reapWorkerProcess(cmd)

	var summary collector.WorkerSummary
	if err := ReadJSON(spec.SummaryPath, &summary); err != nil {
		if waitErr != nil {
			return collector.WorkerSummary{}, fmt.Errorf("worker exited without summary: %w", waitErr)
		}
		return collector.WorkerSummary{}, fmt.Errorf("worker summary: %w", err)
	}
	if waitErr != nil {
		logger.Warn("worker exited with error after reporting", zap.Error(waitErr))
	}
	return summary, nil
}

func (p *Process) interrupt(cmd *exec.Cmd, done <-chan error, logger *zap.Logger) error {
	grace := p.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	logger.Info("interrupting worker process", zap.Duration("grace", grace))
	if err := interruptWorkerProcess(cmd); err != nil {
		logger.Warn("interrupt worker process failed", zap.Error(err))
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		logger.Warn("worker did not exit within grace; killing")
		if err := killWorkerProcess(cmd); err != nil {
			logger.Warn("kill worker process failed", zap.Error(err))
		}
		return <-done
	}
}
