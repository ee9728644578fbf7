package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/session"
	"github.com/JakeFAU/ugc-ledger/internal/shardlog"
	"github.com/JakeFAU/ugc-ledger/internal/worker"
)

// WorkerSpec describes one worker lease: the shard it runs, the lease it runs
// on, and where it writes. Worker subprocesses receive it as a JSON file.
type WorkerSpec struct {
	RunID         string          `json:"run_id"`
	Shard         collector.Shard `json:"shard"`
	LeaseID       string          `json:"lease_id"`
	ProfileID     string          `json:"profile_id"`
	Owner         string          `json:"owner"`
	Attempt       int             `json:"attempt"`
	LogPath       string          `json:"log_path"`
	JournalPath   string          `json:"journal_path"`
	SpecPath      string          `json:"spec_path"`
	SummaryPath   string          `json:"summary_path"`
	WorkerLogPath string          `json:"worker_log_path"`
}

// ReadSpec loads a worker spec file.
func ReadSpec(path string) (WorkerSpec, error) {
	var spec WorkerSpec
	if err := ReadJSON(path, &spec); err != nil {
		return WorkerSpec{}, collector.Configf("worker spec: %v", err)
	}
	if spec.LeaseID == "" || spec.Owner == "" || spec.LogPath == "" {
		return WorkerSpec{}, collector.Configf("worker spec %s is incomplete", path)
	}
	return spec, nil
}

// Execute runs spec on w. The shard log and attempt journal are opened here
// and closed before returning; the lease handle is local to this call while
// the orchestrator's pool keeps the run-wide view of the lease.
func Execute(ctx context.Context, w *worker.Worker, spec WorkerSpec) (summary collector.WorkerSummary, err error) {
	log, err := shardlog.Create(spec.LogPath)
	if err != nil {
		return collector.WorkerSummary{}, err
	}
	defer func() {
		err = errors.Join(err, log.Close())
	}()

	var journal collector.AttemptJournal
	if spec.JournalPath != "" {
		j, err := shardlog.OpenJournal(spec.JournalPath)
		if err != nil {
			return collector.WorkerSummary{}, err
		}
		defer func() {
			_ = j.Close()
		}()
		journal = j
	}

	lease := session.NewLease(spec.LeaseID, spec.ProfileID)
	if err := lease.Activate(spec.Owner); err != nil {
		return collector.WorkerSummary{}, fmt.Errorf("activate lease %s: %w", spec.LeaseID, err)
	}
	summary = w.Run(ctx, worker.Assignment{
		Shard:   spec.Shard,
		Lease:   lease,
		Owner:   spec.Owner,
		Log:     log,
		LogPath: spec.LogPath,
		Journal: journal,
		Attempt: spec.Attempt,
	})
	return summary, nil
}

// Serve is the body of a worker subprocess: it executes spec and writes the
// summary where the parent expects it.
func Serve(ctx context.Context, w *worker.Worker, spec WorkerSpec) error {
	summary, err := Execute(ctx, w, spec)
	if err != nil {
		return err
	}
	if err := WriteJSONAtomic(spec.SummaryPath, summary); err != nil {
		return fmt.Errorf("write worker summary: %w", err)
	}
	return nil
}
