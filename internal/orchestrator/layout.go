package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/ugc-ledger/internal/shardlog"
)

// Layout names the files of one run. Everything a run writes lives under
// <base>/<run_id>.
type Layout struct {
	Root string
}

// NewLayout returns the layout for runID under baseDir.
func NewLayout(baseDir, runID string) Layout {
	return Layout{Root: filepath.Join(baseDir, runID)}
}

// Ensure creates the run directories.
func (l Layout) Ensure() error {
	if l.Root == "" {
		return fmt.Errorf("run root is empty")
	}
	for _, dir := range []string{l.ShardDir(), l.WorkerDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create run dir %s: %w", dir, err)
		}
	}
	return nil
}

// ShardDir holds the shard logs and attempt journals.
func (l Layout) ShardDir() string {
	return filepath.Join(l.Root, "shards")
}

// WorkerDir holds worker specs, summaries, and logs.
func (l Layout) WorkerDir() string {
	return filepath.Join(l.Root, "workers")
}

// ShardLog is the shard log path for one lease.
func (l Layout) ShardLog(shard int, leaseID string) string {
	return filepath.Join(l.ShardDir(), shardlog.FileName(shard, leaseID))
}

// Journal is the attempt journal path for one lease.
func (l Layout) Journal(shard int, leaseID string) string {
	return filepath.Join(l.ShardDir(), shardlog.JournalName(shard, leaseID))
}

// WorkerSpec is the spec file handed to a worker subprocess.
func (l Layout) WorkerSpec(shard, attempt int) string {
	return filepath.Join(l.WorkerDir(), fmt.Sprintf("worker-%02d-%d.spec.json", shard, attempt))
}

// WorkerSummary is where a worker subprocess reports its result.
func (l Layout) WorkerSummary(shard, attempt int) string {
	return filepath.Join(l.WorkerDir(), fmt.Sprintf("worker-%02d-%d.summary.json", shard, attempt))
}

// WorkerLog is the log file shared by every lease of a shard.
func (l Layout) WorkerLog(shard int) string {
	return filepath.Join(l.WorkerDir(), fmt.Sprintf("worker-%02d.log", shard))
}

// RunSummary is the run summary document.
func (l Layout) RunSummary() string {
	return filepath.Join(l.Root, "summary.json")
}

// StopDir is where the file stop signal lives.
func (l Layout) StopDir() string {
	return l.Root
}

// LedgerSnapshot is the copy of the ledger taken after reconciliation.
func (l Layout) LedgerSnapshot() string {
	return filepath.Join(l.Root, "ledger.json")
}
