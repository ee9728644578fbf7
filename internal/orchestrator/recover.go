package orchestrator

import (
	"errors"
	"io/fs"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/shardlog"
)

// Recover rebuilds the summary of a worker that ended without reporting one.
// The shard log is the source of truth: every logged entity key counts as an
// attempted task, and the rest of the shard is not attempted.
func Recover(spec WorkerSpec, cause error, logger *zap.Logger) collector.WorkerSummary {
	if logger == nil {
		logger = zap.NewNop()
	}
	summary := collector.WorkerSummary{
		Shard:     spec.Shard.Index,
		LeaseID:   spec.LeaseID,
		ProfileID: spec.ProfileID,
		LogPath:   spec.LogPath,
		Fatal:     true,
		Recovered: true,
	}
	if cause != nil {
		summary.FatalReason = cause.Error()
	}

	res, err := shardlog.Read(spec.LogPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		summary.LogPath = ""
	case err != nil:
		logger.Warn("shard log unreadable during recovery", zap.String("path", spec.LogPath), zap.Error(err))
	}
	if res.Malformed > 0 {
		logger.Warn("skipped malformed shard log rows", zap.String("path", spec.LogPath), zap.Int("rows", res.Malformed))
	}

	logged := make(map[string][]string, len(res.Entries))
	for _, e := range res.Entries {
		logged[e.EntityKey] = append(logged[e.EntityKey], e.ObservedValue)
	}
	for _, task := range spec.Shard.Tasks {
		values := logged[task.DisplayName]
		if len(values) == 0 {
			summary.NotAttempted = append(summary.NotAttempted, task.ID)
			continue
		}
		logged[task.DisplayName] = values[1:]
		summary.Attempted++
		if values[0] != "" {
			summary.Succeeded++
		} else {
			summary.SoftFailed++
		}
	}
	return summary
}
