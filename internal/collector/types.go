package collector

import (
	"strconv"
	"time"
)

// Task is one unit of scrape work.
type Task struct {
	// Index is the position of the task in the source list. Sharding is
	// computed from it, so it must be stable for the lifetime of a run.
	Index       int    `json:"index" yaml:"index"`
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Target      string `json:"target" yaml:"target"`
}

// Shard is the static slice of tasks owned by one worker.
type Shard struct {
	Index int    `json:"index"`
	Count int    `json:"count"`
	Tasks []Task `json:"tasks"`
}

// Outcome classifies a single extractor invocation.
type Outcome string

// Attempt outcomes recorded in the attempt journal.
const (
	OutcomeSuccess      Outcome = "success"
	OutcomeSoftFailure  Outcome = "soft_failure"
	OutcomeFatalFailure Outcome = "fatal_failure"
)

// AttemptRecord is appended once per extractor invocation.
type AttemptRecord struct {
	TaskID    string    `json:"task_id"`
	Attempt   int       `json:"attempt"`
	Outcome   Outcome   `json:"outcome"`
	Value     *int64    `json:"value,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// ShardLogEntry is one durable row in a worker's private shard log. The
// observed value is kept as text so that reconciliation can parse it
// leniently; an empty value marks a soft failure.
type ShardLogEntry struct {
	EntityKey     string
	Target        string
	ObservedValue string
	ObservedAt    time.Time
}

// NewShardLogEntry builds an entry for a task result. A nil value produces an
// entry with an empty observed value.
func NewShardLogEntry(task Task, target string, value *int64, at time.Time) ShardLogEntry {
	if target == "" {
		target = task.Target
	}
	entry := ShardLogEntry{
		EntityKey:  task.DisplayName,
		Target:     target,
		ObservedAt: at.UTC(),
	}
	if value != nil {
		entry.ObservedValue = strconv.FormatInt(*value, 10)
	}
	return entry
}

// Record is the typed result returned by an Extractor.
type Record struct {
	Value  *int64
	Fields map[string]string
}

// WorkerSummary reports what one worker lease accomplished. HandedOff lists
// tasks this lease did not reach that were passed on to a replacement lease;
// they are not counted as not attempted.
type WorkerSummary struct {
	Shard           int      `json:"shard"`
	LeaseID         string   `json:"lease_id"`
	ProfileID       string   `json:"profile_id"`
	LogPath         string   `json:"log_path"`
	Attempted       int      `json:"attempted"`
	Succeeded       int      `json:"succeeded"`
	SoftFailed      int      `json:"soft_failed"`
	NotAttempted    []string `json:"not_attempted,omitempty"`
	HandedOff       []string `json:"handed_off,omitempty"`
	Fatal           bool     `json:"fatal"`
	FatalReason     string   `json:"fatal_reason,omitempty"`
	ProvisionFailed bool     `json:"provision_failed"`
	Stopped         bool     `json:"stopped"`
	Recovered       bool     `json:"recovered,omitempty"`
}

// RunSummary is the user visible result of a collect and/or apply run.
type RunSummary struct {
	RunID                 string          `json:"run_id"`
	StartedAt             time.Time       `json:"started_at"`
	FinishedAt            time.Time       `json:"finished_at"`
	TasksTotal            int             `json:"tasks_total"`
	TasksSucceeded        int             `json:"tasks_succeeded"`
	TasksSoftFailed       int             `json:"tasks_soft_failed"`
	TasksNotAttempted     int             `json:"tasks_not_attempted"`
	ReconciliationApplied int             `json:"reconciliation_applied"`
	ReconciliationSkipped int             `json:"reconciliation_skipped"`
	StopRequested         bool            `json:"stop_requested"`
	ShardLogs             []string        `json:"shard_logs"`
	Workers               []WorkerSummary `json:"workers"`
}

// Absorb folds a worker summary into the run totals.
func (s *RunSummary) Absorb(w WorkerSummary) {
	s.Workers = append(s.Workers, w)
	s.TasksSucceeded += w.Succeeded
	s.TasksSoftFailed += w.SoftFailed
	s.TasksNotAttempted += len(w.NotAttempted)
	if w.LogPath != "" {
		s.ShardLogs = append(s.ShardLogs, w.LogPath)
	}
}
