package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageWorkerStart Stage = "WORKER_START"
	StageTaskDone    Stage = "TASK_DONE"
	StageBreakerTrip Stage = "BREAKER_TRIP"
	StageWorkerDone  Stage = "WORKER_DONE"
	StageWorkerFatal Stage = "WORKER_FATAL"
)

// StatusClass is a coarse HTTP response grouping of the document status.
type StatusClass string

// Status classes tracked for task completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one worker milestone.
type Event struct {
	RunID   string
	Shard   int
	LeaseID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// TaskID and Target scope TASK_DONE events.
	TaskID      string
	Target      string
	Outcome     collector.Outcome
	StatusClass StatusClass
	Refreshes   int
	// Dur is the task latency for TASK_DONE and the worker runtime for
	// WORKER_DONE and WORKER_FATAL.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.LeaseID == "" {
		return errors.New("lease id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageWorkerStart, StageBreakerTrip, StageWorkerDone, StageWorkerFatal:
	case StageTaskDone:
		if e.TaskID == "" {
			return errors.New("task done requires task id")
		}
		if e.Outcome == "" {
			return errors.New("task done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
