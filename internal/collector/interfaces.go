package collector

import (
	"context"
	"time"
)

// Session is a live, isolated browser execution context bound to one lease.
// Every call is bounded by the implementation's own timeouts in addition to
// ctx. Errors that leave the context unusable wrap ErrFatalFailure.
type Session interface {
	Navigate(ctx context.Context, target string) error
	Reload(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, expression string, out any) error
	// DocumentStatus returns the HTTP status of the last document response,
	// or 0 when none was observed.
	DocumentStatus() int
	// Err returns a fatal error once the context is no longer usable.
	Err() error
	Close() error
}

// Extractor isolates page-specific knowledge from the orchestration core.
type Extractor interface {
	Extract(ctx context.Context, session Session) (Record, error)
	DetectError(ctx context.Context, session Session) bool
	WaitReady(ctx context.Context, session Session, timeout time.Duration) bool
}

// StopSignal is the cooperative cancellation flag shared by all workers of a
// run. Once set it is never cleared within the run.
type StopSignal interface {
	Set(ctx context.Context) error
	IsSet(ctx context.Context) bool
}

// ShardWriter appends entries to a worker's private shard log.
type ShardWriter interface {
	Append(entry ShardLogEntry) error
	Close() error
}

// AttemptJournal records every extractor invocation.
type AttemptJournal interface {
	Record(rec AttemptRecord) error
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run and lease identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
