package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/progress"
)

// scriptedSession navigates instantly; navigating to failOn kills it.
type scriptedSession struct {
	mu      sync.Mutex
	current string
	failOn  string
	dead    bool
	closed  bool
}

func (s *scriptedSession) Navigate(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return collector.Fatalf("browser gone")
	}
	s.current = target
	if target == s.failOn {
		s.dead = true
		return collector.Fatalf("target closed")
	}
	return nil
}

func (s *scriptedSession) Reload(context.Context) error { return nil }

func (s *scriptedSession) Location(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *scriptedSession) Evaluate(context.Context, string, any) error { return nil }

func (s *scriptedSession) DocumentStatus() int { return 200 }

func (s *scriptedSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return collector.Fatalf("browser gone")
	}
	return nil
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSession) page() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type fakeProvisioner struct {
	session *scriptedSession
	err     error
	calls   int
}

func (p *fakeProvisioner) Provision(context.Context, string) (collector.Session, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.session, nil
}

// mapExtractor returns values keyed by the page the session is on. Pages
// without a value are soft failures.
type mapExtractor struct {
	values    map[string]int64
	onExtract func(page string)
}

func (e *mapExtractor) Extract(_ context.Context, s collector.Session) (collector.Record, error) {
	page := s.(*scriptedSession).page()
	if e.onExtract != nil {
		e.onExtract(page)
	}
	v, ok := e.values[page]
	if !ok {
		return collector.Record{}, fmt.Errorf("%w: no value on %s", collector.ErrSoftFailure, page)
	}
	return collector.Record{Value: &v}, nil
}

func (e *mapExtractor) DetectError(context.Context, collector.Session) bool { return false }

func (e *mapExtractor) WaitReady(context.Context, collector.Session, time.Duration) bool { return true }

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 11, 27, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

func (c *fakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

type memoryLog struct {
	mu      sync.Mutex
	entries []collector.ShardLogEntry
	err     error
}

func (l *memoryLog) Append(e collector.ShardLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memoryLog) Close() error { return nil }

func (l *memoryLog) Entries() []collector.ShardLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]collector.ShardLogEntry(nil), l.entries...)
}

type memoryJournal struct {
	mu      sync.Mutex
	records []collector.AttemptRecord
}

func (j *memoryJournal) Record(r collector.AttemptRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}
