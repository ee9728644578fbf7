package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// pageSession navigates instantly; navigating to failOn kills it.
type pageSession struct {
	mu      sync.Mutex
	current string
	failOn  string
	dead    bool
}

func (s *pageSession) Navigate(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return collector.Fatalf("browser gone")
	}
	s.current = target
	if s.failOn != "" && target == s.failOn {
		s.dead = true
		return collector.Fatalf("target closed")
	}
	return nil
}

func (s *pageSession) Reload(context.Context) error { return nil }

func (s *pageSession) Location(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *pageSession) Evaluate(context.Context, string, any) error { return nil }

func (s *pageSession) DocumentStatus() int { return 200 }

func (s *pageSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return collector.Fatalf("browser gone")
	}
	return nil
}

func (s *pageSession) Close() error { return nil }

func (s *pageSession) page() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// profileProvisioner hands out sessions per profile. failOn maps a profile to
// the target that kills its first session; provisionErr fails the profile.
type profileProvisioner struct {
	mu           sync.Mutex
	failOn       map[string]string
	provisionErr map[string]error
	calls        map[string]int
}

func (p *profileProvisioner) Provision(_ context.Context, profileID string) (collector.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[profileID]++
	if err := p.provisionErr[profileID]; err != nil {
		return nil, err
	}
	s := &pageSession{}
	if p.calls[profileID] == 1 {
		s.failOn = p.failOn[profileID]
	}
	return s, nil
}

// digitExtractor reads the value from the trailing digits of the page URL.
type digitExtractor struct{}

func (digitExtractor) Extract(_ context.Context, s collector.Session) (collector.Record, error) {
	page := s.(*pageSession).page()
	idx := strings.LastIndex(page, "/")
	var v int64
	if _, err := fmt.Sscanf(page[idx+1:], "%d", &v); err != nil {
		return collector.Record{}, fmt.Errorf("%w: no value on %s", collector.ErrSoftFailure, page)
	}
	return collector.Record{Value: &v}, nil
}

func (digitExtractor) DetectError(context.Context, collector.Session) bool { return false }

func (digitExtractor) WaitReady(context.Context, collector.Session, time.Duration) bool { return true }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("lease-%04d", g.n), nil
}

func sampleTasks(n int) []collector.Task {
	tasks := make([]collector.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, collector.Task{
			DisplayName: fmt.Sprintf("acct-%d", i),
			Target:      fmt.Sprintf("https://example.com/@acct/%d", 100+i),
		})
	}
	return tasks
}
