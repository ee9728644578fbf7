package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

func TestLeaseSingleActiveOwner(t *testing.T) {
	t.Parallel()

	lease := NewLease("lease-1", "alpha")
	require.Equal(t, StateIdle, lease.State())
	require.NoError(t, lease.Activate("worker-0"))
	require.NoError(t, lease.Activate("worker-0"))
	require.ErrorIs(t, lease.Activate("worker-1"), ErrLeaseBusy)
	require.Equal(t, "worker-0", lease.Owner())

	require.NoError(t, lease.Release("worker-0"))
	require.Equal(t, StateIdle, lease.State())
	require.NoError(t, lease.Activate("worker-1"))
}

func TestLeaseConcurrentActivateHasOneWinner(t *testing.T) {
	t.Parallel()

	lease := NewLease("lease-1", "alpha")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if lease.Activate(fmt.Sprintf("w-%d", i)) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestLeaseProvisionAndMarkDead(t *testing.T) {
	t.Parallel()

	lease := NewLease("lease-1", "alpha")
	prov := &stubProvisioner{}

	_, err := lease.Provision(context.Background(), "worker-0", prov)
	require.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, lease.Activate("worker-0"))
	s, err := lease.Provision(context.Background(), "worker-0", prov)
	require.NoError(t, err)
	again, err := lease.Provision(context.Background(), "worker-0", prov)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, []string{"alpha"}, prov.profiles)

	require.NoError(t, lease.MarkDead("target closed"))
	require.Equal(t, StateDead, lease.State())
	require.Equal(t, "target closed", lease.DeathReason())
	require.True(t, s.(*stubSession).closed)
	require.ErrorIs(t, lease.Activate("worker-0"), ErrLeaseDead)
	_, err = lease.Session()
	require.ErrorIs(t, err, ErrLeaseDead)
	require.NoError(t, lease.MarkDead("again"))
	require.Equal(t, "target closed", lease.DeathReason())
}

func TestLeaseProvisionFailurePropagates(t *testing.T) {
	t.Parallel()

	lease := NewLease("lease-1", "alpha")
	require.NoError(t, lease.Activate("w"))
	_, err := lease.Provision(context.Background(), "w", &stubProvisioner{err: fmt.Errorf("%w: no chrome", collector.ErrProvision)})
	require.ErrorIs(t, err, collector.ErrProvision)
	_, err = lease.Session()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestPoolAcquireAndReplace(t *testing.T) {
	t.Parallel()

	pool, err := NewPool([]string{"alpha", "beta"}, &seqIDs{})
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())

	a, err := pool.Acquire("w0")
	require.NoError(t, err)
	b, err := pool.Acquire("w1")
	require.NoError(t, err)
	require.NotEqual(t, a.ProfileID(), b.ProfileID())
	_, err = pool.Acquire("w2")
	require.ErrorIs(t, err, ErrNoIdleLease)

	_, err = pool.Replace(b, "w1")
	require.Error(t, err, "live lease cannot be replaced")

	require.NoError(t, b.MarkDead("crash"))
	nb, err := pool.Replace(b, "w1")
	require.NoError(t, err)
	require.Equal(t, "beta", nb.ProfileID())
	require.NotEqual(t, b.ID(), nb.ID())
	require.Equal(t, StateActive, nb.State())
	require.Equal(t, StateDead, b.State())
	require.Same(t, nb, pool.Leases()[1])
}

func TestNewPoolRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewPool([]string{"alpha", "alpha"}, &seqIDs{})
	require.True(t, collector.IsConfiguration(err))
	_, err = NewPool(nil, &seqIDs{})
	require.True(t, collector.IsConfiguration(err))
}

type stubProvisioner struct {
	mu       sync.Mutex
	profiles []string
	err      error
}

func (p *stubProvisioner) Provision(_ context.Context, profileID string) (collector.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = append(p.profiles, profileID)
	if p.err != nil {
		return nil, p.err
	}
	return &stubSession{profileDir: profileID}, nil
}

type stubSession struct {
	profileDir string
	closed     bool
}

func (s *stubSession) Navigate(context.Context, string) error { return nil }
func (s *stubSession) Reload(context.Context) error { return nil }
func (s *stubSession) Location(context.Context) (string, error) { return "", nil }
func (s *stubSession) Evaluate(context.Context, string, any) error { return nil }
func (s *stubSession) DocumentStatus() int { return 0 }
func (s *stubSession) Err() error { return nil }

func (s *stubSession) Close() error {
	s.closed = true
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
	return fmt.Sprintf("lease-%d", g.n), nil
}

var errLaunch = errors.New("chrome failed to start")
