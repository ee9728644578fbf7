package session

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Pool hands out one lease per profile.
type Pool struct {
	mu     sync.Mutex
	ids    collector.IDGenerator
	order  []string
	leases map[string]*Lease
}

// NewPool creates idle leases for each profile.
func NewPool(profiles []string, ids collector.IDGenerator) (*Pool, error) {
	if len(profiles) == 0 {
		return nil, collector.Configf("at least one profile is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	p := &Pool{ids: ids, leases: make(map[string]*Lease, len(profiles))}
	for _, profile := range profiles {
		if _, dup := p.leases[profile]; dup {
			return nil, collector.Configf("duplicate profile %q", profile)
		}
		lease, err := p.newLease(profile)
		if err != nil {
			return nil, err
		}
		p.order = append(p.order, profile)
		p.leases[profile] = lease
	}
	return p, nil
}

// Size returns the number of profiles in the pool.
func (p *Pool) Size() int {
	return len(p.order)
}

// Acquire activates the first idle lease for owner.
func (p *Pool) Acquire(owner string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, profile := range p.order {
		lease := p.leases[profile]
		if lease.State() != StateIdle {
			continue
		}
		if err := lease.Activate(owner); err != nil {
			continue
		}
		return lease, nil
	}
	return nil, ErrNoIdleLease
}

// Replace swaps a dead lease for a fresh idle lease on the same profile and
// activates it for owner.
func (p *Pool) Replace(dead *Lease, owner string) (*Lease, error) {
	if dead == nil {
		return nil, fmt.Errorf("lease is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.leases[dead.ProfileID()]
	if !ok || current != dead {
		return nil, fmt.Errorf("lease %s does not belong to this pool", dead.ID())
	}
	if dead.State() != StateDead {
		return nil, fmt.Errorf("lease %s is %s, not dead", dead.ID(), dead.State())
	}
	lease, err := p.newLease(dead.ProfileID())
	if err != nil {
		return nil, err
	}
	if err := lease.Activate(owner); err != nil {
		return nil, err
	}
	p.leases[dead.ProfileID()] = lease
	return lease, nil
}

// Leases returns the current lease for every profile in pool order.
func (p *Pool) Leases() []*Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Lease, 0, len(p.order))
	for _, profile := range p.order {
		out = append(out, p.leases[profile])
	}
	return out
}

func (p *Pool) newLease(profile string) (*Lease, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("lease id: %w", err)
	}
	return NewLease(id, profile), nil
}
