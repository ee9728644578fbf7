// Package session manages session leases: exclusive bindings of one worker to
// one isolated browser profile, and the provisioning step that materializes a
// profile into a live execution context.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// State is the lifecycle state of a Lease.
type State string

// Lease states.
const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateDead   State = "dead"
)

// Errors returned by lease transitions.
var (
	ErrLeaseBusy   = errors.New("lease is held by another owner")
	ErrLeaseDead   = errors.New("lease is dead")
	ErrNotOwner    = errors.New("caller does not own the lease")
	ErrNoSession   = errors.New("lease has no provisioned session")
	ErrNoIdleLease = errors.New("no idle lease available")
)

// Lease binds one profile to at most one active owner. A dead lease is never
// revived; replacements get a new lease for the same profile.
type Lease struct {
	mu        sync.Mutex
	id        string
	profileID string
	state     State
	owner     string
	session   collector.Session
	reason    string
}

// NewLease creates an idle lease.
func NewLease(id, profileID string) *Lease {
	return &Lease{id: id, profileID: profileID, state: StateIdle}
}

// ID returns the lease identifier.
func (l *Lease) ID() string { return l.id }

// ProfileID returns the profile bound to the lease.
func (l *Lease) ProfileID() string { return l.profileID }

// State returns the current state.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Owner returns the current owner, if any.
func (l *Lease) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// DeathReason returns why the lease was marked dead.
func (l *Lease) DeathReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Activate moves an idle lease to active for owner.
func (l *Lease) Activate(owner string) error {
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateDead:
		return ErrLeaseDead
	case StateActive:
		if l.owner == owner {
			return nil
		}
		return ErrLeaseBusy
	}
	l.state = StateActive
	l.owner = owner
	return nil
}

// Provision materializes the lease's profile into a live session. Only the
// active owner may provision, and only once.
func (l *Lease) Provision(ctx context.Context, owner string, p Provisioner) (collector.Session, error) {
	l.mu.Lock()
	if err := l.checkOwnerLocked(owner); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if l.session != nil {
		s := l.session
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	s, err := p.Provision(ctx, l.profileID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOwnerLocked(owner); err != nil {
		_ = s.Close()
		return nil, err
	}
	l.session = s
	return s, nil
}

// Session returns the provisioned session.
func (l *Lease) Session() (collector.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDead {
		return nil, ErrLeaseDead
	}
	if l.session == nil {
		return nil, ErrNoSession
	}
	return l.session, nil
}

// Release closes the session and returns the lease to idle.
func (l *Lease) Release(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOwnerLocked(owner); err != nil {
		return err
	}
	err := l.closeLocked()
	l.state = StateIdle
	l.owner = ""
	return err
}

// MarkDead discards the lease and its session. It is idempotent.
func (l *Lease) MarkDead(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDead {
		return nil
	}
	err := l.closeLocked()
	l.state = StateDead
	l.owner = ""
	l.reason = reason
	return err
}

func (l *Lease) checkOwnerLocked(owner string) error {
	switch {
	case l.state == StateDead:
		return ErrLeaseDead
	case l.state != StateActive || l.owner != owner:
		return ErrNotOwner
	}
	return nil
}

func (l *Lease) closeLocked() error {
	if l.session == nil {
		return nil
	}
	s := l.session
	l.session = nil
	if err := s.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
