// Package lease provides the time-bounded exclusive execution right
// that guarantees at most one coordinator acts on an environment.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLeaseUnavailable means another holder owns an unexpired lease.
	ErrLeaseUnavailable = errors.New("lease: unavailable, held by another coordinator")

	// ErrLeaseLost means the caller no longer holds the lease it is
	// trying to renew or release.
	ErrLeaseLost = errors.New("lease: lost")
)

// Lease is one granted execution right.
type Lease struct {
	Environment string
	Holder      string
	Token       string // fencing token, unique per grant
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Store grants, renews and releases leases. Implementations must make
// Acquire atomic: exactly one of any number of concurrent callers wins.
type Store interface {
	// Acquire grants the environment lease to holder for ttl, or
	// returns ErrLeaseUnavailable when an unexpired lease exists.
	// An expired lease may be taken over.
	Acquire(ctx context.Context, environment, holder string, ttl time.Duration) (*Lease, error)

	// Renew extends the lease. Returns ErrLeaseLost when the token no
	// longer matches the stored grant or the grant expired.
	Renew(ctx context.Context, l *Lease, ttl time.Duration) error

	// Release drops the lease. Returns ErrLeaseLost when the token no
	// longer matches.
	Release(ctx context.Context, l *Lease) error

	// Current returns the active lease for an environment, or nil.
	Current(ctx context.Context, environment string) (*Lease, error)
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]*Lease
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]*Lease),
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, environment, holder string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// A holder may take over its own unexpired lease: a restarted
	// controller must not wait out its previous incarnation's TTL.
	if cur, ok := s.leases[environment]; ok && cur.ExpiresAt.After(now) && cur.Holder != holder {
		return nil, ErrLeaseUnavailable
	}

	l := &Lease{
		Environment: environment,
		Holder:      holder,
		Token:       uuid.New().String(),
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	s.leases[environment] = l

	cp := *l
	return &cp, nil
}

// Renew implements Store.
func (s *MemoryStore) Renew(_ context.Context, l *Lease, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[l.Environment]
	if !ok || cur.Token != l.Token || !cur.ExpiresAt.After(now) {
		return ErrLeaseLost
	}
	cur.ExpiresAt = now.Add(ttl)
	l.ExpiresAt = cur.ExpiresAt
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, l *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[l.Environment]
	if !ok || cur.Token != l.Token {
		return ErrLeaseLost
	}
	delete(s.leases, l.Environment)
	return nil
}

// Current implements Store.
func (s *MemoryStore) Current(_ context.Context, environment string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[environment]
	if !ok || !cur.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	cp := *cur
	return &cp, nil
}
