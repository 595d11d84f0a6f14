package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const defaultLockTTL = 30 * time.Second

var (
	// ErrLockHeld is returned when another owner holds the lock past the wait budget
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrLockLost is returned when a lease expired or was taken over
	ErrLockLost = errors.New("lock lost")
)

// Lease is proof of holding the exclusive lock on a resource until ExpiresAt.
type Lease struct {
	Resource  string
	Owner     string
	ExpiresAt time.Time
}

// Valid reports whether the lease is still usable at now
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// LockManager grants exclusive, expiring locks keyed by resource.
// Acquire returns ok=false (and no error) while any live lease exists,
// including one held by the same owner token.
type LockManager interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, bool, error)
	Release(ctx context.Context, lease *Lease) error
}

// acquireWithin polls Acquire until it succeeds or wait elapses.
// Errors from the lock manager end the wait immediately.
func acquireWithin(ctx context.Context, locks LockManager, resource, owner string, ttl, wait, poll time.Duration) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		lease, ok, err := locks.Acquire(ctx, resource, owner, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrLockHeld
			}
			return nil, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockHeld
		case <-ticker.C:
		}
	}
}

func normalizeLockTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultLockTTL
	}
	return ttl
}

func lockKey(resource string) string {
	return "intake:lock:" + resource
}

// MemoryLocks is an in-process LockManager
type MemoryLocks struct {
	mu    sync.Mutex
	held  map[string]Lease
	clock func() time.Time
}

// NewMemoryLocks creates an in-process lock manager
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{held: make(map[string]Lease), clock: time.Now}
}

func (m *MemoryLocks) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error) {
	resource, owner = strings.TrimSpace(resource), strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, errors.New("resource and owner required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[resource]; ok && now.Before(cur.ExpiresAt) {
		return nil, false, nil
	}
	lease := Lease{Resource: resource, Owner: owner, ExpiresAt: now.Add(normalizeLockTTL(ttl))}
	m.held[resource] = lease
	return &lease, true, nil
}

func (m *MemoryLocks) Renew(_ context.Context, lease *Lease, ttl time.Duration) (*Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	cur, ok := m.held[lease.Resource]
	if !ok || cur.Owner != lease.Owner || !now.Before(cur.ExpiresAt) {
		return nil, false, nil
	}
	cur.ExpiresAt = now.Add(normalizeLockTTL(ttl))
	m.held[lease.Resource] = cur
	renewed := cur
	return &renewed, true, nil
}

func (m *MemoryLocks) Release(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[lease.Resource]; ok && cur.Owner == lease.Owner {
		delete(m.held, lease.Resource)
	}
	return nil
}
