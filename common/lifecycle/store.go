package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/imageintake/common/models"
)

var (
	ErrNotFound = errors.New("cleanup state not found")
	ErrExists   = errors.New("cleanup state already exists")
)

// StateStore persists CleanupState records (table upload_cleanup_state).
// Reads never take a lock; every write goes through the Machine, which
// holds the job lock.
type StateStore interface {
	Create(ctx context.Context, state *models.CleanupState) error
	Get(ctx context.Context, jobID string) (*models.CleanupState, error)
	Update(ctx context.Context, state *models.CleanupState) error
	Delete(ctx context.Context, jobID string) error

	// ListDue returns records needing sweeper attention at now: live jobs
	// past ExpiresAt and terminal jobs past PurgeAfter.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.CleanupState, error)

	// ActiveKeys returns the quarantine keys referenced by any record.
	ActiveKeys(ctx context.Context) (map[string]bool, error)
}

// isDue is the ListDue predicate shared by every store.
func isDue(s *models.CleanupState, now time.Time) bool {
	if s.State.Terminal() {
		return s.PurgeAfter != nil && !s.PurgeAfter.After(now)
	}
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// MemoryStore keeps state in process. Used by tests and single-process
// deployments without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.CleanupState
}

// NewMemoryStore creates an empty in-memory state store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.CleanupState)}
}

func (m *MemoryStore) Create(_ context.Context, state *models.CleanupState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[state.JobID]; ok {
		return ErrExists
	}
	m.records[state.JobID] = cloneState(state)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*models.CleanupState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(s), nil
}

func (m *MemoryStore) Update(_ context.Context, state *models.CleanupState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[state.JobID]; !ok {
		return ErrNotFound
	}
	m.records[state.JobID] = cloneState(state)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, jobID)
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*models.CleanupState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CleanupState
	for _, s := range m.records {
		if isDue(s, now) {
			out = append(out, cloneState(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveKeys(_ context.Context) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make(map[string]bool, len(m.records))
	for _, s := range m.records {
		keys[s.ArtifactKey] = true
	}
	return keys, nil
}

func cloneState(s *models.CleanupState) *models.CleanupState {
	c := *s
	if s.PurgeAfter != nil {
		t := *s.PurgeAfter
		c.PurgeAfter = &t
	}
	return &c
}
