package ledger

import (
	"context"
	"sync"

	"github.com/splax/launchpad/internal/domain"
)

// Mutation is one atomic ledger write: an optional record upsert, records to
// drop and the stats snapshot that results from both.
type Mutation struct {
	Upsert *domain.Deployment
	Evict  []string
	Stats  domain.Stats
}

// Store persists ledger state. Commit must apply a mutation atomically.
type Store interface {
	Load(ctx context.Context) ([]domain.Deployment, *domain.Stats, error)
	Commit(ctx context.Context, m Mutation) error
}

// MemoryStore keeps ledger state in process; used in development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.Deployment
	stats   *domain.Stats
	commits int
	failOn  error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.Deployment)}
}

// Load returns stored records in creation order.
func (s *MemoryStore) Load(context.Context) ([]domain.Deployment, *domain.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployment, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sortByCreation(out)
	if s.stats == nil {
		return out, nil, nil
	}
	stats := s.stats.Clone()
	return out, &stats, nil
}

// Commit applies m.
func (s *MemoryStore) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil {
		return s.failOn
	}
	if m.Upsert != nil {
		s.records[m.Upsert.ID] = *m.Upsert
	}
	for _, id := range m.Evict {
		delete(s.records, id)
	}
	stats := m.Stats.Clone()
	s.stats = &stats
	s.commits++
	return nil
}

// FailWith makes subsequent commits return err; nil restores normal behaviour.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.failOn = err
	s.mu.Unlock()
}

// Len reports how many records are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
