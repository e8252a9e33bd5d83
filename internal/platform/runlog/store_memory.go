package runlog

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps the most recent runs in process memory. It is used when
// no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	max     int
	entries map[uuid.UUID]Entry
	order   []uuid.UUID
}

// NewMemoryStore keeps at most max entries, evicting the oldest recorded.
// A non-positive max keeps 1000.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max, entries: make(map[uuid.UUID]Entry)}
}

func (s *MemoryStore) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.ID]; !exists {
		s.order = append(s.order, e.ID)
	}
	s.entries[e.ID] = e
	for len(s.order) > s.max {
		delete(s.entries, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, cohortID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	var out []Entry
	for _, e := range s.entries {
		if cohortID == "" || e.CohortID == cohortID {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	if offset > 0 {
		out = out[offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
