package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sendguard/internal/entity"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]*Score
	events map[string][]Event // entity key → events, oldest first
}

// NewMemoryStore creates an in-memory risk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores: make(map[string]*Score),
		events: make(map[string][]Event),
	}
}

func (s *MemoryStore) GetScore(_ context.Context, ref entity.Ref) (*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[ref.Key()]
	if !ok {
		return nil, ErrScoreNotFound
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, next *Score, prevVersion int64, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := next.Entity.Key()
	var current int64
	if sc, ok := s.scores[key]; ok {
		current = sc.Version
	}
	if current != prevVersion {
		return ErrConcurrentModification
	}
	cp := *next
	s.scores[key] = &cp
	s.events[key] = append(s.events[key], ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, ref entity.Ref, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[ref.Key()]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	result := make([]Event, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (s *MemoryStore) ListDecayable(_ context.Context, cutoff time.Time, limit int) ([]*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Score
	for _, sc := range s.scores {
		if sc.Value > 0 && sc.UpdatedAt.Before(cutoff) {
			cp := *sc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
