package action

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sendguard/internal/entity"
)

// MemoryStore is an in-memory action store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]*Action
	active  map[string]string // entity key + type → action id
}

// NewMemoryStore creates a new in-memory action store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*Action),
		active:  make(map[string]string),
	}
}

func activeKey(ref entity.Ref, t Type) string {
	return ref.Key() + "/" + string(t)
}

func (m *MemoryStore) Create(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := activeKey(a.Entity, a.Type)
	if _, ok := m.active[k]; ok {
		return ErrDuplicateActive
	}
	m.actions[a.ID] = cloneAction(a)
	m.active[k] = a.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return cloneAction(a), nil
}

func (m *MemoryStore) GetActive(_ context.Context, ref entity.Ref, t Type) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[activeKey(ref, t)]
	if !ok {
		return nil, ErrActionNotFound
	}
	return cloneAction(m.actions[id]), nil
}

func (m *MemoryStore) ListActive(_ context.Context, refs []entity.Ref) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[entity.Ref]struct{}, len(refs))
	for _, r := range refs {
		want[r] = struct{}{}
	}
	var out []*Action
	for _, id := range m.active {
		a := m.actions[id]
		if _, ok := want[a.Entity]; ok {
			out = append(out, cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out, nil
}

func (m *MemoryStore) ListByEntity(_ context.Context, ref entity.Ref, limit int) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Action
	for _, a := range m.actions {
		if a.Entity == ref {
			out = append(out, cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Action
	for _, id := range m.active {
		a := m.actions[id]
		if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			out = append(out, cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) End(_ context.Context, id string, to Status, at time.Time, f Finish) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	if a.Status != StatusActive {
		return cloneAction(a), errStatusChanged
	}
	applyFinish(a, to, at, f)
	delete(m.active, activeKey(a.Entity, a.Type))
	return cloneAction(a), nil
}
