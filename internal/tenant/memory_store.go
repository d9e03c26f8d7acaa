package tenant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps tenants in process memory. Returned values are copies.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Tenant
	bySlug map[string]string
}

// NewMemoryStore creates an empty in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Tenant),
		bySlug: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.bySlug[t.Slug]; taken {
		return ErrSlugTaken
	}
	m.byID[t.ID] = *t
	m.bySlug[t.Slug] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

func (m *MemoryStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	m.mu.RLock()
	id, ok := m.bySlug[slug]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTenantNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.byID[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	upd := *t
	upd.Slug = old.Slug
	upd.CreatedAt = old.CreatedAt
	m.byID[t.ID] = upd
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Tenant, error) {
	m.mu.RLock()
	out := make([]*Tenant, 0, len(m.byID))
	for _, t := range m.byID {
		if f.matches(&t) {
			cp := t
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
