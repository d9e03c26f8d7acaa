package audit

import (
	"context"
	"sync"

	"github.com/mbd888/sendguard/internal/entity"
)

// MemoryStore is an in-memory audit store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	ids     map[string]struct{}
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (m *MemoryStore) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[r.id]; ok {
		return ErrDuplicateRecord
	}
	m.ids[r.id] = struct{}{}
	m.records = append(m.records, r)
	return nil
}

// ListByEntity returns the newest records first.
func (m *MemoryStore) ListByEntity(_ context.Context, ref entity.Ref, limit int) ([]Record, error) {
	return m.filter(limit, func(r Record) bool { return r.entity == ref }), nil
}

// ListByTenant returns the newest records first.
func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, limit int) ([]Record, error) {
	return m.filter(limit, func(r Record) bool { return r.tenantID == tenantID }), nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) filter(limit int, keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep(m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out
}
