package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sendguard/internal/syncutil"
)

// MemoryStore is an in-memory quota store for tests and demo mode.
// Every mutation of a pool, including transitions of its reservations, runs
// under that pool's lock; pools never contend with each other.
type MemoryStore struct {
	poolLocks *syncutil.KeyedMutex

	mu           sync.RWMutex
	pools        map[string]*Pool
	reservations map[string]*Reservation // by key
	byID         map[string]string       // id -> key
	byPool       map[string][]string     // pool key -> reservation keys
}

// NewMemoryStore creates a new in-memory quota store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		poolLocks:    syncutil.NewKeyedMutex(),
		pools:        make(map[string]*Pool),
		reservations: make(map[string]*Reservation),
		byID:         make(map[string]string),
		byPool:       make(map[string][]string),
	}
}

func poolKey(tenantID, planID string) string {
	return tenantID + "/" + planID
}

func (m *MemoryStore) EnsurePool(ctx context.Context, tenantID, planID string, limit int64, now time.Time) error {
	pk := poolKey(tenantID, planID)
	unlock, err := m.poolLocks.LockContext(ctx, pk)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[pk]; ok {
		if p.Limit != limit {
			p.Limit = limit
			p.UpdatedAt = now
		}
		return nil
	}
	m.pools[pk] = &Pool{TenantID: tenantID, PlanID: planID, Limit: limit, UpdatedAt: now}
	return nil
}

func (m *MemoryStore) GetPool(_ context.Context, tenantID, planID string, now time.Time) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pk := poolKey(tenantID, planID)
	p, ok := m.pools[pk]
	if !ok {
		return nil, ErrPoolNotFound
	}
	cp := *p
	cp.Pending = m.pendingLocked(pk, now)
	return &cp, nil
}

// pendingLocked sums pending, non-expired reservations. Caller holds m.mu.
func (m *MemoryStore) pendingLocked(pk string, now time.Time) int64 {
	var sum int64
	for _, key := range m.byPool[pk] {
		if r := m.reservations[key]; r.Holds(now) {
			sum += r.Amount
		}
	}
	return sum
}

func (m *MemoryStore) Reserve(ctx context.Context, r *Reservation, now time.Time) (*Reservation, bool, error) {
	if existing, err := m.GetByKey(ctx, r.Key); err == nil {
		return existing, false, nil
	}

	pk := poolKey(r.TenantID, r.PlanID)
	unlock, err := m.poolLocks.LockContext(ctx, pk)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Keys are global, so a reservation for another pool may have landed
	// since the unlocked check.
	if existing, ok := m.reservations[r.Key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	p, ok := m.pools[pk]
	if !ok {
		return nil, false, ErrPoolNotFound
	}
	if p.Limit-p.Confirmed-m.pendingLocked(pk, now) < r.Amount {
		return nil, false, ErrInsufficientQuota
	}

	cp := *r
	m.reservations[r.Key] = &cp
	m.byID[r.ID] = r.Key
	m.byPool[pk] = append(m.byPool[pk], r.Key)
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Transition(ctx context.Context, key string, from, to Status, at time.Time, reason string) (*Reservation, error) {
	m.mu.RLock()
	r, ok := m.reservations[key]
	var pk string
	if ok {
		pk = poolKey(r.TenantID, r.PlanID)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrReservationNotFound
	}

	unlock, err := m.poolLocks.LockContext(ctx, pk)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status != from {
		cp := *r
		return &cp, errStatusChanged
	}
	stampTransition(r, to, at, reason)
	if to == StatusConfirmed {
		if p, ok := m.pools[pk]; ok {
			p.Confirmed += r.Amount
			p.UpdatedAt = at
		}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByKey(_ context.Context, key string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[key]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	key, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrReservationNotFound
	}
	return m.GetByKey(ctx, key)
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Reservation
	for _, r := range m.reservations {
		if r.Status == StatusPending && r.ExpiresAt.Before(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Reservation
	for _, r := range m.reservations {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
