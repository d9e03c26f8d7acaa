package abuse

import (
	"context"
	"sync"
	"time"
)

// CooldownIndex stores the last time each (rule, tenant) pair fired.
type CooldownIndex interface {
	// TryFire atomically records a firing at now unless the pair last fired
	// within cooldown. It reports whether the firing was recorded.
	TryFire(ctx context.Context, ruleCode, tenantID string, now time.Time, cooldown time.Duration) (bool, error)
	// LastFired returns the most recent firing, if any.
	LastFired(ctx context.Context, ruleCode, tenantID string) (time.Time, bool, error)
}

// onCooldown reports whether a pair that last fired at last is still cooling
// down at now.
func onCooldown(last, now time.Time, cooldown time.Duration) bool {
	return now.Sub(last) <= cooldown
}

func cooldownKey(ruleCode, tenantID string) string {
	return ruleCode + "|" + tenantID
}

// MemoryCooldowns is an in-process CooldownIndex.
type MemoryCooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryCooldowns creates an empty in-memory cooldown index.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{last: make(map[string]time.Time)}
}

func (m *MemoryCooldowns) TryFire(_ context.Context, ruleCode, tenantID string, now time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cooldownKey(ruleCode, tenantID)
	if last, ok := m.last[k]; ok && onCooldown(last, now, cooldown) {
		return false, nil
	}
	m.last[k] = now
	return true, nil
}

func (m *MemoryCooldowns) LastFired(_ context.Context, ruleCode, tenantID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[cooldownKey(ruleCode, tenantID)]
	return last, ok, nil
}

// PointsLedger accumulates abuse points per tenant.
type PointsLedger interface {
	Add(ctx context.Context, tenantID string, points int, at time.Time) (int64, error)
	Total(ctx context.Context, tenantID string) (int64, error)
}

// MemoryPoints is an in-process PointsLedger.
type MemoryPoints struct {
	mu     sync.Mutex
	totals map[string]int64
}

// NewMemoryPoints creates an empty in-memory points ledger.
func NewMemoryPoints() *MemoryPoints {
	return &MemoryPoints{totals: make(map[string]int64)}
}

func (m *MemoryPoints) Add(_ context.Context, tenantID string, points int, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[tenantID] += int64(points)
	return m.totals[tenantID], nil
}

func (m *MemoryPoints) Total(_ context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[tenantID], nil
}
