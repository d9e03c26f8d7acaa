package tenant

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 10_000
	defaultCacheTTL  = 30 * time.Second
)

// Directory answers hot-path tenant lookups (plan, quota limit, tier)
// from a short-lived cache in front of the Store.
type Directory struct {
	store Store
	cache *expirable.LRU[string, Tenant]
	now   func() time.Time
}

// NewDirectory creates a cached lookup over store. Non-positive size or
// ttl fall back to defaults.
func NewDirectory(store Store, size int, ttl time.Duration) *Directory {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Directory{
		store: store,
		cache: expirable.NewLRU[string, Tenant](size, nil, ttl),
		now:   time.Now,
	}
}

// WithClock overrides the time source used for onboarding age.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

// Lookup returns the tenant, serving from cache when possible.
func (d *Directory) Lookup(ctx context.Context, id string) (*Tenant, error) {
	if t, ok := d.cache.Get(id); ok {
		return &t, nil
	}
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cache.Add(id, *t)
	return t, nil
}

// Invalidate drops a cached tenant after it changed.
func (d *Directory) Invalidate(id string) {
	d.cache.Remove(id)
}

// QuotaPlan returns the tenant's plan id and monthly limit. Inactive
// tenants yield ErrTenantInactive.
func (d *Directory) QuotaPlan(ctx context.Context, tenantID string) (string, int64, error) {
	t, err := d.Lookup(ctx, tenantID)
	if err != nil {
		return "", 0, err
	}
	if !t.Active() {
		return "", 0, ErrTenantInactive
	}
	return string(t.Plan), t.QuotaLimit(), nil
}

// Tier returns the tenant's rate-limit tier code.
func (d *Directory) Tier(ctx context.Context, tenantID string) (string, error) {
	t, err := d.Lookup(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.Tier(), nil
}

// DaysOnboarded returns how many whole days the tenant has been sending.
func (d *Directory) DaysOnboarded(ctx context.Context, tenantID string) (int, error) {
	t, err := d.Lookup(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return t.DaysOnboarded(d.now()), nil
}
