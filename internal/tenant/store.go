package tenant

import "context"

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status Status
	Plan   Plan
	Limit  int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}

func (f ListFilter) matches(t *Tenant) bool {
	return (f.Status == "" || t.Status == f.Status) && (f.Plan == "" || t.Plan == f.Plan)
}

// Store persists tenants. Slugs are unique; Update never changes a slug.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// List returns tenants newest first.
	List(ctx context.Context, f ListFilter) ([]*Tenant, error)
}
