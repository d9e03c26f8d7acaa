package quota

import (
	"context"
	"time"
)

// Store persists pools and reservations.
type Store interface {
	// EnsurePool creates the pool or updates its limit.
	EnsurePool(ctx context.Context, tenantID, planID string, limit int64, now time.Time) error
	// GetPool returns the pool with Pending computed at now.
	GetPool(ctx context.Context, tenantID, planID string, now time.Time) (*Pool, error)

	// Reserve atomically checks capacity and inserts r as pending. If a
	// reservation with r.Key already exists it is returned with created=false
	// and nothing is written.
	Reserve(ctx context.Context, r *Reservation, now time.Time) (res *Reservation, created bool, err error)

	// Transition moves a reservation from one status to another if and only
	// if it is still in from. Confirming adds the amount to the pool's
	// confirmed usage in the same atomic step. When the status no longer
	// matches, the current record is returned with errStatusChanged.
	Transition(ctx context.Context, key string, from, to Status, at time.Time, reason string) (*Reservation, error)

	GetByKey(ctx context.Context, key string) (*Reservation, error)
	GetByID(ctx context.Context, id string) (*Reservation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Reservation, error)
}

func stampTransition(r *Reservation, to Status, at time.Time, reason string) {
	r.Status = to
	r.UpdatedAt = at
	t := at
	switch to {
	case StatusConfirmed:
		r.ConfirmedAt = &t
	case StatusCancelled:
		r.CancelledAt = &t
		r.CancelReason = reason
	case StatusExpired:
		r.ExpiredAt = &t
	}
}
