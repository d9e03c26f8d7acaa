// Package quota meters message consumption against per-tenant quota pools
// with a reserve → confirm/cancel/expire protocol.
//
// Available capacity is always limit − (confirmed + Σ pending, non-expired).
// The check and the insert of a reservation happen atomically per pool; the
// terminal transitions are compare-and-set on status so confirm, cancel and
// the expiry sweep can never both win for the same reservation.
package quota

import (
	"errors"
	"time"

	"github.com/mbd888/sendguard/internal/entity"
)

var (
	ErrInsufficientQuota       = errors.New("quota: insufficient quota")
	ErrDuplicateIdempotencyKey = errors.New("quota: idempotency key reused with different parameters")
	ErrInvalidTransition       = errors.New("quota: invalid status transition")
	ErrEntitySuspended         = errors.New("quota: entity suspended")
	ErrEntityBlacklisted       = errors.New("quota: entity blacklisted")
	ErrThrottled               = errors.New("quota: entity throttled")
	ErrReservationNotFound     = errors.New("quota: reservation not found")
	ErrPoolNotFound            = errors.New("quota: pool not found")
	ErrUnknownTenant           = errors.New("quota: unknown tenant")
	ErrConcurrentModification  = errors.New("quota: concurrent modification")
	ErrInvalidRequest          = errors.New("quota: invalid request")

	// errStatusChanged is returned by Store.Transition when the reservation
	// is no longer in the expected status.
	errStatusChanged = errors.New("quota: status changed")
)

// Status of a reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusExpired
}

// Reference links a reservation to the operation that triggered it.
type Reference struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Reservation is a time-bounded claim against a pool.
type Reservation struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	PlanID       string     `json:"planId"`
	Key          string     `json:"idempotencyKey"`
	Amount       int64      `json:"amount"`
	Status       Status     `json:"status"`
	Ref          Reference  `json:"ref,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ConfirmedAt  *time.Time `json:"confirmedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	ExpiredAt    *time.Time `json:"expiredAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Holds reports whether the reservation still withholds capacity at now.
func (r *Reservation) Holds(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt.After(now)
}

// matches reports whether req repeats the request that created r.
func (r *Reservation) matches(req ReserveRequest) bool {
	if req.PlanID != "" && req.PlanID != r.PlanID {
		return false
	}
	return r.TenantID == req.TenantID && r.Amount == req.Amount
}

// Pool is a tenant's quota for one plan.
type Pool struct {
	TenantID  string    `json:"tenantId"`
	PlanID    string    `json:"planId"`
	Limit     int64     `json:"limit"`
	Confirmed int64     `json:"confirmed"`
	Pending   int64     `json:"pending"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available is the capacity a new reservation may claim.
func (p Pool) Available() int64 {
	a := p.Limit - p.Confirmed - p.Pending
	if a < 0 {
		return 0
	}
	return a
}

// ReserveRequest asks for capacity.
type ReserveRequest struct {
	TenantID string
	PlanID   string // optional; resolved from the tenant's plan when empty
	Amount   int64
	Key      string
	TTL      time.Duration // optional; manager default when zero
	Ref      Reference
	// Subjects are further entities (connection, campaign) whose
	// restrictions apply to this send in addition to the tenant's.
	Subjects []entity.Ref
}

// RestrictionLevel is the strongest mitigation in force for a send.
type RestrictionLevel string

const (
	RestrictionNone        RestrictionLevel = "none"
	RestrictionThrottled   RestrictionLevel = "throttled"
	RestrictionSuspended   RestrictionLevel = "suspended"
	RestrictionBlacklisted RestrictionLevel = "blacklisted"
)

// Restriction describes the mitigation that applies to a reservation.
type Restriction struct {
	Level    RestrictionLevel
	Factor   float64 // throughput multiplier for throttled, 0 < factor ≤ 1
	ActionID string
	Entity   entity.Ref
}

// ReasonCode maps a denial error to the code reported to senders.
// It returns "" for errors that are not denials.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientQuota):
		return "insufficient_quota"
	case errors.Is(err, ErrEntityBlacklisted):
		return "entity_blacklisted"
	case errors.Is(err, ErrEntitySuspended):
		return "entity_suspended"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	default:
		return ""
	}
}
