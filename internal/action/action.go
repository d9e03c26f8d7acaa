// Package action applies and retires mitigations against risky entities.
//
// An action moves (none) → active → {expired, revoked, escalated} and never
// returns to active; re-applying creates a new row so history is kept.
package action

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/risk"
)

var (
	ErrActionNotFound    = errors.New("action: not found")
	ErrInvalidTransition = errors.New("action: invalid transition")
	ErrInvalidAction     = errors.New("action: invalid action")
	ErrNoEscalation      = errors.New("action: no stricter action available")
	ErrDuplicateActive   = errors.New("action: active action already exists")

	errStatusChanged = errors.New("action: status changed")
)

// Type is the kind of mitigation.
type Type string

const (
	TypeNotify       Type = "notify"
	TypeThrottle     Type = "throttle"
	TypePause        Type = "pause"
	TypeSuspend      Type = "suspend"
	TypeBlacklist    Type = "blacklist"
	TypeWhitelist    Type = "whitelist"
	TypeManualReview Type = "manual_review"
)

// escalation lists mitigating types from mildest to strictest.
var escalation = []Type{TypeNotify, TypeThrottle, TypePause, TypeSuspend, TypeBlacklist}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeNotify, TypeThrottle, TypePause, TypeSuspend, TypeBlacklist, TypeWhitelist, TypeManualReview:
		return true
	}
	return false
}

// rank is the position in the escalation chain, or -1 outside it.
func (t Type) rank() int {
	for i, e := range escalation {
		if e == t {
			return i
		}
	}
	return -1
}

// Next returns the next stricter type in the escalation chain.
func (t Type) Next() (Type, bool) {
	r := t.rank()
	if r < 0 || r == len(escalation)-1 {
		return "", false
	}
	return escalation[r+1], true
}

// StricterThan reports whether t ranks above other in the escalation chain.
func (t Type) StricterThan(other Type) bool {
	return t.rank() > other.rank() && other.rank() >= 0
}

// Status of an action.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusEscalated Status = "escalated"
)

// DefaultThrottleFactor is the share of tier throughput a throttled entity
// keeps when the action carries no factor parameter.
const DefaultThrottleFactor = 0.5

// Action is one mitigation, current or historical.
type Action struct {
	ID              string             `json:"id"`
	Entity          entity.Ref         `json:"entity"`
	TenantID        string             `json:"tenantId"`
	Type            Type               `json:"type"`
	Reason          string             `json:"reason"`
	ScoreAtAction   float64            `json:"scoreAtAction"`
	LevelAtAction   risk.Level         `json:"riskLevelAtAction"`
	Params          map[string]float64 `json:"params,omitempty"`
	Status          Status             `json:"status"`
	AppliedBy       string             `json:"appliedBy,omitempty"`
	AppliedAt       time.Time          `json:"appliedAt"`
	ExpiresAt       *time.Time         `json:"expiresAt,omitempty"`
	RevokedAt       *time.Time         `json:"revokedAt,omitempty"`
	RevokedBy       string             `json:"revokedBy,omitempty"`
	RevokeReason    string             `json:"revokeReason,omitempty"`
	EndedAt         *time.Time         `json:"endedAt,omitempty"`
	EscalatedTo     string             `json:"escalatedTo,omitempty"`
	WasEffective    *bool              `json:"wasEffective,omitempty"`
	PostActionScore *float64           `json:"postActionScore,omitempty"`
}

// IsActive reports whether the action is in force at now.
func (a *Action) IsActive(now time.Time) bool {
	return a.Status == StatusActive && (a.ExpiresAt == nil || a.ExpiresAt.After(now))
}

// IsActive reports whether a is in force at now. A nil action is not.
func IsActive(a *Action, now time.Time) bool {
	return a != nil && a.IsActive(now)
}

// Factor returns the throttle factor, defaulting when unset or out of range.
func (a *Action) Factor() float64 {
	if f, ok := a.Params["factor"]; ok && f > 0 && f <= 1 {
		return f
	}
	return DefaultThrottleFactor
}

// ApplyRequest describes a mitigation to put in force.
type ApplyRequest struct {
	Entity    entity.Ref
	TenantID  string
	Type      Type
	Reason    string
	Params    map[string]float64
	Duration  time.Duration // zero means open-ended
	AppliedBy string
}

// Finish carries the fields written when an action leaves active.
type Finish struct {
	RevokedBy       string
	RevokeReason    string
	EscalatedTo     string
	WasEffective    *bool
	PostActionScore *float64
}

// Store persists actions.
type Store interface {
	// Create inserts an active action; ErrDuplicateActive when the entity
	// already has an active action of the same type.
	Create(ctx context.Context, a *Action) error
	Get(ctx context.Context, id string) (*Action, error)
	GetActive(ctx context.Context, ref entity.Ref, t Type) (*Action, error)
	ListActive(ctx context.Context, refs []entity.Ref) ([]*Action, error)
	ListByEntity(ctx context.Context, ref entity.Ref, limit int) ([]*Action, error)
	// ListDue returns active actions whose expiry is before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Action, error)
	// End moves an active action to status. When the action is no longer
	// active it returns the current row and errStatusChanged.
	End(ctx context.Context, id string, to Status, at time.Time, f Finish) (*Action, error)
}

func applyFinish(a *Action, to Status, at time.Time, f Finish) {
	a.Status = to
	t := at
	a.EndedAt = &t
	switch to {
	case StatusRevoked:
		a.RevokedAt = &t
		a.RevokedBy = f.RevokedBy
		a.RevokeReason = f.RevokeReason
	case StatusEscalated:
		a.EscalatedTo = f.EscalatedTo
	}
	if f.WasEffective != nil {
		v := *f.WasEffective
		a.WasEffective = &v
	}
	if f.PostActionScore != nil {
		v := *f.PostActionScore
		a.PostActionScore = &v
	}
}

func cloneAction(a *Action) *Action {
	cp := *a
	if a.Params != nil {
		cp.Params = make(map[string]float64, len(a.Params))
		for k, v := range a.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}
