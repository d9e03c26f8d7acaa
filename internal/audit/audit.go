// Package audit is the append-only trail shared by quota, risk, abuse and
// action components.
//
// Records are values with no mutators: they are built once by NewRecord and
// can only be read, serialised or appended.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/idgen"
)

var (
	ErrAuditUnavailable = errors.New("audit: log unavailable")
	ErrDuplicateRecord  = errors.New("audit: record already appended")
	ErrInvalidRecord    = errors.New("audit: invalid record")
)

// Kind classifies an audit record.
type Kind string

const (
	KindRiskEvent     Kind = "risk_event"
	KindRiskAction    Kind = "risk_action"
	KindReservation   Kind = "reservation"
	KindRuleViolation Kind = "rule_violation"
)

func (k Kind) valid() bool {
	switch k {
	case KindRiskEvent, KindRiskAction, KindReservation, KindRuleViolation:
		return true
	}
	return false
}

// Record is one immutable audit entry.
type Record struct {
	id         string
	kind       Kind
	tenantID   string
	entity     entity.Ref
	action     string
	payload    json.RawMessage
	occurredAt time.Time
}

// NewRecord builds a record. payload is marshalled to JSON immediately so
// later changes to the source value are not reflected.
func NewRecord(kind Kind, tenantID string, ref entity.Ref, action string, payload any, occurredAt time.Time) (Record, error) {
	if !kind.valid() {
		return Record{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, kind)
	}
	if action == "" {
		return Record{}, fmt.Errorf("%w: empty action", ErrInvalidRecord)
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Record{}, fmt.Errorf("%w: payload: %v", ErrInvalidRecord, err)
		}
		raw = b
	}
	return Record{
		id:         idgen.WithPrefix(idgen.Audit),
		kind:       kind,
		tenantID:   tenantID,
		entity:     ref,
		action:     action,
		payload:    raw,
		occurredAt: occurredAt.UTC(),
	}, nil
}

// restore rebuilds a record read back from storage.
func restore(id string, kind Kind, tenantID string, ref entity.Ref, action string, payload []byte, occurredAt time.Time) Record {
	return Record{
		id:         id,
		kind:       kind,
		tenantID:   tenantID,
		entity:     ref,
		action:     action,
		payload:    append(json.RawMessage(nil), payload...),
		occurredAt: occurredAt.UTC(),
	}
}

func (r Record) ID() string            { return r.id }
func (r Record) Kind() Kind            { return r.kind }
func (r Record) TenantID() string      { return r.tenantID }
func (r Record) Entity() entity.Ref    { return r.entity }
func (r Record) Action() string        { return r.action }
func (r Record) OccurredAt() time.Time { return r.occurredAt }

// Payload returns a copy of the JSON payload.
func (r Record) Payload() json.RawMessage {
	return append(json.RawMessage(nil), r.payload...)
}

type recordJSON struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	TenantID   string          `json:"tenantId,omitempty"`
	Entity     entity.Ref      `json:"entity"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:         r.id,
		Kind:       r.kind,
		TenantID:   r.tenantID,
		Entity:     r.entity,
		Action:     r.action,
		Payload:    r.payload,
		OccurredAt: r.occurredAt,
	})
}
