// Package risk keeps a running abuse-risk score per entity.
//
// Scores move only through signals, decay and operator adjustments, and
// every move is appended as an Event. The newest event of an entity always
// carries the entity's current score.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/idgen"
)

var (
	ErrConfigurationGap       = errors.New("risk: no risk factor configured for signal")
	ErrConcurrentModification = errors.New("risk: score modified concurrently")
	ErrScoreNotFound          = errors.New("risk: score not found")
	ErrInvalidSignal          = errors.New("risk: invalid signal")
)

const (
	MinScore = 0.0
	MaxScore = 100.0

	// MinDecayDelta is the smallest decay worth recording.
	MinDecayDelta = 0.01
)

// Level is the band a score falls into.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor maps a score to its band.
func LevelFor(score float64) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelMedium
	case score < 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Severity grades the size of a single score change.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor buckets |delta|.
func SeverityFor(delta float64) Severity {
	d := math.Abs(delta)
	switch {
	case d >= 20:
		return SeverityCritical
	case d >= 10:
		return SeverityHigh
	case d >= 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// EventType says what moved the score.
type EventType string

const (
	EventFailure EventType = "failure"
	EventReject  EventType = "reject"
	EventBlock   EventType = "block"
	EventSpike   EventType = "spike"
	EventAbuse   EventType = "abuse"
	EventSignal  EventType = "signal"
	EventDecay   EventType = "decay"
	EventManual  EventType = "manual"
)

var factorEventTypes = map[string]EventType{
	"failure_ratio":    EventFailure,
	"reject_ratio":     EventReject,
	"spam_reports":     EventBlock,
	"off_hours_volume": EventSpike,
	"template_abuse":   EventAbuse,
}

// EventTypeForFactor returns the event type recorded for a factor code.
func EventTypeForFactor(code string) EventType {
	if t, ok := factorEventTypes[code]; ok {
		return t
	}
	return EventSignal
}

// Signal is one observation about an entity.
type Signal struct {
	Entity   entity.Ref
	TenantID string
	Factor   string
	Value    float64
	SourceID string
}

// Score is the current aggregate for one entity.
type Score struct {
	Entity    entity.Ref `json:"entity"`
	TenantID  string     `json:"tenantId"`
	Value     float64    `json:"score"`
	Level     Level      `json:"level"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// EventInput carries everything NewEvent needs. Severity is not part of it:
// an event's severity is always derived from its delta.
type EventInput struct {
	Entity     entity.Ref
	TenantID   string
	Type       EventType
	FactorCode string
	Observed   float64
	Before     float64
	After      float64
	SourceID   string
	OccurredAt time.Time
}

// Event is an immutable record of one score change.
type Event struct {
	id         string
	entity     entity.Ref
	tenantID   string
	eventType  EventType
	factorCode string
	observed   float64
	before     float64
	after      float64
	delta      float64
	severity   Severity
	sourceID   string
	occurredAt time.Time
}

// NewEvent builds an event, deriving delta and severity.
func NewEvent(in EventInput) Event {
	delta := round2(in.After - in.Before)
	return Event{
		id:         idgen.WithPrefix(idgen.RiskEvent),
		entity:     in.Entity,
		tenantID:   in.TenantID,
		eventType:  in.Type,
		factorCode: in.FactorCode,
		observed:   in.Observed,
		before:     in.Before,
		after:      in.After,
		delta:      delta,
		severity:   SeverityFor(delta),
		sourceID:   in.SourceID,
		occurredAt: in.OccurredAt.UTC(),
	}
}

// restoreEvent rebuilds a persisted event without re-deriving anything.
func restoreEvent(id string, in EventInput, delta float64, severity Severity) Event {
	return Event{
		id:         id,
		entity:     in.Entity,
		tenantID:   in.TenantID,
		eventType:  in.Type,
		factorCode: in.FactorCode,
		observed:   in.Observed,
		before:     in.Before,
		after:      in.After,
		delta:      delta,
		severity:   severity,
		sourceID:   in.SourceID,
		occurredAt: in.OccurredAt,
	}
}

func (e Event) ID() string            { return e.id }
func (e Event) Entity() entity.Ref    { return e.entity }
func (e Event) TenantID() string      { return e.tenantID }
func (e Event) Type() EventType       { return e.eventType }
func (e Event) FactorCode() string    { return e.factorCode }
func (e Event) Observed() float64     { return e.observed }
func (e Event) Before() float64       { return e.before }
func (e Event) After() float64        { return e.after }
func (e Event) Delta() float64        { return e.delta }
func (e Event) Severity() Severity    { return e.severity }
func (e Event) SourceID() string      { return e.sourceID }
func (e Event) OccurredAt() time.Time { return e.occurredAt }

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID         string     `json:"id"`
		Entity     entity.Ref `json:"entity"`
		TenantID   string     `json:"tenantId"`
		Type       EventType  `json:"type"`
		FactorCode string     `json:"factorCode,omitempty"`
		Observed   float64    `json:"observedValue"`
		Before     float64    `json:"scoreBefore"`
		After      float64    `json:"scoreAfter"`
		Delta      float64    `json:"delta"`
		Severity   Severity   `json:"severity"`
		SourceID   string     `json:"sourceId,omitempty"`
		OccurredAt time.Time  `json:"occurredAt"`
	}{e.id, e.entity, e.tenantID, e.eventType, e.factorCode, e.observed, e.before, e.after, e.delta, e.severity, e.sourceID, e.occurredAt})
}

// Store persists scores and their events.
type Store interface {
	// GetScore returns ErrScoreNotFound for entities never scored.
	GetScore(ctx context.Context, ref entity.Ref) (*Score, error)
	// Save writes next and appends ev atomically, provided the stored
	// version still equals prevVersion (0 for a new score). Otherwise it
	// returns ErrConcurrentModification and writes nothing.
	Save(ctx context.Context, next *Score, prevVersion int64, ev Event) error
	// ListEvents returns the newest events first.
	ListEvents(ctx context.Context, ref entity.Ref, limit int) ([]Event, error)
	// ListDecayable returns non-zero scores last updated before cutoff,
	// oldest first.
	ListDecayable(ctx context.Context, cutoff time.Time, limit int) ([]*Score, error)
}

func clamp(v float64) float64 {
	return math.Min(MaxScore, math.Max(MinScore, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
