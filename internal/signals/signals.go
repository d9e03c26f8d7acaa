// Package signals ingests delivery and abuse signals and feeds them to
// the risk engine and the abuse rule evaluator.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sendguard/internal/abuse"
	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/risk"
)

var (
	ErrInvalidSignal   = errors.New("signals: invalid signal")
	ErrQueueFull       = errors.New("signals: ingestion queue full")
	ErrPipelineStopped = errors.New("signals: pipeline stopped")
)

// Signal is the ingestion wire format shared by the HTTP and Kafka paths.
type Signal struct {
	EntityType string             `json:"entityType"`
	EntityID   string             `json:"entityId"`
	TenantID   string             `json:"tenantId"`
	SignalType string             `json:"signalType"`
	Value      float64            `json:"value"`
	Context    map[string]float64 `json:"context,omitempty"`
	SourceID   string             `json:"sourceId,omitempty"`
	OccurredAt time.Time          `json:"occurredAt,omitempty"`
}

// Ref parses and validates the signal's entity reference.
func (s Signal) Ref() (entity.Ref, error) {
	ref, err := entity.Parse(s.EntityType, s.EntityID)
	if err != nil {
		return entity.Ref{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	return ref, nil
}

// Validate checks the fields every consumer needs.
func (s Signal) Validate() error {
	if _, err := s.Ref(); err != nil {
		return err
	}
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidSignal)
	}
	if s.SignalType == "" {
		return fmt.Errorf("%w: signalType is required", ErrInvalidSignal)
	}
	return nil
}

func (s Signal) riskSignal(ref entity.Ref) risk.Signal {
	return risk.Signal{
		Entity:   ref,
		TenantID: s.TenantID,
		Factor:   s.SignalType,
		Value:    s.Value,
		SourceID: s.SourceID,
	}
}

func (s Signal) abuseSignal(ref entity.Ref) abuse.Signal {
	return abuse.Signal{
		Entity:   ref,
		TenantID: s.TenantID,
		Type:     s.SignalType,
		Value:    s.Value,
		Context:  s.Context,
	}
}

// Outcome reports what processing one signal did.
type Outcome struct {
	Event     *risk.Event     `json:"riskEvent,omitempty"`
	Score     *risk.Score     `json:"score,omitempty"`
	Decision  *abuse.Decision `json:"decision,omitempty"`
	RiskGap   bool            `json:"riskConfigGap,omitempty"`
	RiskError string          `json:"riskError,omitempty"`
	RuleError string          `json:"ruleError,omitempty"`
}

// RiskRecorder records a signal against an entity's risk score.
type RiskRecorder interface {
	RecordSignal(ctx context.Context, sig risk.Signal) (*risk.Event, error)
	Get(ctx context.Context, ref entity.Ref) (*risk.Score, error)
}

// RuleEvaluator evaluates abuse rules for a signal.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, sig abuse.Signal) (*abuse.Decision, error)
}
