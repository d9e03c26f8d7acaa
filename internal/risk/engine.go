package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/sendguard/internal/audit"
	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/metrics"
	"github.com/mbd888/sendguard/internal/policy"
	"github.com/mbd888/sendguard/internal/retry"
	"github.com/mbd888/sendguard/internal/syncutil"
	"github.com/mbd888/sendguard/internal/traces"
)

// Policy supplies the active configuration snapshot.
type Policy interface {
	Current() *policy.Snapshot
}

const (
	DefaultHalfLife = 24 * time.Hour

	decayBatch = 500
)

var mutateRetry = retry.Policy{
	Op:       "risk_mutate",
	Attempts: 4,
	Base:     5 * time.Millisecond,
	Retryable: func(err error) bool {
		return errors.Is(err, ErrConcurrentModification)
	},
}

// Engine mutates risk scores. Writers for one entity are serialized; writers
// for different entities never share a lock.
type Engine struct {
	store    Store
	policy   Policy
	audit    audit.Writer
	logger   *slog.Logger
	locks    *syncutil.KeyedMutex
	halfLife time.Duration
	now      func() time.Time
}

// NewEngine creates a risk scoring engine.
func NewEngine(store Store, p Policy, auditLog audit.Writer, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		policy:   p,
		audit:    auditLog,
		logger:   logger,
		locks:    syncutil.NewKeyedMutex(),
		halfLife: DefaultHalfLife,
		now:      time.Now,
	}
}

// WithHalfLife overrides the decay half-life.
func (e *Engine) WithHalfLife(d time.Duration) *Engine {
	if d > 0 {
		e.halfLife = d
	}
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RecordSignal scores one observation. A value below the factor's low
// threshold changes nothing and returns a nil event. A signal with no
// usable factor returns ErrConfigurationGap and leaves the score alone.
func (e *Engine) RecordSignal(ctx context.Context, sig Signal) (*Event, error) {
	ctx, span := traces.StartSpan(ctx, "risk.RecordSignal",
		traces.Entity(sig.Entity), traces.SignalType(sig.Factor))
	defer span.End()

	if !sig.Entity.Valid() {
		return nil, fmt.Errorf("%w: entity %q", ErrInvalidSignal, sig.Entity)
	}

	snap := e.policy.Current()
	f, ok := snap.Factor(sig.Factor)
	if !ok || !f.Active || !f.AppliesToKind(sig.Entity.Kind) {
		e.logger.Warn("configuration gap: no active risk factor for signal",
			"factor", sig.Factor, "entity", sig.Entity.Key(), "policy_version", snap.Version())
		return nil, fmt.Errorf("%w: %s", ErrConfigurationGap, sig.Factor)
	}

	contribution := f.Contribution(sig.Value)
	if contribution == 0 {
		return nil, nil
	}

	return e.mutate(ctx, sig.Entity, sig.TenantID, func(old float64) (float64, EventInput) {
		return clamp(old + contribution), EventInput{
			Type:       EventTypeForFactor(sig.Factor),
			FactorCode: sig.Factor,
			Observed:   sig.Value,
			SourceID:   sig.SourceID,
		}
	})
}

// Decay moves the score toward zero by the half-life over elapsed. Changes
// smaller than MinDecayDelta are not recorded and leave UpdatedAt alone so
// the elapsed time keeps accumulating.
func (e *Engine) Decay(ctx context.Context, ref entity.Ref, elapsed time.Duration) (*Event, error) {
	if elapsed <= 0 {
		return nil, nil
	}
	factor := math.Pow(0.5, elapsed.Hours()/e.halfLife.Hours())
	return e.mutate(ctx, ref, "", func(old float64) (float64, EventInput) {
		next := round2(old * factor)
		if old-next < MinDecayDelta {
			return old, EventInput{}
		}
		if next < MinDecayDelta {
			next = 0
		}
		return next, EventInput{Type: EventDecay}
	})
}

// DecayAll decays every non-zero score by the time since its last change.
func (e *Engine) DecayAll(ctx context.Context) (int, error) {
	start := time.Now()
	defer metrics.ObserveSweep("risk_decay", start)

	now := e.now()
	scores, err := e.store.ListDecayable(ctx, now, decayBatch)
	if err != nil {
		return 0, fmt.Errorf("list decayable scores: %w", err)
	}
	n := 0
	for _, sc := range scores {
		ev, err := e.Decay(ctx, sc.Entity, now.Sub(sc.UpdatedAt))
		if err != nil {
			e.logger.Warn("risk decay failed", "entity", sc.Entity.Key(), "error", err)
			continue
		}
		if ev != nil {
			n++
		}
	}
	return n, nil
}

// Adjust applies an operator-chosen delta.
func (e *Engine) Adjust(ctx context.Context, ref entity.Ref, tenantID string, delta float64, reason string) (*Event, error) {
	if !ref.Valid() {
		return nil, fmt.Errorf("%w: entity %q", ErrInvalidSignal, ref)
	}
	return e.mutate(ctx, ref, tenantID, func(old float64) (float64, EventInput) {
		return clamp(round2(old + delta)), EventInput{Type: EventManual, SourceID: reason}
	})
}

// Get returns the entity's score. Unscored entities read as zero.
func (e *Engine) Get(ctx context.Context, ref entity.Ref) (*Score, error) {
	sc, err := e.store.GetScore(ctx, ref)
	if errors.Is(err, ErrScoreNotFound) {
		return &Score{Entity: ref, Level: LevelLow}, nil
	}
	return sc, err
}

// CurrentLevel returns the band of the entity's current score.
func (e *Engine) CurrentLevel(ctx context.Context, ref entity.Ref) (Level, error) {
	sc, err := e.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	return LevelFor(sc.Value), nil
}

// Events returns the entity's newest events first.
func (e *Engine) Events(ctx context.Context, ref entity.Ref, limit int) ([]Event, error) {
	return e.store.ListEvents(ctx, ref, limit)
}

// mutate runs one read-modify-write under the entity lock. compute returns
// the new score and the event details; returning the old score means no
// change and no event. The audit record is written after the lock is
// released.
func (e *Engine) mutate(ctx context.Context, ref entity.Ref, tenantID string, compute func(old float64) (float64, EventInput)) (*Event, error) {
	ev, err := e.update(ctx, ref, tenantID, compute)
	if err != nil || ev == nil {
		return nil, err
	}

	metrics.RiskEventsTotal.WithLabelValues(string(ev.Severity())).Inc()
	if ev.Severity() == SeverityHigh || ev.Severity() == SeverityCritical {
		e.logger.Info("risk score jump", "entity", ref.Key(), "type", ev.Type(),
			"before", ev.Before(), "after", ev.After(), "severity", ev.Severity())
	}
	if e.audit != nil {
		_ = e.audit.Write(ctx, audit.KindRiskEvent, ev.TenantID(), ref, string(ev.Type()), ev)
	}
	return ev, nil
}

func (e *Engine) update(ctx context.Context, ref entity.Ref, tenantID string, compute func(old float64) (float64, EventInput)) (*Event, error) {
	unlock, err := e.locks.LockContext(ctx, ref.Key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	var ev *Event
	err = mutateRetry.Do(ctx, func() error {
		ev = nil
		current, err := e.store.GetScore(ctx, ref)
		if errors.Is(err, ErrScoreNotFound) {
			current = &Score{Entity: ref, TenantID: tenantID}
		} else if err != nil {
			return err
		}

		next, in := compute(current.Value)
		next = round2(next)
		if next == current.Value {
			return nil
		}

		now := e.now()
		if tenantID == "" {
			tenantID = current.TenantID
		}
		in.Entity = ref
		in.TenantID = tenantID
		in.Before = current.Value
		in.After = next
		in.OccurredAt = now
		created := NewEvent(in)

		updated := &Score{
			Entity:    ref,
			TenantID:  tenantID,
			Value:     next,
			Level:     LevelFor(next),
			Version:   current.Version + 1,
			UpdatedAt: now,
		}
		if err := e.store.Save(ctx, updated, current.Version, created); err != nil {
			return err
		}
		ev = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}
