package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sendguard/internal/audit"
	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/idgen"
	"github.com/mbd888/sendguard/internal/metrics"
	"github.com/mbd888/sendguard/internal/risk"
	"github.com/mbd888/sendguard/internal/syncutil"
	"github.com/mbd888/sendguard/internal/traces"
)

// ScoreReader supplies the score snapshot taken when an action is applied
// and again when it expires.
type ScoreReader interface {
	Get(ctx context.Context, ref entity.Ref) (*risk.Score, error)
}

// RestrictionLevel is how hard the active actions of an entity hold it back.
type RestrictionLevel int

const (
	RestrictionNone RestrictionLevel = iota
	RestrictionThrottled
	RestrictionSuspended
	RestrictionBlacklisted
)

// Restriction is the strongest restriction in force over a set of entities.
type Restriction struct {
	Level    RestrictionLevel
	Factor   float64
	ActionID string
	Entity   entity.Ref
}

const expireBatch = 100

// Controller owns the action lifecycle.
type Controller struct {
	store  Store
	scores ScoreReader
	audit  audit.Writer
	logger *slog.Logger
	locks  *syncutil.KeyedMutex
	now    func() time.Time
}

// NewController creates an action controller.
func NewController(store Store, scores ScoreReader, auditLog audit.Writer, logger *slog.Logger) *Controller {
	return &Controller{
		store:  store,
		scores: scores,
		audit:  auditLog,
		logger: logger,
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Apply puts a mitigation in force. If the entity already has an active
// action of the same type, that action is returned and created is false.
func (c *Controller) Apply(ctx context.Context, req ApplyRequest) (*Action, bool, error) {
	ctx, span := traces.StartSpan(ctx, "action.Apply",
		traces.Entity(req.Entity), traces.TenantID(req.TenantID))
	defer span.End()

	if !req.Entity.Valid() || !req.Type.Valid() {
		return nil, false, fmt.Errorf("%w: entity %q type %q", ErrInvalidAction, req.Entity, req.Type)
	}
	if req.Duration < 0 {
		return nil, false, fmt.Errorf("%w: negative duration", ErrInvalidAction)
	}

	a, stale, created, err := c.apply(ctx, req)
	if err != nil {
		return nil, false, err
	}
	// audit records are written outside the (entity, type) lock
	if stale != nil {
		c.record(ctx, stale, "expired")
	}
	if !created {
		return a, false, nil
	}

	metrics.ActionsTotal.WithLabelValues(string(a.Type), string(StatusActive)).Inc()
	c.logger.Info("risk action applied",
		"action_id", a.ID, "entity", a.Entity.Key(), "type", a.Type,
		"reason", a.Reason, "score", a.ScoreAtAction, "expires_at", a.ExpiresAt)
	c.record(ctx, a, "applied")
	return a, true, nil
}

// apply is the critical section of Apply. stale is an overdue action it
// expired on the way.
func (c *Controller) apply(ctx context.Context, req ApplyRequest) (a, stale *Action, created bool, err error) {
	unlock, err := c.locks.LockContext(ctx, activeKey(req.Entity, req.Type))
	if err != nil {
		return nil, nil, false, err
	}
	defer unlock()

	now := c.now()
	existing, err := c.store.GetActive(ctx, req.Entity, req.Type)
	switch {
	case err == nil && existing.IsActive(now):
		return existing, nil, false, nil
	case err == nil:
		// Past its expiry but not swept yet.
		ended, err := c.finish(ctx, existing.ID, StatusExpired, now, c.outcome(ctx, existing))
		switch {
		case err == nil:
			stale = ended
		case !errors.Is(err, ErrInvalidTransition):
			return nil, nil, false, err
		}
	case !errors.Is(err, ErrActionNotFound):
		return nil, nil, false, err
	}

	a = &Action{
		ID:        idgen.WithPrefix(idgen.Action),
		Entity:    req.Entity,
		TenantID:  req.TenantID,
		Type:      req.Type,
		Reason:    req.Reason,
		Params:    req.Params,
		Status:    StatusActive,
		AppliedBy: req.AppliedBy,
		AppliedAt: now,
	}
	a.LevelAtAction = risk.LevelFor(0)
	if req.Duration > 0 {
		exp := now.Add(req.Duration)
		a.ExpiresAt = &exp
	}
	if c.scores != nil {
		if sc, err := c.scores.Get(ctx, req.Entity); err == nil {
			a.ScoreAtAction = sc.Value
			a.LevelAtAction = risk.LevelFor(sc.Value)
		} else {
			c.logger.Warn("score snapshot unavailable for action", "entity", req.Entity.Key(), "error", err)
		}
	}

	if err := c.store.Create(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateActive) {
			// Another instance won the race.
			if cur, gerr := c.store.GetActive(ctx, req.Entity, req.Type); gerr == nil {
				return cur, stale, false, nil
			}
		}
		return nil, stale, false, err
	}
	return a, stale, true, nil
}

// ExpireDue expires every active action whose expiry has passed and records
// whether the entity's score fell while it was in force.
func (c *Controller) ExpireDue(ctx context.Context) (int, error) {
	start := time.Now()
	defer metrics.ObserveSweep("actions", start)

	total := 0
	for {
		now := c.now()
		due, err := c.store.ListDue(ctx, now, expireBatch)
		if err != nil {
			return total, fmt.Errorf("list due actions: %w", err)
		}
		claimed := 0
		for _, a := range due {
			_, err := c.expire(ctx, a, now)
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			if err != nil {
				c.logger.Warn("failed to expire action", "action_id", a.ID, "error", err)
				continue
			}
			claimed++
		}
		total += claimed
		if len(due) < expireBatch || claimed == 0 {
			break
		}
	}
	return total, nil
}

func (c *Controller) expire(ctx context.Context, a *Action, now time.Time) (*Action, error) {
	return c.end(ctx, a.ID, StatusExpired, now, c.outcome(ctx, a), "expired")
}

// outcome records whether the entity's score fell while a was in force.
func (c *Controller) outcome(ctx context.Context, a *Action) Finish {
	var f Finish
	if c.scores != nil {
		if sc, err := c.scores.Get(ctx, a.Entity); err == nil {
			post := sc.Value
			effective := post < a.ScoreAtAction
			f.PostActionScore = &post
			f.WasEffective = &effective
		}
	}
	return f
}

// Revoke ends an active action early.
func (c *Controller) Revoke(ctx context.Context, id, reason, revokedBy string) (*Action, error) {
	ctx, span := traces.StartSpan(ctx, "action.Revoke", traces.ActionID(id))
	defer span.End()

	a, err := c.end(ctx, id, StatusRevoked, c.now(), Finish{RevokedBy: revokedBy, RevokeReason: reason}, "revoked")
	return a, traces.Fail(span, err)
}

// Escalate replaces an active action with a stricter one. An empty next
// picks the following type in the escalation chain. Once the replacement is
// in force the call succeeds even if the current action ended concurrently.
func (c *Controller) Escalate(ctx context.Context, id string, next Type) (*Action, error) {
	ctx, span := traces.StartSpan(ctx, "action.Escalate", traces.ActionID(id))
	defer span.End()

	current, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusActive {
		return nil, fmt.Errorf("%w: action is %s", ErrInvalidTransition, current.Status)
	}
	if !current.IsActive(c.now()) {
		return nil, fmt.Errorf("%w: action expired at %s", ErrInvalidTransition, current.ExpiresAt.Format(time.RFC3339))
	}
	if next == "" {
		n, ok := current.Type.Next()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoEscalation, current.Type)
		}
		next = n
	}
	if !next.StricterThan(current.Type) {
		return nil, fmt.Errorf("%w: %s is not stricter than %s", ErrInvalidTransition, next, current.Type)
	}

	var d time.Duration
	if current.ExpiresAt != nil {
		d = current.ExpiresAt.Sub(current.AppliedAt)
	}
	replacement, _, err := c.Apply(ctx, ApplyRequest{
		Entity:    current.Entity,
		TenantID:  current.TenantID,
		Type:      next,
		Reason:    fmt.Sprintf("escalated from %s: %s", current.ID, current.Reason),
		Params:    current.Params,
		Duration:  d,
		AppliedBy: current.AppliedBy,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.end(ctx, current.ID, StatusEscalated, c.now(), Finish{EscalatedTo: replacement.ID}, "escalated"); err != nil {
		c.logger.Warn("escalated action could not be closed",
			"action_id", current.ID, "replacement_id", replacement.ID, "error", err)
	}
	return replacement, nil
}

func (c *Controller) end(ctx context.Context, id string, to Status, at time.Time, f Finish, verb string) (*Action, error) {
	a, err := c.finish(ctx, id, to, at, f)
	if err != nil {
		return a, err
	}
	c.record(ctx, a, verb)
	return a, nil
}

// finish moves an active action to a terminal status without auditing it.
func (c *Controller) finish(ctx context.Context, id string, to Status, at time.Time, f Finish) (*Action, error) {
	a, err := c.store.End(ctx, id, to, at, f)
	if errors.Is(err, errStatusChanged) {
		return a, fmt.Errorf("%w: action is %s", ErrInvalidTransition, a.Status)
	}
	if err != nil {
		return nil, err
	}
	metrics.ActionsTotal.WithLabelValues(string(a.Type), string(to)).Inc()
	c.logger.Info("risk action ended", "action_id", a.ID, "entity", a.Entity.Key(), "type", a.Type, "status", to)
	return a, nil
}

// Get returns an action by id.
func (c *Controller) Get(ctx context.Context, id string) (*Action, error) {
	return c.store.Get(ctx, id)
}

// ActiveFor returns the active action of type t on ref, if any.
func (c *Controller) ActiveFor(ctx context.Context, ref entity.Ref, t Type) (*Action, error) {
	a, err := c.store.GetActive(ctx, ref, t)
	if err != nil {
		return nil, err
	}
	if !a.IsActive(c.now()) {
		return nil, ErrActionNotFound
	}
	return a, nil
}

// ListByEntity returns an entity's actions, newest first.
func (c *Controller) ListByEntity(ctx context.Context, ref entity.Ref, limit int) ([]*Action, error) {
	return c.store.ListByEntity(ctx, ref, limit)
}

// IsWhitelisted reports whether any of refs has a whitelist in force.
func (c *Controller) IsWhitelisted(ctx context.Context, refs ...entity.Ref) (bool, error) {
	active, err := c.store.ListActive(ctx, refs)
	if err != nil {
		return false, err
	}
	now := c.now()
	for _, a := range active {
		if a.Type == TypeWhitelist && a.IsActive(now) {
			return true, nil
		}
	}
	return false, nil
}

// Restriction folds the active actions of refs into the strongest
// restriction. Blacklist beats suspend and pause, which beat throttle; among
// throttles the smallest factor wins.
func (c *Controller) Restriction(ctx context.Context, refs []entity.Ref) (Restriction, error) {
	active, err := c.store.ListActive(ctx, refs)
	if err != nil {
		return Restriction{}, err
	}
	now := c.now()
	var out Restriction
	for _, a := range active {
		if !a.IsActive(now) {
			continue
		}
		var level RestrictionLevel
		switch a.Type {
		case TypeBlacklist:
			level = RestrictionBlacklisted
		case TypeSuspend, TypePause:
			level = RestrictionSuspended
		case TypeThrottle:
			level = RestrictionThrottled
		default:
			continue
		}
		switch {
		case level > out.Level:
			out = Restriction{Level: level, ActionID: a.ID, Entity: a.Entity}
			if level == RestrictionThrottled {
				out.Factor = a.Factor()
			}
		case level == RestrictionThrottled && out.Level == RestrictionThrottled && a.Factor() < out.Factor:
			out = Restriction{Level: level, Factor: a.Factor(), ActionID: a.ID, Entity: a.Entity}
		}
	}
	return out, nil
}

func (c *Controller) record(ctx context.Context, a *Action, verb string) {
	if c.audit == nil {
		return
	}
	_ = c.audit.Write(ctx, audit.KindRiskAction, a.TenantID, a.Entity, verb, a)
}
