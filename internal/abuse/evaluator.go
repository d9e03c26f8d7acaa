// Package abuse evaluates abuse rules against incoming signals, enforcing
// per-tenant cooldowns and requesting automatic mitigations.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sendguard/internal/action"
	"github.com/mbd888/sendguard/internal/audit"
	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/metrics"
	"github.com/mbd888/sendguard/internal/policy"
	"github.com/mbd888/sendguard/internal/traces"
)

// ErrInvalidSignal is returned for signals missing an entity or type.
var ErrInvalidSignal = errors.New("abuse: invalid signal")

// Policy supplies the active configuration snapshot.
type Policy interface {
	Current() *policy.Snapshot
}

// TierResolver maps a tenant to its rate-limit tier code.
type TierResolver interface {
	Tier(ctx context.Context, tenantID string) (string, error)
}

// Mitigator applies actions on behalf of fired rules.
type Mitigator interface {
	Apply(ctx context.Context, req action.ApplyRequest) (*action.Action, bool, error)
	Escalate(ctx context.Context, id string, next action.Type) (*action.Action, error)
	IsWhitelisted(ctx context.Context, refs ...entity.Ref) (bool, error)
}

// Signal is one observation evaluated against the rules.
type Signal struct {
	Entity   entity.Ref
	TenantID string
	Type     string
	Value    float64
	Context  map[string]float64
}

// observed merges the signal value into its context under the signal type.
func (s Signal) observed() map[string]float64 {
	out := make(map[string]float64, len(s.Context)+1)
	for k, v := range s.Context {
		out[k] = v
	}
	if _, ok := out[s.Type]; !ok {
		out[s.Type] = s.Value
	}
	return out
}

// Firing is one rule that fired during an evaluation.
type Firing struct {
	Rule      string  `json:"rule"`
	Key       string  `json:"thresholdKey"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
	Points    int     `json:"points"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Entity        entity.Ref     `json:"entity"`
	TenantID      string         `json:"tenantId"`
	SignalType    string         `json:"signalType"`
	Tier          string         `json:"tier,omitempty"`
	PolicyVersion int64          `json:"policyVersion"`
	Fired         []Firing       `json:"fired,omitempty"`
	Suppressed    []string       `json:"suppressed,omitempty"`
	Points        int            `json:"points"`
	TotalPoints   int64          `json:"totalPoints,omitempty"`
	Action        *action.Action `json:"action,omitempty"`
	ActionCreated bool           `json:"actionCreated,omitempty"`
	Escalated     bool           `json:"escalated,omitempty"`
	Whitelisted   bool           `json:"whitelisted,omitempty"`
	ConfigGap     bool           `json:"configGap,omitempty"`
}

// Evaluator runs abuse rules.
type Evaluator struct {
	policy    Policy
	cooldowns CooldownIndex
	points    PointsLedger
	tiers     TierResolver
	mitigator Mitigator
	audit     audit.Writer
	logger    *slog.Logger
	escalate  bool
	now       func() time.Time
}

// NewEvaluator creates an evaluator. tiers, mitigator and auditLog may be nil.
func NewEvaluator(p Policy, cooldowns CooldownIndex, points PointsLedger, tiers TierResolver, mitigator Mitigator, auditLog audit.Writer, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		policy:    p,
		cooldowns: cooldowns,
		points:    points,
		tiers:     tiers,
		mitigator: mitigator,
		audit:     auditLog,
		logger:    logger,
		escalate:  true,
		now:       time.Now,
	}
}

// WithEscalation controls whether a rule firing against an entity that
// already carries the requested action escalates that action.
func (e *Evaluator) WithEscalation(on bool) *Evaluator {
	e.escalate = on
	return e
}

// WithClock overrides the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate runs every active rule for the signal's type and tenant tier
// against one policy snapshot. Cooldown and mitigation failures are logged
// and skipped; they never block traffic.
func (e *Evaluator) Evaluate(ctx context.Context, sig Signal) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "abuse.Evaluate",
		traces.Entity(sig.Entity), traces.TenantID(sig.TenantID), traces.SignalType(sig.Type))
	defer span.End()

	if !sig.Entity.Valid() || sig.Type == "" {
		return nil, fmt.Errorf("%w: entity %q type %q", ErrInvalidSignal, sig.Entity, sig.Type)
	}

	snap := e.policy.Current()
	d := &Decision{Entity: sig.Entity, TenantID: sig.TenantID, SignalType: sig.Type, PolicyVersion: snap.Version()}
	d.Tier = e.tier(ctx, sig.TenantID)

	rules := snap.RulesFor(sig.Type, d.Tier)
	if len(rules) == 0 {
		d.ConfigGap = true
		e.logger.Warn("configuration gap: no abuse rule for signal",
			"signal_type", sig.Type, "tier", d.Tier, "policy_version", snap.Version())
		return d, nil
	}

	observed := sig.observed()
	now := e.now()
	var actionRule *policy.AbuseRule

	for i := range rules {
		rule := rules[i]
		key, breached := rule.Breached(observed)
		if !breached {
			continue
		}
		fired, err := e.cooldowns.TryFire(ctx, rule.Code, sig.TenantID, now, rule.Cooldown())
		if err != nil {
			e.logger.Warn("cooldown check failed, rule skipped", "rule", rule.Code, "tenant_id", sig.TenantID, "error", err)
			continue
		}
		if !fired {
			d.Suppressed = append(d.Suppressed, rule.Code)
			continue
		}

		f := Firing{Rule: rule.Code, Key: key, Observed: observed[key], Threshold: rule.Thresholds[key], Points: rule.AbusePoints}
		d.Fired = append(d.Fired, f)
		d.Points += rule.AbusePoints
		metrics.AbuseRuleFiredTotal.WithLabelValues(rule.Code).Inc()
		e.logger.Info("abuse rule fired", "rule", rule.Code, "tenant_id", sig.TenantID,
			"entity", sig.Entity.Key(), "key", key, "observed", f.Observed, "threshold", f.Threshold)
		if e.audit != nil {
			_ = e.audit.Write(ctx, audit.KindRuleViolation, sig.TenantID, sig.Entity, rule.Code, f)
		}

		if rule.AutoAction && rule.ActionType != "" && actionRule == nil {
			actionRule = &rule
		}
	}

	if d.Points > 0 && e.points != nil {
		total, err := e.points.Add(ctx, sig.TenantID, d.Points, now)
		if err != nil {
			e.logger.Warn("failed to add abuse points", "tenant_id", sig.TenantID, "error", err)
		}
		d.TotalPoints = total
	}

	if actionRule != nil && e.mitigator != nil {
		e.mitigate(ctx, d, sig, *actionRule)
	}
	return d, nil
}

func (e *Evaluator) tier(ctx context.Context, tenantID string) string {
	if e.tiers == nil || tenantID == "" {
		return ""
	}
	tier, err := e.tiers.Tier(ctx, tenantID)
	if err != nil {
		e.logger.Warn("tier lookup failed", "tenant_id", tenantID, "error", err)
		return ""
	}
	return tier
}

func (e *Evaluator) mitigate(ctx context.Context, d *Decision, sig Signal, rule policy.AbuseRule) {
	wl, err := e.mitigator.IsWhitelisted(ctx, sig.Entity, entity.Tenant(sig.TenantID))
	if err != nil {
		e.logger.Warn("whitelist lookup failed", "entity", sig.Entity.Key(), "error", err)
	}
	if wl {
		d.Whitelisted = true
		return
	}

	a, created, err := e.mitigator.Apply(ctx, action.ApplyRequest{
		Entity:    sig.Entity,
		TenantID:  sig.TenantID,
		Type:      action.Type(rule.ActionType),
		Reason:    "abuse_rule:" + rule.Code,
		Duration:  rule.ActionDuration(),
		AppliedBy: "abuse_evaluator",
	})
	if err != nil {
		e.logger.Warn("automatic action failed", "rule", rule.Code, "entity", sig.Entity.Key(), "error", err)
		return
	}
	d.Action = a
	d.ActionCreated = created
	if created || !e.escalate {
		return
	}
	if _, ok := a.Type.Next(); !ok {
		return
	}
	next, err := e.mitigator.Escalate(ctx, a.ID, "")
	if err != nil {
		e.logger.Warn("escalation failed", "action_id", a.ID, "error", err)
		return
	}
	d.Action = next
	d.Escalated = true
}
