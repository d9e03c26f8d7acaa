package quota

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
	"github.com/mbd888/sendguard/internal/retry"
	"github.com/mbd888/sendguard/internal/traces"
)

// PlanResolver maps a tenant to its quota plan and limit.
type PlanResolver interface {
	QuotaPlan(ctx context.Context, tenantID string) (planID string, limit int64, err error)
}

// Guard reports the strongest active restriction over a set of entities.
type Guard interface {
	Restriction(ctx context.Context, refs []entity.Ref) (Restriction, error)
}

// Throttler admits sends for throttled entities at a reduced rate.
// ReturnN hands back capacity for an admitted send that was then denied.
type Throttler interface {
	AllowN(tenantID string, factor float64, n int64) bool
	ReturnN(tenantID string, n int64)
}

const sweepBatch = 100

// Manager owns the reservation lifecycle.
type Manager struct {
	store      Store
	plans      PlanResolver
	guard      Guard
	throttle   Throttler
	audit      audit.Writer
	logger     *slog.Logger
	defaultTTL time.Duration
	now        func() time.Time
}

// NewManager creates a reservation manager.
func NewManager(store Store, plans PlanResolver, auditLog audit.Writer, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		plans:      plans,
		audit:      auditLog,
		logger:     logger,
		defaultTTL: 5 * time.Minute,
		now:        time.Now,
	}
}

// WithGuard makes Reserve honour active mitigations.
func (m *Manager) WithGuard(g Guard) *Manager {
	m.guard = g
	return m
}

// WithThrottler enforces throttle mitigations on Reserve.
func (m *Manager) WithThrottler(t Throttler) *Manager {
	m.throttle = t
	return m
}

// WithDefaultTTL overrides the TTL used when a request carries none.
func (m *Manager) WithDefaultTTL(d time.Duration) *Manager {
	if d > 0 {
		m.defaultTTL = d
	}
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

var (
	reserveRetry = retry.Policy{
		Op:        "quota_reserve",
		Attempts:  4,
		Base:      10 * time.Millisecond,
		Max:       100 * time.Millisecond,
		Retryable: retryable,
	}
	transitionRetry = retry.Policy{
		Op:        "quota_transition",
		Attempts:  4,
		Base:      10 * time.Millisecond,
		Max:       100 * time.Millisecond,
		Retryable: retryable,
	}
)

func retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// Reserve claims capacity. A repeated key with the same tenant, plan and
// amount returns the original reservation unchanged; with other parameters
// it fails with ErrDuplicateIdempotencyKey.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "quota.Reserve",
		traces.TenantID(req.TenantID), traces.Amount(req.Amount), traces.IdempotencyKey(req.Key))
	defer span.End()

	res, err := m.reserve(ctx, req)
	switch code := ReasonCode(err); {
	case err == nil:
		span.SetAttributes(traces.Outcome("granted"))
	case code != "":
		// a denial is a normal answer, not a span error
		span.SetAttributes(traces.Outcome(code))
	default:
		_ = traces.Fail(span, err)
	}
	return res, err
}

func (m *Manager) reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.TenantID == "" || req.Key == "" {
		return nil, fmt.Errorf("%w: tenant and idempotency key are required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	if existing, err := m.store.GetByKey(ctx, req.Key); err == nil {
		return m.replay(existing, req)
	} else if !errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}

	planID, limit, err := m.resolvePlan(ctx, req)
	if err != nil {
		return nil, err
	}

	charged, err := m.checkRestrictions(ctx, req)
	if err != nil {
		metrics.QuotaReservationsTotal.WithLabelValues(ReasonCode(err)).Inc()
		return nil, err
	}

	res, created, err := m.claim(ctx, req, planID, limit)
	if charged && (err != nil || !created) {
		m.throttle.ReturnN(req.TenantID, req.Amount)
	}
	if err != nil {
		return nil, err
	}
	if !created {
		return m.replay(res, req)
	}

	metrics.QuotaReservationsTotal.WithLabelValues("granted").Inc()
	m.record(ctx, res, "reserved")
	return res, nil
}

// claim inserts a pending reservation if the pool has room. created is
// false when a concurrent call with the same key got there first.
func (m *Manager) claim(ctx context.Context, req ReserveRequest, planID string, limit int64) (*Reservation, bool, error) {
	now := m.now()
	if err := m.store.EnsurePool(ctx, req.TenantID, planID, limit, now); err != nil {
		return nil, false, fmt.Errorf("ensure pool: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	candidate := &Reservation{
		ID:        idgen.WithPrefix(idgen.Reservation),
		TenantID:  req.TenantID,
		PlanID:    planID,
		Key:       req.Key,
		Amount:    req.Amount,
		Status:    StatusPending,
		Ref:       req.Ref,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var res *Reservation
	var created bool
	err := reserveRetry.Do(ctx, func() error {
		var rerr error
		res, created, rerr = m.store.Reserve(ctx, candidate, m.now())
		return rerr
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientQuota) {
			metrics.QuotaReservationsTotal.WithLabelValues("insufficient_quota").Inc()
			m.logger.Info("reservation denied", "tenant_id", req.TenantID, "plan_id", planID, "amount", req.Amount, "reason", "insufficient_quota")
		}
		return nil, false, err
	}
	return res, created, nil
}

func (m *Manager) replay(existing *Reservation, req ReserveRequest) (*Reservation, error) {
	if !existing.matches(req) {
		m.logger.Error("idempotency key reused with different parameters",
			"key", existing.Key, "tenant_id", req.TenantID, "amount", req.Amount,
			"existing_tenant_id", existing.TenantID, "existing_amount", existing.Amount)
		return nil, fmt.Errorf("%w: key %q", ErrDuplicateIdempotencyKey, existing.Key)
	}
	metrics.QuotaReservationsTotal.WithLabelValues("replayed").Inc()
	return existing, nil
}

func (m *Manager) resolvePlan(ctx context.Context, req ReserveRequest) (string, int64, error) {
	planID, limit, err := m.plans.QuotaPlan(ctx, req.TenantID)
	if err != nil {
		return "", 0, fmt.Errorf("resolve plan: %w", err)
	}
	if req.PlanID != "" && req.PlanID != planID {
		return "", 0, fmt.Errorf("%w: tenant %s is not on plan %s", ErrInvalidRequest, req.TenantID, req.PlanID)
	}
	return planID, limit, nil
}

// checkRestrictions fails closed on known mitigations and open on guard
// errors: a risk subsystem outage never blocks sends. charged reports that
// throttle capacity was taken for the request.
func (m *Manager) checkRestrictions(ctx context.Context, req ReserveRequest) (charged bool, err error) {
	if m.guard == nil {
		return false, nil
	}
	refs := append([]entity.Ref{entity.Tenant(req.TenantID)}, req.Subjects...)
	r, err := m.guard.Restriction(ctx, refs)
	if err != nil {
		m.logger.Warn("restriction lookup failed, allowing reservation", "tenant_id", req.TenantID, "error", err)
		return false, nil
	}
	switch r.Level {
	case RestrictionBlacklisted:
		return false, fmt.Errorf("%w: %s (action %s)", ErrEntityBlacklisted, r.Entity, r.ActionID)
	case RestrictionSuspended:
		return false, fmt.Errorf("%w: %s (action %s)", ErrEntitySuspended, r.Entity, r.ActionID)
	case RestrictionThrottled:
		if m.throttle == nil {
			return false, nil
		}
		if !m.throttle.AllowN(req.TenantID, r.Factor, req.Amount) {
			return false, fmt.Errorf("%w: %s (action %s)", ErrThrottled, r.Entity, r.ActionID)
		}
		return true, nil
	}
	return false, nil
}

// Confirm finalises a pending reservation. Confirming twice is a no-op.
// A pending reservation past its expiry is expired instead and the call
// fails with ErrInvalidTransition.
func (m *Manager) Confirm(ctx context.Context, key string) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "quota.Confirm", traces.IdempotencyKey(key))
	defer span.End()

	res, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case StatusConfirmed:
		return res, nil
	case StatusCancelled, StatusExpired:
		return res, fmt.Errorf("%w: reservation is %s", ErrInvalidTransition, res.Status)
	}

	now := m.now()
	if !res.ExpiresAt.After(now) {
		expired, err := m.transition(ctx, key, StatusExpired, "")
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		if expired != nil && expired.Status == StatusConfirmed {
			return expired, nil
		}
		return expired, fmt.Errorf("%w: reservation expired at %s", ErrInvalidTransition, res.ExpiresAt.Format(time.RFC3339))
	}

	confirmed, err := m.transition(ctx, key, StatusConfirmed, "")
	if errors.Is(err, ErrInvalidTransition) && confirmed != nil && confirmed.Status == StatusConfirmed {
		return confirmed, nil
	}
	return confirmed, err
}

// Cancel releases a pending reservation. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, key, reason string) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "quota.Cancel", traces.IdempotencyKey(key))
	defer span.End()

	res, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case StatusCancelled:
		return res, nil
	case StatusConfirmed, StatusExpired:
		return res, fmt.Errorf("%w: reservation is %s", ErrInvalidTransition, res.Status)
	}

	cancelled, err := m.transition(ctx, key, StatusCancelled, reason)
	if errors.Is(err, ErrInvalidTransition) && cancelled != nil && cancelled.Status == StatusCancelled {
		return cancelled, nil
	}
	return cancelled, err
}

// ConfirmByID confirms by reservation id.
func (m *Manager) ConfirmByID(ctx context.Context, id string) (*Reservation, error) {
	res, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Confirm(ctx, res.Key)
}

// CancelByID cancels by reservation id.
func (m *Manager) CancelByID(ctx context.Context, id, reason string) (*Reservation, error) {
	res, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Cancel(ctx, res.Key, reason)
}

// transition performs a pending→to compare-and-set. Losing the race yields
// the current record and ErrInvalidTransition.
func (m *Manager) transition(ctx context.Context, key string, to Status, reason string) (*Reservation, error) {
	var res *Reservation
	err := transitionRetry.Do(ctx, func() error {
		var terr error
		res, terr = m.store.Transition(ctx, key, StatusPending, to, m.now(), reason)
		return terr
	})
	if errors.Is(err, errStatusChanged) {
		return res, fmt.Errorf("%w: reservation is %s", ErrInvalidTransition, res.Status)
	}
	if err != nil {
		return nil, err
	}
	metrics.QuotaReservationsTotal.WithLabelValues(string(to)).Inc()
	m.record(ctx, res, string(to))
	return res, nil
}

// SweepExpired expires every pending reservation past its expiry. Safe to
// run from several workers at once: each candidate is claimed by a
// conditional transition and losers skip it.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	start := time.Now()
	defer metrics.ObserveSweep("reservations", start)

	total := 0
	for {
		candidates, err := m.store.ListExpired(ctx, m.now(), sweepBatch)
		if err != nil {
			return total, fmt.Errorf("list expired reservations: %w", err)
		}
		claimed := 0
		for _, c := range candidates {
			_, err := m.transition(ctx, c.Key, StatusExpired, "")
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			if err != nil {
				m.logger.Warn("failed to expire reservation", "key", c.Key, "error", err)
				continue
			}
			claimed++
		}
		total += claimed
		if len(candidates) < sweepBatch || claimed == 0 {
			break
		}
	}
	return total, nil
}

// Get returns a reservation by id.
func (m *Manager) Get(ctx context.Context, id string) (*Reservation, error) {
	return m.store.GetByID(ctx, id)
}

// Usage returns the tenant's current pool.
func (m *Manager) Usage(ctx context.Context, tenantID string) (*Pool, error) {
	planID, limit, err := m.plans.QuotaPlan(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}
	pool, err := m.store.GetPool(ctx, tenantID, planID, m.now())
	if errors.Is(err, ErrPoolNotFound) {
		return &Pool{TenantID: tenantID, PlanID: planID, Limit: limit}, nil
	}
	return pool, err
}

// ListByTenant returns the newest reservations of a tenant.
func (m *Manager) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Reservation, error) {
	return m.store.ListByTenant(ctx, tenantID, limit)
}

func (m *Manager) record(ctx context.Context, r *Reservation, action string) {
	if m.audit == nil {
		return
	}
	// Write already raised the alert on failure; the transition itself stands.
	_ = m.audit.Write(ctx, audit.KindReservation, r.TenantID, entity.Tenant(r.TenantID), action, r)
}
