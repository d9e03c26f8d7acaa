package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbd888/sendguard/internal/metrics"
	"github.com/mbd888/sendguard/internal/policy"
)

// Policy supplies the active rate-limit tiers.
type Policy interface {
	Current() *policy.Snapshot
}

// TenantInfo resolves the tier and onboarding age of a tenant.
type TenantInfo interface {
	Tier(ctx context.Context, tenantID string) (string, error)
	DaysOnboarded(ctx context.Context, tenantID string) (int, error)
}

const lookupTimeout = 2 * time.Second

// TierLimiter meters per-tenant send throughput against the tenant's
// rate-limit tier. A factor below 1 (a throttle mitigation) scales every
// limit of the tier down proportionally.
type TierLimiter struct {
	policy  Policy
	tenants TenantInfo
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state map[string]*tenantState
}

type tenantState struct {
	minute bucket
	hour   bucket
	day    string // UTC date of the running daily count
	sent   int64
	seeded bool
}

// NewTierLimiter creates a tier-driven limiter.
func NewTierLimiter(p Policy, tenants TenantInfo, logger *slog.Logger) *TierLimiter {
	return &TierLimiter{
		policy:  p,
		tenants: tenants,
		logger:  logger,
		now:     time.Now,
		state:   make(map[string]*tenantState),
	}
}

// WithClock overrides the time source.
func (t *TierLimiter) WithClock(now func() time.Time) *TierLimiter {
	t.now = now
	return t
}

// AllowN reports whether tenantID may send n messages now at the given
// throughput factor, and consumes the capacity when it may. Unknown tiers
// and lookup failures admit the send.
func (t *TierLimiter) AllowN(tenantID string, factor float64, n int64) bool {
	if n <= 0 {
		return true
	}
	if factor <= 0 || factor > 1 {
		factor = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	code, err := t.tenants.Tier(ctx, tenantID)
	if err != nil {
		t.logger.Warn("tier lookup failed, admitting send", "tenant", tenantID, "error", err)
		return true
	}
	tier, ok := t.policy.Current().Tier(code)
	if !ok {
		t.logger.Warn("unknown rate limit tier, admitting send", "tenant", tenantID, "tier", code)
		return true
	}
	days, err := t.tenants.DaysOnboarded(ctx, tenantID)
	if err != nil {
		days = 0
	}

	now := t.now()
	daily := scaled(tier.DailyLimitOn(days), factor)

	t.mu.Lock()
	defer t.mu.Unlock()

	st, exists := t.state[tenantID]
	if !exists {
		st = &tenantState{}
		t.state[tenantID] = st
	}
	if !st.seeded {
		st.minute = bucket{tokens: float64(scaled(tier.BurstLimit, factor)), lastCheck: now}
		st.hour = bucket{tokens: float64(scaled(tier.PerHour, factor)), lastCheck: now}
		st.seeded = true
	}
	today := now.UTC().Format("2006-01-02")
	if st.day != today {
		st.day = today
		st.sent = 0
	}

	if daily > 0 && st.sent+n > int64(daily) {
		return t.refuse("daily", code)
	}

	// Check both windows before consuming either.
	minute, hour := st.minute, st.hour
	if tier.PerMinute > 0 {
		burst := math.Max(float64(scaled(tier.BurstLimit, factor)), float64(n))
		if !minute.take(now, float64(tier.PerMinute)*factor/60.0, burst, float64(n)) {
			return t.refuse("minute", code)
		}
	}
	if tier.PerHour > 0 {
		capacity := float64(scaled(tier.PerHour, factor))
		if !hour.take(now, float64(tier.PerHour)*factor/3600.0, capacity, float64(n)) {
			return t.refuse("hour", code)
		}
	}
	st.minute, st.hour = minute, hour
	st.sent += n
	return true
}

// ReturnN gives back capacity taken by an AllowN whose send did not go
// ahead. Windows never refill past their size.
func (t *TierLimiter) ReturnN(tenantID string, n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[tenantID]
	if !ok || !st.seeded {
		return
	}
	st.minute.tokens += float64(n)
	st.hour.tokens += float64(n)
	if st.day == t.now().UTC().Format("2006-01-02") {
		st.sent = max(st.sent-n, 0)
	}
}

// Sent returns the messages admitted for tenantID on the current UTC day.
func (t *TierLimiter) Sent(tenantID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[tenantID]
	if !ok || st.day != t.now().UTC().Format("2006-01-02") {
		return 0
	}
	return st.sent
}

func (t *TierLimiter) refuse(window, tier string) bool {
	metrics.RateLimitedTotal.WithLabelValues("tier_" + window).Inc()
	t.logger.Debug("send refused by tier limit", "window", window, "tier", tier)
	return false
}

// scaled applies factor to a limit, keeping at least 1 for positive limits.
func scaled(limit int, factor float64) int {
	if limit <= 0 {
		return limit
	}
	v := int(math.Floor(float64(limit) * factor))
	if v < 1 {
		return 1
	}
	return v
}
