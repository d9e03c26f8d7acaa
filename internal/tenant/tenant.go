// Package tenant holds the billed customers whose quota and risk are
// tracked, and maps each to its quota plan and rate-limit tier.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
	ErrTenantInactive = errors.New("tenant: not active")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Plan identifies the pricing tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// Settings stores per-tenant overrides of plan defaults.
type Settings struct {
	MonthlyQuota  int64  `json:"monthlyQuota,omitempty"` // 0 = plan default
	RateLimitTier string `json:"rateLimitTier,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// Tenant represents an organisation sending through the platform.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Plan        Plan      `json:"plan"`
	Status      Status    `json:"status"`
	Settings    Settings  `json:"settings"`
	OnboardedAt time.Time `json:"onboardedAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Active reports whether the tenant may send.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// QuotaLimit returns the monthly message quota, honouring overrides.
func (t *Tenant) QuotaLimit() int64 {
	if t.Settings.MonthlyQuota > 0 {
		return t.Settings.MonthlyQuota
	}
	return PlanFor(t.Plan).MonthlyQuota
}

// Tier returns the rate-limit tier code, honouring overrides.
func (t *Tenant) Tier() string {
	if t.Settings.RateLimitTier != "" {
		return t.Settings.RateLimitTier
	}
	return PlanFor(t.Plan).RateLimitTier
}

// DaysOnboarded is the whole number of days since onboarding, used for
// warm-up schedules.
func (t *Tenant) DaysOnboarded(now time.Time) int {
	if t.OnboardedAt.IsZero() || now.Before(t.OnboardedAt) {
		return 0
	}
	return int(now.Sub(t.OnboardedAt) / (24 * time.Hour))
}
