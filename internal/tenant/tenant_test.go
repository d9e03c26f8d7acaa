package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenant_PlanDefaultsAndOverrides(t *testing.T) {
	ten := &Tenant{Plan: PlanGrowth, Status: StatusActive}
	assert.Equal(t, int64(500_000), ten.QuotaLimit())
	assert.Equal(t, "standard", ten.Tier())

	ten.Settings = Settings{MonthlyQuota: 1200, RateLimitTier: "trusted"}
	assert.Equal(t, int64(1200), ten.QuotaLimit())
	assert.Equal(t, "trusted", ten.Tier())

	unknown := &Tenant{Plan: "platinum"}
	assert.Equal(t, Plans[PlanFree].MonthlyQuota, unknown.QuotaLimit())
	assert.False(t, ValidPlan("platinum"))
}

func TestTenant_DaysOnboarded(t *testing.T) {
	on := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ten := &Tenant{OnboardedAt: on}

	assert.Equal(t, 0, ten.DaysOnboarded(on.Add(23*time.Hour)))
	assert.Equal(t, 3, ten.DaysOnboarded(on.Add(75*time.Hour)))
	assert.Equal(t, 0, ten.DaysOnboarded(on.Add(-time.Hour)))
	assert.Equal(t, 0, (&Tenant{}).DaysOnboarded(on))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ten := &Tenant{ID: "ten_1", Slug: "acme", Plan: PlanStarter, Status: StatusActive}
	require.NoError(t, s.Create(ctx, ten))
	assert.ErrorIs(t, s.Create(ctx, &Tenant{ID: "ten_2", Slug: "acme"}), ErrSlugTaken)

	got, err := s.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ten_1", got.ID)

	// returned values are copies
	got.Plan = PlanEnterprise
	again, _ := s.Get(ctx, "ten_1")
	assert.Equal(t, PlanStarter, again.Plan)

	require.NoError(t, s.Update(ctx, got))
	again, _ = s.Get(ctx, "ten_1")
	assert.Equal(t, PlanEnterprise, again.Plan)

	// slug is immutable through Update
	got.Slug = "renamed"
	require.NoError(t, s.Update(ctx, got))
	again, _ = s.Get(ctx, "ten_1")
	assert.Equal(t, "acme", again.Slug)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.ErrorIs(t, s.Update(ctx, &Tenant{ID: "missing"}), ErrTenantNotFound)

	list, err := s.List(ctx, ListFilter{Plan: PlanEnterprise})
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = s.List(ctx, ListFilter{Status: StatusSuspended})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	on := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, &Tenant{
		ID: "t1", Slug: "t-one", Plan: PlanStarter, Status: StatusActive, OnboardedAt: on,
	}))
	require.NoError(t, s.Create(ctx, &Tenant{
		ID: "t2", Slug: "t-two", Plan: PlanStarter, Status: StatusSuspended,
	}))

	d := NewDirectory(s, 0, time.Minute).WithClock(func() time.Time { return on.Add(48 * time.Hour) })

	plan, limit, err := d.QuotaPlan(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "starter", plan)
	assert.Equal(t, int64(50_000), limit)

	tier, err := d.Tier(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "new", tier)

	days, err := d.DaysOnboarded(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, days)

	_, _, err = d.QuotaPlan(ctx, "t2")
	assert.ErrorIs(t, err, ErrTenantInactive)
	_, _, err = d.QuotaPlan(ctx, "nope")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	// cached until invalidated
	ten, _ := s.Get(ctx, "t1")
	ten.Plan = PlanGrowth
	require.NoError(t, s.Update(ctx, ten))
	_, limit, _ = d.QuotaPlan(ctx, "t1")
	assert.Equal(t, int64(50_000), limit)

	d.Invalidate("t1")
	_, limit, _ = d.QuotaPlan(ctx, "t1")
	assert.Equal(t, int64(500_000), limit)
}
