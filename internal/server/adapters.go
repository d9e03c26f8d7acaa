package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/sendguard/internal/action"
	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/quota"
	"github.com/mbd888/sendguard/internal/tenant"
)

// -----------------------------------------------------------------------------
// Quota adapters
// -----------------------------------------------------------------------------

// planResolver adapts tenant.Directory to quota.PlanResolver. Unknown
// tenants are not reservable; inactive tenants are denied as suspended.
type planResolver struct {
	directory *tenant.Directory
}

func (p *planResolver) QuotaPlan(ctx context.Context, tenantID string) (string, int64, error) {
	planID, limit, err := p.directory.QuotaPlan(ctx, tenantID)
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		return "", 0, fmt.Errorf("%w: %s", quota.ErrUnknownTenant, tenantID)
	case errors.Is(err, tenant.ErrTenantInactive):
		return "", 0, fmt.Errorf("%w: %s", quota.ErrEntitySuspended, entity.Tenant(tenantID))
	case err != nil:
		return "", 0, err
	}
	return planID, limit, nil
}

// restrictionGuard adapts action.Controller to quota.Guard.
type restrictionGuard struct {
	controller *action.Controller
}

func (g *restrictionGuard) Restriction(ctx context.Context, refs []entity.Ref) (quota.Restriction, error) {
	r, err := g.controller.Restriction(ctx, refs)
	if err != nil {
		return quota.Restriction{}, err
	}
	out := quota.Restriction{
		Level:    quota.RestrictionNone,
		Factor:   r.Factor,
		ActionID: r.ActionID,
		Entity:   r.Entity,
	}
	switch r.Level {
	case action.RestrictionBlacklisted:
		out.Level = quota.RestrictionBlacklisted
	case action.RestrictionSuspended:
		out.Level = quota.RestrictionSuspended
	case action.RestrictionThrottled:
		out.Level = quota.RestrictionThrottled
	}
	return out, nil
}
