package tenant

// PlanConfig defines limits for a pricing tier.
type PlanConfig struct {
	Plan          Plan
	MonthlyQuota  int64
	RateLimitTier string
}

// Plans is the hardcoded plan catalogue.
var Plans = map[Plan]PlanConfig{
	PlanFree: {
		Plan:          PlanFree,
		MonthlyQuota:  1000,
		RateLimitTier: "new",
	},
	PlanStarter: {
		Plan:          PlanStarter,
		MonthlyQuota:  50_000,
		RateLimitTier: "new",
	},
	PlanGrowth: {
		Plan:          PlanGrowth,
		MonthlyQuota:  500_000,
		RateLimitTier: "standard",
	},
	PlanEnterprise: {
		Plan:          PlanEnterprise,
		MonthlyQuota:  5_000_000,
		RateLimitTier: "trusted",
	},
}

// PlanFor returns a plan's config, falling back to the free plan.
func PlanFor(p Plan) PlanConfig {
	cfg, ok := Plans[p]
	if !ok {
		return Plans[PlanFree]
	}
	return cfg
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	_, ok := Plans[p]
	return ok
}
