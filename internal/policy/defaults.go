package policy

import "github.com/mbd888/sendguard/internal/entity"

// Signal types understood by the default policy. Risk factors share their
// codes so a signal scores against the factor of the same name.
const (
	SignalFailureRatio   = "failure_ratio"
	SignalRejectRatio    = "reject_ratio"
	SignalSpamReports    = "spam_reports"
	SignalOffHoursVolume = "off_hours_volume"
	SignalTemplateAbuse  = "template_abuse"
)

// Tier codes used by the default policy.
const (
	TierNew      = "new"
	TierStandard = "standard"
	TierTrusted  = "trusted"
)

// DefaultDocument is the built-in policy used when no file or database
// policy is configured.
func DefaultDocument() *Document {
	allKinds := []entity.Kind{entity.KindTenant, entity.KindConnection, entity.KindCampaign}
	return &Document{
		Version: 1,
		Factors: []RiskFactor{
			{Code: SignalFailureRatio, Weight: 1.0, MaxContribution: 20, Thresholds: Thresholds{Low: 0.1, Medium: 0.3, High: 0.5}, AppliesTo: allKinds, Active: true},
			{Code: SignalRejectRatio, Weight: 0.8, MaxContribution: 15, Thresholds: Thresholds{Low: 0.05, Medium: 0.15, High: 0.3}, AppliesTo: allKinds, Active: true},
			{Code: SignalSpamReports, Weight: 1.0, MaxContribution: 25, Thresholds: Thresholds{Low: 1, Medium: 3, High: 5}, Active: true},
			{Code: SignalOffHoursVolume, Weight: 0.5, MaxContribution: 10, Thresholds: Thresholds{Low: 200, Medium: 500, High: 1000}, AppliesTo: []entity.Kind{entity.KindTenant, entity.KindConnection}, Active: true},
			{Code: SignalTemplateAbuse, Weight: 1.0, MaxContribution: 20, Thresholds: Thresholds{Low: 1, Medium: 2, High: 3}, AppliesTo: []entity.Kind{entity.KindTenant, entity.KindCampaign}, Active: true},
		},
		Rules: []AbuseRule{
			{
				Code: "spam_burst", SignalType: SignalSpamReports, Severity: "critical",
				Thresholds:      map[string]float64{SignalSpamReports: 5},
				ApplicableTiers: []string{TierNew, TierStandard},
				AbusePoints:     25, AutoAction: true, ActionType: "suspend", ActionDurationHours: 24,
				CooldownMinutes: 120, Active: true, Priority: 100,
			},
			{
				Code: "high_failure", SignalType: SignalFailureRatio, Severity: "high",
				Thresholds:  map[string]float64{SignalFailureRatio: 0.5},
				AbusePoints: 15, AutoAction: true, ActionType: "pause", ActionDurationHours: 2,
				CooldownMinutes: 60, Active: true, Priority: 90,
			},
			{
				Code: "retry_abuse", SignalType: SignalFailureRatio, Severity: "high",
				Thresholds:  map[string]float64{"retries_per_minute": 20},
				AbusePoints: 10, AutoAction: true, ActionType: "throttle", ActionDurationHours: 1,
				CooldownMinutes: 30, Active: true, Priority: 80,
			},
			{
				Code: "template_misuse", SignalType: SignalTemplateAbuse, Severity: "medium",
				Thresholds:  map[string]float64{SignalTemplateAbuse: 3},
				AbusePoints: 20, AutoAction: true, ActionType: "manual_review",
				CooldownMinutes: 240, Active: true, Priority: 70,
			},
			{
				Code: "reject_storm", SignalType: SignalRejectRatio, Severity: "medium",
				Thresholds:  map[string]float64{SignalRejectRatio: 0.3},
				AbusePoints: 10, AutoAction: true, ActionType: "throttle", ActionDurationHours: 2,
				CooldownMinutes: 60, Active: true, Priority: 60,
			},
			{
				Code: "off_hours_blast", SignalType: SignalOffHoursVolume, Severity: "low",
				Thresholds:      map[string]float64{SignalOffHoursVolume: 1000},
				ApplicableTiers: []string{TierNew, TierStandard},
				AbusePoints:     5, AutoAction: true, ActionType: "notify",
				CooldownMinutes: 60, Active: true, Priority: 50,
			},
		},
		Tiers: []RateLimitTier{
			{
				Code: TierNew, PerMinute: 30, PerHour: 500, PerDay: 5000, BurstLimit: 10,
				InterMessageDelayMs: 500, MaxConcurrent: 2,
				Warmup: []WarmupStep{{Day: 0, DailyLimit: 200}, {Day: 3, DailyLimit: 1000}, {Day: 7, DailyLimit: 2500}, {Day: 14, DailyLimit: 5000}},
			},
			{Code: TierStandard, PerMinute: 300, PerHour: 10000, PerDay: 100000, BurstLimit: 50, InterMessageDelayMs: 50, MaxConcurrent: 10},
			{Code: TierTrusted, PerMinute: 3000, PerHour: 100000, PerDay: 1000000, BurstLimit: 500, MaxConcurrent: 50},
		},
	}
}
