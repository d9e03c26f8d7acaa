// Package policy holds the versioned configuration the risk engine consumes:
// risk factors, abuse rules and rate-limit tiers.
//
// Configuration is read through a Provider, which exposes an immutable
// Snapshot and swaps it atomically when the Source reports a new version.
// Evaluations take one snapshot at their start and never observe a reload
// half way through.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sendguard/internal/entity"
)

// Errors
var (
	ErrInvalidDocument = errors.New("policy: invalid document")
	ErrNoSource        = errors.New("policy: no source configured")
)

// Factor levels returned by RiskFactor.Level.
const (
	LevelNone   = 0.0
	LevelLow    = 0.33
	LevelMedium = 0.66
	LevelHigh   = 1.0
)

// Thresholds are the observed-value cut-offs for a risk factor.
type Thresholds struct {
	Low    float64 `json:"low" yaml:"low"`
	Medium float64 `json:"medium" yaml:"medium"`
	High   float64 `json:"high" yaml:"high"`
}

// RiskFactor is a weighted, thresholded signal source.
type RiskFactor struct {
	Code            string        `json:"code" yaml:"code"`
	Weight          float64       `json:"weight" yaml:"weight"`
	MaxContribution float64       `json:"maxContribution" yaml:"max_contribution"`
	Thresholds      Thresholds    `json:"thresholds" yaml:"thresholds"`
	AppliesTo       []entity.Kind `json:"appliesTo,omitempty" yaml:"applies_to,omitempty"`
	Active          bool          `json:"active" yaml:"active"`
}

// Level buckets an observed value against the thresholds.
func (f RiskFactor) Level(observed float64) float64 {
	switch {
	case observed >= f.Thresholds.High:
		return LevelHigh
	case observed >= f.Thresholds.Medium:
		return LevelMedium
	case observed >= f.Thresholds.Low:
		return LevelLow
	default:
		return LevelNone
	}
}

// Contribution returns the score increase for an observed value.
func (f RiskFactor) Contribution(observed float64) float64 {
	c := f.MaxContribution * f.Level(observed) * f.Weight
	if c > f.MaxContribution {
		return f.MaxContribution
	}
	return c
}

// AppliesToKind reports whether the factor scores this entity kind.
// An empty filter applies to every kind.
func (f RiskFactor) AppliesToKind(k entity.Kind) bool {
	if len(f.AppliesTo) == 0 {
		return true
	}
	for _, a := range f.AppliesTo {
		if a == k {
			return true
		}
	}
	return false
}

// AbuseRule is a threshold with cooldown and an optional automatic mitigation.
type AbuseRule struct {
	Code                string             `json:"code" yaml:"code"`
	SignalType          string             `json:"signalType" yaml:"signal_type"`
	Severity            string             `json:"severity" yaml:"severity"`
	Thresholds          map[string]float64 `json:"thresholds" yaml:"thresholds"`
	ApplicableTiers     []string           `json:"applicableTiers,omitempty" yaml:"applicable_tiers,omitempty"`
	AbusePoints         int                `json:"abusePoints" yaml:"abuse_points"`
	AutoAction          bool               `json:"autoAction" yaml:"auto_action"`
	ActionType          string             `json:"actionType,omitempty" yaml:"action_type,omitempty"`
	ActionDurationHours float64            `json:"actionDurationHours,omitempty" yaml:"action_duration_hours,omitempty"`
	CooldownMinutes     int                `json:"cooldownMinutes" yaml:"cooldown_minutes"`
	Active              bool               `json:"active" yaml:"active"`
	Priority            int                `json:"priority" yaml:"priority"`
}

// AppliesTo reports whether the rule covers a tenant tier.
// An empty tier list covers every tier.
func (r AbuseRule) AppliesTo(tier string) bool {
	if len(r.ApplicableTiers) == 0 {
		return true
	}
	for _, t := range r.ApplicableTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Cooldown is the minimum interval between two firings for the same tenant.
func (r AbuseRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// ActionDuration is how long an automatic action stays in force.
// Zero means open-ended.
func (r AbuseRule) ActionDuration() time.Duration {
	return time.Duration(r.ActionDurationHours * float64(time.Hour))
}

// Breached returns the first threshold key (in sorted order) whose value in
// observed meets or exceeds the configured threshold.
func (r AbuseRule) Breached(observed map[string]float64) (string, bool) {
	for _, key := range sortedKeys(r.Thresholds) {
		v, ok := observed[key]
		if ok && v >= r.Thresholds[key] {
			return key, true
		}
	}
	return "", false
}

// WarmupStep caps daily volume from a given day after onboarding.
type WarmupStep struct {
	Day        int `json:"day" yaml:"day"`
	DailyLimit int `json:"dailyLimit" yaml:"daily_limit"`
}

// RateLimitTier describes the throughput a tenant tier may consume.
type RateLimitTier struct {
	Code                string       `json:"code" yaml:"code"`
	PerMinute           int          `json:"perMinute" yaml:"per_minute"`
	PerHour             int          `json:"perHour" yaml:"per_hour"`
	PerDay              int          `json:"perDay" yaml:"per_day"`
	BurstLimit          int          `json:"burstLimit" yaml:"burst_limit"`
	InterMessageDelayMs int          `json:"interMessageDelayMs" yaml:"inter_message_delay_ms"`
	Warmup              []WarmupStep `json:"warmup,omitempty" yaml:"warmup,omitempty"`
	MaxConcurrent       int          `json:"maxConcurrent" yaml:"max_concurrent"`
}

// InterMessageDelay is the minimum gap the sender keeps between messages.
func (t RateLimitTier) InterMessageDelay() time.Duration {
	return time.Duration(t.InterMessageDelayMs) * time.Millisecond
}

// DailyLimitOn returns the daily cap on the given day since onboarding
// (day 0 is the first day). The warm-up step with the greatest Day not after
// day applies; without one the tier's PerDay applies. Warm-up never raises
// the cap above PerDay.
func (t RateLimitTier) DailyLimitOn(day int) int {
	limit := t.PerDay
	best := -1
	for _, s := range t.Warmup {
		if s.Day <= day && s.Day > best {
			best = s.Day
			limit = s.DailyLimit
		}
	}
	if t.PerDay > 0 && limit > t.PerDay {
		return t.PerDay
	}
	return limit
}

// Document is the serialised form of a policy version.
type Document struct {
	Version int64           `json:"version" yaml:"version"`
	Factors []RiskFactor    `json:"riskFactors" yaml:"risk_factors"`
	Rules   []AbuseRule     `json:"abuseRules" yaml:"abuse_rules"`
	Tiers   []RateLimitTier `json:"rateLimitTiers" yaml:"rate_limit_tiers"`
}

// Validate checks a document before it becomes a snapshot.
func (d *Document) Validate() error {
	seen := make(map[string]bool)
	for i, f := range d.Factors {
		if f.Code == "" {
			return fmt.Errorf("%w: risk factor %d has no code", ErrInvalidDocument, i)
		}
		if seen["f:"+f.Code] {
			return fmt.Errorf("%w: duplicate risk factor %q", ErrInvalidDocument, f.Code)
		}
		seen["f:"+f.Code] = true
		if f.Weight < 0 || f.MaxContribution < 0 {
			return fmt.Errorf("%w: risk factor %q has negative weight or contribution", ErrInvalidDocument, f.Code)
		}
		th := f.Thresholds
		if th.Low > th.Medium || th.Medium > th.High {
			return fmt.Errorf("%w: risk factor %q thresholds must satisfy low <= medium <= high", ErrInvalidDocument, f.Code)
		}
		for _, k := range f.AppliesTo {
			if !k.Valid() {
				return fmt.Errorf("%w: risk factor %q applies to unknown entity kind %q", ErrInvalidDocument, f.Code, k)
			}
		}
	}
	for i, r := range d.Rules {
		if r.Code == "" || r.SignalType == "" {
			return fmt.Errorf("%w: abuse rule %d needs code and signal type", ErrInvalidDocument, i)
		}
		if seen["r:"+r.Code] {
			return fmt.Errorf("%w: duplicate abuse rule %q", ErrInvalidDocument, r.Code)
		}
		seen["r:"+r.Code] = true
		if len(r.Thresholds) == 0 {
			return fmt.Errorf("%w: abuse rule %q has no thresholds", ErrInvalidDocument, r.Code)
		}
		if r.AutoAction && r.ActionType == "" {
			return fmt.Errorf("%w: abuse rule %q has auto action without action type", ErrInvalidDocument, r.Code)
		}
		if r.CooldownMinutes < 0 || r.ActionDurationHours < 0 {
			return fmt.Errorf("%w: abuse rule %q has negative cooldown or duration", ErrInvalidDocument, r.Code)
		}
	}
	for i, t := range d.Tiers {
		if t.Code == "" {
			return fmt.Errorf("%w: rate limit tier %d has no code", ErrInvalidDocument, i)
		}
		if seen["t:"+t.Code] {
			return fmt.Errorf("%w: duplicate rate limit tier %q", ErrInvalidDocument, t.Code)
		}
		seen["t:"+t.Code] = true
		if t.PerMinute < 0 || t.PerHour < 0 || t.PerDay < 0 || t.BurstLimit < 0 {
			return fmt.Errorf("%w: rate limit tier %q has negative limits", ErrInvalidDocument, t.Code)
		}
	}
	return nil
}
