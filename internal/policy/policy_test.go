package policy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sendguard/internal/entity"
)

func failureRatio() RiskFactor {
	return RiskFactor{
		Code:            "failure_ratio",
		Weight:          1.0,
		MaxContribution: 20,
		Thresholds:      Thresholds{Low: 0.1, Medium: 0.3, High: 0.5},
		Active:          true,
	}
}

func TestRiskFactor_Level(t *testing.T) {
	f := failureRatio()
	tests := []struct {
		observed float64
		want     float64
	}{
		{0.05, LevelNone},
		{0.1, LevelLow},
		{0.29, LevelLow},
		{0.3, LevelMedium},
		{0.4, LevelMedium},
		{0.5, LevelHigh},
		{0.9, LevelHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Level(tt.observed), "observed %v", tt.observed)
	}
}

func TestRiskFactor_Contribution(t *testing.T) {
	f := failureRatio()
	assert.InDelta(t, 13.2, f.Contribution(0.4), 1e-9)
	assert.InDelta(t, 0, f.Contribution(0.05), 1e-9)
	assert.InDelta(t, 20, f.Contribution(0.7), 1e-9)

	f.Weight = 3
	assert.InDelta(t, 20, f.Contribution(0.7), 1e-9, "capped at max contribution")
}

func TestRiskFactor_AppliesToKind(t *testing.T) {
	f := failureRatio()
	assert.True(t, f.AppliesToKind(entity.KindCampaign), "empty filter covers all kinds")

	f.AppliesTo = []entity.Kind{entity.KindTenant}
	assert.True(t, f.AppliesToKind(entity.KindTenant))
	assert.False(t, f.AppliesToKind(entity.KindConnection))
}

func TestAbuseRule_Breached(t *testing.T) {
	r := AbuseRule{
		Code:       "retry_abuse",
		SignalType: "failure_ratio",
		Thresholds: map[string]float64{"retries_per_minute": 20, "failure_ratio": 0.6},
	}

	_, ok := r.Breached(map[string]float64{"retries_per_minute": 5})
	assert.False(t, ok)

	key, ok := r.Breached(map[string]float64{"retries_per_minute": 20})
	assert.True(t, ok)
	assert.Equal(t, "retries_per_minute", key)

	_, ok = r.Breached(map[string]float64{"unrelated": 100})
	assert.False(t, ok, "missing keys never breach")
}

func TestAbuseRule_AppliesToAndDurations(t *testing.T) {
	r := AbuseRule{CooldownMinutes: 30, ActionDurationHours: 1.5}
	assert.True(t, r.AppliesTo("anything"))
	assert.Equal(t, 30*time.Minute, r.Cooldown())
	assert.Equal(t, 90*time.Minute, r.ActionDuration())

	r.ApplicableTiers = []string{TierNew}
	assert.True(t, r.AppliesTo(TierNew))
	assert.False(t, r.AppliesTo(TierTrusted))
}

func TestRateLimitTier_DailyLimitOn(t *testing.T) {
	tier := RateLimitTier{
		Code:   TierNew,
		PerDay: 5000,
		Warmup: []WarmupStep{{Day: 7, DailyLimit: 2500}, {Day: 0, DailyLimit: 200}, {Day: 3, DailyLimit: 1000}, {Day: 14, DailyLimit: 9000}},
	}
	assert.Equal(t, 200, tier.DailyLimitOn(0))
	assert.Equal(t, 200, tier.DailyLimitOn(2))
	assert.Equal(t, 1000, tier.DailyLimitOn(3))
	assert.Equal(t, 2500, tier.DailyLimitOn(10))
	assert.Equal(t, 5000, tier.DailyLimitOn(30), "warm-up never exceeds PerDay")

	plain := RateLimitTier{Code: TierStandard, PerDay: 100}
	assert.Equal(t, 100, plain.DailyLimitOn(0))
}

func TestDocument_Validate(t *testing.T) {
	require.NoError(t, DefaultDocument().Validate())

	tests := []struct {
		name string
		doc  Document
	}{
		{"factor without code", Document{Factors: []RiskFactor{{Weight: 1}}}},
		{"duplicate factor", Document{Factors: []RiskFactor{failureRatio(), failureRatio()}}},
		{"unordered thresholds", Document{Factors: []RiskFactor{{Code: "x", Thresholds: Thresholds{Low: 0.5, Medium: 0.3, High: 0.9}}}}},
		{"unknown kind", Document{Factors: []RiskFactor{{Code: "x", AppliesTo: []entity.Kind{"mailbox"}}}}},
		{"rule without thresholds", Document{Rules: []AbuseRule{{Code: "r", SignalType: "s"}}}},
		{"auto action without type", Document{Rules: []AbuseRule{{Code: "r", SignalType: "s", Thresholds: map[string]float64{"k": 1}, AutoAction: true}}}},
		{"tier without code", Document{Tiers: []RateLimitTier{{PerDay: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestSnapshot_RulesForOrdersByPriority(t *testing.T) {
	doc := &Document{
		Version: 3,
		Rules: []AbuseRule{
			{Code: "low", SignalType: "sig", Thresholds: map[string]float64{"k": 1}, Active: true, Priority: 10},
			{Code: "high", SignalType: "sig", Thresholds: map[string]float64{"k": 1}, Active: true, Priority: 90},
			{Code: "inactive", SignalType: "sig", Thresholds: map[string]float64{"k": 1}, Active: false, Priority: 100},
			{Code: "premium_only", SignalType: "sig", Thresholds: map[string]float64{"k": 1}, Active: true, Priority: 50, ApplicableTiers: []string{TierTrusted}},
			{Code: "other", SignalType: "other", Thresholds: map[string]float64{"k": 1}, Active: true},
		},
	}
	snap, err := NewSnapshot(doc, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version())

	rules := snap.RulesFor("sig", TierStandard)
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].Code)
	assert.Equal(t, "low", rules[1].Code)

	rules = snap.RulesFor("sig", TierTrusted)
	require.Len(t, rules, 3)
	assert.Equal(t, "premium_only", rules[1].Code)

	assert.Empty(t, snap.RulesFor("unknown", TierStandard))
}

func TestSnapshot_IsolatedFromCallers(t *testing.T) {
	doc := DefaultDocument()
	snap, err := NewSnapshot(doc, time.Now())
	require.NoError(t, err)

	doc.Factors[0].MaxContribution = 999
	f, ok := snap.Factor(SignalFailureRatio)
	require.True(t, ok)
	assert.Equal(t, 20.0, f.MaxContribution)

	rules := snap.RulesFor(SignalFailureRatio, TierStandard)
	require.NotEmpty(t, rules)
	rules[0].Thresholds[SignalFailureRatio] = 0
	again := snap.RulesFor(SignalFailureRatio, TierStandard)
	assert.Equal(t, 0.5, again[0].Thresholds[SignalFailureRatio])
}

func TestProvider_ReloadSwapsOnlyOnNewVersion(t *testing.T) {
	src := NewMemorySource(*DefaultDocument())
	p, err := NewProvider(src, nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Current().Version())

	changed, err := p.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	first := p.Current()
	assert.Equal(t, int64(1), first.Version())

	changed, err = p.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, p.Current(), "same version keeps the same snapshot")

	doc := *DefaultDocument()
	doc.Factors = doc.Factors[:1]
	src.Set(doc)

	changed, err = p.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(2), p.Current().Version())

	// Evaluations still holding the old snapshot keep seeing it.
	_, ok := first.Factor(SignalSpamReports)
	assert.True(t, ok)
	_, ok = p.Current().Factor(SignalSpamReports)
	assert.False(t, ok)
}

type failingSource struct{}

func (failingSource) Load(context.Context) (*Document, error) {
	return nil, errors.New("database unavailable")
}

func TestProvider_FailedReloadKeepsSnapshot(t *testing.T) {
	p, err := NewProvider(failingSource{}, DefaultDocument(), slog.Default())
	require.NoError(t, err)

	changed, err := p.Reload(context.Background())
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), p.Current().Version())
}

func TestProvider_InvalidDocumentRejected(t *testing.T) {
	src := NewMemorySource(Document{Version: 5, Factors: []RiskFactor{{Code: ""}}})
	p, err := NewProvider(src, DefaultDocument(), slog.Default())
	require.NoError(t, err)

	_, err = p.Reload(context.Background())
	assert.ErrorIs(t, err, ErrInvalidDocument)
	assert.Equal(t, int64(1), p.Current().Version())
}

func TestProvider_StartStop(t *testing.T) {
	src := NewMemorySource(*DefaultDocument())
	p, err := NewProvider(src, nil, slog.Default())
	require.NoError(t, err)
	p.WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	assert.Eventually(t, func() bool { return p.Current().Version() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Running())

	assert.Eventually(t, func() bool {
		p.Stop()
		return !p.Running()
	}, time.Second, 5*time.Millisecond)
}

func TestFileSource_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	yamlDoc := `
version: 7
risk_factors:
  - code: failure_ratio
    weight: 1.0
    max_contribution: 20
    thresholds: {low: 0.1, medium: 0.3, high: 0.5}
    applies_to: [tenant, connection]
    active: true
abuse_rules:
  - code: retry_abuse
    signal_type: failure_ratio
    severity: high
    thresholds: {retries_per_minute: 20}
    abuse_points: 10
    auto_action: true
    action_type: throttle
    action_duration_hours: 1
    cooldown_minutes: 30
    active: true
    priority: 80
rate_limit_tiers:
  - code: new
    per_minute: 30
    per_day: 5000
    warmup:
      - {day: 0, daily_limit: 200}
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	doc, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), doc.Version)
	require.Len(t, doc.Factors, 1)
	assert.Equal(t, []entity.Kind{entity.KindTenant, entity.KindConnection}, doc.Factors[0].AppliesTo)
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, 30, doc.Rules[0].CooldownMinutes)
	assert.Equal(t, 20.0, doc.Rules[0].Thresholds["retries_per_minute"])
	require.Len(t, doc.Tiers, 1)
	assert.Equal(t, 200, doc.Tiers[0].DailyLimitOn(0))
	require.NoError(t, doc.Validate())
}

func TestFileSource_JSONWithoutVersionUsesModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"riskFactors":[{"code":"spam_reports","weight":1,"maxContribution":25,"thresholds":{"low":1,"medium":3,"high":5},"active":true}]}`), 0o600))

	doc, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Greater(t, doc.Version, int64(0))
	require.Len(t, doc.Factors, 1)
	assert.Equal(t, 25.0, doc.Factors[0].MaxContribution)
}

func TestFileSource_Missing(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestHandler_GetAndReload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := NewMemorySource(*DefaultDocument())
	p, err := NewProvider(src, nil, slog.Default())
	require.NoError(t, err)

	r := gin.New()
	NewHandler(p).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/policy/reload", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"changed":true`)
	assert.Contains(t, w.Body.String(), `"version":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/policy", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"retry_abuse"`)
}
