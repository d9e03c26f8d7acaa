package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/sendguard/internal/entity"
)

// PostgresStore reads and publishes policy documents from the config tables.
// Each publish appends a row to policy_versions; the highest row is the
// document version.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load reads all config tables in one repeatable-read snapshot.
func (p *PostgresStore) Load(ctx context.Context) (*Document, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	doc := &Document{}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM policy_versions`).Scan(&doc.Version); err != nil {
		return nil, fmt.Errorf("read policy version: %w", err)
	}

	if doc.Factors, err = loadFactors(ctx, tx); err != nil {
		return nil, err
	}
	if doc.Rules, err = loadRules(ctx, tx); err != nil {
		return nil, err
	}
	if doc.Tiers, err = loadTiers(ctx, tx); err != nil {
		return nil, err
	}
	return doc, tx.Commit()
}

func loadFactors(ctx context.Context, tx *sql.Tx) ([]RiskFactor, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT code, weight, max_contribution, threshold_low, threshold_medium, threshold_high, applies_to, active
		FROM risk_factors ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query risk factors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RiskFactor
	for rows.Next() {
		var f RiskFactor
		var kinds []string
		if err := rows.Scan(&f.Code, &f.Weight, &f.MaxContribution,
			&f.Thresholds.Low, &f.Thresholds.Medium, &f.Thresholds.High,
			pq.Array(&kinds), &f.Active); err != nil {
			return nil, err
		}
		for _, k := range kinds {
			f.AppliesTo = append(f.AppliesTo, entity.Kind(k))
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func loadRules(ctx context.Context, tx *sql.Tx) ([]AbuseRule, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT code, signal_type, severity, thresholds, applicable_tiers, abuse_points,
			auto_action, COALESCE(action_type, ''), action_duration_hours, cooldown_minutes, active, priority
		FROM abuse_rules ORDER BY priority DESC, code`)
	if err != nil {
		return nil, fmt.Errorf("query abuse rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AbuseRule
	for rows.Next() {
		var r AbuseRule
		var thresholds []byte
		if err := rows.Scan(&r.Code, &r.SignalType, &r.Severity, &thresholds,
			pq.Array(&r.ApplicableTiers), &r.AbusePoints, &r.AutoAction, &r.ActionType,
			&r.ActionDurationHours, &r.CooldownMinutes, &r.Active, &r.Priority); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(thresholds, &r.Thresholds); err != nil {
			return nil, fmt.Errorf("corrupt thresholds for rule %s: %w", r.Code, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadTiers(ctx context.Context, tx *sql.Tx) ([]RateLimitTier, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT code, per_minute, per_hour, per_day, burst_limit, inter_message_delay_ms, warmup, max_concurrent
		FROM rate_limit_tiers ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query rate limit tiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RateLimitTier
	for rows.Next() {
		var t RateLimitTier
		var warmup []byte
		if err := rows.Scan(&t.Code, &t.PerMinute, &t.PerHour, &t.PerDay, &t.BurstLimit,
			&t.InterMessageDelayMs, &warmup, &t.MaxConcurrent); err != nil {
			return nil, err
		}
		if len(warmup) > 0 {
			if err := json.Unmarshal(warmup, &t.Warmup); err != nil {
				return nil, fmt.Errorf("corrupt warmup for tier %s: %w", t.Code, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Publish replaces the config tables with doc and records a new version.
// The document's own version field is ignored; the assigned version is
// returned.
func (p *PostgresStore) Publish(ctx context.Context, doc *Document, publishedBy string) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"risk_factors", "abuse_rules", "rate_limit_tiers"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return 0, fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, f := range doc.Factors {
		kinds := make([]string, len(f.AppliesTo))
		for i, k := range f.AppliesTo {
			kinds[i] = string(k)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO risk_factors (code, weight, max_contribution, threshold_low, threshold_medium, threshold_high, applies_to, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			f.Code, f.Weight, f.MaxContribution, f.Thresholds.Low, f.Thresholds.Medium, f.Thresholds.High,
			pq.Array(kinds), f.Active,
		); err != nil {
			return 0, fmt.Errorf("insert risk factor %s: %w", f.Code, err)
		}
	}

	for _, r := range doc.Rules {
		thresholds, err := json.Marshal(r.Thresholds)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO abuse_rules (code, signal_type, severity, thresholds, applicable_tiers, abuse_points,
				auto_action, action_type, action_duration_hours, cooldown_minutes, active, priority)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)`,
			r.Code, r.SignalType, r.Severity, thresholds, pq.Array(r.ApplicableTiers), r.AbusePoints,
			r.AutoAction, r.ActionType, r.ActionDurationHours, r.CooldownMinutes, r.Active, r.Priority,
		); err != nil {
			return 0, fmt.Errorf("insert abuse rule %s: %w", r.Code, err)
		}
	}

	for _, t := range doc.Tiers {
		warmup, err := json.Marshal(t.Warmup)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_limit_tiers (code, per_minute, per_hour, per_day, burst_limit, inter_message_delay_ms, warmup, max_concurrent)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.Code, t.PerMinute, t.PerHour, t.PerDay, t.BurstLimit, t.InterMessageDelayMs, warmup, t.MaxConcurrent,
		); err != nil {
			return 0, fmt.Errorf("insert rate limit tier %s: %w", t.Code, err)
		}
	}

	var version int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO policy_versions (published_by) VALUES ($1) RETURNING version`,
		publishedBy,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("record policy version: %w", err)
	}
	return version, tx.Commit()
}

// Empty reports whether nothing has been published yet.
func (p *PostgresStore) Empty(ctx context.Context) (bool, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_versions`).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}
