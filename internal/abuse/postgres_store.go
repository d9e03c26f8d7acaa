package abuse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresCooldowns persists last-fired timestamps in abuse_cooldowns. The
// conditional upsert makes check-and-record a single statement.
type PostgresCooldowns struct {
	db *sql.DB
}

// NewPostgresCooldowns creates a PostgreSQL-backed cooldown index.
func NewPostgresCooldowns(db *sql.DB) *PostgresCooldowns {
	return &PostgresCooldowns{db: db}
}

func (p *PostgresCooldowns) TryFire(ctx context.Context, ruleCode, tenantID string, now time.Time, cooldown time.Duration) (bool, error) {
	var fired time.Time
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO abuse_cooldowns (rule_code, tenant_id, last_fired_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (rule_code, tenant_id) DO UPDATE
			SET last_fired_at = EXCLUDED.last_fired_at
			WHERE abuse_cooldowns.last_fired_at < $3::timestamptz - ($4::double precision * INTERVAL '1 millisecond')
		RETURNING last_fired_at
	`, ruleCode, tenantID, now, cooldown.Milliseconds()).Scan(&fired)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record rule firing: %w", err)
	}
	return true, nil
}

func (p *PostgresCooldowns) LastFired(ctx context.Context, ruleCode, tenantID string) (time.Time, bool, error) {
	var last time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT last_fired_at FROM abuse_cooldowns WHERE rule_code = $1 AND tenant_id = $2
	`, ruleCode, tenantID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last firing: %w", err)
	}
	return last, true, nil
}

// PostgresPoints keeps running abuse-point totals in abuse_points.
type PostgresPoints struct {
	db *sql.DB
}

// NewPostgresPoints creates a PostgreSQL-backed points ledger.
func NewPostgresPoints(db *sql.DB) *PostgresPoints {
	return &PostgresPoints{db: db}
}

func (p *PostgresPoints) Add(ctx context.Context, tenantID string, points int, at time.Time) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO abuse_points (tenant_id, points, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
			SET points = abuse_points.points + EXCLUDED.points, updated_at = EXCLUDED.updated_at
		RETURNING points
	`, tenantID, points, at).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to add abuse points: %w", err)
	}
	return total, nil
}

func (p *PostgresPoints) Total(ctx context.Context, tenantID string) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `SELECT points FROM abuse_points WHERE tenant_id = $1`, tenantID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read abuse points: %w", err)
	}
	return total, nil
}
