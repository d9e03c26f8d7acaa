package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/risk"
)

// PostgresStore persists actions in PostgreSQL. The partial unique index
// on active (entity, type) is the final arbiter against duplicates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed action store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const actionColumns = `
	id, entity_type, entity_id, tenant_id, action_type, reason, score_at_action,
	risk_level_at_action, params, status, applied_by, applied_at, expires_at,
	revoked_at, revoked_by, revoke_reason, ended_at, escalated_to, was_effective,
	post_action_score`

func (p *PostgresStore) Create(ctx context.Context, a *Action) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_actions (
			id, entity_type, entity_id, tenant_id, action_type, reason, score_at_action,
			risk_level_at_action, params, status, applied_by, applied_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
	`,
		a.ID, string(a.Entity.Kind), a.Entity.ID, a.TenantID, string(a.Type), a.Reason,
		a.ScoreAtAction, string(a.LevelAtAction), params, string(a.Status), a.AppliedBy,
		a.AppliedAt, nullTime(a.ExpiresAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateActive
		}
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Action, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM risk_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	return a, err
}

func (p *PostgresStore) GetActive(ctx context.Context, ref entity.Ref, t Type) (*Action, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM risk_actions
		WHERE entity_type = $1 AND entity_id = $2 AND action_type = $3 AND status = 'active'
	`, string(ref.Kind), ref.ID, string(t))
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	return a, err
}

func (p *PostgresStore) ListActive(ctx context.Context, refs []entity.Ref) ([]*Action, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	var clauses []string
	args := make([]any, 0, len(refs)*2)
	for i, r := range refs {
		clauses = append(clauses, fmt.Sprintf("(entity_type = $%d AND entity_id = $%d)", i*2+1, i*2+2))
		args = append(args, string(r.Kind), r.ID)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM risk_actions
		WHERE status = 'active' AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY applied_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active actions: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) ListByEntity(ctx context.Context, ref entity.Ref, limit int) ([]*Action, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM risk_actions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY applied_at DESC
		LIMIT $3
	`, string(ref.Kind), ref.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM risk_actions
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due actions: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) End(ctx context.Context, id string, to Status, at time.Time, f Finish) (*Action, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE risk_actions SET
			status = $2,
			ended_at = $3,
			revoked_at = CASE WHEN $2 = 'revoked' THEN $3 ELSE revoked_at END,
			revoked_by = COALESCE(NULLIF($4, ''), revoked_by),
			revoke_reason = COALESCE(NULLIF($5, ''), revoke_reason),
			escalated_to = COALESCE(NULLIF($6, ''), escalated_to),
			was_effective = COALESCE($7, was_effective),
			post_action_score = COALESCE($8, post_action_score)
		WHERE id = $1 AND status = 'active'
		RETURNING `+actionColumns,
		id, string(to), at, f.RevokedBy, f.RevokeReason, f.EscalatedTo, nullBool(f.WasEffective), nullFloat(f.PostActionScore),
	)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := p.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, errStatusChanged
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (*Action, error) {
	var a Action
	var kind, typ, level, status string
	var params []byte
	var appliedBy, revokedBy, revokeReason, escalatedTo sql.NullString
	var expiresAt, revokedAt, endedAt sql.NullTime
	var wasEffective sql.NullBool
	var postScore sql.NullFloat64

	if err := s.Scan(&a.ID, &kind, &a.Entity.ID, &a.TenantID, &typ, &a.Reason, &a.ScoreAtAction,
		&level, &params, &status, &appliedBy, &a.AppliedAt, &expiresAt,
		&revokedAt, &revokedBy, &revokeReason, &endedAt, &escalatedTo, &wasEffective,
		&postScore); err != nil {
		return nil, err
	}
	a.Entity.Kind = entity.Kind(kind)
	a.Type = Type(typ)
	a.LevelAtAction = risk.Level(level)
	a.Status = Status(status)
	if len(params) > 0 {
		_ = json.Unmarshal(params, &a.Params)
	}
	a.AppliedBy = appliedBy.String
	a.RevokedBy = revokedBy.String
	a.RevokeReason = revokeReason.String
	a.EscalatedTo = escalatedTo.String
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		a.RevokedAt = &revokedAt.Time
	}
	if endedAt.Valid {
		a.EndedAt = &endedAt.Time
	}
	if wasEffective.Valid {
		a.WasEffective = &wasEffective.Bool
	}
	if postScore.Valid {
		a.PostActionScore = &postScore.Float64
	}
	return &a, nil
}

func collect(rows *sql.Rows) ([]*Action, error) {
	defer func() { _ = rows.Close() }()
	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
