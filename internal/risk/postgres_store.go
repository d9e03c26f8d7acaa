package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/sendguard/internal/entity"
)

// PostgresStore persists risk scores and events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetScore(ctx context.Context, ref entity.Ref) (*Score, error) {
	var sc Score
	var kind, level string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, tenant_id, score, level, version, updated_at
		FROM risk_scores
		WHERE entity_type = $1 AND entity_id = $2
	`, string(ref.Kind), ref.ID).Scan(&kind, &sc.Entity.ID, &sc.TenantID, &sc.Value, &level, &sc.Version, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk score: %w", err)
	}
	sc.Entity.Kind = entity.Kind(kind)
	sc.Level = Level(level)
	return &sc, nil
}

func (s *PostgresStore) Save(ctx context.Context, next *Score, prevVersion int64, ev Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if prevVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO risk_scores (entity_type, entity_id, tenant_id, score, level, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (entity_type, entity_id) DO NOTHING
		`, string(next.Entity.Kind), next.Entity.ID, next.TenantID, next.Value, string(next.Level), next.Version, next.UpdatedAt)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE risk_scores
			SET score = $3, level = $4, version = $5, updated_at = $6
			WHERE entity_type = $1 AND entity_id = $2 AND version = $7
		`, string(next.Entity.Kind), next.Entity.ID, next.Value, string(next.Level), next.Version, next.UpdatedAt, prevVersion)
	}
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConcurrentModification
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_events (
			id, entity_type, entity_id, tenant_id, event_type, factor_code,
			observed_value, score_before, score_after, delta, severity, source_id, occurred_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, NULLIF($12, ''), $13)
	`,
		ev.id, string(ev.entity.Kind), ev.entity.ID, ev.tenantID, string(ev.eventType), ev.factorCode,
		ev.observed, ev.before, ev.after, ev.delta, string(ev.severity), ev.sourceID, ev.occurredAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, ref entity.Ref, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, event_type, COALESCE(factor_code, ''), observed_value,
		       score_before, score_after, delta, severity, COALESCE(source_id, ''), occurred_at
		FROM risk_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at DESC, seq DESC
		LIMIT $3
	`, string(ref.Kind), ref.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Event
	for rows.Next() {
		var id, eventType, severity string
		var delta float64
		in := EventInput{Entity: ref}
		if err := rows.Scan(&id, &in.TenantID, &eventType, &in.FactorCode, &in.Observed,
			&in.Before, &in.After, &delta, &severity, &in.SourceID, &in.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		in.Type = EventType(eventType)
		result = append(result, restoreEvent(id, in, delta, Severity(severity)))
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListDecayable(ctx context.Context, cutoff time.Time, limit int) ([]*Score, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, tenant_id, score, level, version, updated_at
		FROM risk_scores
		WHERE score > 0 AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decayable scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Score
	for rows.Next() {
		var sc Score
		var kind, level string
		if err := rows.Scan(&kind, &sc.Entity.ID, &sc.TenantID, &sc.Value, &level, &sc.Version, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk score: %w", err)
		}
		sc.Entity.Kind = entity.Kind(kind)
		sc.Level = Level(level)
		result = append(result, &sc)
	}
	return result, rows.Err()
}

func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pqErr.Message)
		}
	}
	return err
}
