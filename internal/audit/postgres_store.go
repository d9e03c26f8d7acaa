package audit

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/sendguard/internal/entity"
)

// PostgresStore persists audit records in PostgreSQL. The audit_log table
// carries no UPDATE or DELETE grants for the service role.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, r Record) error {
	var payload []byte
	if len(r.payload) > 0 {
		payload = r.payload
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, tenant_id, entity_type, entity_id, action, payload, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		r.id, string(r.kind), r.tenantID, string(r.entity.Kind), r.entity.ID, r.action, payload, r.occurredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRecord
		}
		return err
	}
	return nil
}

func (p *PostgresStore) ListByEntity(ctx context.Context, ref entity.Ref, limit int) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(tenant_id, ''), entity_type, entity_id, action, payload, occurred_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at DESC, seq DESC LIMIT $3`,
		string(ref.Kind), ref.ID, normLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(tenant_id, ''), entity_type, entity_id, action, payload, occurred_at
		FROM audit_log WHERE tenant_id = $1
		ORDER BY occurred_at DESC, seq DESC LIMIT $2`,
		tenantID, normLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var (
			id, kind, tenantID, entityType, entityID, action string
			payload                                          []byte
			rec                                              Record
		)
		if err := rows.Scan(&id, &kind, &tenantID, &entityType, &entityID, &action, &payload, &rec.occurredAt); err != nil {
			return nil, err
		}
		ref := entity.Ref{Kind: entity.Kind(entityType), ID: entityID}
		out = append(out, restore(id, Kind(kind), tenantID, ref, action, payload, rec.occurredAt))
	}
	return out, rows.Err()
}

func normLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
