package quota

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists pools and reservations in PostgreSQL.
//
// Reserve serialises on the pool row with SELECT … FOR UPDATE and recomputes
// the pending sum inside the same transaction; transitions are conditional
// updates on status.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed quota store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reservationColumns = `id, tenant_id, plan_id, idempotency_key, amount, status,
	COALESCE(ref_type, ''), COALESCE(ref_id, ''), expires_at, confirmed_at, cancelled_at, expired_at,
	COALESCE(cancel_reason, ''), created_at, updated_at`

func (p *PostgresStore) EnsurePool(ctx context.Context, tenantID, planID string, limit int64, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO quota_pools (tenant_id, plan_id, limit_amount, confirmed, updated_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (tenant_id, plan_id) DO UPDATE
			SET limit_amount = EXCLUDED.limit_amount, updated_at = EXCLUDED.updated_at
			WHERE quota_pools.limit_amount <> EXCLUDED.limit_amount`,
		tenantID, planID, limit, now,
	)
	return mapErr(err)
}

func (p *PostgresStore) GetPool(ctx context.Context, tenantID, planID string, now time.Time) (*Pool, error) {
	pool := &Pool{TenantID: tenantID, PlanID: planID}
	err := p.db.QueryRowContext(ctx, `
		SELECT qp.limit_amount, qp.confirmed, qp.updated_at,
			COALESCE((SELECT SUM(r.amount) FROM quota_reservations r
				WHERE r.tenant_id = qp.tenant_id AND r.plan_id = qp.plan_id
				AND r.status = 'pending' AND r.expires_at > $3), 0)
		FROM quota_pools qp WHERE qp.tenant_id = $1 AND qp.plan_id = $2`,
		tenantID, planID, now,
	).Scan(&pool.Limit, &pool.Confirmed, &pool.UpdatedAt, &pool.Pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return pool, nil
}

func (p *PostgresStore) Reserve(ctx context.Context, r *Reservation, now time.Time) (*Reservation, bool, error) {
	if existing, err := p.GetByKey(ctx, r.Key); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrReservationNotFound) {
		return nil, false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var limit, confirmed int64
	err = tx.QueryRowContext(ctx, `
		SELECT limit_amount, confirmed FROM quota_pools
		WHERE tenant_id = $1 AND plan_id = $2 FOR UPDATE`,
		r.TenantID, r.PlanID,
	).Scan(&limit, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrPoolNotFound
	}
	if err != nil {
		return nil, false, mapErr(err)
	}

	var pending int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM quota_reservations
		WHERE tenant_id = $1 AND plan_id = $2 AND status = 'pending' AND expires_at > $3`,
		r.TenantID, r.PlanID, now,
	).Scan(&pending); err != nil {
		return nil, false, mapErr(err)
	}
	if limit-confirmed-pending < r.Amount {
		return nil, false, ErrInsufficientQuota
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO quota_reservations (id, tenant_id, plan_id, idempotency_key, amount, status,
			ref_type, ref_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', NULLIF($6, ''), NULLIF($7, ''), $8, $9, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		r.ID, r.TenantID, r.PlanID, r.Key, r.Amount, r.Ref.Type, r.Ref.ID, r.ExpiresAt, r.CreatedAt,
	)
	if err != nil {
		return nil, false, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race on the key; the winner's row is the answer.
		_ = tx.Rollback()
		existing, err := p.GetByKey(ctx, r.Key)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE quota_pools SET updated_at = $3 WHERE tenant_id = $1 AND plan_id = $2`,
		r.TenantID, r.PlanID, now,
	); err != nil {
		return nil, false, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, mapErr(err)
	}
	cp := *r
	cp.Status = StatusPending
	return &cp, true, nil
}

func (p *PostgresStore) Transition(ctx context.Context, key string, from, to Status, at time.Time, reason string) (*Reservation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var tsColumn string
	switch to {
	case StatusConfirmed:
		tsColumn = "confirmed_at"
	case StatusCancelled:
		tsColumn = "cancelled_at"
	case StatusExpired:
		tsColumn = "expired_at"
	default:
		return nil, ErrInvalidTransition
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE quota_reservations
		SET status = $3, `+tsColumn+` = $4, updated_at = $4,
			cancel_reason = CASE WHEN $3 = 'cancelled' THEN NULLIF($5, '') ELSE cancel_reason END
		WHERE idempotency_key = $1 AND status = $2
		RETURNING `+reservationColumns,
		key, string(from), string(to), at, reason,
	)
	r, err := scanReservation(row)
	if errors.Is(err, ErrReservationNotFound) {
		_ = tx.Rollback()
		current, gerr := p.GetByKey(ctx, key)
		if gerr != nil {
			return nil, gerr
		}
		return current, errStatusChanged
	}
	if err != nil {
		return nil, err
	}

	if to == StatusConfirmed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE quota_pools SET confirmed = confirmed + $3, updated_at = $4
			WHERE tenant_id = $1 AND plan_id = $2`,
			r.TenantID, r.PlanID, r.Amount, at,
		); err != nil {
			return nil, mapErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (p *PostgresStore) GetByKey(ctx context.Context, key string) (*Reservation, error) {
	return scanReservation(p.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM quota_reservations WHERE idempotency_key = $1`, key))
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Reservation, error) {
	return scanReservation(p.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM quota_reservations WHERE id = $1`, id))
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM quota_reservations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanReservations(rows)
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM quota_reservations
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanReservations(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (*Reservation, error) {
	r := &Reservation{}
	var status string
	var confirmedAt, cancelledAt, expiredAt sql.NullTime
	err := row.Scan(&r.ID, &r.TenantID, &r.PlanID, &r.Key, &r.Amount, &status,
		&r.Ref.Type, &r.Ref.ID, &r.ExpiresAt, &confirmedAt, &cancelledAt, &expiredAt,
		&r.CancelReason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	r.Status = Status(status)
	r.ConfirmedAt = nullTimePtr(confirmedAt)
	r.CancelledAt = nullTimePtr(cancelledAt)
	r.ExpiredAt = nullTimePtr(expiredAt)
	return r, nil
}

func scanReservations(rows *sql.Rows) ([]*Reservation, error) {
	defer func() { _ = rows.Close() }()
	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// mapErr turns serialization failures and deadlocks into
// ErrConcurrentModification so the manager retries them.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return ErrConcurrentModification
		}
	}
	return err
}
