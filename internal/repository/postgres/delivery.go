package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltapay/webhookd/internal/domain"
)

// DeliveryRepository persists delivery records. The unique
// (subscription_id, event_id) constraint is the idempotency boundary of
// fan-out: redelivered envelopes upsert into the same row.
type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

const deliveryColumns = `
	id, subscription_id, event_id, event_type, attempt_count,
	next_attempt_at, status, last_http_status, created_at, updated_at
`

func scanDelivery(row pgx.Row) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	err := row.Scan(
		&rec.ID,
		&rec.SubscriptionID,
		&rec.EventID,
		&rec.EventType,
		&rec.AttemptCount,
		&rec.NextAttemptAt,
		&rec.Status,
		&rec.LastHTTPStatus,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert inserts the record unless one exists for the same
// (subscription_id, event_id) pair, returning the stored row and whether
// this call created it.
func (r *DeliveryRepository) Upsert(ctx context.Context, rec *domain.DeliveryRecord) (*domain.DeliveryRecord, bool, error) {
	const insert = `
		INSERT INTO delivery_records (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subscription_id, event_id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, insert,
		rec.ID,
		rec.SubscriptionID,
		rec.EventID,
		rec.EventType,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.Status,
		rec.LastHTTPStatus,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if result.RowsAffected() > 0 {
		return rec, true, nil
	}

	const query = `
		SELECT ` + deliveryColumns + `
		FROM delivery_records
		WHERE subscription_id = $1 AND event_id = $2
	`
	existing, err := scanDelivery(r.pool.QueryRow(ctx, query, rec.SubscriptionID, rec.EventID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	const query = `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE id = $1`
	return scanDelivery(r.pool.QueryRow(ctx, query, id))
}

func (r *DeliveryRepository) Update(ctx context.Context, rec *domain.DeliveryRecord) error {
	const query = `
		UPDATE delivery_records
		SET attempt_count = $2,
		    next_attempt_at = $3,
		    status = $4,
		    last_http_status = $5,
		    updated_at = $6
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.Status,
		rec.LastHTTPStatus,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimDue atomically claims retrying records whose due time has passed.
// FOR UPDATE SKIP LOCKED lets concurrent schedulers claim disjoint sets;
// pushing next_attempt_at forward by the lease keeps a claimed record off
// subsequent polls until either the outcome overwrites it or the claimant
// crashed and the lease lapses.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*domain.DeliveryRecord, error) {
	const query = `
		UPDATE delivery_records
		SET next_attempt_at = NOW() + $2::interval
		WHERE id IN (
			SELECT id FROM delivery_records
			WHERE status = 'retrying'
			  AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + deliveryColumns + `
	`
	rows, err := r.pool.Query(ctx, query, limit, lease)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *DeliveryRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryRecord, error) {
	const query = `
		SELECT ` + deliveryColumns + `
		FROM delivery_records
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
