package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltapay/webhookd/internal/domain"
)

// AttemptRepository is the append-only delivery attempt log. Rows are never
// updated or deleted; they exist for audit and integrator support.
type AttemptRepository struct {
	pool    *pgxpool.Pool
	batcher *AttemptBatcher
}

func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// WithBatcher enables batched inserts. The attempt log is the highest-volume
// table in the system (one row per HTTP attempt), so the delivery worker
// runs it batched.
func (r *AttemptRepository) WithBatcher(config BatcherConfig) *AttemptRepository {
	r.batcher = NewAttemptBatcher(r.pool, config)
	return r
}

// Shutdown flushes any pending batched attempts.
func (r *AttemptRepository) Shutdown(ctx context.Context) error {
	if r.batcher != nil {
		return r.batcher.Shutdown(ctx)
	}
	return nil
}

const attemptInsert = `
	INSERT INTO delivery_attempts (
		delivery_id, subscription_id, event_type, attempt_number,
		payload_snapshot, http_status, response_body_excerpt, latency_ms,
		success, error_message, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

func (r *AttemptRepository) Append(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if r.batcher != nil {
		return r.batcher.Add(ctx, attempt)
	}
	_, err := r.pool.Exec(ctx, attemptInsert, attemptArgs(attempt)...)
	return err
}

func attemptArgs(a *domain.DeliveryAttempt) []any {
	return []any{
		a.DeliveryID,
		a.SubscriptionID,
		a.EventType,
		a.AttemptNumber,
		a.PayloadSnapshot,
		a.HTTPStatus,
		a.ResponseBodyExcerpt,
		a.LatencyMs,
		a.Success,
		a.ErrorMessage,
		a.CreatedAt,
	}
}

const attemptColumns = `
	id, delivery_id, subscription_id, event_type, attempt_number,
	payload_snapshot, http_status, response_body_excerpt, latency_ms,
	success, error_message, created_at
`

func scanAttempt(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var a domain.DeliveryAttempt
	err := row.Scan(
		&a.ID,
		&a.DeliveryID,
		&a.SubscriptionID,
		&a.EventType,
		&a.AttemptNumber,
		&a.PayloadSnapshot,
		&a.HTTPStatus,
		&a.ResponseBodyExcerpt,
		&a.LatencyMs,
		&a.Success,
		&a.ErrorMessage,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryAttempt, error) {
	const query = `
		SELECT ` + attemptColumns + `
		FROM delivery_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (r *AttemptRepository) ListByDelivery(ctx context.Context, deliveryID string) ([]*domain.DeliveryAttempt, error) {
	const query = `
		SELECT ` + attemptColumns + `
		FROM delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number
	`
	rows, err := r.pool.Query(ctx, query, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]*domain.DeliveryAttempt, error) {
	var attempts []*domain.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
