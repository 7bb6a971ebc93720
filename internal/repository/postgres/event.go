package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltapay/webhookd/internal/domain"
)

// EventRepository stores immutable event envelopes. Rows are written once at
// fan-out and read back when the retry scheduler re-drives a delivery.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) Save(ctx context.Context, env *domain.Envelope) error {
	// Envelopes are immutable; a replay with the same id is a no-op.
	const query = `
		INSERT INTO events (id, type, occurred_at, tenant_id, trace_id, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		env.ID,
		env.Type,
		env.Timestamp,
		env.TenantID,
		nullableString(env.TraceID),
		env.Data,
	)
	return err
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*domain.Envelope, error) {
	const query = `
		SELECT id, type, occurred_at, tenant_id, trace_id, data
		FROM events
		WHERE id = $1
	`
	var env domain.Envelope
	var traceID *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&env.ID,
		&env.Type,
		&env.Timestamp,
		&env.TenantID,
		&traceID,
		&env.Data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if traceID != nil {
		env.TraceID = *traceID
	}
	return &env, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
