// Package postgres implements the repository interfaces on PostgreSQL via
// pgx. All cross-worker coordination state lives here: conditional
// single-row writes make concurrent workers safe without shared memory.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltapay/webhookd/internal/domain"
)

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `
	id, public_id, tenant_id, endpoint_url, signing_secret, subscribed_events,
	state, consecutive_failures, last_attempt_at, last_success_at,
	last_failure_at, last_error, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.PublicID,
		&sub.TenantID,
		&sub.EndpointURL,
		&sub.SigningSecret,
		&sub.SubscribedEvents,
		&sub.State,
		&sub.ConsecutiveFailures,
		&sub.LastAttemptAt,
		&sub.LastSuccessAt,
		&sub.LastFailureAt,
		&sub.LastError,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	const query = `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.pool.Exec(ctx, query,
		sub.ID,
		sub.PublicID,
		sub.TenantID,
		sub.EndpointURL,
		sub.SigningSecret,
		sub.SubscribedEvents,
		sub.State,
		sub.ConsecutiveFailures,
		sub.LastAttemptAt,
		sub.LastSuccessAt,
		sub.LastFailureAt,
		sub.LastError,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	return err
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.pool.QueryRow(ctx, query, id))
}

func (r *SubscriptionRepository) GetByPublicID(ctx context.Context, publicID string) (*domain.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE public_id = $1`
	return scanSubscription(r.pool.QueryRow(ctx, query, publicID))
}

func (r *SubscriptionRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Subscription, error) {
	const query = `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (r *SubscriptionRepository) GetActiveByEvent(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error) {
	const query = `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE tenant_id = $1
		  AND state = 'active'
		  AND $2 = ANY(subscribed_events)
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]*domain.Subscription, error) {
	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	const query = `
		UPDATE subscriptions
		SET endpoint_url = $2,
		    subscribed_events = $3,
		    state = $4,
		    consecutive_failures = $5,
		    updated_at = $6
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		sub.ID,
		sub.EndpointURL,
		sub.SubscribedEvents,
		sub.State,
		sub.ConsecutiveFailures,
		sub.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepository) RotateSecret(ctx context.Context, id, newSecret string, now time.Time) error {
	const query = `
		UPDATE subscriptions
		SET signing_secret = $2, updated_at = $3
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, newSecret, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepository) UpdateDeliveryState(ctx context.Context, sub *domain.Subscription) error {
	const query = `
		UPDATE subscriptions
		SET state = $2,
		    consecutive_failures = $3,
		    last_attempt_at = $4,
		    last_success_at = $5,
		    last_failure_at = $6,
		    last_error = $7,
		    updated_at = $8
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		sub.ID,
		sub.State,
		sub.ConsecutiveFailures,
		sub.LastAttemptAt,
		sub.LastSuccessAt,
		sub.LastFailureAt,
		sub.LastError,
		sub.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM subscriptions WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
