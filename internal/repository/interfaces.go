// Package repository defines the persistence boundary of the delivery
// subsystem. All coordination state (delivery records, subscription failure
// counters) lives behind these interfaces so workers share nothing in
// process.
package repository

import (
	"context"
	"time"

	"github.com/voltapay/webhookd/internal/domain"
)

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetByPublicID(ctx context.Context, publicID string) (*domain.Subscription, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Subscription, error)
	// GetActiveByEvent returns the active subscriptions of a tenant whose
	// filter contains the event type.
	GetActiveByEvent(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error)
	// Update persists admin-driven changes (endpoint, filter, state).
	Update(ctx context.Context, sub *domain.Subscription) error
	// RotateSecret atomically replaces the signing secret. The previous
	// secret is invalid the moment this returns.
	RotateSecret(ctx context.Context, id, newSecret string, now time.Time) error
	// UpdateDeliveryState persists the delivery worker's bookkeeping:
	// state, failure counter, last attempt/success/failure, last error.
	UpdateDeliveryState(ctx context.Context, sub *domain.Subscription) error
	Delete(ctx context.Context, id string) error
}

type EventRepository interface {
	// Save persists an envelope if it is not already stored. Envelopes
	// are immutable; a replayed envelope with the same id is a no-op.
	Save(ctx context.Context, env *domain.Envelope) error
	GetByID(ctx context.Context, id string) (*domain.Envelope, error)
}

type DeliveryRepository interface {
	// Upsert inserts the record unless one already exists for the same
	// (subscriptionId, eventId) pair. It returns the stored row and
	// whether this call created it. A redelivered envelope is a no-op.
	Upsert(ctx context.Context, rec *domain.DeliveryRecord) (*domain.DeliveryRecord, bool, error)
	GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	Update(ctx context.Context, rec *domain.DeliveryRecord) error
	// ClaimDue returns retrying records whose due time has passed, pushing
	// each claimed record's due time forward by lease so concurrent
	// scheduler instances do not double-claim. A crashed claimant's
	// records become due again once the lease expires.
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*domain.DeliveryRecord, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryRecord, error)
}

type AttemptRepository interface {
	// Append writes one attempt log entry. Entries are append-only.
	Append(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryAttempt, error)
	ListByDelivery(ctx context.Context, deliveryID string) ([]*domain.DeliveryAttempt, error)
}
