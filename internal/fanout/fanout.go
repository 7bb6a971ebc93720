// Package fanout resolves one event envelope into per-subscriber delivery
// tasks.
//
// The worker consumes envelopes with manual acknowledgment: an envelope is
// acked only after every matching subscription has a delivery record and a
// task on the queue. Redelivery after a crash is expected and safe because
// records are keyed (subscriptionId, eventId) and upserted idempotently.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/domain"
	"github.com/voltapay/webhookd/internal/observability"
	"github.com/voltapay/webhookd/internal/repository"
)

type Worker struct {
	subs       repository.SubscriptionRepository
	deliveries repository.DeliveryRepository
	events     repository.EventRepository
	bus        bus.MessageBus
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewWorker(
	subs repository.SubscriptionRepository,
	deliveries repository.DeliveryRepository,
	events repository.EventRepository,
	b bus.MessageBus,
	clk clock.Clock,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		subs:       subs,
		deliveries: deliveries,
		events:     events,
		bus:        b,
		clock:      clk,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (w *Worker) WithMetrics(m *observability.Metrics) *Worker {
	w.metrics = m
	return w
}

// Run consumes envelopes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.ConsumeEnvelopes(ctx, w.HandleEnvelope)
}

// HandleEnvelope fans one envelope out to its subscribers.
//
// Returning nil acknowledges the envelope. Malformed envelopes are logged
// and acknowledged (dropped) - redelivering them forever helps no one. A
// registry failure returns an error so the broker redelivers. Per-
// subscription failures are isolated: one broken subscription must not block
// task creation for the rest, but any failure leaves the envelope
// unacknowledged so the failed subset is retried; the upsert makes the
// replay a no-op for the subset that already succeeded.
func (w *Worker) HandleEnvelope(ctx context.Context, env *domain.Envelope) error {
	if err := env.Validate(); err != nil {
		w.logger.Warn("dropping malformed envelope",
			"event_id", env.ID,
			"event_type", env.Type,
			"tenant_id", env.TenantID,
		)
		return nil
	}

	// Persist the envelope before creating any delivery record: retries
	// are re-driven from the store, so the payload must outlive the
	// broker message.
	if err := w.events.Save(ctx, env); err != nil {
		return fmt.Errorf("save envelope %s: %w", env.ID, err)
	}

	subs, err := w.subs.GetActiveByEvent(ctx, env.TenantID, env.Type)
	if err != nil {
		return fmt.Errorf("resolve subscriptions for %s: %w", env.ID, err)
	}

	if len(subs) == 0 {
		// Valid outcome: nobody is listening for this event type.
		w.logger.Debug("no matching subscriptions",
			"event_id", env.ID,
			"event_type", env.Type,
			"tenant_id", env.TenantID,
		)
		if w.metrics != nil {
			w.metrics.FanoutEnvelopes.WithLabelValues("no_match").Inc()
		}
		return nil
	}

	var errs []error
	for _, sub := range subs {
		if err := w.fanOutTo(ctx, env, sub); err != nil {
			w.logger.Error("fan-out to subscription failed",
				"event_id", env.ID,
				"subscription_id", sub.ID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("fan-out %s incomplete: %w", env.ID, errors.Join(errs...))
	}

	if w.metrics != nil {
		w.metrics.FanoutEnvelopes.WithLabelValues("ok").Inc()
		w.metrics.FanoutTasks.Add(float64(len(subs)))
	}
	w.logger.Debug("envelope fanned out",
		"event_id", env.ID,
		"event_type", env.Type,
		"subscriptions", len(subs),
	)
	return nil
}

func (w *Worker) fanOutTo(ctx context.Context, env *domain.Envelope, sub *domain.Subscription) error {
	rec := domain.NewDeliveryRecord("dlv_"+uuid.NewString(), sub.ID, env, w.clock.Now().UTC())

	stored, created, err := w.deliveries.Upsert(ctx, rec)
	if err != nil {
		return fmt.Errorf("upsert delivery record: %w", err)
	}

	// A record that already moved past pending is owned by the delivery
	// worker or the retry scheduler; enqueueing another task would only
	// create duplicate attempts.
	if !created && stored.Status != domain.DeliveryStatusPending {
		return nil
	}

	task := &bus.Task{
		DeliveryID:     stored.ID,
		SubscriptionID: sub.ID,
		Envelope:       *env,
	}
	if err := w.bus.PublishTask(ctx, task); err != nil {
		return fmt.Errorf("publish delivery task: %w", err)
	}
	return nil
}
