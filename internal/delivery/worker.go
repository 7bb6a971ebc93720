// Package delivery implements the webhook delivery engine.
//
// Architecture:
//
//	broker tasks ──▶ Worker ──▶ signed HTTP POST ──▶ integrator endpoint
//	                   │
//	                   ├── success ──▶ record SUCCESS, reset failure counter
//	                   ├── failure ──▶ attempt log, RETRYING + due time
//	                   │               (retry scheduler re-drives from Postgres)
//	                   └── exhausted ─▶ FAILED, dead-letter
//
// Every state transition lives in the durable store and is guarded by the
// success short-circuit, so any number of worker instances can race on the
// same task safely. Retries are never held in process memory: a failed
// attempt persists its due time and the retry scheduler picks it up, so a
// crash during the backoff window loses nothing.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/domain"
	"github.com/voltapay/webhookd/internal/observability"
	"github.com/voltapay/webhookd/internal/repository"
	"github.com/voltapay/webhookd/internal/resilience"
	"github.com/voltapay/webhookd/internal/retry"
	"github.com/voltapay/webhookd/internal/signature"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines delivery parameters.
//
// Timeout bounds each HTTP attempt. MaxAttempts is the per-delivery retry
// budget. DisableThreshold is the consecutive-failure count at which a
// subscription is auto-disabled; it accumulates across all deliveries to
// that subscription, independent of any single delivery's budget.
type Config struct {
	Timeout           time.Duration
	MaxAttempts       int
	DisableThreshold  int
	BackpressureDelay time.Duration
	RateLimit         int
	ResponseExcerpt   int
}

func DefaultConfig() Config {
	return Config{
		Timeout:           5 * time.Second,
		MaxAttempts:       5,
		DisableThreshold:  10,
		BackpressureDelay: time.Second,
		RateLimit:         100,
		ResponseExcerpt:   1024,
	}
}

// Worker consumes delivery tasks, performs the signed callback, and drives
// both the delivery record's state machine and the subscription's
// failure-count circuit breaker.
type Worker struct {
	config     Config
	deliveries repository.DeliveryRepository
	subs       repository.SubscriptionRepository
	events     repository.EventRepository
	attempts   repository.AttemptRepository
	bus        bus.MessageBus
	httpClient HTTPClient
	clock      clock.Clock
	schedule   retry.Schedule
	logger     *slog.Logger

	rateLimiter resilience.RateLimiter
	metrics     *observability.Metrics
}

func NewWorker(
	config Config,
	deliveries repository.DeliveryRepository,
	subs repository.SubscriptionRepository,
	events repository.EventRepository,
	attempts repository.AttemptRepository,
	b bus.MessageBus,
	httpClient HTTPClient,
	clk clock.Clock,
	schedule retry.Schedule,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		config:     config,
		deliveries: deliveries,
		subs:       subs,
		events:     events,
		attempts:   attempts,
		bus:        b,
		httpClient: httpClient,
		clock:      clk,
		schedule:   schedule,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (w *Worker) WithMetrics(m *observability.Metrics) *Worker {
	w.metrics = m
	return w
}

// WithRateLimiter enables per-subscription delivery rate limiting. A
// throttled delivery is rescheduled without consuming its attempt budget.
func (w *Worker) WithRateLimiter(rl resilience.RateLimiter) *Worker {
	w.rateLimiter = rl
	return w
}

// Run consumes delivery tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.ConsumeTasks(ctx, w.HandleTask)
}

// HandleTask processes one delivery task from the broker. Returning nil acks
// the task; bus.ErrDeadLetter routes it to the dead-letter queue; any other
// error leaves it unacknowledged for redelivery.
func (w *Worker) HandleTask(ctx context.Context, task *bus.Task) error {
	rec, err := w.deliveries.GetByID(ctx, task.DeliveryID)
	if errors.Is(err, domain.ErrNotFound) {
		w.logger.Warn("task for unknown delivery record, dropping", "delivery_id", task.DeliveryID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load delivery record %s: %w", task.DeliveryID, err)
	}

	switch rec.Status {
	case domain.DeliveryStatusSuccess:
		// Duplicate broker delivery of an already-finished task.
		w.logger.Debug("delivery already succeeded, dropping task", "delivery_id", rec.ID)
		return nil
	case domain.DeliveryStatusFailed:
		w.logger.Debug("delivery already failed, dropping task", "delivery_id", rec.ID)
		return nil
	}

	// A task must not run before its scheduled time. Early duplicates are
	// dropped; the retry scheduler owns re-driving due records.
	if rec.NextAttemptAt != nil && w.clock.Now().Before(*rec.NextAttemptAt) {
		w.logger.Debug("delivery not yet due, dropping task",
			"delivery_id", rec.ID,
			"next_attempt_at", *rec.NextAttemptAt,
		)
		return nil
	}

	outcome, err := w.deliver(ctx, rec, &task.Envelope)
	if err != nil {
		return err
	}
	if outcome == outcomeExhausted {
		return bus.ErrDeadLetter
	}
	return nil
}

// ProcessRecord re-drives a due delivery claimed by the retry scheduler.
// The envelope is reloaded from the store since no broker message exists.
func (w *Worker) ProcessRecord(ctx context.Context, rec *domain.DeliveryRecord) error {
	switch rec.Status {
	case domain.DeliveryStatusSuccess, domain.DeliveryStatusFailed:
		return nil
	}

	env, err := w.events.GetByID(ctx, rec.EventID)
	if errors.Is(err, domain.ErrNotFound) {
		w.logger.Error("envelope missing for delivery, failing", "delivery_id", rec.ID, "event_id", rec.EventID)
		rec.MarkFailed(w.clock.Now().UTC(), nil)
		return w.deliveries.Update(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("load envelope %s: %w", rec.EventID, err)
	}

	outcome, err := w.deliver(ctx, rec, env)
	if err != nil {
		return err
	}
	if outcome == outcomeExhausted {
		// No broker message to fall through here; the FAILED row is the
		// durable trace and the dead-letter metric carries the alert.
		if w.metrics != nil {
			w.metrics.DeliveriesDeadLetter.Inc()
		}
	}
	return nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetrying
	outcomeExhausted
	outcomeRejected
	outcomeThrottled
)

// deliver runs one attempt of the delivery state machine: subscription gate, rate
// limit gate, signed POST, classification, then the durable transitions.
// Infrastructure errors (store unreachable) return a non-nil error so the
// caller can leave the task unacknowledged.
func (w *Worker) deliver(ctx context.Context, rec *domain.DeliveryRecord, env *domain.Envelope) (outcome, error) {
	sub, err := w.subs.GetByID(ctx, rec.SubscriptionID)
	if errors.Is(err, domain.ErrNotFound) {
		rec.MarkFailed(w.clock.Now().UTC(), nil)
		if err := w.deliveries.Update(ctx, rec); err != nil {
			return 0, fmt.Errorf("update delivery record: %w", err)
		}
		w.logger.Warn("subscription gone, delivery failed", "delivery_id", rec.ID, "subscription_id", rec.SubscriptionID)
		return outcomeRejected, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load subscription %s: %w", rec.SubscriptionID, err)
	}

	// An inactive or disabled subscription receives no deliveries. The
	// check happens at dequeue time: disabling takes effect on the next
	// task, never retroactively.
	if sub.State != domain.SubscriptionStateActive {
		rec.MarkFailed(w.clock.Now().UTC(), nil)
		if err := w.deliveries.Update(ctx, rec); err != nil {
			return 0, fmt.Errorf("update delivery record: %w", err)
		}
		w.logger.Info("subscription inactive, delivery failed",
			"delivery_id", rec.ID,
			"subscription_id", sub.ID,
			"state", sub.State,
		)
		if w.metrics != nil {
			w.metrics.DeliveriesFailed.Inc()
		}
		return outcomeRejected, nil
	}

	if w.rateLimiter != nil {
		allowed, rlErr := w.rateLimiter.Allow(ctx, sub.ID, w.config.RateLimit)
		if rlErr != nil {
			w.logger.Warn("rate limiter error", "error", rlErr, "subscription_id", sub.ID)
		}
		if !allowed {
			now := w.clock.Now().UTC()
			rec.Reschedule(now, now.Add(w.config.BackpressureDelay))
			if err := w.deliveries.Update(ctx, rec); err != nil {
				return 0, fmt.Errorf("reschedule delivery record: %w", err)
			}
			w.logger.Debug("delivery throttled", "delivery_id", rec.ID, "subscription_id", sub.ID)
			if w.metrics != nil {
				w.metrics.DeliveriesThrottled.Inc()
			}
			return outcomeThrottled, nil
		}
	}

	attempt, success := w.attemptHTTP(ctx, rec, sub, env)

	// The attempt is logged before any state transition so operators can
	// reconstruct what happened even if the transition itself fails.
	if err := w.attempts.Append(ctx, attempt); err != nil {
		w.logger.Error("failed to record attempt", "error", err, "delivery_id", rec.ID)
	}
	if w.metrics != nil {
		w.metrics.AttemptsTotal.Inc()
		w.metrics.AttemptDuration.Observe(float64(attempt.LatencyMs) / 1000)
	}

	if success {
		return w.finishSuccess(ctx, rec, sub, attempt)
	}
	return w.finishFailure(ctx, rec, sub, attempt)
}

// attemptHTTP performs the signed POST and classifies the outcome: any 2xx
// within the timeout is success, everything else (including timeouts and
// connection errors, where HTTPStatus stays nil) is failure.
func (w *Worker) attemptHTTP(ctx context.Context, rec *domain.DeliveryRecord, sub *domain.Subscription, env *domain.Envelope) (*domain.DeliveryAttempt, bool) {
	start := w.clock.Now()
	attempt := &domain.DeliveryAttempt{
		DeliveryID:      rec.ID,
		SubscriptionID:  sub.ID,
		EventType:       rec.EventType,
		AttemptNumber:   rec.AttemptCount,
		PayloadSnapshot: "{}",
		CreatedAt:       start.UTC(),
	}

	fail := func(msg string) (*domain.DeliveryAttempt, bool) {
		attempt.ErrorMessage = &msg
		attempt.LatencyMs = int(w.clock.Now().Sub(start).Milliseconds())
		return attempt, false
	}

	body, err := env.Body()
	if err != nil {
		return fail(fmt.Sprintf("marshal envelope: %v", err))
	}
	attempt.PayloadSnapshot = string(body)

	reqCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Sprintf("create request: %v", err))
	}

	ts := start.UnixMilli()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", env.ID)
	req.Header.Set("X-Event-Type", env.Type)
	req.Header.Set("X-Webhook-Signature", signature.Header(sub.SigningSecret, ts, body))

	resp, err := w.httpClient.Do(req)
	attempt.LatencyMs = int(w.clock.Now().Sub(start).Milliseconds())
	if err != nil {
		msg := err.Error()
		attempt.ErrorMessage = &msg
		return attempt, false
	}
	defer resp.Body.Close()

	attempt.HTTPStatus = &resp.StatusCode

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, int64(w.config.ResponseExcerpt)))
	if len(excerpt) > 0 {
		s := string(excerpt)
		attempt.ResponseBodyExcerpt = &s
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Success = true
		return attempt, true
	}

	msg := fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	attempt.ErrorMessage = &msg
	return attempt, false
}

func (w *Worker) finishSuccess(ctx context.Context, rec *domain.DeliveryRecord, sub *domain.Subscription, attempt *domain.DeliveryAttempt) (outcome, error) {
	now := w.clock.Now().UTC()

	rec.MarkSuccess(now, *attempt.HTTPStatus)
	if err := w.deliveries.Update(ctx, rec); err != nil {
		// Redelivery re-runs the attempt: at-least-once, by contract.
		return 0, fmt.Errorf("commit delivery success: %w", err)
	}

	sub.RecordSuccess(now)
	if err := w.subs.UpdateDeliveryState(ctx, sub); err != nil {
		w.logger.Error("failed to update subscription after success", "error", err, "subscription_id", sub.ID)
	}

	w.logger.Debug("delivery succeeded",
		"delivery_id", rec.ID,
		"subscription_id", sub.ID,
		"status_code", *attempt.HTTPStatus,
		"latency_ms", attempt.LatencyMs,
	)
	if w.metrics != nil {
		w.metrics.DeliveriesSucceeded.Inc()
	}
	return outcomeSuccess, nil
}

func (w *Worker) finishFailure(ctx context.Context, rec *domain.DeliveryRecord, sub *domain.Subscription, attempt *domain.DeliveryAttempt) (outcome, error) {
	now := w.clock.Now().UTC()

	reason := "delivery failed"
	if attempt.ErrorMessage != nil {
		reason = *attempt.ErrorMessage
	}

	wasActive := sub.State == domain.SubscriptionStateActive
	sub.RecordFailure(now, reason, w.config.DisableThreshold)
	if err := w.subs.UpdateDeliveryState(ctx, sub); err != nil {
		w.logger.Error("failed to update subscription after failure", "error", err, "subscription_id", sub.ID)
	}
	if wasActive && sub.State == domain.SubscriptionStateDisabled {
		w.logger.Warn("subscription auto-disabled",
			"subscription_id", sub.ID,
			"consecutive_failures", sub.ConsecutiveFailures,
		)
		if w.metrics != nil {
			w.metrics.SubscriptionsDisabled.Inc()
		}
	}

	if rec.AttemptCount < w.config.MaxAttempts {
		next := w.schedule.NextAttemptTime(now, rec.AttemptCount)
		rec.MarkRetrying(now, next, attempt.HTTPStatus)
		if err := w.deliveries.Update(ctx, rec); err != nil {
			return 0, fmt.Errorf("commit delivery retry: %w", err)
		}
		w.logger.Info("delivery scheduled for retry",
			"delivery_id", rec.ID,
			"subscription_id", sub.ID,
			"attempt", rec.AttemptCount,
			"next_attempt_at", next,
			"reason", reason,
		)
		if w.metrics != nil {
			w.metrics.DeliveriesRetrying.Inc()
		}
		return outcomeRetrying, nil
	}

	rec.MarkFailed(now, attempt.HTTPStatus)
	if err := w.deliveries.Update(ctx, rec); err != nil {
		return 0, fmt.Errorf("commit delivery failure: %w", err)
	}
	w.logger.Warn("delivery failed permanently",
		"delivery_id", rec.ID,
		"subscription_id", sub.ID,
		"attempts", rec.AttemptCount,
		"reason", reason,
	)
	if w.metrics != nil {
		w.metrics.DeliveriesFailed.Inc()
	}
	return outcomeExhausted, nil
}
