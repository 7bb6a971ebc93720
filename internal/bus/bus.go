// Package bus abstracts the durable message broker carrying event envelopes
// and delivery tasks.
//
// The MessageBus interface is injected explicitly at process start - there is
// no ambient global or environment-driven factory. Two implementations exist:
// Kafka for production and an in-memory bus for tests.
package bus

import (
	"context"
	"errors"

	"github.com/voltapay/webhookd/internal/domain"
)

// Task is the unit of work consumed by the delivery worker: one attempt on
// one delivery record, carrying the full envelope so the worker never has to
// re-read the event.
type Task struct {
	DeliveryID     string          `json:"deliveryId"`
	SubscriptionID string          `json:"subscriptionId"`
	Envelope       domain.Envelope `json:"envelope"`
}

// EnvelopeHandler processes one envelope. Returning nil acknowledges the
// message; any other error leaves it unacknowledged for redelivery.
type EnvelopeHandler func(ctx context.Context, env *domain.Envelope) error

// TaskHandler processes one delivery task. Returning ErrDeadLetter routes
// the message to the dead-letter topic before acknowledging.
type TaskHandler func(ctx context.Context, task *Task) error

// ErrDeadLetter signals a terminal outcome: the task exhausted its attempt
// budget and should be parked for manual inspection.
var ErrDeadLetter = errors.New("dead letter")

// MessageBus is the durable, topic-routed broker boundary. Publishes are
// synchronous: they return only after the broker has confirmed the write.
type MessageBus interface {
	// PublishEnvelope publishes an immutable event envelope, routed by
	// "events.<type>" so broker topology can fan in event families.
	PublishEnvelope(ctx context.Context, env *domain.Envelope) error

	// PublishTask publishes a delivery task routed by delivery record id,
	// so one delivery's retries land on a deterministic destination.
	PublishTask(ctx context.Context, task *Task) error

	// ConsumeEnvelopes blocks, feeding envelopes to the handler with
	// manual acknowledgment discipline, until ctx is cancelled.
	ConsumeEnvelopes(ctx context.Context, handler EnvelopeHandler) error

	// ConsumeTasks blocks, feeding delivery tasks to the handler, until
	// ctx is cancelled.
	ConsumeTasks(ctx context.Context, handler TaskHandler) error

	Close() error
}

// EnvelopeKey derives the deterministic routing key for an envelope.
func EnvelopeKey(env *domain.Envelope) string {
	return "events." + env.Type
}
