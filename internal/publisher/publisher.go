// Package publisher is the single entry point through which business use
// cases emit webhook events.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/domain"
	"github.com/voltapay/webhookd/internal/observability"
)

// Input is a fully-formed business event. The caller decides when to emit;
// this package only stamps identity and gets it durably onto the broker.
type Input struct {
	Type     string
	TenantID string
	Data     json.RawMessage
	TraceID  string
}

type Publisher struct {
	bus     bus.MessageBus
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(b bus.MessageBus, clk clock.Clock, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{bus: b, clock: clk, logger: logger}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Publisher) WithMetrics(m *observability.Metrics) *Publisher {
	p.metrics = m
	return p
}

// Publish stamps the event with a fresh envelope id and publishes it. It
// returns only after the broker has durably confirmed the write; on any
// broker failure the error propagates to the caller, never swallowed - the
// business use case decides whether to retry or drop.
func (p *Publisher) Publish(ctx context.Context, in Input) (*domain.Envelope, error) {
	if in.TenantID == "" {
		return nil, fmt.Errorf("tenantId: %w", domain.ErrInvalidInput)
	}
	if !domain.KnownEventType(in.Type) {
		return nil, fmt.Errorf("event type %q: %w", in.Type, domain.ErrInvalidInput)
	}
	data := in.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	env := &domain.Envelope{
		ID:        "evt_" + uuid.NewString(),
		Type:      in.Type,
		Timestamp: p.clock.Now().UTC(),
		TenantID:  in.TenantID,
		TraceID:   in.TraceID,
		Data:      data,
	}

	if err := p.bus.PublishEnvelope(ctx, env); err != nil {
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.Inc()
	}
	p.logger.Debug("event published",
		"event_id", env.ID,
		"event_type", env.Type,
		"tenant_id", env.TenantID,
	)
	return env, nil
}
