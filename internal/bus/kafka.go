package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/voltapay/webhookd/internal/domain"
)

// KafkaConfig configures the durable Kafka-backed bus.
type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	TasksTopic  string
	// DeadLetterTopic receives tasks whose handler returned ErrDeadLetter.
	DeadLetterTopic string
	GroupID         string
	InstanceID      string
	// MaxInFlight bounds concurrent handler invocations per consumer, to
	// cap memory and avoid overwhelming downstream endpoints.
	MaxInFlight   int
	FetchWindow   time.Duration
	CommitTimeout time.Duration
}

// DefaultKafkaConfig returns production defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		EventsTopic:     "webhooks.events",
		TasksTopic:      "webhooks.deliveries",
		DeadLetterTopic: "webhooks.deliveries.dlq",
		GroupID:         "webhookd",
		MaxInFlight:     10,
		FetchWindow:     100 * time.Millisecond,
		CommitTimeout:   5 * time.Second,
	}
}

// KafkaBus implements MessageBus on Kafka with synchronous, fully-replicated
// publishes and manual offset commits after successful processing.
type KafkaBus struct {
	config KafkaConfig
	logger *slog.Logger

	envWriter  *kafka.Writer
	taskWriter *kafka.Writer
	dlqWriter  *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBus creates the Kafka bus. Writers wait for all replicas to
// acknowledge before returning; a publish that returns nil is durable.
func NewKafkaBus(config KafkaConfig, logger *slog.Logger) *KafkaBus {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 10
	}
	if config.FetchWindow <= 0 {
		config.FetchWindow = 100 * time.Millisecond
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = 5 * time.Second
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			Compression:  kafka.Snappy,
		}
	}
	return &KafkaBus{
		config:     config,
		logger:     logger,
		envWriter:  newWriter(config.EventsTopic),
		taskWriter: newWriter(config.TasksTopic),
		dlqWriter:  newWriter(config.DeadLetterTopic),
	}
}

// Ping dials the first broker. Readiness probes use it to report the broker
// link without touching any topic.
func (b *KafkaBus) Ping(ctx context.Context) error {
	if len(b.config.Brokers) == 0 {
		return errors.New("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	return conn.Close()
}

func (b *KafkaBus) PublishEnvelope(ctx context.Context, env *domain.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(EnvelopeKey(env)),
		Value: value,
	}
	if err := b.envWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish envelope %s: %w", env.ID, err)
	}
	return nil
}

func (b *KafkaBus) PublishTask(ctx context.Context, task *Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(task.DeliveryID),
		Value: value,
	}
	if err := b.taskWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish task %s: %w", task.DeliveryID, err)
	}
	return nil
}

func (b *KafkaBus) ConsumeEnvelopes(ctx context.Context, handler EnvelopeHandler) error {
	return b.consume(ctx, b.config.EventsTopic, func(ctx context.Context, msg kafka.Message) error {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			// Undecodable payload: ack and drop, redelivery cannot fix it.
			b.logger.Warn("dropping undecodable envelope",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}
		return handler(ctx, &env)
	})
}

func (b *KafkaBus) ConsumeTasks(ctx context.Context, handler TaskHandler) error {
	return b.consume(ctx, b.config.TasksTopic, func(ctx context.Context, msg kafka.Message) error {
		var task Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			b.logger.Warn("dropping undecodable task",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}
		err := handler(ctx, &task)
		if errors.Is(err, ErrDeadLetter) {
			return b.deadLetter(ctx, msg)
		}
		return err
	})
}

// deadLetter parks an exhausted task on the dead-letter topic for manual
// inspection. The original message is acked only after the DLQ write is
// confirmed.
func (b *KafkaBus) deadLetter(ctx context.Context, msg kafka.Message) error {
	dlq := kafka.Message{Key: msg.Key, Value: msg.Value}
	if err := b.dlqWriter.WriteMessages(ctx, dlq); err != nil {
		return fmt.Errorf("dead-letter write: %w", err)
	}
	b.logger.Warn("task dead-lettered", "key", string(msg.Key))
	return nil
}

// consume runs the fetch/process/commit loop for one topic. Messages are
// fetched in small windows, processed concurrently up to MaxInFlight, and
// offsets committed only after every message in the window succeeded - the
// at-least-once contract. A message whose handler keeps failing is retried
// in place with backoff; its offset is never committed past.
func (b *KafkaBus) consume(ctx context.Context, topic string, process func(context.Context, kafka.Message) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.config.Brokers,
		Topic:          topic,
		GroupID:        b.config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        b.config.FetchWindow,
		CommitInterval: 0, // manual commits only
		StartOffset:    kafka.LastOffset,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.logger.Info("consumer started",
		"topic", topic,
		"group", b.config.GroupID,
		"instance", b.config.InstanceID,
		"max_in_flight", b.config.MaxInFlight,
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch := b.fetchWindow(ctx, reader)
		if len(batch) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, msg := range batch {
			wg.Add(1)
			go func(msg kafka.Message) {
				defer wg.Done()
				b.processWithRetry(ctx, topic, msg, process)
			}(msg)
		}
		wg.Wait()

		if ctx.Err() != nil {
			// Shutdown mid-window: leave offsets uncommitted so the
			// whole window is redelivered.
			return ctx.Err()
		}

		commitCtx, cancel := context.WithTimeout(ctx, b.config.CommitTimeout)
		err := reader.CommitMessages(commitCtx, batch...)
		cancel()
		if err != nil {
			// Redelivery on restart; handlers are idempotent.
			b.logger.Error("offset commit failed", "topic", topic, "error", err)
		}
	}
}

// fetchWindow collects up to MaxInFlight messages within the fetch window.
func (b *KafkaBus) fetchWindow(ctx context.Context, reader *kafka.Reader) []kafka.Message {
	var batch []kafka.Message
	deadline := time.Now().Add(b.config.FetchWindow)

	for len(batch) < b.config.MaxInFlight {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		fetchCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			b.logger.Error("fetch failed", "error", err)
			break
		}
		batch = append(batch, msg)
	}
	return batch
}

func (b *KafkaBus) processWithRetry(ctx context.Context, topic string, msg kafka.Message, process func(context.Context, kafka.Message) error) {
	backoff := time.Second
	for {
		err := process(ctx, msg)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		b.logger.Error("message processing failed, retrying",
			"topic", topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *KafkaBus) Close() error {
	var errs []error
	b.mu.Lock()
	readers := b.readers
	b.mu.Unlock()
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range []*kafka.Writer{b.envWriter, b.taskWriter, b.dlqWriter} {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
