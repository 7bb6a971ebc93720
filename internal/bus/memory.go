package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voltapay/webhookd/internal/domain"
)

// redeliveryDelay paces requeues so a persistently failing handler does not
// spin the consumer at full speed.
const redeliveryDelay = 10 * time.Millisecond

// redeliver re-enqueues an unacknowledged message after a short pause. Both
// waits honor ctx so a full queue cannot deadlock the consumer against its
// own requeue.
func redeliver[T any](ctx context.Context, queue chan T, msg T) {
	timer := time.NewTimer(redeliveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	select {
	case queue <- msg:
	case <-ctx.Done():
	}
}

// MemoryBus is an in-process MessageBus for tests and local development.
// It preserves the broker contract: a handler error requeues the message
// (redelivery), ErrDeadLetter parks the task on an inspectable dead-letter
// slice, and everything published is recorded for assertions.
type MemoryBus struct {
	mu          sync.Mutex
	envelopes   []*domain.Envelope
	tasks       []*Task
	deadLetters []*Task

	envQueue  chan *domain.Envelope
	taskQueue chan *Task
	closed    bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		envQueue:  make(chan *domain.Envelope, 1024),
		taskQueue: make(chan *Task, 1024),
	}
}

func (b *MemoryBus) PublishEnvelope(ctx context.Context, env *domain.Envelope) error {
	b.mu.Lock()
	b.envelopes = append(b.envelopes, env)
	b.mu.Unlock()
	select {
	case b.envQueue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) PublishTask(ctx context.Context, task *Task) error {
	b.mu.Lock()
	b.tasks = append(b.tasks, task)
	b.mu.Unlock()
	select {
	case b.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) ConsumeEnvelopes(ctx context.Context, handler EnvelopeHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-b.envQueue:
			if err := handler(ctx, env); err != nil && !errors.Is(err, context.Canceled) {
				// Unacknowledged: requeue for redelivery.
				redeliver(ctx, b.envQueue, env)
			}
		}
	}
}

func (b *MemoryBus) ConsumeTasks(ctx context.Context, handler TaskHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-b.taskQueue:
			err := handler(ctx, task)
			switch {
			case err == nil:
			case errors.Is(err, ErrDeadLetter):
				b.mu.Lock()
				b.deadLetters = append(b.deadLetters, task)
				b.mu.Unlock()
			case errors.Is(err, context.Canceled):
			default:
				redeliver(ctx, b.taskQueue, task)
			}
		}
	}
}

// PublishedEnvelopes snapshots every envelope published so far.
func (b *MemoryBus) PublishedEnvelopes() []*domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.Envelope, len(b.envelopes))
	copy(out, b.envelopes)
	return out
}

// PublishedTasks snapshots every task published so far.
func (b *MemoryBus) PublishedTasks() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

// DeadLetters snapshots the tasks that were dead-lettered.
func (b *MemoryBus) DeadLetters() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Task, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
