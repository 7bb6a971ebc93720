package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltapay/webhookd/internal/domain"
)

// BatcherConfig configures attempt-log batching.
type BatcherConfig struct {
	// MaxSize is the maximum number of attempts to batch before flushing.
	MaxSize int
	// MaxWait is the maximum time to wait before flushing a partial batch.
	MaxWait time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
	}
}

type pendingAttempt struct {
	attempt *domain.DeliveryAttempt
	done    chan error
}

// AttemptBatcher coalesces attempt-log inserts into multi-row statements.
// Attempts are collected and flushed either when the batch is full or after
// MaxWait, whichever comes first. Each caller blocks until its row is
// persisted, so the "log before state transition" ordering holds.
type AttemptBatcher struct {
	pool   *pgxpool.Pool
	config BatcherConfig

	mu      sync.Mutex
	pending []pendingAttempt
	timer   *time.Timer

	shutdown chan struct{}
	done     chan struct{}
}

func NewAttemptBatcher(pool *pgxpool.Pool, config BatcherConfig) *AttemptBatcher {
	b := &AttemptBatcher{
		pool:     pool,
		config:   config,
		pending:  make([]pendingAttempt, 0, config.MaxSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Add queues one attempt and blocks until it is persisted.
func (b *AttemptBatcher) Add(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	done := make(chan error, 1)

	b.mu.Lock()
	b.pending = append(b.pending, pendingAttempt{attempt: attempt, done: done})
	shouldFlush := len(b.pending) >= b.config.MaxSize

	// Start the flush timer on the first attempt of a batch.
	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}

	if shouldFlush {
		b.flushLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes anything still pending.
func (b *AttemptBatcher) Shutdown(ctx context.Context) error {
	close(b.shutdown)

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.flushLocked()
	}
	return nil
}

func (b *AttemptBatcher) run() {
	defer close(b.done)
	<-b.shutdown
}

// flushLocked takes ownership of the pending slice. Must hold mu.
func (b *AttemptBatcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	toFlush := b.pending
	b.pending = make([]pendingAttempt, 0, b.config.MaxSize)

	// Insert in background so the lock is released quickly.
	go b.executeBatch(toFlush)
}

func (b *AttemptBatcher) executeBatch(attempts []pendingAttempt) {
	err := b.batchInsert(context.Background(), attempts)

	for _, pa := range attempts {
		pa.done <- err
		close(pa.done)
	}
}

// batchInsert performs a single INSERT with multiple VALUES sets.
func (b *AttemptBatcher) batchInsert(ctx context.Context, attempts []pendingAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	const cols = 11
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		INSERT INTO delivery_attempts (
			delivery_id, subscription_id, event_type, attempt_number,
			payload_snapshot, http_status, response_body_excerpt, latency_ms,
			success, error_message, created_at
		)
		VALUES `)

	args := make([]any, 0, len(attempts)*cols)
	for i, pa := range attempts {
		if i > 0 {
			queryBuilder.WriteString(", ")
		}
		base := i * cols
		queryBuilder.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				queryBuilder.WriteString(", ")
			}
			fmt.Fprintf(&queryBuilder, "$%d", base+c)
		}
		queryBuilder.WriteString(")")

		args = append(args, attemptArgs(pa.attempt)...)
	}

	_, err := b.pool.Exec(ctx, queryBuilder.String(), args...)
	return err
}
