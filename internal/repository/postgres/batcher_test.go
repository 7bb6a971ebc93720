package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/voltapay/webhookd/internal/domain"
)

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("failed to connect: %v", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE delivery_attempts (
			id                    BIGSERIAL PRIMARY KEY,
			delivery_id           TEXT NOT NULL,
			subscription_id       TEXT NOT NULL,
			event_type            TEXT NOT NULL,
			attempt_number        INT NOT NULL,
			payload_snapshot      JSONB NOT NULL,
			http_status           INT,
			response_body_excerpt TEXT,
			latency_ms            BIGINT NOT NULL,
			success               BOOLEAN NOT NULL,
			error_message         TEXT,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("failed to create table: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

func testAttempt(deliveryID string, number int) *domain.DeliveryAttempt {
	status := 200
	return &domain.DeliveryAttempt{
		DeliveryID:      deliveryID,
		SubscriptionID:  "sub_1",
		EventType:       "charge.paid",
		AttemptNumber:   number,
		PayloadSnapshot: `{"id":"evt_1","type":"charge.paid"}`,
		HTTPStatus:      &status,
		LatencyMs:       42,
		Success:         true,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestBatcherSingleAttempt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	batcher := NewAttemptBatcher(pool, BatcherConfig{MaxSize: 10, MaxWait: 50 * time.Millisecond})
	defer func() { _ = batcher.Shutdown(ctx) }()

	if err := batcher.Add(ctx, testAttempt("dlv_single", 1)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	var count int
	err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM delivery_attempts WHERE delivery_id = $1", "dlv_single").Scan(&count)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 attempt, got %d", count)
	}
}

func TestBatcherFullBatchFlush(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	// MaxWait is long: only a full batch can flush these.
	batcher := NewAttemptBatcher(pool, BatcherConfig{MaxSize: 5, MaxWait: time.Minute})
	defer func() { _ = batcher.Shutdown(ctx) }()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = batcher.Add(ctx, testAttempt(fmt.Sprintf("dlv_%d", i), 1))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM delivery_attempts").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 attempts, got %d", count)
	}
}

func TestBatcherNullableFields(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewAttemptRepository(pool).WithBatcher(BatcherConfig{MaxSize: 10, MaxWait: 10 * time.Millisecond})
	defer func() { _ = repo.Shutdown(ctx) }()

	// Connection failure: no HTTP status, no response excerpt.
	msg := "connection refused"
	attempt := &domain.DeliveryAttempt{
		DeliveryID:      "dlv_err",
		SubscriptionID:  "sub_1",
		EventType:       "charge.paid",
		AttemptNumber:   3,
		PayloadSnapshot: `{}`,
		LatencyMs:       5001,
		Success:         false,
		ErrorMessage:    &msg,
		CreatedAt:       time.Now().UTC(),
	}
	if err := repo.Append(ctx, attempt); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := repo.ListByDelivery(ctx, "dlv_err")
	if err != nil {
		t.Fatalf("ListByDelivery failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d attempts, want 1", len(got))
	}
	if got[0].HTTPStatus != nil {
		t.Errorf("HTTPStatus = %v, want nil", got[0].HTTPStatus)
	}
	if got[0].ErrorMessage == nil || *got[0].ErrorMessage != msg {
		t.Errorf("ErrorMessage = %v, want %q", got[0].ErrorMessage, msg)
	}
}
