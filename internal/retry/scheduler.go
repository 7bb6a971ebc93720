package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voltapay/webhookd/internal/domain"
	"github.com/voltapay/webhookd/internal/repository"
)

// RecordProcessor re-runs one due delivery. Implemented by the delivery
// worker so retries share the exact code path of first attempts.
type RecordProcessor interface {
	ProcessRecord(ctx context.Context, rec *domain.DeliveryRecord) error
}

// SchedulerConfig holds configuration for the retry scheduler.
type SchedulerConfig struct {
	// PollInterval is how often to check for due deliveries.
	PollInterval time.Duration
	// BatchSize is the maximum number of deliveries to claim per poll.
	BatchSize int
	// ClaimLease is how far each claim pushes a record's due time. A
	// record claimed by a scheduler that then crashes becomes due again
	// once the lease expires.
	ClaimLease time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		ClaimLease:   time.Minute,
	}
}

// Scheduler polls the store for retrying deliveries whose due time has
// passed and re-drives them. Because due-ness is a persisted timestamp, a
// retry scheduled before a crash survives the restart - there are no
// in-process timers to lose. Claiming uses FOR UPDATE SKIP LOCKED plus a
// lease, so multiple scheduler instances can run concurrently.
type Scheduler struct {
	config     SchedulerConfig
	deliveries repository.DeliveryRepository
	processor  RecordProcessor
	logger     *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewScheduler(
	deliveries repository.DeliveryRepository,
	processor RecordProcessor,
	config SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.ClaimLease == 0 {
		config.ClaimLease = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:     config,
		deliveries: deliveries,
		processor:  processor,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling. It blocks until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("retry scheduler started",
		"poll_interval", s.config.PollInterval,
		"batch_size", s.config.BatchSize,
	)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Drain anything already due, then poll on interval.
	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return
		case <-s.stopCh:
			s.logger.Info("retry scheduler stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Stop signals the scheduler to stop and waits for in-flight work.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) poll(ctx context.Context) {
	records, err := s.deliveries.ClaimDue(ctx, s.config.BatchSize, s.config.ClaimLease)
	if err != nil {
		s.logger.Error("failed to claim due deliveries", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	s.logger.Debug("claimed due deliveries", "count", len(records))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processBatch(ctx, records)
	}()
}

func (s *Scheduler) processBatch(ctx context.Context, records []*domain.DeliveryRecord) {
	var processed, failed int
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if err := s.processor.ProcessRecord(ctx, rec); err != nil {
			// Left claimed; becomes due again when the lease expires.
			s.logger.Error("retry processing failed", "error", err, "delivery_id", rec.ID)
			failed++
			continue
		}
		processed++
	}

	s.logger.Info("retry batch processed",
		"total", len(records),
		"processed", processed,
		"errors", failed,
	)
}
