// Delivery service: consumes delivery tasks from Kafka and performs the
// signed HTTP callbacks. Designed to run as multiple instances in a consumer
// group for horizontal scaling.
//
// Each instance runs two concurrent processes:
//  1. Kafka consumer: first attempts for freshly fanned-out tasks
//  2. Retry scheduler: polls the database for deliveries whose persisted
//     due time has passed
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/config"
	"github.com/voltapay/webhookd/internal/delivery"
	"github.com/voltapay/webhookd/internal/observability"
	"github.com/voltapay/webhookd/internal/repository/postgres"
	"github.com/voltapay/webhookd/internal/resilience"
	"github.com/voltapay/webhookd/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMaxConns / 3

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	subRepo := postgres.NewSubscriptionRepository(pool)
	eventRepo := postgres.NewEventRepository(pool)
	deliveryRepo := postgres.NewDeliveryRepository(pool)
	attemptRepo := postgres.NewAttemptRepository(pool).WithBatcher(postgres.DefaultBatcherConfig())

	// Redis-backed rate limiting when available, per-process otherwise.
	var rateLimiter resilience.RateLimiter
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, using local rate limiter", "error", err)
			rateLimiter = resilience.NewLocalRateLimiter()
		} else {
			logger.Info("connected to Redis")
			rateLimiter = resilience.NewRedisRateLimiter(redisClient, time.Second, logger)
		}
	} else {
		logger.Info("REDIS_URL not set, using local rate limiter")
		rateLimiter = resilience.NewLocalRateLimiter()
	}

	kafkaConfig := bus.DefaultKafkaConfig()
	kafkaConfig.Brokers = cfg.KafkaBrokers
	kafkaConfig.EventsTopic = cfg.EventsTopic
	kafkaConfig.TasksTopic = cfg.TasksTopic
	kafkaConfig.DeadLetterTopic = cfg.DeadLetterTopic
	kafkaConfig.GroupID = cfg.ConsumerGroup + "-delivery"
	kafkaConfig.InstanceID = cfg.InstanceID
	kafkaConfig.MaxInFlight = cfg.MaxInFlight
	messageBus := bus.NewKafkaBus(kafkaConfig, logger)
	defer messageBus.Close()

	metrics := observability.NewMetrics("webhookd")

	workerConfig := delivery.DefaultConfig()
	workerConfig.Timeout = cfg.HTTPTimeout
	workerConfig.MaxAttempts = cfg.MaxAttempts
	workerConfig.DisableThreshold = cfg.DisableThreshold
	workerConfig.RateLimit = cfg.RateLimit

	schedule := retry.Schedule{
		Steps:       cfg.RetrySchedule,
		Jitter:      cfg.RetryJitter,
		MaxAttempts: cfg.MaxAttempts,
	}

	worker := delivery.NewWorker(
		workerConfig,
		deliveryRepo,
		subRepo,
		eventRepo,
		attemptRepo,
		messageBus,
		&http.Client{},
		clock.RealClock{},
		schedule,
		logger,
	).WithMetrics(metrics).WithRateLimiter(rateLimiter)

	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("delivery consumer stopped", "error", err)
			os.Exit(1)
		}
	}()

	schedulerConfig := retry.SchedulerConfig{
		PollInterval: cfg.RetryPollInterval,
		BatchSize:    cfg.RetryBatchSize,
		ClaimLease:   cfg.RetryClaimLease,
	}
	scheduler := retry.NewScheduler(deliveryRepo, worker, schedulerConfig, logger)
	go scheduler.Start(ctx)

	healthHandler := observability.NewHealthHandler().
		WithCheck("database", pool).
		WithCheck("broker", messageBus)
	if redisClient != nil {
		healthHandler.WithCheck("redis", observability.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.Health)
	mux.HandleFunc("/ready", healthHandler.Ready)
	metricsServer := &http.Server{
		Addr:    ":9090",
		Handler: mux,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	healthHandler.SetReady(true)

	logger.Info("delivery worker started",
		"instance_id", cfg.InstanceID,
		"brokers", cfg.KafkaBrokers,
		"tasks_topic", cfg.TasksTopic,
		"group", kafkaConfig.GroupID,
		"retry_poll_interval", schedulerConfig.PollInterval,
		"retry_batch_size", schedulerConfig.BatchSize,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	scheduler.Stop()

	// Flush any attempts still buffered in the batcher.
	if err := attemptRepo.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush attempt batcher", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown metrics server", "error", err)
	}

	logger.Info("shutdown complete")
}
