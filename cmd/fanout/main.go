// Fan-out service: consumes published event envelopes and expands each one
// into per-subscription delivery tasks. Runs as a Kafka consumer group, so
// multiple instances share the event stream.
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

	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/config"
	"github.com/voltapay/webhookd/internal/fanout"
	"github.com/voltapay/webhookd/internal/observability"
	"github.com/voltapay/webhookd/internal/repository/postgres"
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

	kafkaConfig := bus.DefaultKafkaConfig()
	kafkaConfig.Brokers = cfg.KafkaBrokers
	kafkaConfig.EventsTopic = cfg.EventsTopic
	kafkaConfig.TasksTopic = cfg.TasksTopic
	kafkaConfig.DeadLetterTopic = cfg.DeadLetterTopic
	kafkaConfig.GroupID = cfg.ConsumerGroup + "-fanout"
	kafkaConfig.InstanceID = cfg.InstanceID
	kafkaConfig.MaxInFlight = cfg.MaxInFlight
	messageBus := bus.NewKafkaBus(kafkaConfig, logger)
	defer messageBus.Close()

	metrics := observability.NewMetrics("webhookd")

	worker := fanout.NewWorker(
		subRepo,
		deliveryRepo,
		eventRepo,
		messageBus,
		clock.RealClock{},
		logger,
	).WithMetrics(metrics)

	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("fan-out consumer stopped", "error", err)
			os.Exit(1)
		}
	}()

	// Metrics and probes only; the admin API lives in cmd/api.
	healthHandler := observability.NewHealthHandler().
		WithCheck("database", pool).
		WithCheck("broker", messageBus)
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

	logger.Info("fan-out worker started",
		"instance_id", cfg.InstanceID,
		"brokers", cfg.KafkaBrokers,
		"events_topic", cfg.EventsTopic,
		"group", kafkaConfig.GroupID,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown metrics server", "error", err)
	}

	logger.Info("shutdown complete")
}
