// API service: accepts events from internal producers and exposes the
// subscription admin surface. Publishing is synchronous - a 202 means the
// envelope is durably in the broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltapay/webhookd/internal/api"
	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/config"
	"github.com/voltapay/webhookd/internal/observability"
	"github.com/voltapay/webhookd/internal/publisher"
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

	pool, err := newPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	subRepo := postgres.NewSubscriptionRepository(pool)
	eventRepo := postgres.NewEventRepository(pool)
	deliveryRepo := postgres.NewDeliveryRepository(pool)
	attemptRepo := postgres.NewAttemptRepository(pool)

	kafkaConfig := bus.DefaultKafkaConfig()
	kafkaConfig.Brokers = cfg.KafkaBrokers
	kafkaConfig.EventsTopic = cfg.EventsTopic
	kafkaConfig.TasksTopic = cfg.TasksTopic
	kafkaConfig.DeadLetterTopic = cfg.DeadLetterTopic
	kafkaConfig.GroupID = cfg.ConsumerGroup
	kafkaConfig.InstanceID = cfg.InstanceID
	messageBus := bus.NewKafkaBus(kafkaConfig, logger)
	defer messageBus.Close()

	metrics := observability.NewMetrics("webhookd")
	healthHandler := observability.NewHealthHandler().
		WithCheck("database", pool).
		WithCheck("broker", messageBus)

	pub := publisher.New(messageBus, clock.RealClock{}, logger).WithMetrics(metrics)

	handler := api.NewHandler(
		pub,
		subRepo,
		deliveryRepo,
		eventRepo,
		attemptRepo,
		messageBus,
		clock.RealClock{},
		logger,
	)
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMaxConns / 3

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
