package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voltapay/webhookd/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/events", func(r chi.Router) {
		r.Post("/", cfg.Handler.PublishEvent)
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", cfg.Handler.CreateSubscription)
		r.Get("/", cfg.Handler.ListSubscriptions)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", cfg.Handler.GetSubscription)
			r.Patch("/", cfg.Handler.UpdateSubscription)
			r.Delete("/", cfg.Handler.DeleteSubscription)
			r.Post("/rotate", cfg.Handler.RotateSecret)
			r.Post("/test", cfg.Handler.SendTestEvent)
			r.Get("/deliveries", cfg.Handler.ListDeliveries)
			r.Get("/attempts", cfg.Handler.ListAttempts)
		})
	})

	return r
}
