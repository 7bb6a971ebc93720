// Package observability provides Prometheus metrics, health checks, and
// logging helpers.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the webhook delivery subsystem.
// Registered automatically via promauto.
//
// Key series for monitoring:
//   - events_published_total: inbound event rate
//   - deliveries_succeeded_total / deliveries_failed_total: delivery outcomes
//   - subscriptions_disabled_total: circuit-breaker trips (alert on this)
//   - attempt_duration_seconds: endpoint latency distribution
type Metrics struct {
	EventsPublished       prometheus.Counter
	FanoutEnvelopes       *prometheus.CounterVec
	FanoutTasks           prometheus.Counter
	DeliveriesSucceeded   prometheus.Counter
	DeliveriesFailed      prometheus.Counter
	DeliveriesRetrying    prometheus.Counter
	DeliveriesThrottled   prometheus.Counter
	DeliveriesDeadLetter  prometheus.Counter
	AttemptsTotal         prometheus.Counter
	AttemptDuration       prometheus.Histogram
	SubscriptionsDisabled prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
}

// NewMetrics creates and registers all metrics under the given namespace
// (series come out as e.g. "webhookd_deliveries_succeeded_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of event envelopes published to the broker",
		}),
		FanoutEnvelopes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_envelopes_total",
			Help:      "Total number of envelopes processed by the fan-out worker",
		}, []string{"result"}),
		FanoutTasks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_tasks_total",
			Help:      "Total number of delivery tasks created by fan-out",
		}),
		DeliveriesSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_succeeded_total",
			Help:      "Total number of deliveries that reached success",
		}),
		DeliveriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Total number of deliveries that reached terminal failure",
		}),
		DeliveriesRetrying: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_retrying_total",
			Help:      "Total number of delivery attempts scheduled for retry",
		}),
		DeliveriesThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_throttled_total",
			Help:      "Total number of deliveries rescheduled by rate limiting",
		}),
		DeliveriesDeadLetter: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dead_letter_total",
			Help:      "Total number of delivery tasks routed to the dead-letter queue",
		}),
		AttemptsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of HTTP delivery attempts made",
		}),
		AttemptDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of webhook HTTP attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		SubscriptionsDisabled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_disabled_total",
			Help:      "Total number of subscriptions auto-disabled by consecutive failures",
		}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of API HTTP requests currently being served",
		}),
	}
}
