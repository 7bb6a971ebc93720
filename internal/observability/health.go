package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Pinger is one dependency a readiness probe can verify. pgxpool.Pool
// satisfies it directly; clients with a different ping shape adapt through
// PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function into a Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type healthCheck struct {
	name   string
	pinger Pinger
}

// HealthHandler serves liveness and readiness for any of the three
// processes. /health is unconditional; /ready reports each registered
// dependency by name and degrades to 503 if any fails.
type HealthHandler struct {
	checks       []healthCheck
	checkTimeout time.Duration
	ready        atomic.Bool
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{checkTimeout: 2 * time.Second}
}

// WithCheck registers a named dependency check. Checks run in registration
// order on every readiness probe.
func (h *HealthHandler) WithCheck(name string, p Pinger) *HealthHandler {
	if p != nil {
		h.checks = append(h.checks, healthCheck{name: name, pinger: p})
	}
	return h
}

// SetReady flips the process-level gate. Startup leaves it false until
// wiring is complete so load balancers do not route early.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		err := c.pinger.Ping(ctx)
		cancel()
		if err != nil {
			checks[c.name] = err.Error()
			allHealthy = false
		} else {
			checks[c.name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}
