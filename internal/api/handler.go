// Package api exposes the event publish endpoint and the admin surface for
// webhook subscriptions.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/domain"
	"github.com/voltapay/webhookd/internal/publisher"
	"github.com/voltapay/webhookd/internal/repository"
)

type Handler struct {
	publisher  *publisher.Publisher
	subs       repository.SubscriptionRepository
	deliveries repository.DeliveryRepository
	events     repository.EventRepository
	attempts   repository.AttemptRepository
	bus        bus.MessageBus
	clock      clock.Clock
	logger     *slog.Logger
}

func NewHandler(
	pub *publisher.Publisher,
	subs repository.SubscriptionRepository,
	deliveries repository.DeliveryRepository,
	events repository.EventRepository,
	attempts repository.AttemptRepository,
	b bus.MessageBus,
	clk clock.Clock,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		publisher:  pub,
		subs:       subs,
		deliveries: deliveries,
		events:     events,
		attempts:   attempts,
		bus:        b,
		clock:      clk,
		logger:     logger,
	}
}

type PublishEventRequest struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenantId"`
	Data     json.RawMessage `json:"data"`
	TraceID  string          `json:"traceId,omitempty"`
}

type PublishEventResponse struct {
	EventID string `json:"eventId"`
}

func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	env, err := h.publisher.Publish(r.Context(), publisher.Input{
		Type:     req.Type,
		TenantID: req.TenantID,
		Data:     req.Data,
		TraceID:  req.TraceID,
	})
	if errors.Is(err, domain.ErrInvalidInput) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to publish event", "error", err, "event_type", req.Type)
		h.respondError(w, http.StatusInternalServerError, "failed to publish event")
		return
	}

	h.respondJSON(w, http.StatusAccepted, PublishEventResponse{EventID: env.ID})
}

type CreateSubscriptionRequest struct {
	TenantID         string   `json:"tenantId"`
	EndpointURL      string   `json:"endpointUrl"`
	SubscribedEvents []string `json:"subscribedEvents"`
}

// CreateSubscriptionResponse is the only place a signing secret ever leaves
// the system, apart from an explicit rotation.
type CreateSubscriptionResponse struct {
	*domain.Subscription
	SigningSecret string `json:"signingSecret"`
}

func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TenantID == "" || req.EndpointURL == "" {
		h.respondError(w, http.StatusBadRequest, "tenantId and endpointUrl are required")
		return
	}
	// The event filter is validated against the catalog here, once;
	// deliveries never re-validate.
	if err := domain.ValidateEventTypes(req.SubscribedEvents); err != nil {
		h.respondError(w, http.StatusBadRequest, "subscribedEvents must be a non-empty set of known event types")
		return
	}

	now := h.clock.Now().UTC()
	sub := &domain.Subscription{
		ID:               uuid.NewString(),
		PublicID:         "wh_" + uuid.NewString(),
		TenantID:         req.TenantID,
		EndpointURL:      req.EndpointURL,
		SigningSecret:    newSigningSecret(),
		SubscribedEvents: req.SubscribedEvents,
		State:            domain.SubscriptionStateActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := h.subs.Create(r.Context(), sub); err != nil {
		h.logger.Error("failed to create subscription", "error", err, "tenant_id", req.TenantID)
		h.respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateSubscriptionResponse{
		Subscription:  sub,
		SigningSecret: sub.SigningSecret,
	})
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenantId query parameter is required")
		return
	}

	subs, err := h.subs.ListByTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list subscriptions", "error", err, "tenant_id", tenantID)
		h.respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []*domain.Subscription{}
	}

	h.respondJSON(w, http.StatusOK, subs)
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, sub)
}

type UpdateSubscriptionRequest struct {
	EndpointURL      string   `json:"endpointUrl,omitempty"`
	SubscribedEvents []string `json:"subscribedEvents,omitempty"`
	State            string   `json:"state,omitempty"`
}

// UpdateSubscription applies admin changes: endpoint, filter, and explicit
// activate/deactivate. Re-activating a disabled subscription resets its
// failure counter; there is no automatic re-enable.
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	var req UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EndpointURL != "" {
		sub.EndpointURL = req.EndpointURL
	}
	if req.SubscribedEvents != nil {
		if err := domain.ValidateEventTypes(req.SubscribedEvents); err != nil {
			h.respondError(w, http.StatusBadRequest, "subscribedEvents must be a non-empty set of known event types")
			return
		}
		sub.SubscribedEvents = req.SubscribedEvents
	}
	switch req.State {
	case "":
	case string(domain.SubscriptionStateActive):
		sub.State = domain.SubscriptionStateActive
		sub.ConsecutiveFailures = 0
	case string(domain.SubscriptionStateInactive):
		sub.State = domain.SubscriptionStateInactive
	default:
		h.respondError(w, http.StatusBadRequest, "state must be active or inactive")
		return
	}
	sub.UpdatedAt = h.clock.Now().UTC()

	if err := h.subs.Update(r.Context(), sub); err != nil {
		h.logger.Error("failed to update subscription", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	h.respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	if err := h.subs.Delete(r.Context(), sub.ID); err != nil {
		h.logger.Error("failed to delete subscription", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type RotateSecretResponse struct {
	SigningSecret string `json:"signingSecret"`
}

// RotateSecret atomically replaces the signing secret. The previous secret
// stops validating the moment the rotation commits - no grace overlap.
func (h *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	secret := newSigningSecret()
	if err := h.subs.RotateSecret(r.Context(), sub.ID, secret, h.clock.Now().UTC()); err != nil {
		h.logger.Error("failed to rotate secret", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}

	h.respondJSON(w, http.StatusOK, RotateSecretResponse{SigningSecret: secret})
}

type TestEventResponse struct {
	EventID    string `json:"eventId"`
	DeliveryID string `json:"deliveryId"`
}

// SendTestEvent pushes a webhook.test envelope through the full delivery
// path for one subscription: same record, same task queue, same signer as
// production events.
func (h *Handler) SendTestEvent(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	now := h.clock.Now().UTC()
	env := &domain.Envelope{
		ID:        "evt_" + uuid.NewString(),
		Type:      domain.EventTypeTest,
		Timestamp: now,
		TenantID:  sub.TenantID,
		Data:      json.RawMessage(`{"test":true}`),
	}

	if err := h.events.Save(r.Context(), env); err != nil {
		h.logger.Error("failed to save test envelope", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to send test event")
		return
	}

	rec := domain.NewDeliveryRecord("dlv_"+uuid.NewString(), sub.ID, env, now)
	stored, _, err := h.deliveries.Upsert(r.Context(), rec)
	if err != nil {
		h.logger.Error("failed to create test delivery", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to send test event")
		return
	}

	task := &bus.Task{
		DeliveryID:     stored.ID,
		SubscriptionID: sub.ID,
		Envelope:       *env,
	}
	if err := h.bus.PublishTask(r.Context(), task); err != nil {
		h.logger.Error("failed to publish test task", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to send test event")
		return
	}

	h.respondJSON(w, http.StatusAccepted, TestEventResponse{
		EventID:    env.ID,
		DeliveryID: stored.ID,
	})
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	records, err := h.deliveries.ListBySubscription(r.Context(), sub.ID, 100)
	if err != nil {
		h.logger.Error("failed to list deliveries", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if records == nil {
		records = []*domain.DeliveryRecord{}
	}

	h.respondJSON(w, http.StatusOK, records)
}

func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	attempts, err := h.attempts.ListBySubscription(r.Context(), sub.ID, 100)
	if err != nil {
		h.logger.Error("failed to list attempts", "error", err, "subscription_id", sub.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*domain.DeliveryAttempt{}
	}

	h.respondJSON(w, http.StatusOK, attempts)
}

func (h *Handler) loadSubscription(w http.ResponseWriter, r *http.Request) (*domain.Subscription, bool) {
	publicID := chi.URLParam(r, "id")
	if publicID == "" {
		h.respondError(w, http.StatusBadRequest, "subscription id is required")
		return nil, false
	}

	sub, err := h.subs.GetByPublicID(r.Context(), publicID)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "subscription not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load subscription", "error", err, "public_id", publicID)
		h.respondError(w, http.StatusInternalServerError, "failed to load subscription")
		return nil, false
	}
	return sub, true
}

// newSigningSecret generates a fresh endpoint secret. The "whsec_" prefix
// makes leaked secrets greppable.
func newSigningSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process cannot do anything
		// security-relevant.
		panic(err)
	}
	return "whsec_" + hex.EncodeToString(buf)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
