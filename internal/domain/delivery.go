package domain

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

// DeliveryRecord tracks delivery progress of one event to one subscription.
// Its identity is the pair (SubscriptionID, EventID) - the idempotency
// boundary that makes broker redelivery of the same envelope safe.
type DeliveryRecord struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscriptionId"`
	EventID        string         `json:"eventId"`
	EventType      string         `json:"eventType"`
	AttemptCount   int            `json:"attemptCount"`
	NextAttemptAt  *time.Time     `json:"nextAttemptAt,omitempty"`
	Status         DeliveryStatus `json:"status"`
	LastHTTPStatus *int           `json:"lastHttpStatus,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// NewDeliveryRecord builds a pending record for one (subscription, event)
// pair. AttemptCount starts at 1: the count names the attempt about to run.
func NewDeliveryRecord(id, subscriptionID string, env *Envelope, now time.Time) *DeliveryRecord {
	return &DeliveryRecord{
		ID:             id,
		SubscriptionID: subscriptionID,
		EventID:        env.ID,
		EventType:      env.Type,
		AttemptCount:   1,
		Status:         DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MarkSuccess finalizes the record. Once success, no further attempts are
// made even if a stale task arrives.
func (d *DeliveryRecord) MarkSuccess(now time.Time, httpStatus int) {
	d.Status = DeliveryStatusSuccess
	d.LastHTTPStatus = &httpStatus
	d.NextAttemptAt = nil
	d.UpdatedAt = now
}

// MarkRetrying schedules the next attempt and consumes one unit of the
// attempt budget.
func (d *DeliveryRecord) MarkRetrying(now, nextAttempt time.Time, httpStatus *int) {
	d.Status = DeliveryStatusRetrying
	d.AttemptCount++
	d.NextAttemptAt = &nextAttempt
	d.LastHTTPStatus = httpStatus
	d.UpdatedAt = now
}

// Reschedule moves the record's due time without consuming the attempt
// budget. Used for backpressure (rate limiting), not delivery failure.
func (d *DeliveryRecord) Reschedule(now, nextAttempt time.Time) {
	d.Status = DeliveryStatusRetrying
	d.NextAttemptAt = &nextAttempt
	d.UpdatedAt = now
}

// MarkFailed is terminal: the attempt budget is exhausted or the subscription
// cannot receive deliveries.
func (d *DeliveryRecord) MarkFailed(now time.Time, httpStatus *int) {
	d.Status = DeliveryStatusFailed
	d.LastHTTPStatus = httpStatus
	d.NextAttemptAt = nil
	d.UpdatedAt = now
}

// DeliveryAttempt is one append-only log entry per HTTP attempt. Entries are
// never updated or deleted; they exist for audit and integrator support.
type DeliveryAttempt struct {
	ID                  int       `json:"id"`
	DeliveryID          string    `json:"deliveryId"`
	SubscriptionID      string    `json:"subscriptionId"`
	EventType           string    `json:"eventType"`
	AttemptNumber       int       `json:"attemptNumber"`
	PayloadSnapshot     string    `json:"payloadSnapshot"`
	HTTPStatus          *int      `json:"httpStatus,omitempty"`
	ResponseBodyExcerpt *string   `json:"responseBodyExcerpt,omitempty"`
	LatencyMs           int       `json:"latencyMs"`
	Success             bool      `json:"success"`
	ErrorMessage        *string   `json:"errorMessage,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}
