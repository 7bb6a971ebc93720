package domain

import "time"

type SubscriptionState string

const (
	SubscriptionStateActive   SubscriptionState = "active"
	SubscriptionStateInactive SubscriptionState = "inactive"
	SubscriptionStateDisabled SubscriptionState = "disabled"
)

// Subscription is an integrator's registered webhook endpoint plus its event
// filter and signing secret.
//
// The state machine is deliberately one-directional on failure: crossing the
// disable threshold moves the subscription to disabled, and only an explicit
// admin re-activation or a subsequent successful delivery of an in-flight
// task brings it back. There is no automatic half-open probing.
type Subscription struct {
	ID                  string            `json:"-"`
	PublicID            string            `json:"id"`
	TenantID            string            `json:"tenantId"`
	EndpointURL         string            `json:"endpointUrl"`
	SigningSecret       string            `json:"-"`
	SubscribedEvents    []string          `json:"subscribedEvents"`
	State               SubscriptionState `json:"state"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastAttemptAt       *time.Time        `json:"lastAttemptAt,omitempty"`
	LastSuccessAt       *time.Time        `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time        `json:"lastFailureAt,omitempty"`
	LastError           *string           `json:"lastError,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// Subscribed reports whether the subscription's event filter contains the
// given event type. Filters are exact-match sets validated against the event
// catalog at creation time, so no wildcard logic runs per delivery.
func (s *Subscription) Subscribed(eventType string) bool {
	for _, t := range s.SubscribedEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// RecordSuccess resets the failure counter and re-activates a subscription
// that had been auto-disabled.
func (s *Subscription) RecordSuccess(now time.Time) {
	s.ConsecutiveFailures = 0
	s.State = SubscriptionStateActive
	s.LastAttemptAt = &now
	s.LastSuccessAt = &now
	s.LastError = nil
	s.UpdatedAt = now
}

// RecordFailure increments the consecutive-failure counter and disables the
// subscription once the threshold is crossed. The counter accumulates across
// all deliveries, independent of any single record's retry budget.
func (s *Subscription) RecordFailure(now time.Time, reason string, disableThreshold int) {
	s.ConsecutiveFailures++
	s.LastAttemptAt = &now
	s.LastFailureAt = &now
	s.LastError = &reason
	s.UpdatedAt = now
	if s.ConsecutiveFailures >= disableThreshold {
		s.State = SubscriptionStateDisabled
	}
}
