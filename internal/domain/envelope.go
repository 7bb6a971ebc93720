package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the immutable record of a business event destined for webhook
// fan-out. It is created exactly once per business action and never mutated
// after publish; replays reuse the same ID so downstream idempotency keys
// stay stable.
//
// The JSON form of an Envelope is also the exact wire body of the outbound
// webhook POST - no wrapping.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TenantID  string          `json:"tenantId"`
	TraceID   string          `json:"traceId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Validate reports whether the envelope carries the fields the fan-out stage
// requires. Malformed envelopes are dropped, not retried.
func (e *Envelope) Validate() error {
	if e.ID == "" || e.Type == "" || e.TenantID == "" {
		return ErrInvalidInput
	}
	return nil
}

// Body serializes the envelope to its canonical wire form. The same bytes are
// signed and POSTed, so integrators can verify the signature over the raw
// request body.
func (e *Envelope) Body() ([]byte, error) {
	return json.Marshal(e)
}
