package domain

// EventTypeTest is the synthetic event type used by the "send test event"
// admin operation. It travels the full delivery path like any other type.
const EventTypeTest = "webhook.test"

// eventCatalog is the closed set of event types the platform emits.
// Subscription filters are validated against it at creation time; deliveries
// never re-validate.
var eventCatalog = map[string]struct{}{
	"charge.created":    {},
	"charge.paid":       {},
	"charge.expired":    {},
	"charge.refunded":   {},
	"charge.chargeback": {},
	"transfer.settled":  {},
	"transfer.failed":   {},
	"account.approved":  {},
	"account.rejected":  {},
	EventTypeTest:       {},
}

// KnownEventType reports whether t is part of the event catalog.
func KnownEventType(t string) bool {
	_, ok := eventCatalog[t]
	return ok
}

// ValidateEventTypes checks a subscription filter against the catalog,
// returning ErrInvalidInput if empty or containing an unknown type.
func ValidateEventTypes(types []string) error {
	if len(types) == 0 {
		return ErrInvalidInput
	}
	for _, t := range types {
		if !KnownEventType(t) {
			return ErrInvalidInput
		}
	}
	return nil
}
