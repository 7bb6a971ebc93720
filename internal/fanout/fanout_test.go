package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voltapay/webhookd/internal/bus"
	"github.com/voltapay/webhookd/internal/clock"
	"github.com/voltapay/webhookd/internal/domain"
)

type mockSubRepo struct {
	subs []*domain.Subscription
	err  error
}

func (m *mockSubRepo) Create(ctx context.Context, sub *domain.Subscription) error { return nil }
func (m *mockSubRepo) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	for _, s := range m.subs {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, domain.ErrNotFound
}
func (m *mockSubRepo) GetByPublicID(ctx context.Context, publicID string) (*domain.Subscription, error) {
	return nil, domain.ErrNotFound
}
func (m *mockSubRepo) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Subscription, error) {
	return m.subs, nil
}
func (m *mockSubRepo) GetActiveByEvent(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*domain.Subscription
	for _, s := range m.subs {
		if s.TenantID == tenantID && s.State == domain.SubscriptionStateActive && s.Subscribed(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}
func (m *mockSubRepo) Update(ctx context.Context, sub *domain.Subscription) error { return nil }
func (m *mockSubRepo) RotateSecret(ctx context.Context, id, newSecret string, now time.Time) error {
	return nil
}
func (m *mockSubRepo) UpdateDeliveryState(ctx context.Context, sub *domain.Subscription) error {
	return nil
}
func (m *mockSubRepo) Delete(ctx context.Context, id string) error { return nil }

// mockDeliveryRepo enforces the (subscriptionId, eventId) uniqueness the
// real table provides.
type mockDeliveryRepo struct {
	mu      sync.Mutex
	byKey   map[string]*domain.DeliveryRecord
	failFor string // subscription id whose upsert fails
}

func newMockDeliveryRepo() *mockDeliveryRepo {
	return &mockDeliveryRepo{byKey: make(map[string]*domain.DeliveryRecord)}
}

func (m *mockDeliveryRepo) key(subID, eventID string) string { return subID + "|" + eventID }

func (m *mockDeliveryRepo) Upsert(ctx context.Context, rec *domain.DeliveryRecord) (*domain.DeliveryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.SubscriptionID == m.failFor {
		return nil, false, errors.New("upsert failed")
	}
	k := m.key(rec.SubscriptionID, rec.EventID)
	if existing, ok := m.byKey[k]; ok {
		return existing, false, nil
	}
	m.byKey[k] = rec
	return rec, true, nil
}

func (m *mockDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byKey {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockDeliveryRepo) Update(ctx context.Context, rec *domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[m.key(rec.SubscriptionID, rec.EventID)] = rec
	return nil
}

func (m *mockDeliveryRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*domain.DeliveryRecord, error) {
	return nil, nil
}

func (m *mockDeliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryRecord, error) {
	return nil, nil
}

func (m *mockDeliveryRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

type mockEventRepo struct {
	mu        sync.Mutex
	envelopes map[string]*domain.Envelope
	err       error
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{envelopes: make(map[string]*domain.Envelope)}
}

func (m *mockEventRepo) Save(ctx context.Context, env *domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.envelopes[env.ID]; !ok {
		m.envelopes[env.ID] = env
	}
	return nil
}

func (m *mockEventRepo) GetByID(ctx context.Context, id string) (*domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.envelopes[id]; ok {
		return env, nil
	}
	return nil, domain.ErrNotFound
}

func activeSub(id, tenant string, events ...string) *domain.Subscription {
	return &domain.Subscription{
		ID:               id,
		PublicID:         "wh_" + id,
		TenantID:         tenant,
		EndpointURL:      "https://example.com/hook",
		SubscribedEvents: events,
		State:            domain.SubscriptionStateActive,
	}
}

func testEnvelope(id string) *domain.Envelope {
	return &domain.Envelope{
		ID:        id,
		Type:      "charge.paid",
		Timestamp: time.Now().UTC(),
		TenantID:  "tenant_1",
		Data:      json.RawMessage(`{"amount":1000}`),
	}
}

func newTestWorker(subs *mockSubRepo, deliveries *mockDeliveryRepo, events *mockEventRepo, b bus.MessageBus) *Worker {
	return NewWorker(subs, deliveries, events, b, &clock.MockClock{NowTime: time.Now().UTC()}, nil)
}

func TestHandleEnvelopeFansOutToMatchingSubscriptions(t *testing.T) {
	subs := &mockSubRepo{subs: []*domain.Subscription{
		activeSub("sub_1", "tenant_1", "charge.paid"),
		activeSub("sub_2", "tenant_1", "charge.paid", "charge.created"),
		activeSub("sub_other_event", "tenant_1", "charge.refunded"),
		activeSub("sub_other_tenant", "tenant_2", "charge.paid"),
	}}
	deliveries := newMockDeliveryRepo()
	events := newMockEventRepo()
	b := bus.NewMemoryBus()

	w := newTestWorker(subs, deliveries, events, b)

	if err := w.HandleEnvelope(context.Background(), testEnvelope("evt_1")); err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}

	if deliveries.count() != 2 {
		t.Errorf("created %d delivery records, want 2", deliveries.count())
	}
	tasks := b.PublishedTasks()
	if len(tasks) != 2 {
		t.Fatalf("published %d tasks, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Envelope.ID != "evt_1" {
			t.Errorf("task carries envelope %s, want evt_1", task.Envelope.ID)
		}
	}

	// The envelope must be in the store before any task can run.
	if _, err := events.GetByID(context.Background(), "evt_1"); err != nil {
		t.Errorf("envelope not persisted: %v", err)
	}
}

func TestHandleEnvelopeIdempotentUnderRedelivery(t *testing.T) {
	subs := &mockSubRepo{subs: []*domain.Subscription{
		activeSub("sub_1", "tenant_1", "charge.paid"),
	}}
	deliveries := newMockDeliveryRepo()
	events := newMockEventRepo()
	b := bus.NewMemoryBus()

	w := newTestWorker(subs, deliveries, events, b)
	env := testEnvelope("evt_1")

	if err := w.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("first HandleEnvelope() error = %v", err)
	}
	if err := w.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("second HandleEnvelope() error = %v", err)
	}

	if deliveries.count() != 1 {
		t.Errorf("redelivered envelope created %d records, want exactly 1", deliveries.count())
	}
}

func TestHandleEnvelopeSkipsTaskForInFlightRecord(t *testing.T) {
	subs := &mockSubRepo{subs: []*domain.Subscription{
		activeSub("sub_1", "tenant_1", "charge.paid"),
	}}
	deliveries := newMockDeliveryRepo()
	events := newMockEventRepo()
	b := bus.NewMemoryBus()

	w := newTestWorker(subs, deliveries, events, b)
	env := testEnvelope("evt_1")

	if err := w.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}

	// The delivery worker has since moved the record past pending.
	rec, err := deliveries.GetByID(context.Background(), b.PublishedTasks()[0].DeliveryID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	rec.MarkRetrying(time.Now().UTC(), time.Now().UTC().Add(2*time.Second), nil)

	if err := w.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("redelivery HandleEnvelope() error = %v", err)
	}

	if got := len(b.PublishedTasks()); got != 1 {
		t.Errorf("published %d tasks, want 1: in-flight records must not get duplicate tasks", got)
	}
}

func TestHandleEnvelopeDropsMalformed(t *testing.T) {
	subs := &mockSubRepo{}
	deliveries := newMockDeliveryRepo()
	events := newMockEventRepo()
	b := bus.NewMemoryBus()

	w := newTestWorker(subs, deliveries, events, b)

	// Missing tenant: drop, do not redeliver.
	err := w.HandleEnvelope(context.Background(), &domain.Envelope{ID: "evt_1", Type: "charge.paid"})
	if err != nil {
		t.Errorf("HandleEnvelope() error = %v, want nil (ack and drop)", err)
	}
	if len(events.envelopes) != 0 {
		t.Errorf("malformed envelope was persisted")
	}
}

func TestHandleEnvelopeNoSubscribersIsValid(t *testing.T) {
	subs := &mockSubRepo{}
	deliveries := newMockDeliveryRepo()
	events := newMockEventRepo()
	b := bus.NewMemoryBus()

	w := newTestWorker(subs, deliveries, events, b)

	if err := w.HandleEnvelope(context.Background(), testEnvelope("evt_1")); err != nil {
		t.Errorf("HandleEnvelope() error = %v, want nil when nobody subscribes", err)
	}
	if len(b.PublishedTasks()) != 0 {
		t.Errorf("tasks published with no subscribers")
	}
}

func TestHandleEnvelopeIsolatesSubscriptionFailures(t *testing.T) {
	subs := &mockSubRepo{subs: []*domain.Subscription{
		activeSub("sub_broken", "tenant_1", "charge.paid"),
		activeSub("sub_ok", "tenant_1", "charge.paid"),
	}}
	deliveries := newMockDeliveryRepo()
	deliveries.failFor = "sub_broken"
	events := newMockEventRepo()
	b := bus.NewMemoryBus()

	w := newTestWorker(subs, deliveries, events, b)

	err := w.HandleEnvelope(context.Background(), testEnvelope("evt_1"))
	if err == nil {
		t.Fatalf("HandleEnvelope() = nil, want error so the envelope is redelivered")
	}

	// The healthy subscription still got its task.
	tasks := b.PublishedTasks()
	if len(tasks) != 1 || tasks[0].SubscriptionID != "sub_ok" {
		t.Errorf("tasks = %v, want one task for sub_ok", tasks)
	}
}

func TestHandleEnvelopeRegistryErrorRedelivers(t *testing.T) {
	subs := &mockSubRepo{err: errors.New("db down")}
	deliveries := newMockDeliveryRepo()
	events := newMockEventRepo()
	b := bus.NewMemoryBus()

	w := newTestWorker(subs, deliveries, events, b)

	if err := w.HandleEnvelope(context.Background(), testEnvelope("evt_1")); err == nil {
		t.Errorf("HandleEnvelope() = nil, want error on registry failure")
	}
}
