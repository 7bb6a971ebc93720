package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voltapay/webhookd/internal/domain"
)

type mockDeliveryRepo struct {
	mu      sync.Mutex
	due     []*domain.DeliveryRecord
	claims  int
	claimed []int
}

func (m *mockDeliveryRepo) Upsert(ctx context.Context, rec *domain.DeliveryRecord) (*domain.DeliveryRecord, bool, error) {
	return rec, true, nil
}

func (m *mockDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	return nil, domain.ErrNotFound
}

func (m *mockDeliveryRepo) Update(ctx context.Context, rec *domain.DeliveryRecord) error {
	return nil
}

func (m *mockDeliveryRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*domain.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims++
	m.claimed = append(m.claimed, len(m.due))
	out := m.due
	m.due = nil
	return out, nil
}

func (m *mockDeliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryRecord, error) {
	return nil, nil
}

type mockProcessor struct {
	mu        sync.Mutex
	processed []string
	fail      map[string]error
}

func (m *mockProcessor) ProcessRecord(ctx context.Context, rec *domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[rec.ID]; ok {
		return err
	}
	m.processed = append(m.processed, rec.ID)
	return nil
}

func (m *mockProcessor) processedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.processed))
	copy(out, m.processed)
	return out
}

func TestSchedulerProcessesClaimedRecords(t *testing.T) {
	repo := &mockDeliveryRepo{
		due: []*domain.DeliveryRecord{
			{ID: "dlv_1", Status: domain.DeliveryStatusRetrying},
			{ID: "dlv_2", Status: domain.DeliveryStatusRetrying},
		},
	}
	proc := &mockProcessor{}

	s := NewScheduler(repo, proc, SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
		ClaimLease:   time.Minute,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	deadline := time.After(time.Second)
	for len(proc.processedIDs()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("processed %v before timeout, want 2 records", proc.processedIDs())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	s.Stop()

	got := proc.processedIDs()
	if len(got) != 2 {
		t.Fatalf("processed %d records, want 2", len(got))
	}
}

func TestSchedulerContinuesPastProcessorErrors(t *testing.T) {
	repo := &mockDeliveryRepo{
		due: []*domain.DeliveryRecord{
			{ID: "dlv_bad", Status: domain.DeliveryStatusRetrying},
			{ID: "dlv_good", Status: domain.DeliveryStatusRetrying},
		},
	}
	proc := &mockProcessor{
		fail: map[string]error{"dlv_bad": errors.New("store unreachable")},
	}

	s := NewScheduler(repo, proc, SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
		ClaimLease:   time.Minute,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	deadline := time.After(time.Second)
	for len(proc.processedIDs()) < 1 {
		select {
		case <-deadline:
			t.Fatalf("good record never processed after bad record failed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	s.Stop()

	got := proc.processedIDs()
	if len(got) != 1 || got[0] != "dlv_good" {
		t.Errorf("processed = %v, want [dlv_good]", got)
	}
}

func TestSchedulerStopWaitsForInFlight(t *testing.T) {
	repo := &mockDeliveryRepo{
		due: []*domain.DeliveryRecord{{ID: "dlv_1", Status: domain.DeliveryStatusRetrying}},
	}
	proc := &mockProcessor{}

	s := NewScheduler(repo, proc, SchedulerConfig{
		PollInterval: time.Hour, // only the initial drain runs
		BatchSize:    100,
		ClaimLease:   time.Minute,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := proc.processedIDs(); len(got) != 1 {
		t.Errorf("Stop returned with %d records processed, want 1", len(got))
	}
}
