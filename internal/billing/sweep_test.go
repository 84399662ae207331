package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/queue"
)

type fakeSweepStore struct {
	invoices     []*db.Invoice
	overdueCount int

	markedOverdue []uuid.UUID
	escalations   map[uuid.UUID]string
}

func newFakeSweepStore(invoices ...*db.Invoice) *fakeSweepStore {
	return &fakeSweepStore{
		invoices:    invoices,
		escalations: make(map[uuid.UUID]string),
	}
}

func (s *fakeSweepStore) ListOverduePendingInvoices(_ context.Context, _ time.Time, _ int) ([]*db.Invoice, error) {
	return s.invoices, nil
}

func (s *fakeSweepStore) MarkInvoiceOverdue(_ context.Context, id uuid.UUID) (bool, error) {
	for _, marked := range s.markedOverdue {
		if marked == id {
			return false, nil
		}
	}
	s.markedOverdue = append(s.markedOverdue, id)
	return true, nil
}

func (s *fakeSweepStore) GetSubscription(_ context.Context, id uuid.UUID) (*db.Subscription, error) {
	return &db.Subscription{ID: id, Status: db.SubActive}, nil
}

func (s *fakeSweepStore) EscalateSubscription(_ context.Context, id uuid.UUID, status string) (bool, error) {
	if s.escalations[id] == status {
		return false, nil
	}
	s.escalations[id] = status
	return true, nil
}

func (s *fakeSweepStore) CountOverdueInvoices(_ context.Context, _ uuid.UUID) (int, error) {
	return s.overdueCount, nil
}

func sweepInvoice(overdueFor time.Duration) *db.Invoice {
	return &db.Invoice{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		SubscriptionID: uuid.New(),
		Status:         db.InvoicePending,
		DueDate:        time.Now().Add(-overdueFor),
	}
}

func sweepJob() *queue.Job {
	return queue.NewJob(queue.TypeOverdueSweep, queue.QueueBilling, json.RawMessage(`{}`))
}

func TestSweeper_MarksOverdueWithoutEscalation(t *testing.T) {
	inv := sweepInvoice(24 * time.Hour) // one day past due
	store := newFakeSweepStore(inv)
	notifier := &fakeNotifier{}
	s := NewSweeper(store, notifier, zap.NewNop())

	if err := s.Handle(context.Background(), sweepJob()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(store.markedOverdue) != 1 || store.markedOverdue[0] != inv.ID {
		t.Fatalf("marked = %v", store.markedOverdue)
	}
	if len(store.escalations) != 0 {
		t.Fatal("one day overdue must not escalate the subscription")
	}
	if len(notifier.requests) != 0 {
		t.Fatal("no escalation means no notification")
	}
}

func TestSweeper_PastDueAfterSevenDays(t *testing.T) {
	inv := sweepInvoice(8 * 24 * time.Hour)
	store := newFakeSweepStore(inv)
	notifier := &fakeNotifier{}
	s := NewSweeper(store, notifier, zap.NewNop())

	if err := s.Handle(context.Background(), sweepJob()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := store.escalations[inv.SubscriptionID]; got != db.SubPastDue {
		t.Fatalf("escalation = %q, want past_due", got)
	}
	if len(notifier.requests) != 1 || notifier.requests[0].Type != "subscription_past_due" {
		t.Fatalf("notifications = %v", notifier.requests)
	}
}

func TestSweeper_SuspendsAfterThirtyDays(t *testing.T) {
	inv := sweepInvoice(31 * 24 * time.Hour)
	store := newFakeSweepStore(inv)
	notifier := &fakeNotifier{}
	s := NewSweeper(store, notifier, zap.NewNop())

	if err := s.Handle(context.Background(), sweepJob()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := store.escalations[inv.SubscriptionID]; got != db.SubSuspended {
		t.Fatalf("escalation = %q, want suspended", got)
	}
	req := notifier.requests[0]
	if req.Type != "subscription_suspended" {
		t.Errorf("notification type = %q", req.Type)
	}
	if len(req.Channels) != 3 {
		t.Errorf("suspension must escalate channels, got %v", req.Channels)
	}
}

func TestSweeper_RepeatSweepIsQuiet(t *testing.T) {
	inv := sweepInvoice(8 * 24 * time.Hour)
	store := newFakeSweepStore(inv)
	notifier := &fakeNotifier{}
	s := NewSweeper(store, notifier, zap.NewNop())

	if err := s.Handle(context.Background(), sweepJob()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if err := s.Handle(context.Background(), sweepJob()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	// The store reports no change on the repeat; nothing new to notify.
	if len(notifier.requests) != 1 {
		t.Fatalf("notifications = %d, want 1 across both sweeps", len(notifier.requests))
	}
}

func TestNewScheduler_ValidatesSchedule(t *testing.T) {
	if _, err := NewScheduler("0 2 * * *", &fakeQueue{}, zap.NewNop()); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	if _, err := NewScheduler("every tuesday", &fakeQueue{}, zap.NewNop()); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}
