package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/notify"
	"github.com/relaydesk/relaydesk/internal/queue"
)

type fakeBillingStore struct {
	txn          *db.PaymentTransaction
	invoice      *db.Invoice
	subscription *db.Subscription
	failures     int

	successOutcome *db.PaymentSuccessOutcome
	failureOutcome *db.PaymentFailureOutcome

	updatedStatus  string
	appliedSuccess bool
	failureTarget  string
	failureReason  string
}

func (s *fakeBillingStore) GetTransactionByGatewayID(_ context.Context, gateway, gatewayTxnID string) (*db.PaymentTransaction, error) {
	if s.txn == nil {
		return nil, db.ErrNotFound
	}
	return s.txn, nil
}

func (s *fakeBillingStore) UpdateTransactionStatus(_ context.Context, _ uuid.UUID, status string, _ *string) error {
	s.updatedStatus = status
	return nil
}

func (s *fakeBillingStore) GetInvoice(_ context.Context, _ uuid.UUID) (*db.Invoice, error) {
	if s.invoice == nil {
		return nil, db.ErrNotFound
	}
	return s.invoice, nil
}

func (s *fakeBillingStore) GetSubscription(_ context.Context, _ uuid.UUID) (*db.Subscription, error) {
	if s.subscription == nil {
		return nil, db.ErrNotFound
	}
	return s.subscription, nil
}

func (s *fakeBillingStore) ApplyPaymentSuccess(_ context.Context, _ uuid.UUID, periodExtension string) (*db.PaymentSuccessOutcome, error) {
	s.appliedSuccess = true
	return s.successOutcome, nil
}

func (s *fakeBillingStore) ApplyPaymentFailure(_ context.Context, _ uuid.UUID, reason, subscriptionStatus string) (*db.PaymentFailureOutcome, error) {
	s.failureReason = reason
	s.failureTarget = subscriptionStatus
	return s.failureOutcome, nil
}

func (s *fakeBillingStore) CountRecentFailures(_ context.Context, _ uuid.UUID, _ time.Time) (int, error) {
	return s.failures, nil
}

type fakeNotifier struct {
	requests []*notify.Request
	err      error
}

func (n *fakeNotifier) Dispatch(_ context.Context, req *notify.Request) (*db.Notification, error) {
	if n.err != nil {
		return nil, n.err
	}
	n.requests = append(n.requests, req)
	return &db.Notification{ID: uuid.New()}, nil
}

type fakeQueue struct {
	jobs []*queue.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) EnqueueAfter(_ context.Context, _ time.Duration, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func webhookJob(t *testing.T, event WebhookEvent) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return queue.NewJob(queue.TypePaymentWebhook, queue.QueuePayment, payload)
}

func reactionJob(t *testing.T, jobType string, payload ReactionPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.NewJob(jobType, queue.QueueBilling, raw)
}

func TestReactor_HandleWebhook_CompletedForksSuccess(t *testing.T) {
	txn := &db.PaymentTransaction{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		InvoiceID:      uuid.New(),
		Gateway:        GatewayStripe,
	}
	store := &fakeBillingStore{txn: txn}
	enq := &fakeQueue{}
	r := NewReactor(store, &fakeNotifier{}, enq, zap.NewNop())

	job := webhookJob(t, WebhookEvent{
		Gateway:       GatewayStripe,
		TransactionID: "pi_123",
		Status:        db.PaymentCompleted,
	})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if store.updatedStatus != db.PaymentCompleted {
		t.Errorf("transaction status = %q", store.updatedStatus)
	}
	if len(enq.jobs) != 1 || enq.jobs[0].Type != queue.TypePaymentSuccess {
		t.Fatalf("forked jobs = %v", enq.jobs)
	}

	var payload ReactionPayload
	if err := json.Unmarshal(enq.jobs[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TransactionID != txn.ID || payload.InvoiceID != txn.InvoiceID {
		t.Errorf("payload = %+v", payload)
	}
}

func TestReactor_HandleWebhook_FailedForksFailure(t *testing.T) {
	store := &fakeBillingStore{txn: &db.PaymentTransaction{ID: uuid.New()}}
	enq := &fakeQueue{}
	r := NewReactor(store, &fakeNotifier{}, enq, zap.NewNop())

	job := webhookJob(t, WebhookEvent{
		Gateway:       GatewayMidtrans,
		TransactionID: "mt-1",
		Status:        db.PaymentFailed,
		FailureReason: "deny",
	})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(enq.jobs) != 1 || enq.jobs[0].Type != queue.TypePaymentFailure {
		t.Fatalf("forked jobs = %v", enq.jobs)
	}
}

func TestReactor_HandleWebhook_PendingHasNoReaction(t *testing.T) {
	store := &fakeBillingStore{txn: &db.PaymentTransaction{ID: uuid.New()}}
	enq := &fakeQueue{}
	r := NewReactor(store, &fakeNotifier{}, enq, zap.NewNop())

	job := webhookJob(t, WebhookEvent{
		Gateway:       GatewayXendit,
		TransactionID: "xn-1",
		Status:        db.PaymentPending,
	})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if store.updatedStatus != db.PaymentPending {
		t.Errorf("transaction status = %q", store.updatedStatus)
	}
	if len(enq.jobs) != 0 {
		t.Fatal("pending status must not fork a reaction")
	}
}

func TestReactor_HandleWebhook_UnknownTransactionIsPermanent(t *testing.T) {
	r := NewReactor(&fakeBillingStore{}, &fakeNotifier{}, &fakeQueue{}, zap.NewNop())

	job := webhookJob(t, WebhookEvent{
		Gateway:       GatewayStripe,
		TransactionID: "pi_ghost",
		Status:        db.PaymentCompleted,
	})
	err := r.Handle(context.Background(), job)
	if !errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("unknown transaction must dead-letter, got %v", err)
	}
}

func TestReactor_HandleSuccess(t *testing.T) {
	subID := uuid.New()
	store := &fakeBillingStore{
		invoice:        &db.Invoice{ID: uuid.New(), SubscriptionID: subID, AmountCents: 4900, Currency: "USD"},
		subscription:   &db.Subscription{ID: subID, BillingCycle: db.CycleMonthly, Status: db.SubPastDue},
		successOutcome: &db.PaymentSuccessOutcome{InvoicePaid: true, SubscriptionActivated: true, SubscriptionID: subID},
	}
	notifier := &fakeNotifier{}
	r := NewReactor(store, notifier, &fakeQueue{}, zap.NewNop())

	job := reactionJob(t, queue.TypePaymentSuccess, ReactionPayload{
		OrganizationID: uuid.New(),
		InvoiceID:      store.invoice.ID,
	})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !store.appliedSuccess {
		t.Fatal("ApplyPaymentSuccess was not called")
	}
	if len(notifier.requests) != 1 || notifier.requests[0].Type != "payment_success" {
		t.Fatalf("notifications = %v", notifier.requests)
	}
}

func TestReactor_HandleSuccess_RedeliveryIsQuiet(t *testing.T) {
	subID := uuid.New()
	store := &fakeBillingStore{
		invoice:        &db.Invoice{ID: uuid.New(), SubscriptionID: subID, Status: db.InvoicePaid},
		subscription:   &db.Subscription{ID: subID, BillingCycle: db.CycleMonthly},
		successOutcome: &db.PaymentSuccessOutcome{InvoicePaid: false, SubscriptionID: subID},
	}
	notifier := &fakeNotifier{}
	r := NewReactor(store, notifier, &fakeQueue{}, zap.NewNop())

	job := reactionJob(t, queue.TypePaymentSuccess, ReactionPayload{InvoiceID: store.invoice.ID})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("redelivery must succeed silently, got %v", err)
	}
	if len(notifier.requests) != 0 {
		t.Fatal("redelivery must not notify again")
	}
}

func TestReactor_HandleFailure_BelowThresholdGoesPastDue(t *testing.T) {
	subID := uuid.New()
	store := &fakeBillingStore{
		invoice:        &db.Invoice{ID: uuid.New(), SubscriptionID: subID, AmountCents: 4900, Currency: "USD"},
		subscription:   &db.Subscription{ID: subID, Status: db.SubActive},
		failures:       1,
		failureOutcome: &db.PaymentFailureOutcome{InvoiceOverdue: true, SubscriptionStatus: db.SubPastDue, SubscriptionID: subID},
	}
	notifier := &fakeNotifier{}
	r := NewReactor(store, notifier, &fakeQueue{}, zap.NewNop())

	job := reactionJob(t, queue.TypePaymentFailure, ReactionPayload{
		InvoiceID:     store.invoice.ID,
		FailureReason: "card declined",
	})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if store.failureTarget != db.SubPastDue {
		t.Errorf("escalation target = %q, want past_due", store.failureTarget)
	}
	if store.failureReason != "card declined" {
		t.Errorf("failure reason = %q", store.failureReason)
	}
	if len(notifier.requests) != 1 || notifier.requests[0].Type != "payment_failed" {
		t.Fatalf("notifications = %v", notifier.requests)
	}
}

func TestReactor_HandleFailure_ThresholdSuspends(t *testing.T) {
	subID := uuid.New()
	store := &fakeBillingStore{
		invoice:        &db.Invoice{ID: uuid.New(), SubscriptionID: subID},
		subscription:   &db.Subscription{ID: subID, Status: db.SubPastDue},
		failures:       3,
		failureOutcome: &db.PaymentFailureOutcome{SubscriptionStatus: db.SubSuspended, SubscriptionID: subID},
	}
	notifier := &fakeNotifier{}
	r := NewReactor(store, notifier, &fakeQueue{}, zap.NewNop())

	job := reactionJob(t, queue.TypePaymentFailure, ReactionPayload{InvoiceID: store.invoice.ID})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if store.failureTarget != db.SubSuspended {
		t.Errorf("escalation target = %q, want suspended", store.failureTarget)
	}
	req := notifier.requests[0]
	if req.Type != "subscription_suspended" {
		t.Errorf("notification type = %q", req.Type)
	}
	if len(req.Channels) != 3 {
		t.Errorf("suspension must escalate channels, got %v", req.Channels)
	}
}

func TestReactor_HandleFailure_ActiveNeverJumpsToSuspended(t *testing.T) {
	subID := uuid.New()
	// Reactivated after earlier trouble: the window still holds three
	// failures, but an active subscription only ever steps to past_due.
	store := &fakeBillingStore{
		invoice:        &db.Invoice{ID: uuid.New(), SubscriptionID: subID, AmountCents: 4900, Currency: "USD"},
		subscription:   &db.Subscription{ID: subID, Status: db.SubActive},
		failures:       3,
		failureOutcome: &db.PaymentFailureOutcome{SubscriptionStatus: db.SubPastDue, SubscriptionID: subID},
	}
	notifier := &fakeNotifier{}
	r := NewReactor(store, notifier, &fakeQueue{}, zap.NewNop())

	job := reactionJob(t, queue.TypePaymentFailure, ReactionPayload{InvoiceID: store.invoice.ID})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if store.failureTarget != db.SubPastDue {
		t.Errorf("escalation target = %q, want past_due", store.failureTarget)
	}
	if len(notifier.requests) != 1 || notifier.requests[0].Type != "payment_failed" {
		t.Fatalf("notifications = %v", notifier.requests)
	}
}

func TestReactor_NotificationFailureDoesNotFailJob(t *testing.T) {
	subID := uuid.New()
	store := &fakeBillingStore{
		invoice:        &db.Invoice{ID: uuid.New(), SubscriptionID: subID},
		subscription:   &db.Subscription{ID: subID, BillingCycle: db.CycleMonthly},
		successOutcome: &db.PaymentSuccessOutcome{InvoicePaid: true, SubscriptionID: subID},
	}
	notifier := &fakeNotifier{err: errors.New("notification store down")}
	r := NewReactor(store, notifier, &fakeQueue{}, zap.NewNop())

	job := reactionJob(t, queue.TypePaymentSuccess, ReactionPayload{InvoiceID: store.invoice.ID})
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("committed state change must not retry over a notification, got %v", err)
	}
}

func TestReactor_UnknownJobTypeIsPermanent(t *testing.T) {
	r := NewReactor(&fakeBillingStore{}, &fakeNotifier{}, &fakeQueue{}, zap.NewNop())

	job := queue.NewJob("mystery", queue.QueueBilling, json.RawMessage(`{}`))
	if err := r.Handle(context.Background(), job); !errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("want permanent error, got %v", err)
	}
}
