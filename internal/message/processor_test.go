package message

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/queue"
)

type fakeStore struct {
	org       *db.Organization
	insertErr error

	inserted        []*db.Message
	classifications []string
}

func (s *fakeStore) GetOrganization(_ context.Context, id uuid.UUID) (*db.Organization, error) {
	return s.org, nil
}

func (s *fakeStore) GetOrCreateCustomer(_ context.Context, orgID uuid.UUID, phone, name string) (*db.Customer, error) {
	return &db.Customer{ID: uuid.New(), OrganizationID: orgID, Phone: phone, Name: name}, nil
}

func (s *fakeStore) GetOrCreateActiveSession(_ context.Context, orgID, customerID uuid.UUID) (*db.ChatSession, error) {
	return &db.ChatSession{ID: uuid.New(), OrganizationID: orgID, CustomerID: customerID, IsActive: true}, nil
}

func (s *fakeStore) UpdateSessionClassification(_ context.Context, _ uuid.UUID, intent, sentiment string) error {
	s.classifications = append(s.classifications, intent+"/"+sentiment)
	return nil
}

func (s *fakeStore) InsertMessage(_ context.Context, msg *db.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, msg)
	return nil
}

type fakeFinalizer struct {
	lockHeld  bool
	finalized []string
}

func (f *fakeFinalizer) AcquireProcessing(_ context.Context, _, _ string) (bool, error) {
	return !f.lockHeld, nil
}

func (f *fakeFinalizer) Finalize(_ context.Context, _, externalMessageID string) error {
	f.finalized = append(f.finalized, externalMessageID)
	return nil
}

type fakeBroadcaster struct {
	published [][]byte
}

func (b *fakeBroadcaster) Publish(_ context.Context, _ string, payload []byte) error {
	b.published = append(b.published, payload)
	return nil
}

type fakeEnqueuer struct {
	jobs []*queue.Job
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, job *queue.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *fakeEnqueuer) EnqueueAfter(_ context.Context, _ time.Duration, job *queue.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

func processMessageJob(t *testing.T, orgID uuid.UUID) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(ingest.JobPayload{
		OrganizationID: orgID,
		Message: ingest.InboundMessage{
			ExternalMessageID: "wamid.TEST1",
			SenderAddress:     "15550001111",
			RecipientAddress:  "15559990000",
			Body:              "I have a problem with my invoice",
			MessageType:       "text",
			ProfileName:       "Ada",
			ReceivedAt:        time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.NewJob(queue.TypeProcessMessage, queue.QueueWhatsApp, payload)
}

func TestProcessor_Handle(t *testing.T) {
	orgID := uuid.New()
	reply := "We'll be right with you"
	store := &fakeStore{org: &db.Organization{ID: orgID, AutoReply: &reply}}
	fin := &fakeFinalizer{}
	bc := &fakeBroadcaster{}
	enq := &fakeEnqueuer{}
	p := NewProcessor(store, fin, bc, enq, zap.NewNop())

	if err := p.Handle(context.Background(), processMessageJob(t, orgID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d messages, want 1", len(store.inserted))
	}
	msg := store.inserted[0]
	if msg.Direction != db.DirectionInbound || msg.ExternalID != "wamid.TEST1" {
		t.Fatalf("persisted message = %+v", msg)
	}

	if len(store.classifications) != 1 || store.classifications[0] != db.IntentBilling+"/"+db.SentimentNeutral {
		t.Fatalf("classification = %v", store.classifications)
	}

	if len(bc.published) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(bc.published))
	}
	var event ProcessedEvent
	if err := json.Unmarshal(bc.published[0], &event); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if event.Intent != db.IntentBilling || event.MessageID != msg.ID {
		t.Fatalf("broadcast event = %+v", event)
	}

	if len(enq.jobs) != 1 || enq.jobs[0].Type != queue.TypeSendAutoReply {
		t.Fatalf("auto-reply jobs = %v", enq.jobs)
	}
	var autoReply AutoReplyPayload
	if err := json.Unmarshal(enq.jobs[0].Payload, &autoReply); err != nil {
		t.Fatalf("decode auto-reply payload: %v", err)
	}
	if autoReply.Body != reply || autoReply.To != "15550001111" {
		t.Fatalf("auto-reply payload = %+v", autoReply)
	}

	if len(fin.finalized) != 1 {
		t.Fatal("idempotency record was not finalized")
	}
}

func TestProcessor_Handle_NoAutoReplyConfigured(t *testing.T) {
	orgID := uuid.New()
	store := &fakeStore{org: &db.Organization{ID: orgID}}
	enq := &fakeEnqueuer{}
	p := NewProcessor(store, &fakeFinalizer{}, &fakeBroadcaster{}, enq, zap.NewNop())

	if err := p.Handle(context.Background(), processMessageJob(t, orgID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("auto-reply enqueued without configuration: %v", enq.jobs)
	}
}

func TestProcessor_Handle_DuplicateInsertIsSuccess(t *testing.T) {
	orgID := uuid.New()
	reply := "hi"
	store := &fakeStore{
		org:       &db.Organization{ID: orgID, AutoReply: &reply},
		insertErr: &pgconn.PgError{Code: "23505"},
	}
	fin := &fakeFinalizer{}
	bc := &fakeBroadcaster{}
	enq := &fakeEnqueuer{}
	p := NewProcessor(store, fin, bc, enq, zap.NewNop())

	if err := p.Handle(context.Background(), processMessageJob(t, orgID)); err != nil {
		t.Fatalf("duplicate key must be reconciliation, got %v", err)
	}

	if len(bc.published) != 0 {
		t.Fatal("reactions must not re-fire for a reconciled duplicate")
	}
	if len(enq.jobs) != 0 {
		t.Fatal("auto-reply must not re-fire for a reconciled duplicate")
	}
	if len(fin.finalized) != 1 {
		t.Fatal("duplicate path must still finalize the idempotency record")
	}
}

func TestProcessor_Handle_LockLostRetries(t *testing.T) {
	orgID := uuid.New()
	store := &fakeStore{org: &db.Organization{ID: orgID}}
	fin := &fakeFinalizer{lockHeld: true}
	bc := &fakeBroadcaster{}
	p := NewProcessor(store, fin, bc, &fakeEnqueuer{}, zap.NewNop())

	// If the lock holder dies before persisting, an acked duplicate
	// would lose the message for good. The loser must come back after
	// the lock TTL.
	err := p.Handle(context.Background(), processMessageJob(t, orgID))
	if err == nil {
		t.Fatal("losing the lock must return a retryable error")
	}
	if errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("lock contention must stay retryable, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatal("lock loser must do no work")
	}
	if len(fin.finalized) != 0 {
		t.Fatal("lock loser must not finalize the record")
	}
}

func TestProcessor_Handle_MalformedPayloadIsPermanent(t *testing.T) {
	p := NewProcessor(&fakeStore{}, &fakeFinalizer{}, &fakeBroadcaster{}, &fakeEnqueuer{}, zap.NewNop())

	job := queue.NewJob(queue.TypeProcessMessage, queue.QueueWhatsApp, json.RawMessage(`{not json`))
	err := p.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if !errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("malformed payload must be permanent, got %v", err)
	}
}
