package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/queue"
)

type fakeResolver struct {
	orgID   uuid.UUID
	err     error
	rejects string // recipient address with no organization
}

func (f *fakeResolver) ResolveOrganization(_ context.Context, recipient string) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	if f.rejects != "" && recipient == f.rejects {
		return uuid.Nil, errors.New("no organization for " + recipient)
	}
	return f.orgID, nil
}

type fakeDeduper struct {
	seen map[string]bool
}

func (f *fakeDeduper) MarkIfNew(_ context.Context, orgID, externalMessageID string, _ time.Duration) (bool, error) {
	key := orgID + ":" + externalMessageID
	if f.seen[key] {
		return false, nil
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.seen[key] = true
	return true, nil
}

type fakeEnqueuer struct {
	jobs []*queue.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job *queue.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEnqueuer) EnqueueAfter(ctx context.Context, _ time.Duration, job *queue.Job) error {
	return f.Enqueue(ctx, job)
}

const whatsappBody = `{
	"entry": [{
		"changes": [{
			"value": {
				"metadata": {"display_phone_number": "15550001111"},
				"messages": [{"id": "wamid.A", "from": "15559990000", "text": {"body": "hi"}, "type": "text", "timestamp": "1700000000"}]
			}
		}]
	}]
}`

func TestPipeline_IngestEnqueuesJob(t *testing.T) {
	orgID := uuid.New()
	enq := &fakeEnqueuer{}
	p := NewPipeline(&fakeResolver{orgID: orgID}, &fakeDeduper{}, enq, zap.NewNop())

	result, err := p.Ingest(context.Background(), []byte(whatsappBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted != 1 || result.Duplicates != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(enq.jobs))
	}

	job := enq.jobs[0]
	if job.Type != queue.TypeProcessMessage {
		t.Errorf("job type = %q", job.Type)
	}
	if job.Queue != queue.QueueWhatsApp {
		t.Errorf("job queue = %q", job.Queue)
	}

	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OrganizationID != orgID {
		t.Errorf("payload org = %s, want %s", payload.OrganizationID, orgID)
	}
	if payload.Message.ExternalMessageID != "wamid.A" {
		t.Errorf("payload message id = %q", payload.Message.ExternalMessageID)
	}
}

func TestPipeline_DuplicateAcknowledged(t *testing.T) {
	enq := &fakeEnqueuer{}
	p := NewPipeline(&fakeResolver{orgID: uuid.New()}, &fakeDeduper{}, enq, zap.NewNop())

	ctx := context.Background()
	if _, err := p.Ingest(ctx, []byte(whatsappBody)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Provider retry with the same external message ID.
	result, err := p.Ingest(ctx, []byte(whatsappBody))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if result.Duplicates != 1 || result.Accepted != 0 {
		t.Fatalf("result = %+v, want 1 duplicate", result)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("duplicate must not enqueue a second job, got %d", len(enq.jobs))
	}
}

func TestPipeline_UnknownOrganization(t *testing.T) {
	enq := &fakeEnqueuer{}
	p := NewPipeline(&fakeResolver{err: errors.New("no such org")}, &fakeDeduper{}, enq, zap.NewNop())

	result, err := p.Ingest(context.Background(), []byte(whatsappBody))
	if err != nil {
		t.Fatalf("unresolvable organization must not bounce the webhook: %v", err)
	}
	if result.Failed != 1 || result.Accepted != 0 {
		t.Fatalf("result = %+v, want 1 failed", result)
	}
	if len(enq.jobs) != 0 {
		t.Fatal("nothing should be enqueued")
	}
}

func TestPipeline_BatchContinuesPastFailedMessage(t *testing.T) {
	orgID := uuid.New()
	enq := &fakeEnqueuer{}
	p := NewPipeline(&fakeResolver{orgID: orgID, rejects: "15557770000"}, &fakeDeduper{}, enq, zap.NewNop())

	// Two tenants batched in one webhook; the first has no organization.
	body := `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"display_phone_number": "15557770000"},
					"messages": [{"id": "wamid.BAD", "from": "15559990000", "text": {"body": "hi"}, "type": "text", "timestamp": "1700000000"}]
				}
			}]
		}, {
			"changes": [{
				"value": {
					"metadata": {"display_phone_number": "15550001111"},
					"messages": [{"id": "wamid.GOOD", "from": "15559990001", "text": {"body": "hello"}, "type": "text", "timestamp": "1700000001"}]
				}
			}]
		}]
	}`

	result, err := p.Ingest(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted != 1 || result.Failed != 1 {
		t.Fatalf("result = %+v, want 1 accepted and 1 failed", result)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(enq.jobs))
	}

	var payload JobPayload
	if err := json.Unmarshal(enq.jobs[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Message.ExternalMessageID != "wamid.GOOD" {
		t.Errorf("enqueued message = %q, want the resolvable one", payload.Message.ExternalMessageID)
	}
}

func TestPipeline_UnrecognizedBody(t *testing.T) {
	p := NewPipeline(&fakeResolver{orgID: uuid.New()}, &fakeDeduper{}, &fakeEnqueuer{}, zap.NewNop())

	_, err := p.Ingest(context.Background(), []byte(`{"unexpected": true}`))
	if !errors.Is(err, ErrUnrecognizedPayload) {
		t.Fatalf("expected ErrUnrecognizedPayload, got %v", err)
	}
}
