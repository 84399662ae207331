package message

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/queue"
)

// BroadcastChannel is the pub/sub channel agents listen on for
// message_processed events.
const BroadcastChannel = "events:message_processed"

// Store is the persistence surface the processor needs.
type Store interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*db.Organization, error)
	GetOrCreateCustomer(ctx context.Context, orgID uuid.UUID, phone, name string) (*db.Customer, error)
	GetOrCreateActiveSession(ctx context.Context, orgID, customerID uuid.UUID) (*db.ChatSession, error)
	UpdateSessionClassification(ctx context.Context, sessionID uuid.UUID, intent, sentiment string) error
	InsertMessage(ctx context.Context, msg *db.Message) error
}

// Finalizer closes out the idempotency record once the message is
// durably persisted.
type Finalizer interface {
	AcquireProcessing(ctx context.Context, orgID, externalMessageID string) (bool, error)
	Finalize(ctx context.Context, orgID, externalMessageID string) error
}

// Broadcaster publishes fire-and-forget events to connected agents.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Processor handles process_message jobs: resolve customer and session,
// classify, persist, then trigger reactions. The whole job retries as a
// unit; a duplicate-key on the message insert is reconciliation, not
// failure.
type Processor struct {
	store       Store
	finalizer   Finalizer
	broadcaster Broadcaster
	enqueuer    queue.Enqueuer
	logger      *zap.Logger
}

// NewProcessor creates a message processor.
func NewProcessor(store Store, finalizer Finalizer, broadcaster Broadcaster, enqueuer queue.Enqueuer, logger *zap.Logger) *Processor {
	return &Processor{
		store:       store,
		finalizer:   finalizer,
		broadcaster: broadcaster,
		enqueuer:    enqueuer,
		logger:      logger,
	}
}

// ProcessedEvent is the broadcast payload for message_processed.
type ProcessedEvent struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	SessionID      uuid.UUID `json:"session_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Intent         string    `json:"intent"`
	Sentiment      string    `json:"sentiment"`
}

// AutoReplyPayload is the payload for queued auto-reply jobs.
type AutoReplyPayload struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	SessionID      uuid.UUID `json:"session_id"`
	To             string    `json:"to"`
	Body           string    `json:"body"`
}

// Handle implements queue.Handler.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload ingest.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode process_message payload: %v", queue.ErrPermanent, err)
	}

	orgID := payload.OrganizationID
	msg := payload.Message

	// Short-TTL work lock: at-least-once delivery means a second worker
	// can hold the same job. Losing the lock means retry, not ack: if
	// the holder dies before persisting, this delivery's retry lands
	// after the lock TTL and redoes the work instead of losing the
	// message.
	locked, err := p.finalizer.AcquireProcessing(ctx, orgID.String(), msg.ExternalMessageID)
	if err != nil {
		return fmt.Errorf("acquire processing lock: %w", err)
	}
	if !locked {
		p.logger.Info("message locked by another worker, retrying later",
			zap.String("external_message_id", msg.ExternalMessageID),
		)
		return fmt.Errorf("message %s locked by another worker", msg.ExternalMessageID)
	}

	customer, err := p.store.GetOrCreateCustomer(ctx, orgID, msg.SenderAddress, msg.ProfileName)
	if err != nil {
		return fmt.Errorf("resolve customer: %w", err)
	}

	session, err := p.store.GetOrCreateActiveSession(ctx, orgID, customer.ID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	intent := ClassifyIntent(msg.Body)
	sentiment := ClassifySentiment(msg.Body)
	if err := p.store.UpdateSessionClassification(ctx, session.ID, intent, sentiment); err != nil {
		return fmt.Errorf("update classification: %w", err)
	}

	row := &db.Message{
		ID:             uuid.New(),
		OrganizationID: orgID,
		SessionID:      session.ID,
		CustomerID:     customer.ID,
		ExternalID:     msg.ExternalMessageID,
		Direction:      db.DirectionInbound,
		Body:           msg.Body,
		MessageType:    msg.MessageType,
		ReceivedAt:     msg.ReceivedAt,
	}

	duplicate := false
	if err := p.store.InsertMessage(ctx, row); err != nil {
		if !db.IsDuplicateKey(err) {
			return fmt.Errorf("persist message: %w", err)
		}
		// A concurrent worker already persisted this message. Treat as
		// success and skip the reactions — they fired the first time.
		duplicate = true
		p.logger.Info("message already persisted, reconciling",
			zap.String("external_message_id", msg.ExternalMessageID),
			zap.String("organization_id", orgID.String()),
		)
	}

	if !duplicate {
		p.broadcast(ctx, &ProcessedEvent{
			OrganizationID: orgID,
			CustomerID:     customer.ID,
			SessionID:      session.ID,
			MessageID:      row.ID,
			Intent:         intent,
			Sentiment:      sentiment,
		})
		p.enqueueAutoReply(ctx, orgID, customer, session)
	}

	if err := p.finalizer.Finalize(ctx, orgID.String(), msg.ExternalMessageID); err != nil {
		// The message is persisted; dedup falls back to the unique
		// index. Not worth failing the job over.
		p.logger.Warn("failed to finalize idempotency record",
			zap.String("external_message_id", msg.ExternalMessageID),
			zap.Error(err),
		)
	}

	p.logger.Info("message processed",
		zap.String("message_id", row.ID.String()),
		zap.String("organization_id", orgID.String()),
		zap.String("intent", intent),
		zap.String("sentiment", sentiment),
		zap.Bool("duplicate", duplicate),
	)

	return nil
}

// broadcast emits message_processed. Fire-and-forget: a dead pub/sub
// never fails the job.
func (p *Processor) broadcast(ctx context.Context, event *ProcessedEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal broadcast event", zap.Error(err))
		return
	}
	if err := p.broadcaster.Publish(ctx, BroadcastChannel, raw); err != nil {
		p.logger.Warn("failed to broadcast message_processed", zap.Error(err))
	}
}

// enqueueAutoReply schedules the configured bot response as its own
// job so its failures retry independently of message processing.
func (p *Processor) enqueueAutoReply(ctx context.Context, orgID uuid.UUID, customer *db.Customer, session *db.ChatSession) {
	org, err := p.store.GetOrganization(ctx, orgID)
	if err != nil {
		p.logger.Warn("failed to load organization for auto-reply", zap.Error(err))
		return
	}
	if org.AutoReply == nil || *org.AutoReply == "" {
		return
	}

	payload, err := json.Marshal(AutoReplyPayload{
		OrganizationID: orgID,
		CustomerID:     customer.ID,
		SessionID:      session.ID,
		To:             customer.Phone,
		Body:           *org.AutoReply,
	})
	if err != nil {
		p.logger.Warn("failed to marshal auto-reply payload", zap.Error(err))
		return
	}

	job := queue.NewJob(queue.TypeSendAutoReply, queue.QueueWhatsApp, payload)
	if err := p.enqueuer.Enqueue(ctx, job); err != nil {
		p.logger.Warn("failed to enqueue auto-reply", zap.Error(err))
	}
}

// Failed implements queue.Handler. Message processing has no owning
// entity to flag; the dead-letter row is the terminal record.
func (p *Processor) Failed(ctx context.Context, job *queue.Job, jobErr error) {
	p.logger.Error("message processing exhausted retries",
		zap.String("job_id", job.ID),
		zap.Error(jobErr),
	)
}

var _ queue.Handler = (*Processor)(nil)
