package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/queue"
)

// OrgResolver maps a recipient address (the tenant's WhatsApp business
// number or phone_number_id) to its organization.
type OrgResolver interface {
	ResolveOrganization(ctx context.Context, recipientAddress string) (uuid.UUID, error)
}

// Deduper is the idempotency-store contract the pipeline needs.
type Deduper interface {
	MarkIfNew(ctx context.Context, orgID, externalMessageID string, ttl time.Duration) (bool, error)
}

// JobPayload is what the pipeline enqueues for the message processor.
type JobPayload struct {
	OrganizationID uuid.UUID      `json:"organization_id"`
	Message        InboundMessage `json:"message"`
}

// Pipeline accepts raw webhook bodies and turns them into queued
// process_message jobs, deduplicating on the way in.
type Pipeline struct {
	resolver OrgResolver
	deduper  Deduper
	enqueuer queue.Enqueuer
	logger   *zap.Logger
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(resolver OrgResolver, deduper Deduper, enqueuer queue.Enqueuer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		resolver: resolver,
		deduper:  deduper,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Result summarizes one ingested webhook body.
type Result struct {
	Accepted   int
	Duplicates int
	Failed     int
}

// Ingest parses, deduplicates, and enqueues every message in a webhook
// body. Duplicates count as accepted work — the provider retried, we
// acknowledge. A message that fails to resolve or enqueue is logged
// and counted, never allowed to block the rest of the batch. Only a
// genuinely unparseable body returns an error, and even then the HTTP
// layer answers 200.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) (*Result, error) {
	msgs, err := ParsePayload(raw)
	if err != nil {
		metrics.RecordWebhookReceived("whatsapp", "unrecognized")
		return nil, err
	}

	result := &Result{}
	for _, msg := range msgs {
		if err := p.ingestOne(ctx, msg, result); err != nil {
			p.logger.Error("failed to ingest message",
				zap.String("external_message_id", msg.ExternalMessageID),
				zap.String("recipient_address", msg.RecipientAddress),
				zap.Error(err),
			)
			result.Failed++
		}
	}

	metrics.RecordWebhookReceived("whatsapp", "accepted")
	return result, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, msg *InboundMessage, result *Result) error {
	orgID, err := p.resolver.ResolveOrganization(ctx, msg.RecipientAddress)
	if err != nil {
		return fmt.Errorf("resolve organization for %q: %w", msg.RecipientAddress, err)
	}

	fresh, err := p.deduper.MarkIfNew(ctx, orgID.String(), msg.ExternalMessageID, 0)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		metrics.RecordMessageDeduplicated()
		p.logger.Info("duplicate message acknowledged",
			zap.String("organization_id", orgID.String()),
			zap.String("external_message_id", msg.ExternalMessageID),
		)
		result.Duplicates++
		return nil
	}

	payload, err := json.Marshal(JobPayload{OrganizationID: orgID, Message: *msg})
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	job := queue.NewJob(queue.TypeProcessMessage, queue.QueueWhatsApp, payload)
	if err := p.enqueuer.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue process_message: %w", err)
	}

	p.logger.Info("inbound message enqueued",
		zap.String("organization_id", orgID.String()),
		zap.String("external_message_id", msg.ExternalMessageID),
		zap.String("message_type", msg.MessageType),
		zap.String("job_id", job.ID),
	)
	result.Accepted++

	return nil
}
