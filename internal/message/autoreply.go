package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/queue"
)

// OutboundSender sends a text message to a customer and returns the
// provider-assigned message ID.
type OutboundSender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// AutoReplyHandler handles send_auto_reply jobs: deliver the
// organization's configured bot response and persist the outbound
// message on the same session.
type AutoReplyHandler struct {
	store  Store
	sender OutboundSender
	logger *zap.Logger
}

// NewAutoReplyHandler creates an auto-reply handler.
func NewAutoReplyHandler(store Store, sender OutboundSender, logger *zap.Logger) *AutoReplyHandler {
	return &AutoReplyHandler{store: store, sender: sender, logger: logger}
}

// Handle implements queue.Handler.
func (h *AutoReplyHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload AutoReplyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode auto_reply payload: %v", queue.ErrPermanent, err)
	}

	externalID, err := h.sender.SendText(ctx, payload.To, payload.Body)
	if err != nil {
		return fmt.Errorf("send auto-reply: %w", err)
	}

	row := &db.Message{
		ID:             uuid.New(),
		OrganizationID: payload.OrganizationID,
		SessionID:      payload.SessionID,
		CustomerID:     payload.CustomerID,
		ExternalID:     externalID,
		Direction:      db.DirectionOutbound,
		Body:           payload.Body,
		MessageType:    "text",
		ReceivedAt:     time.Now().UTC(),
	}
	if err := h.store.InsertMessage(ctx, row); err != nil {
		if db.IsDuplicateKey(err) {
			// Retry after a send that persisted: the reply went out,
			// nothing left to do.
			return nil
		}
		// The reply is already delivered; failing here would retry the
		// send. Log and accept the missing row.
		h.logger.Error("auto-reply sent but not persisted",
			zap.String("external_message_id", externalID),
			zap.String("session_id", payload.SessionID.String()),
			zap.Error(err),
		)
		return nil
	}

	h.logger.Info("auto-reply sent",
		zap.String("message_id", row.ID.String()),
		zap.String("session_id", payload.SessionID.String()),
	)
	return nil
}

// Failed implements queue.Handler.
func (h *AutoReplyHandler) Failed(ctx context.Context, job *queue.Job, jobErr error) {
	h.logger.Error("auto-reply exhausted retries",
		zap.String("job_id", job.ID),
		zap.Error(jobErr),
	)
}

var _ queue.Handler = (*AutoReplyHandler)(nil)
