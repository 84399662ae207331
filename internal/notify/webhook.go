package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/signing"
)

// WebhookSender POSTs notifications to the organization's configured
// webhook URL, signed so the receiver can authenticate the source.
type WebhookSender struct {
	client        *http.Client
	defaultSecret string
	logger        *zap.Logger
}

// NewWebhookSender creates a webhook sender. defaultSecret is used for
// organizations that have a webhook URL but no per-org secret.
func NewWebhookSender(defaultSecret string, logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		client:        &http.Client{Timeout: 15 * time.Second},
		defaultSecret: defaultSecret,
		logger:        logger,
	}
}

// Channel implements Sender.
func (s *WebhookSender) Channel() string { return db.ChannelWebhook }

type webhookEnvelope struct {
	NotificationID string          `json:"notification_id"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Data           json.RawMessage `json:"data,omitempty"`
	SentAt         time.Time       `json:"sent_at"`
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, d *Delivery) Result {
	if d.Organization.WebhookURL == nil || *d.Organization.WebhookURL == "" {
		return skipped("webhook", "organization has no webhook URL configured")
	}

	secret := s.defaultSecret
	if d.Organization.WebhookSecret != nil && *d.Organization.WebhookSecret != "" {
		secret = *d.Organization.WebhookSecret
	}

	body, err := json.Marshal(webhookEnvelope{
		NotificationID: d.Notification.ID.String(),
		Type:           d.Notification.Type,
		Title:          d.Notification.Title,
		Message:        d.Notification.Message,
		Data:           d.Notification.Data,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return failedPermanent("webhook", fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *d.Organization.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return failedPermanent("webhook", fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderName, signing.Sign(secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return failed("webhook", fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed("webhook", fmt.Errorf("webhook endpoint returned %d", resp.StatusCode))
	}

	s.logger.Info("webhook delivered",
		zap.String("task_id", d.Task.ID.String()),
		zap.Int("status", resp.StatusCode),
	)
	return sent("webhook", "")
}

var _ Sender = (*WebhookSender)(nil)
