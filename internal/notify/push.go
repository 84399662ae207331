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
)

// PushReport carries per-recipient outcomes: multicast sends can
// partially succeed, so a single boolean would lose information.
type PushReport struct {
	Successes int
	Failures  int
	MessageID string
}

// PushProvider abstracts the configured push gateway.
type PushProvider interface {
	Name() string
	Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (*PushReport, error)
}

// PushSender delivers push notifications to an organization's
// registered device tokens.
type PushSender struct {
	provider PushProvider
	logger   *zap.Logger
}

// NewPushSender creates a push sender over the given provider.
func NewPushSender(provider PushProvider, logger *zap.Logger) *PushSender {
	return &PushSender{provider: provider, logger: logger}
}

// Channel implements Sender.
func (s *PushSender) Channel() string { return db.ChannelPush }

// Send implements Sender. A delivery counts as sent when at least one
// device accepted it.
func (s *PushSender) Send(ctx context.Context, d *Delivery) Result {
	if len(d.DeviceTokens) == 0 {
		return skipped(s.provider.Name(), "organization has no registered device tokens")
	}

	var data map[string]string
	if len(d.Notification.Data) > 0 {
		// Data payloads are optional and free-form; ignore shapes that
		// don't flatten to string pairs.
		_ = json.Unmarshal(d.Notification.Data, &data)
	}

	report, err := s.provider.Send(ctx, d.DeviceTokens, d.Notification.Title, d.Notification.Message, data)
	if err != nil {
		return failed(s.provider.Name(), err)
	}

	s.logger.Info("push sent",
		zap.String("task_id", d.Task.ID.String()),
		zap.String("provider", s.provider.Name()),
		zap.Int("successes", report.Successes),
		zap.Int("failures", report.Failures),
	)

	if report.Successes == 0 {
		return failed(s.provider.Name(), fmt.Errorf("all %d device sends failed", report.Failures))
	}

	r := sent(s.provider.Name(), report.MessageID)
	r.Successes = report.Successes
	r.Failures = report.Failures
	return r
}

var _ Sender = (*PushSender)(nil)

// FCMProvider sends through Firebase Cloud Messaging's legacy HTTP API.
type FCMProvider struct {
	client    *http.Client
	baseURL   string
	serverKey string
}

// FCMConfig configures the FCM push provider.
type FCMConfig struct {
	ServerKey string
	BaseURL   string // override for tests
}

// NewFCMProvider creates an FCM push provider.
func NewFCMProvider(cfg FCMConfig) *FCMProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://fcm.googleapis.com"
	}
	return &FCMProvider{
		client:    &http.Client{Timeout: 15 * time.Second},
		baseURL:   baseURL,
		serverKey: cfg.ServerKey,
	}
}

// Name implements PushProvider.
func (p *FCMProvider) Name() string { return "fcm" }

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    map[string]string `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmResponse struct {
	MulticastID int64 `json:"multicast_id"`
	Success     int   `json:"success"`
	Failure     int   `json:"failure"`
}

// Send implements PushProvider.
func (p *FCMProvider) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (*PushReport, error) {
	payload, err := json.Marshal(fcmRequest{
		RegistrationIDs: tokens,
		Notification:    map[string]string{"title": title, "body": body},
		Data:            data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal fcm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/fcm/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.serverKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fcm request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fcm returned %d: %s", resp.StatusCode, string(raw))
	}

	var fr fcmResponse
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, fmt.Errorf("decode fcm response: %w", err)
	}

	return &PushReport{
		Successes: fr.Success,
		Failures:  fr.Failure,
		MessageID: fmt.Sprintf("%d", fr.MulticastID),
	}, nil
}

// OneSignalProvider sends through the OneSignal REST API.
type OneSignalProvider struct {
	client  *http.Client
	baseURL string
	appID   string
	apiKey  string
}

// OneSignalConfig configures the OneSignal push provider.
type OneSignalConfig struct {
	AppID   string
	APIKey  string
	BaseURL string // override for tests
}

// NewOneSignalProvider creates a OneSignal push provider.
func NewOneSignalProvider(cfg OneSignalConfig) *OneSignalProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://onesignal.com"
	}
	return &OneSignalProvider{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		appID:   cfg.AppID,
		apiKey:  cfg.APIKey,
	}
}

// Name implements PushProvider.
func (p *OneSignalProvider) Name() string { return "onesignal" }

// Send implements PushProvider.
func (p *OneSignalProvider) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (*PushReport, error) {
	payload, err := json.Marshal(map[string]any{
		"app_id":             p.appID,
		"include_player_ids": tokens,
		"headings":           map[string]string{"en": title},
		"contents":           map[string]string{"en": body},
		"data":               data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal onesignal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/notifications", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build onesignal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onesignal request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("onesignal returned %d: %s", resp.StatusCode, string(raw))
	}

	var or struct {
		ID         string `json:"id"`
		Recipients int    `json:"recipients"`
	}
	if err := json.Unmarshal(raw, &or); err != nil {
		return nil, fmt.Errorf("decode onesignal response: %w", err)
	}

	report := &PushReport{Successes: or.Recipients, MessageID: or.ID}
	if or.Recipients < len(tokens) {
		report.Failures = len(tokens) - or.Recipients
	}
	return report, nil
}

// LogPushProvider logs instead of sending; development and tests.
type LogPushProvider struct {
	Logger *zap.Logger
}

// Name implements PushProvider.
func (p *LogPushProvider) Name() string { return "log" }

// Send implements PushProvider.
func (p *LogPushProvider) Send(_ context.Context, tokens []string, title, _ string, _ map[string]string) (*PushReport, error) {
	p.Logger.Info("push logged (development mode)",
		zap.Int("tokens", len(tokens)),
		zap.String("title", title),
	)
	return &PushReport{Successes: len(tokens)}, nil
}

// NewPushProvider selects the provider named in configuration.
func NewPushProvider(name string, fcm FCMConfig, onesignal OneSignalConfig, logger *zap.Logger) (PushProvider, error) {
	switch name {
	case "fcm":
		return NewFCMProvider(fcm), nil
	case "onesignal":
		return NewOneSignalProvider(onesignal), nil
	case "log", "":
		return &LogPushProvider{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown push provider: %s", name)
	}
}

// extractJSONField pulls a single string field out of a provider
// response without binding to the full schema.
func extractJSONField(raw []byte, field string) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if v, ok := m[field].(string); ok {
		return v
	}
	return ""
}
