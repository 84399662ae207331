package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WhatsAppClient sends outbound messages through the WhatsApp Cloud
// API on behalf of the platform's business number.
type WhatsAppClient struct {
	client        *http.Client
	baseURL       string
	phoneNumberID string
	accessToken   string
}

// WhatsAppConfig configures the outbound WhatsApp transport.
type WhatsAppConfig struct {
	PhoneNumberID string
	AccessToken   string
	BaseURL       string // override for tests
}

// NewWhatsAppClient creates an outbound WhatsApp client.
func NewWhatsAppClient(cfg WhatsAppConfig) *WhatsAppClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v19.0"
	}
	return &WhatsAppClient{
		client:        &http.Client{Timeout: 15 * time.Second},
		baseURL:       baseURL,
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
	}
}

type waTextMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a plain text message and returns the provider message
// ID (wamid) assigned to it.
func (c *WhatsAppClient) SendText(ctx context.Context, to, body string) (string, error) {
	msg := waTextMessage{MessagingProduct: "whatsapp", To: to, Type: "text"}
	msg.Text.Body = body

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("whatsapp api returned %d: %s", resp.StatusCode, string(raw))
	}

	var sr waSendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return "", fmt.Errorf("decode whatsapp response: %w", err)
	}
	if len(sr.Messages) == 0 {
		return "", fmt.Errorf("whatsapp api accepted message but returned no id")
	}
	return sr.Messages[0].ID, nil
}
