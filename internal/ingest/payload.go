// Package ingest normalizes inbound WhatsApp webhook payloads into the
// canonical message and feeds them through dedup into the job queue.
package ingest

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrUnrecognizedPayload is returned when no known decoder accepts the
// payload. The HTTP layer still answers 200 so the provider does not
// disable the endpoint.
var ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")

// InboundMessage is the canonical representation of a received chat
// message, independent of the wire shape it arrived in. Immutable once
// enqueued.
type InboundMessage struct {
	ExternalMessageID string    `json:"external_message_id"`
	SenderAddress     string    `json:"sender_address"`
	RecipientAddress  string    `json:"recipient_address"`
	Body              string    `json:"body"`
	MessageType       string    `json:"message_type"`
	ProfileName       string    `json:"profile_name,omitempty"`
	SessionRef        string    `json:"session_ref,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// directPayload is shape (a): the flat webhook body.
type directPayload struct {
	Message *struct {
		ID   string `json:"id"`
		From string `json:"from"`
		To   string `json:"to"`
		Text *struct {
			Body string `json:"body"`
		} `json:"text"`
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	} `json:"message"`
	Session string `json:"session"`
}

// entryPayload is shape (b): the provider's nested entry/changes
// structure carrying batched messages plus contact profiles.
type entryPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Text *struct {
						Body string `json:"body"`
					} `json:"text"`
					Type      string `json:"type"`
					Timestamp string `json:"timestamp"`
				} `json:"messages"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Metadata struct {
					PhoneNumberID      string `json:"phone_number_id"`
					DisplayPhoneNumber string `json:"display_phone_number"`
				} `json:"metadata"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParsePayload tries each known decoder in priority order; the first
// that recognizes the shape wins. Returns every message found (the
// entry shape can batch several).
func ParsePayload(raw []byte) ([]*InboundMessage, error) {
	if msgs, ok := decodeEntry(raw); ok {
		return msgs, nil
	}
	if msg, ok := decodeDirect(raw); ok {
		return []*InboundMessage{msg}, nil
	}
	return nil, ErrUnrecognizedPayload
}

func decodeDirect(raw []byte) (*InboundMessage, bool) {
	var p directPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if p.Message == nil || p.Message.ID == "" || p.Message.From == "" {
		return nil, false
	}

	msg := &InboundMessage{
		ExternalMessageID: p.Message.ID,
		SenderAddress:     p.Message.From,
		RecipientAddress:  p.Message.To,
		MessageType:       p.Message.Type,
		SessionRef:        p.Session,
		ReceivedAt:        time.Unix(p.Message.Timestamp, 0).UTC(),
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	// Media-only messages have no text body; accepted with empty body.
	if p.Message.Text != nil {
		msg.Body = p.Message.Text.Body
	}
	if p.Message.Timestamp == 0 {
		msg.ReceivedAt = time.Now().UTC()
	}

	return msg, true
}

func decodeEntry(raw []byte) ([]*InboundMessage, bool) {
	var p entryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if len(p.Entry) == 0 {
		return nil, false
	}

	var msgs []*InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			value := change.Value

			profiles := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				profiles[contact.WaID] = contact.Profile.Name
			}

			recipient := value.Metadata.DisplayPhoneNumber
			if recipient == "" {
				recipient = value.Metadata.PhoneNumberID
			}

			for _, m := range value.Messages {
				if m.ID == "" || m.From == "" {
					continue
				}

				msg := &InboundMessage{
					ExternalMessageID: m.ID,
					SenderAddress:     m.From,
					RecipientAddress:  recipient,
					MessageType:       m.Type,
					ProfileName:       profiles[m.From],
					ReceivedAt:        parseUnixString(m.Timestamp),
				}
				if msg.MessageType == "" {
					msg.MessageType = "text"
				}
				if m.Text != nil {
					msg.Body = m.Text.Body
				}
				msgs = append(msgs, msg)
			}
		}
	}

	if len(msgs) == 0 {
		return nil, false
	}
	return msgs, true
}

func parseUnixString(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	var sec int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return time.Now().UTC()
		}
		sec = sec*10 + int64(c-'0')
	}
	return time.Unix(sec, 0).UTC()
}
