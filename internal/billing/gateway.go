// Package billing reacts to payment-gateway webhooks: it drives the
// invoice and subscription state machines, escalates repeated payment
// failures, and sweeps overdue invoices on a schedule.
package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaydesk/relaydesk/internal/db"
)

// Supported payment gateways.
const (
	GatewayStripe   = "stripe"
	GatewayMidtrans = "midtrans"
	GatewayXendit   = "xendit"
)

// WebhookEvent is the normalized payment event extracted from a
// gateway webhook body.
type WebhookEvent struct {
	Gateway       string `json:"gateway"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`        // canonical, see MapStatus
	RawStatus     string `json:"raw_status"`    // the gateway's own vocabulary
	FailureReason string `json:"failure_reason"`
}

// gatewayStatus maps each gateway's status vocabulary onto the
// canonical payment statuses.
var gatewayStatus = map[string]map[string]string{
	GatewayStripe: {
		"succeeded":               db.PaymentCompleted,
		"processing":              db.PaymentProcessing,
		"requires_payment_method": db.PaymentFailed,
		"requires_action":         db.PaymentPending,
		"canceled":                db.PaymentCancelled,
	},
	GatewayMidtrans: {
		"capture":    db.PaymentCompleted,
		"settlement": db.PaymentCompleted,
		"pending":    db.PaymentPending,
		"deny":       db.PaymentFailed,
		"expire":     db.PaymentFailed,
		"failure":    db.PaymentFailed,
		"cancel":     db.PaymentCancelled,
	},
	GatewayXendit: {
		"paid":      db.PaymentCompleted,
		"settled":   db.PaymentCompleted,
		"pending":   db.PaymentPending,
		"failed":    db.PaymentFailed,
		"expired":   db.PaymentFailed,
		"voided":    db.PaymentCancelled,
		"cancelled": db.PaymentCancelled,
	},
}

// MapStatus translates a gateway status to the canonical vocabulary.
func MapStatus(gateway, rawStatus string) (string, error) {
	vocab, ok := gatewayStatus[gateway]
	if !ok {
		return "", fmt.Errorf("unknown gateway: %s", gateway)
	}
	status, ok := vocab[strings.ToLower(rawStatus)]
	if !ok {
		return "", fmt.Errorf("unknown %s status: %s", gateway, rawStatus)
	}
	return status, nil
}

// ParseWebhook extracts the transaction ID and status from a gateway
// webhook body. Each gateway nests them differently.
func ParseWebhook(gateway string, body []byte) (*WebhookEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode %s webhook: %w", gateway, err)
	}

	var txnID, rawStatus, reason string
	switch gateway {
	case GatewayStripe:
		// {"type":"payment_intent.succeeded","data":{"object":{"id":...,"status":...}}}
		var data struct {
			Object struct {
				ID               string `json:"id"`
				Status           string `json:"status"`
				LastPaymentError struct {
					Message string `json:"message"`
				} `json:"last_payment_error"`
			} `json:"object"`
		}
		if err := json.Unmarshal(raw["data"], &data); err != nil {
			return nil, fmt.Errorf("decode stripe event data: %w", err)
		}
		txnID = data.Object.ID
		rawStatus = data.Object.Status
		reason = data.Object.LastPaymentError.Message
	case GatewayMidtrans:
		txnID = jsonString(raw, "transaction_id")
		rawStatus = jsonString(raw, "transaction_status")
		reason = jsonString(raw, "status_message")
	case GatewayXendit:
		txnID = jsonString(raw, "id")
		rawStatus = jsonString(raw, "status")
		reason = jsonString(raw, "failure_code")
	default:
		return nil, fmt.Errorf("unknown gateway: %s", gateway)
	}

	if txnID == "" || rawStatus == "" {
		return nil, fmt.Errorf("%s webhook missing transaction id or status", gateway)
	}

	status, err := MapStatus(gateway, rawStatus)
	if err != nil {
		return nil, err
	}

	return &WebhookEvent{
		Gateway:       gateway,
		TransactionID: txnID,
		Status:        status,
		RawStatus:     rawStatus,
		FailureReason: reason,
	}, nil
}

func jsonString(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// CycleExtension returns the period extension for one paid billing
// cycle.
func CycleExtension(cycle string) (string, error) {
	switch cycle {
	case db.CycleDaily:
		return "1 day", nil
	case db.CycleWeekly:
		return "7 days", nil
	case db.CycleMonthly:
		return "1 month", nil
	case db.CycleYearly:
		return "1 year", nil
	default:
		return "", fmt.Errorf("unknown billing cycle: %s", cycle)
	}
}
