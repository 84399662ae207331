package billing

import (
	"testing"

	"github.com/relaydesk/relaydesk/internal/db"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		gateway   string
		rawStatus string
		want      string
	}{
		{GatewayStripe, "succeeded", db.PaymentCompleted},
		{GatewayStripe, "processing", db.PaymentProcessing},
		{GatewayStripe, "requires_payment_method", db.PaymentFailed},
		{GatewayStripe, "requires_action", db.PaymentPending},
		{GatewayStripe, "canceled", db.PaymentCancelled},
		{GatewayMidtrans, "capture", db.PaymentCompleted},
		{GatewayMidtrans, "settlement", db.PaymentCompleted},
		{GatewayMidtrans, "deny", db.PaymentFailed},
		{GatewayMidtrans, "expire", db.PaymentFailed},
		{GatewayMidtrans, "cancel", db.PaymentCancelled},
		{GatewayXendit, "paid", db.PaymentCompleted},
		{GatewayXendit, "PAID", db.PaymentCompleted}, // xendit shouts
		{GatewayXendit, "expired", db.PaymentFailed},
		{GatewayXendit, "voided", db.PaymentCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.gateway+"/"+tt.rawStatus, func(t *testing.T) {
			got, err := MapStatus(tt.gateway, tt.rawStatus)
			if err != nil {
				t.Fatalf("MapStatus: %v", err)
			}
			if got != tt.want {
				t.Errorf("MapStatus(%s, %s) = %q, want %q", tt.gateway, tt.rawStatus, got, tt.want)
			}
		})
	}
}

func TestMapStatus_Unknown(t *testing.T) {
	if _, err := MapStatus("paypal", "completed"); err == nil {
		t.Error("expected error for unknown gateway")
	}
	if _, err := MapStatus(GatewayStripe, "exploded"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestParseWebhook_Stripe(t *testing.T) {
	body := []byte(`{
		"type": "payment_intent.payment_failed",
		"data": {
			"object": {
				"id": "pi_123",
				"status": "requires_payment_method",
				"last_payment_error": {"message": "card declined"}
			}
		}
	}`)

	event, err := ParseWebhook(GatewayStripe, body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.TransactionID != "pi_123" {
		t.Errorf("transaction id = %q", event.TransactionID)
	}
	if event.Status != db.PaymentFailed || event.RawStatus != "requires_payment_method" {
		t.Errorf("status = %q (raw %q)", event.Status, event.RawStatus)
	}
	if event.FailureReason != "card declined" {
		t.Errorf("failure reason = %q", event.FailureReason)
	}
}

func TestParseWebhook_Midtrans(t *testing.T) {
	body := []byte(`{
		"transaction_id": "mt-789",
		"transaction_status": "settlement",
		"status_message": "Success"
	}`)

	event, err := ParseWebhook(GatewayMidtrans, body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.TransactionID != "mt-789" || event.Status != db.PaymentCompleted {
		t.Errorf("event = %+v", event)
	}
}

func TestParseWebhook_Xendit(t *testing.T) {
	body := []byte(`{
		"id": "xn-456",
		"status": "EXPIRED",
		"failure_code": "EXPIRED"
	}`)

	event, err := ParseWebhook(GatewayXendit, body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.TransactionID != "xn-456" || event.Status != db.PaymentFailed {
		t.Errorf("event = %+v", event)
	}
	if event.FailureReason != "EXPIRED" {
		t.Errorf("failure reason = %q", event.FailureReason)
	}
}

func TestParseWebhook_Errors(t *testing.T) {
	if _, err := ParseWebhook("paypal", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown gateway")
	}
	if _, err := ParseWebhook(GatewayMidtrans, []byte(`not json`)); err == nil {
		t.Error("expected error for invalid body")
	}
	if _, err := ParseWebhook(GatewayMidtrans, []byte(`{"transaction_id":"mt-1"}`)); err == nil {
		t.Error("expected error when status is missing")
	}
	if _, err := ParseWebhook(GatewayXendit, []byte(`{"id":"x","status":"imaginary"}`)); err == nil {
		t.Error("expected error for unmapped status")
	}
}

func TestCycleExtension(t *testing.T) {
	tests := []struct {
		cycle string
		want  string
	}{
		{db.CycleDaily, "1 day"},
		{db.CycleWeekly, "7 days"},
		{db.CycleMonthly, "1 month"},
		{db.CycleYearly, "1 year"},
	}
	for _, tt := range tests {
		got, err := CycleExtension(tt.cycle)
		if err != nil {
			t.Fatalf("CycleExtension(%s): %v", tt.cycle, err)
		}
		if got != tt.want {
			t.Errorf("CycleExtension(%s) = %q, want %q", tt.cycle, got, tt.want)
		}
	}

	if _, err := CycleExtension("fortnightly"); err == nil {
		t.Error("expected error for unknown cycle")
	}
}
