package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/signing"
)

func webhookDelivery(url, secret *string) *Delivery {
	return &Delivery{
		Task: &db.NotificationTask{ID: uuid.New(), Channel: db.ChannelWebhook, Status: db.TaskPending},
		Notification: &db.Notification{
			ID:      uuid.New(),
			Type:    "payment_success",
			Title:   "Payment received",
			Message: "Invoice paid",
			Data:    json.RawMessage(`{"invoice_id":"inv-1"}`),
		},
		Organization: &db.Organization{ID: uuid.New(), WebhookURL: url, WebhookSecret: secret},
	}
}

func TestWebhookSender_SignsAndDelivers(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signing.HeaderName)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender("default-secret", zap.NewNop())
	d := webhookDelivery(&srv.URL, nil)

	res := sender.Send(context.Background(), d)
	if res.Status != db.TaskSent {
		t.Fatalf("status = %q, want sent (%+v)", res.Status, res)
	}

	// No per-org secret configured; the default secret signs the body.
	if want := signing.Sign("default-secret", gotBody); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var envelope struct {
		NotificationID string          `json:"notification_id"`
		Type           string          `json:"type"`
		Title          string          `json:"title"`
		Data           json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.NotificationID != d.Notification.ID.String() || envelope.Type != "payment_success" {
		t.Errorf("envelope = %+v", envelope)
	}
	if string(envelope.Data) != `{"invoice_id":"inv-1"}` {
		t.Errorf("envelope data = %s", envelope.Data)
	}
}

func TestWebhookSender_PrefersOrgSecret(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signing.HeaderName)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	orgSecret := "org-secret"
	sender := NewWebhookSender("default-secret", zap.NewNop())

	res := sender.Send(context.Background(), webhookDelivery(&srv.URL, &orgSecret))
	if res.Status != db.TaskSent {
		t.Fatalf("status = %q, want sent", res.Status)
	}
	if want := signing.Sign(orgSecret, gotBody); gotSig != want {
		t.Errorf("signature must use the per-org secret")
	}
}

func TestWebhookSender_SkipsWithoutURL(t *testing.T) {
	sender := NewWebhookSender("secret", zap.NewNop())

	res := sender.Send(context.Background(), webhookDelivery(nil, nil))
	if res.Status != db.TaskSkipped {
		t.Fatalf("status = %q, want skipped for nil URL", res.Status)
	}

	empty := ""
	res = sender.Send(context.Background(), webhookDelivery(&empty, nil))
	if res.Status != db.TaskSkipped {
		t.Fatalf("status = %q, want skipped for empty URL", res.Status)
	}
}

func TestWebhookSender_EndpointErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewWebhookSender("secret", zap.NewNop())
	res := sender.Send(context.Background(), webhookDelivery(&srv.URL, nil))

	if res.Status != db.TaskFailed || res.Permanent {
		t.Fatalf("want transient failure for 502, got %+v", res)
	}
}

func TestWebhookSender_UnreachableEndpointIsTransient(t *testing.T) {
	url := "http://127.0.0.1:1/hooks" // nothing listens there
	sender := NewWebhookSender("secret", zap.NewNop())

	res := sender.Send(context.Background(), webhookDelivery(&url, nil))
	if res.Status != db.TaskFailed || res.Permanent {
		t.Fatalf("want transient failure for connection error, got %+v", res)
	}
}
