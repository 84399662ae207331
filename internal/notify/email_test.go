package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
)

type stubSES struct {
	err    error
	inputs []*ses.SendEmailInput
}

func (s *stubSES) SendEmail(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	s.inputs = append(s.inputs, params)
	if s.err != nil {
		return nil, s.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

func emailDelivery(email *string, enabled bool) *Delivery {
	return &Delivery{
		Task:         &db.NotificationTask{ID: uuid.New(), Channel: db.ChannelEmail, Status: db.TaskPending},
		Notification: &db.Notification{ID: uuid.New(), Title: "Invoice paid", Message: "Thanks for your payment"},
		Organization: &db.Organization{ID: uuid.New(), Email: email, EmailEnabled: enabled},
	}
}

func TestEmailSender_Send(t *testing.T) {
	client := &stubSES{}
	sender := NewEmailSenderWithClient(client, "noreply@relaydesk.local", zap.NewNop())

	email := "owner@example.com"
	res := sender.Send(context.Background(), emailDelivery(&email, true))

	if res.Status != db.TaskSent {
		t.Fatalf("status = %q, want sent (%+v)", res.Status, res)
	}
	if res.ProviderMessageID != "ses-msg-1" {
		t.Errorf("message id = %q", res.ProviderMessageID)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("SES called %d times, want 1", len(client.inputs))
	}
	input := client.inputs[0]
	if aws.ToString(input.Source) != "noreply@relaydesk.local" {
		t.Errorf("source = %q", aws.ToString(input.Source))
	}
	if len(input.Destination.ToAddresses) != 1 || input.Destination.ToAddresses[0] != email {
		t.Errorf("destination = %v", input.Destination.ToAddresses)
	}
	if aws.ToString(input.Message.Subject.Data) != "Invoice paid" {
		t.Errorf("subject = %q", aws.ToString(input.Message.Subject.Data))
	}
}

func TestEmailSender_SkipsWhenDisabledOrUnaddressed(t *testing.T) {
	client := &stubSES{}
	sender := NewEmailSenderWithClient(client, "noreply@relaydesk.local", zap.NewNop())

	email := "owner@example.com"
	if res := sender.Send(context.Background(), emailDelivery(&email, false)); res.Status != db.TaskSkipped {
		t.Errorf("disabled org: status = %q, want skipped", res.Status)
	}
	if res := sender.Send(context.Background(), emailDelivery(nil, true)); res.Status != db.TaskSkipped {
		t.Errorf("no address: status = %q, want skipped", res.Status)
	}
	if len(client.inputs) != 0 {
		t.Error("SES must not be called for skipped deliveries")
	}
}

func TestEmailSender_SESErrorIsTransient(t *testing.T) {
	client := &stubSES{err: errors.New("throttled")}
	sender := NewEmailSenderWithClient(client, "noreply@relaydesk.local", zap.NewNop())

	email := "owner@example.com"
	res := sender.Send(context.Background(), emailDelivery(&email, true))
	if res.Status != db.TaskFailed || res.Permanent {
		t.Fatalf("want transient failure, got %+v", res)
	}
}
