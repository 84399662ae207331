// Package notify fans a logical notification out to its channels:
// email, SMS, push, webhook, and in-app. Each channel is an
// independently queued job updating only its own task row, so one
// provider outage never blocks the others.
package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/db"
)

// Delivery bundles everything a channel sender needs for one send.
type Delivery struct {
	Task         *db.NotificationTask
	Notification *db.Notification
	Organization *db.Organization
	DeviceTokens []string
}

// Result is the explicit per-channel outcome. Senders return it
// instead of throwing so the dispatcher can aggregate without
// exception-driven control flow.
type Result struct {
	// Status is a db.Task* constant: sent, failed, or skipped.
	Status string

	// Provider identifies which configured provider handled the send.
	Provider string

	// ProviderMessageID is the provider's delivery identifier, if any.
	ProviderMessageID string

	// Detail carries the skip reason or failure text.
	Detail string

	// Err is non-nil for failures. A transient Err makes the queue
	// retry the job; Permanent failures dead-letter immediately.
	Err       error
	Permanent bool

	// Successes and Failures count per-recipient outcomes for
	// multicast channels (push). Zero for single-recipient channels.
	Successes int
	Failures  int
}

func sent(provider, messageID string) Result {
	return Result{Status: db.TaskSent, Provider: provider, ProviderMessageID: messageID}
}

func skipped(provider, reason string) Result {
	return Result{Status: db.TaskSkipped, Provider: provider, Detail: reason}
}

func failed(provider string, err error) Result {
	return Result{Status: db.TaskFailed, Provider: provider, Detail: err.Error(), Err: err}
}

func failedPermanent(provider string, err error) Result {
	r := failed(provider, err)
	r.Permanent = true
	return r
}

// Sender delivers a notification on exactly one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, d *Delivery) Result
}

// TaskJobPayload is the payload of a send_notification job.
type TaskJobPayload struct {
	TaskID         uuid.UUID `json:"task_id"`
	NotificationID uuid.UUID `json:"notification_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Channel        string    `json:"channel"`
}

// Request is the dispatcher's input: one logical notification and the
// channels to deliver it on.
type Request struct {
	OrganizationID uuid.UUID
	Type           string // e.g. "payment_success", "new_message"
	Title          string
	Message        string
	Data           json.RawMessage
	Channels       []string
}
