// Package queue implements the Redis-backed job queue and retry engine
// shared by message processing, notification dispatch, and billing.
//
// Delivery is at-least-once: handlers must be idempotent. Each named
// queue is a Redis list with a companion delayed zset (backoff) and
// reserved zset (in-flight jobs scored by visibility deadline).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Named queues. Partitioning by concern keeps a flood on one stream
// (e.g. webhook retries) from starving the others.
const (
	QueueDefault       = "default"
	QueuePayment       = "payment"
	QueueBilling       = "billing"
	QueueNotifications = "notifications"
	QueueWebhooks      = "webhooks"
	QueueHighPriority  = "high_priority"
	QueueWhatsApp      = "whatsapp-messages"
)

// Job type names
const (
	TypeProcessMessage   = "process_message"
	TypeSendAutoReply    = "send_auto_reply"
	TypeSendNotification = "send_notification"
	TypePaymentWebhook   = "payment_webhook"
	TypePaymentSuccess   = "payment_success"
	TypePaymentFailure   = "payment_failure"
	TypeOverdueSweep     = "overdue_sweep"
)

// ErrPermanent marks a failure that retrying can never fix (invalid
// signature, malformed payload). Wrap it to fail a job immediately:
//
//	return fmt.Errorf("%w: bad signature", queue.ErrPermanent)
var ErrPermanent = errors.New("permanent failure")

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  int64           `json:"enqueued_at"`
}

// NewJob builds a job with a fresh ID. Payload must already be JSON.
func NewJob(jobType, queueName string, payload json.RawMessage) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Queue:      queueName,
		Payload:    payload,
		EnqueuedAt: time.Now().UnixNano(),
	}
}

// Handler processes jobs of one type.
type Handler interface {
	// Handle runs one attempt. A nil return acks the job; ErrPermanent
	// (wrapped) dead-letters it immediately; any other error retries
	// with backoff until the attempt budget runs out.
	Handle(ctx context.Context, job *Job) error

	// Failed runs exactly once when the job exhausts its retries, so
	// the owning entity can record the terminal failure. It must not
	// return the job to the queue.
	Failed(ctx context.Context, job *Job, jobErr error)
}

// Registration binds a handler to a job type with its retry policy.
type Registration struct {
	Handler     Handler
	MaxAttempts int           // default 3
	Timeout     time.Duration // hard wall-clock limit per attempt
}

// Enqueuer is the producer-side interface components depend on, so
// handlers and pipelines can be tested against a fake queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) error
	EnqueueAfter(ctx context.Context, delay time.Duration, job *Job) error
}
