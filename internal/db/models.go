package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Organization carries the per-tenant delivery settings the dispatch
// pipeline needs. The full tenant record (billing address, members,
// roles) lives outside this service.
type Organization struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	WhatsAppPhone string    `json:"whatsapp_phone"`
	Email         *string   `json:"email,omitempty"`
	EmailEnabled  bool      `json:"email_enabled"`
	Phone         *string   `json:"phone,omitempty"`
	WebhookURL    *string   `json:"webhook_url,omitempty"`
	WebhookSecret *string   `json:"webhook_secret,omitempty"`
	AutoReply     *string   `json:"auto_reply,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Customer is an end user who messaged an organization.
type Customer struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Phone          string    `json:"phone"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Intent constants for chat session classification
const (
	IntentSupport = "support"
	IntentSales   = "sales"
	IntentBilling = "billing"
	IntentGeneral = "general"
)

// Sentiment constants
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// ChatSession is one conversation thread between a customer and an
// organization. At most one active session exists per (org, customer);
// sessions are soft-closed by flipping IsActive, never deleted.
type ChatSession struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	CustomerID     uuid.UUID  `json:"customer_id"`
	IsActive       bool       `json:"is_active"`
	Intent         string     `json:"intent"`
	Sentiment      string     `json:"sentiment"`
	CreatedAt      time.Time  `json:"created_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Message direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is a persisted chat message. ExternalID is unique per
// organization; a duplicate insert is the signal that a concurrent
// worker already processed the same inbound event.
type Message struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	SessionID      uuid.UUID `json:"session_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	ExternalID     string    `json:"external_id"`
	Direction      string    `json:"direction"`
	Body           string    `json:"body"`
	MessageType    string    `json:"message_type"`
	ReceivedAt     time.Time `json:"received_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notification channel constants
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelPush    = "push"
	ChannelWebhook = "webhook"
	ChannelInApp   = "in_app"
)

// Notification task status constants
const (
	TaskPending = "pending"
	TaskSent    = "sent"
	TaskFailed  = "failed"
	TaskSkipped = "skipped"
)

// Notification is one logical outbound notification. Delivery happens
// through one NotificationTask per requested channel.
type Notification struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Data           json.RawMessage `json:"data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NotificationTask tracks delivery on a single channel. Statuses are
// independent across channels: a failed SMS never touches the email row.
type NotificationTask struct {
	ID                uuid.UUID  `json:"id"`
	NotificationID    uuid.UUID  `json:"notification_id"`
	OrganizationID    uuid.UUID  `json:"organization_id"`
	Channel           string     `json:"channel"`
	Status            string     `json:"status"`
	Provider          string     `json:"provider,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	Error             *string    `json:"error,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Payment transaction status constants (canonical; gateway vocab is
// mapped before anything reaches the database).
const (
	PaymentCompleted  = "completed"
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentFailed     = "failed"
	PaymentCancelled  = "cancelled"
)

// PaymentTransaction links a gateway charge to an invoice.
type PaymentTransaction struct {
	ID                   uuid.UUID `json:"id"`
	OrganizationID       uuid.UUID `json:"organization_id"`
	InvoiceID            uuid.UUID `json:"invoice_id"`
	Gateway              string    `json:"gateway"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
	Status               string    `json:"status"`
	FailureReason        *string   `json:"failure_reason,omitempty"`
	AmountCents          int64     `json:"amount_cents"`
	Currency             string    `json:"currency"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Invoice status constants. Paid and cancelled are terminal.
const (
	InvoicePending   = "pending"
	InvoicePaid      = "paid"
	InvoiceOverdue   = "overdue"
	InvoiceCancelled = "cancelled"
)

// Invoice is a billing invoice tied to a subscription.
type Invoice struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	Status         string     `json:"status"`
	AmountCents    int64      `json:"amount_cents"`
	Currency       string     `json:"currency"`
	DueDate        time.Time  `json:"due_date"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Subscription status constants. Escalation under payment failure only
// moves forward (active -> past_due -> suspended); a successful payment
// moves any non-active status back to active.
const (
	SubActive    = "active"
	SubPastDue   = "past_due"
	SubSuspended = "suspended"
	SubCancelled = "cancelled"
)

// Billing cycle units
const (
	CycleDaily   = "daily"
	CycleWeekly  = "weekly"
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
)

// Subscription is the per-organization plan subscription.
type Subscription struct {
	ID               uuid.UUID `json:"id"`
	OrganizationID   uuid.UUID `json:"organization_id"`
	Status           string    `json:"status"`
	BillingCycle     string    `json:"billing_cycle"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DeadJob is a queued job that exhausted its retry budget. Kept for
// manual inspection and reprocessing via queuectl.
type DeadJob struct {
	ID        uuid.UUID       `json:"id"`
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"created_at"`
}
