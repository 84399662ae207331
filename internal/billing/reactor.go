package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/notify"
	"github.com/relaydesk/relaydesk/internal/queue"
)

// Escalation policy: a subscription already past_due is suspended when
// the recent failure count reaches the threshold inside the window.
const (
	failureWindow    = 30 * 24 * time.Hour
	failureThreshold = 3
)

// Store is the persistence surface the billing reactor needs.
type Store interface {
	GetTransactionByGatewayID(ctx context.Context, gateway, gatewayTxnID string) (*db.PaymentTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status string, failureReason *string) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*db.Invoice, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*db.Subscription, error)
	ApplyPaymentSuccess(ctx context.Context, invoiceID uuid.UUID, periodExtension string) (*db.PaymentSuccessOutcome, error)
	ApplyPaymentFailure(ctx context.Context, invoiceID uuid.UUID, reason, subscriptionStatus string) (*db.PaymentFailureOutcome, error)
	CountRecentFailures(ctx context.Context, subscriptionID uuid.UUID, since time.Time) (int, error)
}

// Notifier fans a billing notification out to the organization.
type Notifier interface {
	Dispatch(ctx context.Context, req *notify.Request) (*db.Notification, error)
}

// Reactor consumes payment jobs: it verifies and normalizes gateway
// events, drives the invoice and subscription state machines, and
// notifies the organization of the outcome.
type Reactor struct {
	store    Store
	notifier Notifier
	enqueuer queue.Enqueuer
	logger   *zap.Logger
}

// NewReactor creates a billing reactor.
func NewReactor(store Store, notifier Notifier, enqueuer queue.Enqueuer, logger *zap.Logger) *Reactor {
	return &Reactor{store: store, notifier: notifier, enqueuer: enqueuer, logger: logger}
}

// ReactionPayload is the payload for payment_success and
// payment_failure jobs, derived from the webhook job.
type ReactionPayload struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	InvoiceID      uuid.UUID `json:"invoice_id"`
	FailureReason  string    `json:"failure_reason,omitempty"`
}

// Handle implements queue.Handler for all three billing job types.
func (r *Reactor) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.TypePaymentWebhook:
		return r.handleWebhook(ctx, job)
	case queue.TypePaymentSuccess:
		return r.handleSuccess(ctx, job)
	case queue.TypePaymentFailure:
		return r.handleFailure(ctx, job)
	default:
		return fmt.Errorf("%w: reactor cannot handle job type %s", queue.ErrPermanent, job.Type)
	}
}

// handleWebhook resolves the gateway event against our transaction
// record and forks the follow-up reaction onto its own job, so a slow
// reaction retries without re-running status resolution.
func (r *Reactor) handleWebhook(ctx context.Context, job *queue.Job) error {
	var event WebhookEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return fmt.Errorf("%w: decode payment_webhook payload: %v", queue.ErrPermanent, err)
	}

	txn, err := r.store.GetTransactionByGatewayID(ctx, event.Gateway, event.TransactionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// No amount of retrying conjures up the transaction row.
			return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		}
		return err
	}

	var reason *string
	if event.FailureReason != "" {
		reason = &event.FailureReason
	}
	if err := r.store.UpdateTransactionStatus(ctx, txn.ID, event.Status, reason); err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	metrics.RecordBillingTransition("transaction", event.Status)

	payload, err := json.Marshal(ReactionPayload{
		TransactionID:  txn.ID,
		OrganizationID: txn.OrganizationID,
		InvoiceID:      txn.InvoiceID,
		FailureReason:  event.FailureReason,
	})
	if err != nil {
		return fmt.Errorf("marshal reaction payload: %w", err)
	}

	switch event.Status {
	case db.PaymentCompleted:
		if err := r.enqueuer.Enqueue(ctx, queue.NewJob(queue.TypePaymentSuccess, queue.QueueBilling, payload)); err != nil {
			return fmt.Errorf("enqueue payment_success: %w", err)
		}
	case db.PaymentFailed:
		if err := r.enqueuer.Enqueue(ctx, queue.NewJob(queue.TypePaymentFailure, queue.QueueBilling, payload)); err != nil {
			return fmt.Errorf("enqueue payment_failure: %w", err)
		}
	default:
		// pending/processing/cancelled carry no reaction; the status
		// update above is the whole effect.
	}

	r.logger.Info("payment webhook resolved",
		zap.String("gateway", event.Gateway),
		zap.String("gateway_transaction_id", event.TransactionID),
		zap.String("status", event.Status),
	)
	return nil
}

// handleSuccess pays the invoice and reactivates the subscription,
// extending the period by one billing cycle. Re-runs no-op.
func (r *Reactor) handleSuccess(ctx context.Context, job *queue.Job) error {
	var payload ReactionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode payment_success payload: %v", queue.ErrPermanent, err)
	}

	inv, err := r.store.GetInvoice(ctx, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		}
		return err
	}

	sub, err := r.store.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	extension, err := CycleExtension(sub.BillingCycle)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
	}

	outcome, err := r.store.ApplyPaymentSuccess(ctx, payload.InvoiceID, extension)
	if err != nil {
		return fmt.Errorf("apply payment success: %w", err)
	}

	if !outcome.InvoicePaid {
		// Duplicate delivery or a race with another worker; the first
		// run already paid and notified.
		r.logger.Info("payment success already applied",
			zap.String("invoice_id", payload.InvoiceID.String()),
		)
		return nil
	}

	metrics.RecordBillingTransition("invoice", db.InvoicePaid)
	if outcome.SubscriptionActivated {
		metrics.RecordBillingTransition("subscription", db.SubActive)
	}

	r.notifyOrg(ctx, payload.OrganizationID, &notify.Request{
		OrganizationID: payload.OrganizationID,
		Type:           "payment_success",
		Title:          "Payment received",
		Message:        fmt.Sprintf("Your payment of %s %.2f was received. Thank you!", inv.Currency, float64(inv.AmountCents)/100),
		Channels:       []string{db.ChannelEmail, db.ChannelInApp},
	})

	r.logger.Info("payment success applied",
		zap.String("invoice_id", payload.InvoiceID.String()),
		zap.String("subscription_id", outcome.SubscriptionID.String()),
		zap.Bool("subscription_activated", outcome.SubscriptionActivated),
	)
	return nil
}

// handleFailure records the failure against the invoice and escalates
// the subscription: active goes past_due, and past_due is suspended
// once the recent failure count reaches the threshold. The count comes
// from a query over the window, never a stored counter.
func (r *Reactor) handleFailure(ctx context.Context, job *queue.Job) error {
	var payload ReactionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode payment_failure payload: %v", queue.ErrPermanent, err)
	}

	inv, err := r.store.GetInvoice(ctx, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		}
		return err
	}

	sub, err := r.store.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	failures, err := r.store.CountRecentFailures(ctx, inv.SubscriptionID, time.Now().Add(-failureWindow))
	if err != nil {
		return fmt.Errorf("count recent failures: %w", err)
	}

	// Escalation is one step at a time: a failure never jumps an active
	// subscription straight to suspended, no matter how many failures
	// the window holds. Suspension requires past_due plus the threshold.
	target := db.SubPastDue
	if failures >= failureThreshold && sub.Status == db.SubPastDue {
		target = db.SubSuspended
	}

	reason := payload.FailureReason
	if reason == "" {
		reason = "payment failed"
	}

	outcome, err := r.store.ApplyPaymentFailure(ctx, payload.InvoiceID, reason, target)
	if err != nil {
		return fmt.Errorf("apply payment failure: %w", err)
	}

	if outcome.InvoiceOverdue {
		metrics.RecordBillingTransition("invoice", db.InvoiceOverdue)
	}
	if outcome.SubscriptionStatus != "" {
		metrics.RecordBillingTransition("subscription", outcome.SubscriptionStatus)
	}

	req := &notify.Request{
		OrganizationID: payload.OrganizationID,
		Type:           "payment_failed",
		Title:          "Payment failed",
		Message:        fmt.Sprintf("Your payment of %s %.2f could not be processed. Please update your payment method.", inv.Currency, float64(inv.AmountCents)/100),
		Channels:       []string{db.ChannelEmail, db.ChannelInApp},
	}
	if outcome.SubscriptionStatus == db.SubSuspended {
		req.Type = "subscription_suspended"
		req.Title = "Subscription suspended"
		req.Message = "Your subscription has been suspended after repeated payment failures. Settle your outstanding invoice to restore service."
		req.Channels = []string{db.ChannelEmail, db.ChannelSMS, db.ChannelInApp}
	}
	r.notifyOrg(ctx, payload.OrganizationID, req)

	r.logger.Warn("payment failure applied",
		zap.String("invoice_id", payload.InvoiceID.String()),
		zap.String("subscription_id", outcome.SubscriptionID.String()),
		zap.Int("recent_failures", failures),
		zap.String("escalated_to", outcome.SubscriptionStatus),
	)
	return nil
}

// notifyOrg dispatches best effort: a notification hiccup never fails
// or retries a billing job whose state change already committed.
func (r *Reactor) notifyOrg(ctx context.Context, orgID uuid.UUID, req *notify.Request) {
	if _, err := r.notifier.Dispatch(ctx, req); err != nil {
		r.logger.Warn("failed to dispatch billing notification",
			zap.String("organization_id", orgID.String()),
			zap.String("type", req.Type),
			zap.Error(err),
		)
	}
}

// Failed implements queue.Handler. A billing job that exhausts retries
// leaves the transaction row in its last recorded state; the dead
// letter is the operator's signal.
func (r *Reactor) Failed(ctx context.Context, job *queue.Job, jobErr error) {
	r.logger.Error("billing job exhausted retries",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Error(jobErr),
	)
}

var _ queue.Handler = (*Reactor)(nil)
