package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/notify"
	"github.com/relaydesk/relaydesk/internal/queue"
)

// Overdue cascade: past the due date the invoice goes overdue, 7 days
// later the subscription goes past_due, 30 days later suspended.
const (
	pastDueAfter   = 7 * 24 * time.Hour
	suspendAfter   = 30 * 24 * time.Hour
	sweepBatchSize = 500
)

// overdueAlertThreshold is the per-organization overdue invoice count
// that raises a security-log event.
const overdueAlertThreshold = 3

// SweepStore is the persistence surface the overdue sweep needs.
type SweepStore interface {
	ListOverduePendingInvoices(ctx context.Context, now time.Time, limit int) ([]*db.Invoice, error)
	MarkInvoiceOverdue(ctx context.Context, id uuid.UUID) (bool, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*db.Subscription, error)
	EscalateSubscription(ctx context.Context, id uuid.UUID, status string) (bool, error)
	CountOverdueInvoices(ctx context.Context, orgID uuid.UUID) (int, error)
}

// Sweeper runs the scheduled overdue sweep. The Scheduler enqueues the
// job on the cron tick; the Handle side does the work on the billing
// queue so the sweep shares the worker pool's timeout and dead-letter
// machinery.
type Sweeper struct {
	store    SweepStore
	notifier Notifier
	logger   *zap.Logger
}

// NewSweeper creates an overdue sweeper.
func NewSweeper(store SweepStore, notifier Notifier, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: store, notifier: notifier, logger: logger}
}

// Handle implements queue.Handler for overdue_sweep jobs.
func (s *Sweeper) Handle(ctx context.Context, job *queue.Job) error {
	now := time.Now()

	invoices, err := s.store.ListOverduePendingInvoices(ctx, now, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list overdue invoices: %w", err)
	}

	var marked, escalated int
	alerted := make(map[uuid.UUID]bool)
	for _, inv := range invoices {
		flipped, err := s.store.MarkInvoiceOverdue(ctx, inv.ID)
		if err != nil {
			s.logger.Error("failed to mark invoice overdue",
				zap.String("invoice_id", inv.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if flipped {
			marked++
			metrics.RecordBillingTransition("invoice", db.InvoiceOverdue)
		}

		if s.escalate(ctx, inv, now) {
			escalated++
		}
		s.checkOverdueAlert(ctx, inv.OrganizationID, alerted)
	}

	// Invoices already overdue keep aging; re-check their subscriptions
	// on every sweep too, not only the ones flipped this run.

	s.logger.Info("overdue sweep completed",
		zap.Int("scanned", len(invoices)),
		zap.Int("marked_overdue", marked),
		zap.Int("escalated", escalated),
	)
	return nil
}

// escalate applies the age-based cascade for one invoice's
// subscription. Returns true when a transition happened.
func (s *Sweeper) escalate(ctx context.Context, inv *db.Invoice, now time.Time) bool {
	age := now.Sub(inv.DueDate)

	var target string
	switch {
	case age >= suspendAfter:
		target = db.SubSuspended
	case age >= pastDueAfter:
		target = db.SubPastDue
	default:
		return false
	}

	changed, err := s.store.EscalateSubscription(ctx, inv.SubscriptionID, target)
	if err != nil {
		s.logger.Error("failed to escalate subscription",
			zap.String("subscription_id", inv.SubscriptionID.String()),
			zap.String("target", target),
			zap.Error(err),
		)
		return false
	}
	if !changed {
		return false
	}

	metrics.RecordBillingTransition("subscription", target)
	s.logger.Warn("subscription escalated by overdue sweep",
		zap.String("subscription_id", inv.SubscriptionID.String()),
		zap.String("invoice_id", inv.ID.String()),
		zap.String("status", target),
		zap.Duration("overdue_age", age),
	)

	if s.notifier != nil {
		req := &notify.Request{
			OrganizationID: inv.OrganizationID,
			Type:           "subscription_" + target,
			Title:          "Subscription payment overdue",
			Message:        "Your subscription payment is overdue. Settle your outstanding invoice to avoid interruption.",
			Channels:       []string{db.ChannelEmail, db.ChannelInApp},
		}
		if target == db.SubSuspended {
			req.Title = "Subscription suspended"
			req.Message = "Your subscription has been suspended for non-payment. Settle your outstanding invoice to restore service."
			req.Channels = []string{db.ChannelEmail, db.ChannelSMS, db.ChannelInApp}
		}
		if _, err := s.notifier.Dispatch(ctx, req); err != nil {
			s.logger.Warn("failed to dispatch sweep notification",
				zap.String("organization_id", inv.OrganizationID.String()),
				zap.Error(err),
			)
		}
	}
	return true
}

// checkOverdueAlert emits a security-log event for organizations
// accumulating overdue invoices, once per org per sweep.
func (s *Sweeper) checkOverdueAlert(ctx context.Context, orgID uuid.UUID, alerted map[uuid.UUID]bool) {
	if alerted[orgID] {
		return
	}
	alerted[orgID] = true

	count, err := s.store.CountOverdueInvoices(ctx, orgID)
	if err != nil {
		s.logger.Error("failed to count overdue invoices",
			zap.String("organization_id", orgID.String()),
			zap.Error(err),
		)
		return
	}
	if count >= overdueAlertThreshold {
		s.logger.Error("organization exceeds overdue invoice threshold",
			zap.String("event", "security.billing.overdue_threshold"),
			zap.String("organization_id", orgID.String()),
			zap.Int("overdue_invoices", count),
		)
	}
}

// Failed implements queue.Handler. The sweep is periodic; the next tick
// retries naturally.
func (s *Sweeper) Failed(ctx context.Context, job *queue.Job, jobErr error) {
	s.logger.Error("overdue sweep exhausted retries",
		zap.String("job_id", job.ID),
		zap.Error(jobErr),
	)
}

var _ queue.Handler = (*Sweeper)(nil)

// Scheduler enqueues overdue_sweep jobs on a cron schedule. It checks
// the expression once a minute, so standard five-field schedules fire
// at most once per matching minute.
type Scheduler struct {
	schedule string
	enqueuer queue.Enqueuer
	logger   *zap.Logger
}

// NewScheduler creates a sweep scheduler. The schedule is a five-field
// cron expression, e.g. "0 2 * * *" for 02:00 daily.
func NewScheduler(schedule string, enqueuer queue.Enqueuer, logger *zap.Logger) (*Scheduler, error) {
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule: %q", schedule)
	}
	return &Scheduler{
		schedule: schedule,
		enqueuer: enqueuer,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is done, enqueueing a sweep job whenever the
// schedule matches the current minute.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	gron := gronx.New()
	s.logger.Info("overdue sweep scheduler started", zap.String("schedule", s.schedule))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("overdue sweep scheduler stopped")
			return
		case <-ticker.C:
			due, err := gron.IsDue(s.schedule, time.Now())
			if err != nil {
				s.logger.Error("failed to evaluate sweep schedule", zap.Error(err))
				continue
			}
			if !due {
				continue
			}
			job := queue.NewJob(queue.TypeOverdueSweep, queue.QueueBilling, json.RawMessage(`{}`))
			if err := s.enqueuer.Enqueue(ctx, job); err != nil {
				s.logger.Error("failed to enqueue overdue sweep", zap.Error(err))
				continue
			}
			s.logger.Info("overdue sweep enqueued", zap.String("job_id", job.ID))
		}
	}
}
