package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PaymentSuccessOutcome reports what ApplyPaymentSuccess changed.
type PaymentSuccessOutcome struct {
	InvoicePaid           bool
	SubscriptionActivated bool
	SubscriptionID        uuid.UUID
}

// PaymentFailureOutcome reports what ApplyPaymentFailure changed.
type PaymentFailureOutcome struct {
	InvoiceOverdue     bool
	SubscriptionStatus string
	SubscriptionID     uuid.UUID
}

// GetTransactionByGatewayID locates a payment transaction by the
// gateway's transaction identifier.
func (r *Repository) GetTransactionByGatewayID(ctx context.Context, gateway, gatewayTxnID string) (*PaymentTransaction, error) {
	query := `
		SELECT id, organization_id, invoice_id, gateway, gateway_transaction_id,
		       status, failure_reason, amount_cents, currency, created_at, updated_at
		FROM payment_transactions
		WHERE gateway = $1 AND gateway_transaction_id = $2
	`

	var txn PaymentTransaction
	err := r.db.Pool().QueryRow(ctx, query, gateway, gatewayTxnID).Scan(
		&txn.ID,
		&txn.OrganizationID,
		&txn.InvoiceID,
		&txn.Gateway,
		&txn.GatewayTransactionID,
		&txn.Status,
		&txn.FailureReason,
		&txn.AmountCents,
		&txn.Currency,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("payment transaction %s/%s: %w", gateway, gatewayTxnID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query payment transaction: %w", err)
	}

	return &txn, nil
}

// UpdateTransactionStatus sets the canonical status on a transaction.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status string, failureReason *string) error {
	query := `
		UPDATE payment_transactions
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, status, failureReason, id)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("payment transaction %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetInvoice retrieves an invoice by ID
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(r.db.Pool().QueryRow(ctx, `
		SELECT id, organization_id, subscription_id, status, amount_cents, currency,
		       due_date, paid_at, failure_reason, created_at, updated_at
		FROM invoices
		WHERE id = $1
	`, id))
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.OrganizationID,
		&inv.SubscriptionID,
		&inv.Status,
		&inv.AmountCents,
		&inv.Currency,
		&inv.DueDate,
		&inv.PaidAt,
		&inv.FailureReason,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("invoice: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query invoice: %w", err)
	}
	return &inv, nil
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	query := `
		SELECT id, organization_id, status, billing_cycle, current_period_end, created_at, updated_at
		FROM subscriptions
		WHERE id = $1
	`

	var sub Subscription
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.OrganizationID,
		&sub.Status,
		&sub.BillingCycle,
		&sub.CurrentPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	return &sub, nil
}

// ApplyPaymentSuccess marks the invoice paid and reactivates the owning
// subscription in one transaction, extending the period by the given
// Postgres interval ("1 month", "7 days"). Status guards in the WHERE
// clauses make the whole operation idempotent: re-delivered webhooks
// no-op.
func (r *Repository) ApplyPaymentSuccess(ctx context.Context, invoiceID uuid.UUID, periodExtension string) (*PaymentSuccessOutcome, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := scanInvoice(tx.QueryRow(ctx, `
		SELECT id, organization_id, subscription_id, status, amount_cents, currency,
		       due_date, paid_at, failure_reason, created_at, updated_at
		FROM invoices
		WHERE id = $1
		FOR UPDATE
	`, invoiceID))
	if err != nil {
		return nil, err
	}

	outcome := &PaymentSuccessOutcome{SubscriptionID: inv.SubscriptionID}

	// Paid and cancelled are terminal (an invoice never re-opens).
	markPaid, err := tx.Exec(ctx, `
		UPDATE invoices
		SET status = $1, paid_at = NOW(), failure_reason = NULL, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, InvoicePaid, invoiceID, InvoicePending, InvoiceOverdue)
	if err != nil {
		return nil, fmt.Errorf("mark invoice paid: %w", err)
	}
	outcome.InvoicePaid = markPaid.RowsAffected() > 0

	// Extend only when this call actually paid the invoice, otherwise a
	// re-delivered webhook would grant a second period.
	if outcome.InvoicePaid {
		reactivate, err := tx.Exec(ctx, `
			UPDATE subscriptions
			SET status = $1,
			    current_period_end = GREATEST(current_period_end, NOW()) + $2::interval,
			    updated_at = NOW()
			WHERE id = $3 AND status IN ($4, $5, $6, $7)
		`, SubActive, periodExtension, inv.SubscriptionID,
			SubActive, SubPastDue, SubSuspended, SubCancelled)
		if err != nil {
			return nil, fmt.Errorf("reactivate subscription: %w", err)
		}
		outcome.SubscriptionActivated = reactivate.RowsAffected() > 0
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("payment success applied",
		zap.String("invoice_id", invoiceID.String()),
		zap.Bool("invoice_paid", outcome.InvoicePaid),
		zap.Bool("subscription_activated", outcome.SubscriptionActivated),
	)

	return outcome, nil
}

// ApplyPaymentFailure records a failed payment against the invoice and
// escalates the subscription in one transaction. The caller decides the
// target subscription status (past_due or suspended) from the recent
// failure count; the WHERE guard keeps the transition forward-only.
func (r *Repository) ApplyPaymentFailure(ctx context.Context, invoiceID uuid.UUID, reason, subscriptionStatus string) (*PaymentFailureOutcome, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := scanInvoice(tx.QueryRow(ctx, `
		SELECT id, organization_id, subscription_id, status, amount_cents, currency,
		       due_date, paid_at, failure_reason, created_at, updated_at
		FROM invoices
		WHERE id = $1
		FOR UPDATE
	`, invoiceID))
	if err != nil {
		return nil, err
	}

	outcome := &PaymentFailureOutcome{SubscriptionID: inv.SubscriptionID}

	if inv.Status == InvoicePending && inv.DueDate.Before(time.Now()) {
		if _, err := tx.Exec(ctx, `
			UPDATE invoices
			SET status = $1, failure_reason = $2, updated_at = NOW()
			WHERE id = $3 AND status = $4
		`, InvoiceOverdue, reason, invoiceID, InvoicePending); err != nil {
			return nil, fmt.Errorf("mark invoice overdue: %w", err)
		}
		outcome.InvoiceOverdue = true
	} else if inv.Status == InvoicePending || inv.Status == InvoiceOverdue {
		if _, err := tx.Exec(ctx, `
			UPDATE invoices SET failure_reason = $1, updated_at = NOW() WHERE id = $2
		`, reason, invoiceID); err != nil {
			return nil, fmt.Errorf("record failure reason: %w", err)
		}
	}

	// Forward-only, one step at a time: active -> past_due -> suspended.
	// A suspended target never touches an active subscription, and a
	// cancelled subscription is left alone.
	var allowed []string
	switch subscriptionStatus {
	case SubPastDue:
		allowed = []string{SubActive}
	case SubSuspended:
		allowed = []string{SubPastDue}
	default:
		return nil, fmt.Errorf("invalid escalation target: %s", subscriptionStatus)
	}

	escalate, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, subscriptionStatus, inv.SubscriptionID, allowed)
	if err != nil {
		return nil, fmt.Errorf("escalate subscription: %w", err)
	}

	if escalate.RowsAffected() > 0 {
		outcome.SubscriptionStatus = subscriptionStatus
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return outcome, nil
}

// CountRecentFailures counts failed payment transactions for a
// subscription since the given time. Computed per event instead of a
// stored counter so the 30-day window never drifts.
func (r *Repository) CountRecentFailures(ctx context.Context, subscriptionID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM payment_transactions pt
		JOIN invoices i ON i.id = pt.invoice_id
		WHERE i.subscription_id = $1 AND pt.status = $2 AND pt.updated_at >= $3
	`

	var count int
	err := r.db.Pool().QueryRow(ctx, query, subscriptionID, PaymentFailed, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent failures: %w", err)
	}

	return count, nil
}

// ListOverduePendingInvoices returns pending invoices whose due date has
// passed, for the periodic sweep.
func (r *Repository) ListOverduePendingInvoices(ctx context.Context, now time.Time, limit int) ([]*Invoice, error) {
	query := `
		SELECT id, organization_id, subscription_id, status, amount_cents, currency,
		       due_date, paid_at, failure_reason, created_at, updated_at
		FROM invoices
		WHERE status = $1 AND due_date < $2
		ORDER BY due_date ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, InvoicePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query overdue invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		var inv Invoice
		err := rows.Scan(
			&inv.ID,
			&inv.OrganizationID,
			&inv.SubscriptionID,
			&inv.Status,
			&inv.AmountCents,
			&inv.Currency,
			&inv.DueDate,
			&inv.PaidAt,
			&inv.FailureReason,
			&inv.CreatedAt,
			&inv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, &inv)
	}

	return invoices, rows.Err()
}

// MarkInvoiceOverdue flips a pending invoice to overdue. Returns false
// if the invoice already left pending (paid or cancelled meanwhile).
func (r *Repository) MarkInvoiceOverdue(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE invoices SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
	`, InvoiceOverdue, id, InvoicePending)
	if err != nil {
		return false, fmt.Errorf("mark invoice overdue: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// EscalateSubscription applies a forward-only status transition used by
// the overdue sweep. Same guard rules as ApplyPaymentFailure.
func (r *Repository) EscalateSubscription(ctx context.Context, id uuid.UUID, status string) (bool, error) {
	var allowed []string
	switch status {
	case SubPastDue:
		allowed = []string{SubActive}
	case SubSuspended:
		allowed = []string{SubActive, SubPastDue}
	default:
		return false, fmt.Errorf("invalid escalation target: %s", status)
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)
	`, status, id, allowed)
	if err != nil {
		return false, fmt.Errorf("escalate subscription: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// CountOverdueInvoices counts invoices currently overdue for an
// organization. The sweep raises a security-log event at >= 3.
func (r *Repository) CountOverdueInvoices(ctx context.Context, orgID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM invoices WHERE organization_id = $1 AND status = $2
	`, orgID, InvoiceOverdue).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count overdue invoices: %w", err)
	}
	return count, nil
}
