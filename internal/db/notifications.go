package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateNotificationWithTasks inserts a notification and one pending
// task per channel in a single transaction, so a dispatch is either
// fully recorded or not at all.
func (r *Repository) CreateNotificationWithTasks(ctx context.Context, notif *Notification, channels []string) ([]*NotificationTask, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertNotif := `
		INSERT INTO notifications (id, organization_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertNotif,
		notif.ID, notif.OrganizationID, notif.Type, notif.Title, notif.Message, notif.Data,
	).Scan(&notif.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	insertTask := `
		INSERT INTO notification_tasks (id, notification_id, organization_id, channel, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	tasks := make([]*NotificationTask, 0, len(channels))
	for _, channel := range channels {
		task := &NotificationTask{
			ID:             uuid.New(),
			NotificationID: notif.ID,
			OrganizationID: notif.OrganizationID,
			Channel:        channel,
			Status:         TaskPending,
		}
		err = tx.QueryRow(ctx, insertTask,
			task.ID, task.NotificationID, task.OrganizationID, task.Channel, task.Status,
		).Scan(&task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert notification task (%s): %w", channel, err)
		}
		tasks = append(tasks, task)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("organization_id", notif.OrganizationID.String()),
		zap.Int("channels", len(tasks)),
	)

	return tasks, nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT id, organization_id, type, title, message, data, created_at
		FROM notifications
		WHERE id = $1
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&notif.ID,
		&notif.OrganizationID,
		&notif.Type,
		&notif.Title,
		&notif.Message,
		&notif.Data,
		&notif.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return &notif, nil
}

// GetNotificationTask retrieves a single channel task by ID
func (r *Repository) GetNotificationTask(ctx context.Context, id uuid.UUID) (*NotificationTask, error) {
	query := `
		SELECT id, notification_id, organization_id, channel, status,
		       provider, provider_message_id, error, sent_at, failed_at,
		       created_at, updated_at
		FROM notification_tasks
		WHERE id = $1
	`

	var task NotificationTask
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&task.ID,
		&task.NotificationID,
		&task.OrganizationID,
		&task.Channel,
		&task.Status,
		&task.Provider,
		&task.ProviderMessageID,
		&task.Error,
		&task.SentAt,
		&task.FailedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification task: %w", err)
	}

	return &task, nil
}

// MarkTaskSent records a successful channel delivery.
func (r *Repository) MarkTaskSent(ctx context.Context, id uuid.UUID, provider, providerMessageID string) error {
	query := `
		UPDATE notification_tasks
		SET status = $1, provider = $2, provider_message_id = $3, sent_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, TaskSent, provider, providerMessageID, id)
	if err != nil {
		return fmt.Errorf("mark task sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification task %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkTaskSkipped records that a channel had nothing to deliver to
// (no address, channel disabled). Skipped is terminal but not an error.
func (r *Repository) MarkTaskSkipped(ctx context.Context, id uuid.UUID, provider, reason string) error {
	query := `
		UPDATE notification_tasks
		SET status = $1, provider = $2, error = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, TaskSkipped, provider, reason, id)
	if err != nil {
		return fmt.Errorf("mark task skipped: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification task %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkTaskFailed records a terminal channel failure after the retry
// budget is exhausted.
func (r *Repository) MarkTaskFailed(ctx context.Context, id uuid.UUID, provider, errMsg string) error {
	query := `
		UPDATE notification_tasks
		SET status = $1, provider = $2, error = $3, failed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status NOT IN ($5, $6)
	`

	// Guard: a task that already reached sent/skipped stays terminal even
	// if a stale retry lands afterwards.
	_, err := r.db.Pool().Exec(ctx, query, TaskFailed, provider, errMsg, id, TaskSent, TaskSkipped)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}

	return nil
}

// ListTasksByNotification returns all channel tasks for one notification.
func (r *Repository) ListTasksByNotification(ctx context.Context, notificationID uuid.UUID) ([]*NotificationTask, error) {
	query := `
		SELECT id, notification_id, organization_id, channel, status,
		       provider, provider_message_id, error, sent_at, failed_at,
		       created_at, updated_at
		FROM notification_tasks
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query notification tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*NotificationTask
	for rows.Next() {
		var task NotificationTask
		err := rows.Scan(
			&task.ID,
			&task.NotificationID,
			&task.OrganizationID,
			&task.Channel,
			&task.Status,
			&task.Provider,
			&task.ProviderMessageID,
			&task.Error,
			&task.SentAt,
			&task.FailedAt,
			&task.CreatedAt,
			&task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification task: %w", err)
		}
		tasks = append(tasks, &task)
	}

	return tasks, rows.Err()
}
