package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertDeadJob records a job that exhausted its retries. The row is
// the durable side of the queue's failed list, used by queuectl.
func (r *Repository) InsertDeadJob(ctx context.Context, dead *DeadJob) error {
	if dead.ID == uuid.Nil {
		dead.ID = uuid.New()
	}

	query := `
		INSERT INTO dead_jobs (id, job_id, job_type, queue, payload, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		dead.ID, dead.JobID, dead.JobType, dead.Queue, dead.Payload, dead.Attempts, dead.LastError,
	).Scan(&dead.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead job: %w", err)
	}

	r.logger.Error("job dead-lettered, manual intervention required",
		zap.String("job_id", dead.JobID),
		zap.String("job_type", dead.JobType),
		zap.String("queue", dead.Queue),
		zap.Int("attempts", dead.Attempts),
		zap.String("last_error", dead.LastError),
	)

	return nil
}

// ListDeadJobs returns dead-lettered jobs for inspection, newest first.
func (r *Repository) ListDeadJobs(ctx context.Context, queue string, limit int) ([]*DeadJob, error) {
	query := `
		SELECT id, job_id, job_type, queue, payload, attempts, last_error, created_at
		FROM dead_jobs
		WHERE ($1 = '' OR queue = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*DeadJob
	for rows.Next() {
		var dj DeadJob
		err := rows.Scan(&dj.ID, &dj.JobID, &dj.JobType, &dj.Queue, &dj.Payload, &dj.Attempts, &dj.LastError, &dj.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		jobs = append(jobs, &dj)
	}

	return jobs, rows.Err()
}

// DeleteDeadJob removes a dead-letter row after a successful reprocess.
func (r *Repository) DeleteDeadJob(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM dead_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead job %s: %w", id, ErrNotFound)
	}
	return nil
}
