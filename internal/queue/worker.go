package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/metrics"
)

// DeadJobRecorder persists the durable dead-letter row when a job
// exhausts its retries.
type DeadJobRecorder interface {
	InsertDeadJob(ctx context.Context, dead *db.DeadJob) error
}

// WorkerConfig tunes the polling worker pool.
type WorkerConfig struct {
	Queues       []string      // queues this worker drains
	Concurrency  int           // goroutines per queue
	PollInterval time.Duration // idle sleep between empty polls
	BackoffBase  time.Duration // retry curve base
}

// visibilityGrace pads the reservation deadline past the handler
// timeout so the reaper never steals a job that is still finishing.
const visibilityGrace = 30 * time.Second

// Worker drains named queues and dispatches jobs to registered
// handlers. Safe for concurrent execution across distinct jobs; a
// single job is never run by two goroutines at once because Reserve
// pops atomically.
type Worker struct {
	queue    *Queue
	recorder DeadJobRecorder
	config   WorkerConfig
	logger   *zap.Logger

	mu       sync.RWMutex
	registry map[string]Registration
}

// NewWorker creates a worker pool over the given queue.
func NewWorker(q *Queue, recorder DeadJobRecorder, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{QueueDefault}
	}

	return &Worker{
		queue:    q,
		recorder: recorder,
		config:   cfg,
		logger:   logger,
		registry: make(map[string]Registration),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (w *Worker) Register(jobType string, reg Registration) {
	if reg.MaxAttempts == 0 {
		reg.MaxAttempts = 3
	}
	if reg.Timeout == 0 {
		reg.Timeout = 60 * time.Second
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.registry[jobType] = reg
}

func (w *Worker) registration(jobType string) (Registration, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	reg, ok := w.registry[jobType]
	return reg, ok
}

// Start runs the worker pool until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for _, queueName := range w.config.Queues {
		for i := 0; i < w.config.Concurrency; i++ {
			wg.Add(1)
			go func(queueName string) {
				defer wg.Done()
				w.drain(ctx, queueName)
			}(queueName)
		}
	}

	wg.Wait()
	w.logger.Info("worker pool stopped")
}

func (w *Worker) drain(ctx context.Context, queueName string) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDelayed(ctx, queueName); err != nil {
				w.logger.Error("failed to promote delayed jobs",
					zap.String("queue", queueName),
					zap.Error(err),
				)
			}
			if _, err := w.queue.ReapExpired(ctx, queueName); err != nil {
				w.logger.Error("failed to reap expired jobs",
					zap.String("queue", queueName),
					zap.Error(err),
				)
			}

			// Drain everything currently ready before sleeping again.
			for {
				processed, err := w.ProcessOne(ctx, queueName)
				if err != nil {
					w.logger.Error("queue processing error",
						zap.String("queue", queueName),
						zap.Error(err),
					)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessOne reserves and runs a single job. Returns false when the
// queue was empty. Exported so tests can step the worker deterministically.
func (w *Worker) ProcessOne(ctx context.Context, queueName string) (bool, error) {
	// Use the longest registered timeout as the reservation window; the
	// per-attempt context below enforces the precise per-type limit.
	visibility := w.maxTimeout() + visibilityGrace

	job, raw, err := w.queue.Reserve(ctx, queueName, visibility)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.dispatch(ctx, queueName, job, raw)
	return true, nil
}

func (w *Worker) maxTimeout() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	max := 60 * time.Second
	for _, reg := range w.registry {
		if reg.Timeout > max {
			max = reg.Timeout
		}
	}
	return max
}

func (w *Worker) dispatch(ctx context.Context, queueName string, job *Job, raw string) {
	reg, ok := w.registration(job.Type)
	if !ok {
		// No handler will ever appear mid-flight; dead-letter directly.
		w.logger.Error("no handler registered for job type",
			zap.String("job_type", job.Type),
			zap.String("job_id", job.ID),
		)
		w.deadLetter(ctx, queueName, job, raw, fmt.Errorf("no handler for job type %q", job.Type), nil)
		return
	}

	if job.MaxAttempts == 0 {
		job.MaxAttempts = reg.MaxAttempts
	}

	// Reserve already counted this attempt. A job whose earlier
	// reservations all expired unacked arrives with the budget spent;
	// running it again would exceed max_attempts.
	if job.Attempt > job.MaxAttempts {
		w.deadLetter(ctx, queueName, job, raw,
			fmt.Errorf("job abandoned %d times without completing", job.Attempt-1),
			reg.Handler)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, reg.Timeout)
	err := reg.Handler.Handle(attemptCtx, job)
	cancel()

	if err == nil {
		if ackErr := w.queue.Ack(ctx, queueName, raw); ackErr != nil {
			w.logger.Error("failed to ack job", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		metrics.RecordJobProcessed(job.Type, "succeeded")
		w.logger.Info("job succeeded",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempt", job.Attempt),
		)
		return
	}

	permanent := errors.Is(err, ErrPermanent)
	if !permanent && job.Attempt < job.MaxAttempts {
		delay := Backoff(w.config.BackoffBase, job.Attempt)
		if relErr := w.queue.Release(ctx, queueName, raw, job, delay); relErr != nil {
			w.logger.Error("failed to release job for retry",
				zap.String("job_id", job.ID),
				zap.Error(relErr),
			)
			return
		}
		metrics.RecordJobRetried(job.Type)
		w.logger.Warn("job failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		return
	}

	w.deadLetter(ctx, queueName, job, raw, err, reg.Handler)
}

// deadLetter finalizes a job that will never run again: failed list,
// durable dead-letter row, then the handler's terminal hook.
func (w *Worker) deadLetter(ctx context.Context, queueName string, job *Job, raw string, jobErr error, handler Handler) {
	if err := w.queue.Dead(ctx, queueName, raw, job); err != nil {
		w.logger.Error("failed to move job to failed list",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	if w.recorder != nil {
		dead := &db.DeadJob{
			JobID:     job.ID,
			JobType:   job.Type,
			Queue:     queueName,
			Payload:   json.RawMessage(job.Payload),
			Attempts:  job.Attempt,
			LastError: jobErr.Error(),
		}
		if err := w.recorder.InsertDeadJob(ctx, dead); err != nil {
			w.logger.Error("failed to persist dead job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	metrics.RecordJobProcessed(job.Type, "dead")

	if handler != nil {
		handler.Failed(ctx, job, jobErr)
	}
}
