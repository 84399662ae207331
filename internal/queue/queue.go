package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/redis"
)

// reservePop atomically moves one job from the pending list into the
// reserved set with a visibility deadline. Without the script a crash
// between RPOP and ZADD would lose the job.
var reservePop = goredis.NewScript(`
local job = redis.call('RPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
end
return job
`)

// Queue is the Redis-backed job store for all named queues.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a queue on top of an established Redis client.
func New(client *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{client: client, logger: logger}
}

func pendingKey(queue string) string  { return "queue:" + queue }
func delayedKey(queue string) string  { return "queue:" + queue + ":delayed" }
func reservedKey(queue string) string { return "queue:" + queue + ":reserved" }
func failedKey(queue string) string   { return "queue:" + queue + ":failed" }

// Enqueue pushes a job for immediate processing.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if err := q.client.RDB().LPush(ctx, pendingKey(job.Queue), raw).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.Attempt),
	)

	return nil
}

// EnqueueAfter schedules a job to become available after delay. Used
// for retry backoff and deferred work.
func (q *Queue) EnqueueAfter(ctx context.Context, delay time.Duration, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	readyAt := time.Now().Add(delay)
	err = q.client.RDB().ZAdd(ctx, delayedKey(job.Queue), goredis.Z{
		Score:  float64(readyAt.UnixNano()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delayed job: %w", err)
	}

	q.logger.Debug("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Duration("delay", delay),
	)

	return nil
}

// PromoteDelayed moves jobs whose delay has elapsed onto the pending
// list. Called by the worker on every poll tick.
func (q *Queue) PromoteDelayed(ctx context.Context, queueName string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixNano())

	members, err := q.client.RDB().ZRangeByScore(ctx, delayedKey(queueName), &goredis.ZRangeBy{
		Min: "0",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		// ZRem returns 0 when another worker promoted this member first.
		removed, err := q.client.RDB().ZRem(ctx, delayedKey(queueName), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RDB().LPush(ctx, pendingKey(queueName), member).Err(); err != nil {
			return promoted, fmt.Errorf("promote delayed job: %w", err)
		}
		promoted++
	}

	return promoted, nil
}

// Reserve pops one pending job and parks it in the reserved set until
// the visibility deadline. Returns (nil, "", nil) when the queue is
// empty. The raw string identifies the reservation for Ack/Release.
func (q *Queue) Reserve(ctx context.Context, queueName string, visibility time.Duration) (*Job, string, error) {
	deadline := time.Now().Add(visibility).UnixNano()

	res, err := reservePop.Run(ctx, q.client.RDB(),
		[]string{pendingKey(queueName), reservedKey(queueName)},
		deadline,
	).Result()
	if err == goredis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("reserve job: %w", err)
	}

	raw, ok := res.(string)
	if !ok || raw == "" {
		return nil, "", nil
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Broken payloads cannot be retried; keep them on the failed
		// list for inspection instead of poisoning the worker loop.
		_ = q.client.RDB().ZRem(ctx, reservedKey(queueName), raw).Err()
		_ = q.client.RDB().LPush(ctx, failedKey(queueName), raw).Err()
		q.logger.Error("unparseable job moved to failed list",
			zap.String("queue", queueName),
			zap.Error(err),
		)
		return nil, "", nil
	}

	// Count the attempt now and persist it with the reservation. If the
	// worker dies mid-attempt the reaper requeues the incremented copy,
	// so abandoned attempts still spend retry budget instead of looping
	// forever.
	job.Attempt++
	updated, err := json.Marshal(&job)
	if err != nil {
		return nil, "", fmt.Errorf("reserialize reserved job: %w", err)
	}
	pipe := q.client.RDB().TxPipeline()
	pipe.ZRem(ctx, reservedKey(queueName), raw)
	pipe.ZAdd(ctx, reservedKey(queueName), goredis.Z{
		Score:  float64(deadline),
		Member: updated,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		// The pre-increment member stays reserved; the reaper will
		// requeue it after the visibility deadline.
		return nil, "", fmt.Errorf("record reserved attempt: %w", err)
	}

	return &job, string(updated), nil
}

// Ack removes a completed job from the reserved set.
func (q *Queue) Ack(ctx context.Context, queueName, raw string) error {
	if err := q.client.RDB().ZRem(ctx, reservedKey(queueName), raw).Err(); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Release takes a reserved job out of flight and reschedules it with
// the given delay (the retry path).
func (q *Queue) Release(ctx context.Context, queueName, raw string, job *Job, delay time.Duration) error {
	if err := q.client.RDB().ZRem(ctx, reservedKey(queueName), raw).Err(); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return q.EnqueueAfter(ctx, delay, job)
}

// Dead moves a reserved job onto the failed list. Terminal: nothing
// retries it automatically.
func (q *Queue) Dead(ctx context.Context, queueName, raw string, job *Job) error {
	updated, err := json.Marshal(job)
	if err != nil {
		updated = []byte(raw)
	}

	pipe := q.client.RDB().TxPipeline()
	pipe.ZRem(ctx, reservedKey(queueName), raw)
	pipe.LPush(ctx, failedKey(queueName), updated)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}

	return nil
}

// ReapExpired requeues reserved jobs whose visibility deadline passed —
// their worker crashed or was killed by the supervisor. Reserve persists
// the incremented attempt count into the reserved member, so the
// requeued copy carries the spent attempt and the normal retry
// accounting applies.
func (q *Queue) ReapExpired(ctx context.Context, queueName string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixNano())

	members, err := q.client.RDB().ZRangeByScore(ctx, reservedKey(queueName), &goredis.ZRangeBy{
		Min: "0",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan reserved jobs: %w", err)
	}

	reaped := 0
	for _, member := range members {
		removed, err := q.client.RDB().ZRem(ctx, reservedKey(queueName), member).Result()
		if err != nil {
			return reaped, fmt.Errorf("remove expired reservation: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RDB().LPush(ctx, pendingKey(queueName), member).Err(); err != nil {
			return reaped, fmt.Errorf("requeue expired job: %w", err)
		}
		q.logger.Warn("abandoned job requeued",
			zap.String("queue", queueName),
		)
		reaped++
	}

	return reaped, nil
}

// Stats is the read-only operational view of one named queue.
type Stats struct {
	Queue      string `json:"queue"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Failed     int64  `json:"failed"`
}

// GetStats reads pending/processing/failed counts for a queue.
func (q *Queue) GetStats(ctx context.Context, queueName string) (*Stats, error) {
	pipe := q.client.RDB().TxPipeline()
	pending := pipe.LLen(ctx, pendingKey(queueName))
	processing := pipe.ZCard(ctx, reservedKey(queueName))
	failed := pipe.LLen(ctx, failedKey(queueName))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return &Stats{
		Queue:      queueName,
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// RequeueFailed drains the failed list back onto the pending list with
// reset attempt counters. Operator-driven via queuectl.
func (q *Queue) RequeueFailed(ctx context.Context, queueName string) (int, error) {
	requeued := 0
	for {
		raw, err := q.client.RDB().RPop(ctx, failedKey(queueName)).Result()
		if err == goredis.Nil {
			return requeued, nil
		}
		if err != nil {
			return requeued, fmt.Errorf("pop failed job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("dropping unparseable failed job", zap.Error(err))
			continue
		}

		job.Attempt = 0
		if err := q.Enqueue(ctx, &job); err != nil {
			// Put it back so the operator can try again.
			_ = q.client.RDB().LPush(ctx, failedKey(queueName), raw).Err()
			return requeued, err
		}
		requeued++
	}
}
