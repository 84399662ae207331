// queuectl is the operator tool for the job queues: inspect per-queue
// counts and requeue failed jobs.
//
//	queuectl status [queue]
//	queuectl retry-failed <queue>
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/redis"
)

var allQueues = []string{
	queue.QueueWhatsApp,
	queue.QueueNotifications,
	queue.QueuePayment,
	queue.QueueBilling,
	queue.QueueWebhooks,
	queue.QueueHighPriority,
	queue.QueueDefault,
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Operator tool, keep the output clean.
	logger := zap.NewNop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer client.Close()

	q := queue.New(client, logger)

	switch args[0] {
	case "status":
		names := allQueues
		if len(args) > 1 {
			names = args[1:]
		}
		return status(ctx, q, names)
	case "retry-failed":
		if len(args) != 2 {
			usage()
			return fmt.Errorf("retry-failed requires a queue name")
		}
		return retryFailed(ctx, q, args[1])
	default:
		usage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func status(ctx context.Context, q *queue.Queue, names []string) error {
	fmt.Printf("%-22s %8s %10s %8s\n", "QUEUE", "PENDING", "PROCESSING", "FAILED")
	for _, name := range names {
		stats, err := q.GetStats(ctx, name)
		if err != nil {
			return fmt.Errorf("stats for %s: %w", name, err)
		}
		fmt.Printf("%-22s %8d %10d %8d\n", stats.Queue, stats.Pending, stats.Processing, stats.Failed)
	}
	return nil
}

func retryFailed(ctx context.Context, q *queue.Queue, name string) error {
	n, err := q.RequeueFailed(ctx, name)
	if err != nil {
		return fmt.Errorf("requeue failed jobs on %s: %w", name, err)
	}
	fmt.Printf("requeued %d job(s) from %s\n", n, name)
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: queuectl <command> [args]")
	fmt.Fprintln(os.Stderr, "  status [queue...]      show per-queue counts")
	fmt.Fprintln(os.Stderr, "  retry-failed <queue>   move failed jobs back to pending")
}
