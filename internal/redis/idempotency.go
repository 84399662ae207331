package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DedupTTL is the window during which a repeated external message
	// ID is treated as a duplicate. WhatsApp retries webhooks for well
	// under an hour, so one hour covers every provider retry schedule.
	DedupTTL = 1 * time.Hour

	// ProcessingTTL guards against two workers running the same message
	// job concurrently before the terminal dedup record exists. Shorter
	// than DedupTTL so a crashed worker's claim expires and the retry
	// can proceed.
	ProcessingTTL = 5 * time.Minute

	seenMarker       = "seen"
	processingMarker = "processing"
)

// IdempotencyStore tracks which inbound message IDs have been processed.
// Keys are scoped per organization: the same provider message ID from
// two tenants is two distinct messages.
//
// Availability policy: if Redis is down the store fails open. Processing
// a possible duplicate is recoverable (the messages table has a unique
// index as the last line of defense); silently dropping a customer
// message is not.
type IdempotencyStore struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyStore creates a new idempotency store.
func NewIdempotencyStore(client *Client, logger *zap.Logger) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyStore) dedupKey(orgID, externalMessageID string) string {
	return fmt.Sprintf("dedup:%s:%s", orgID, externalMessageID)
}

func (s *IdempotencyStore) processingKey(orgID, externalMessageID string) string {
	return fmt.Sprintf("dedup:%s:%s:processing", orgID, externalMessageID)
}

// MarkIfNew atomically claims an external message ID inside the dedup
// window. Returns true only for the first caller; later callers (and
// provider retries) get false and must acknowledge without enqueuing.
func (s *IdempotencyStore) MarkIfNew(ctx context.Context, orgID, externalMessageID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DedupTTL
	}

	claimed, err := s.client.rdb.SetNX(ctx, s.dedupKey(orgID, externalMessageID), processingMarker, ttl).Result()
	if err != nil {
		s.logger.Warn("idempotency store unavailable, failing open",
			zap.Error(err),
			zap.String("organization_id", orgID),
			zap.String("external_message_id", externalMessageID),
		)
		return true, nil
	}

	return claimed, nil
}

// AcquireProcessing takes the short-lived per-message work lock. A
// second worker holding the same job (at-least-once delivery) backs off
// when this returns false.
func (s *IdempotencyStore) AcquireProcessing(ctx context.Context, orgID, externalMessageID string) (bool, error) {
	locked, err := s.client.rdb.SetNX(ctx, s.processingKey(orgID, externalMessageID), processingMarker, ProcessingTTL).Result()
	if err != nil {
		s.logger.Warn("processing lock unavailable, failing open", zap.Error(err))
		return true, nil
	}
	return locked, nil
}

// Finalize replaces the processing claim with the terminal seen record
// and releases the work lock. Called after the message row is persisted.
func (s *IdempotencyStore) Finalize(ctx context.Context, orgID, externalMessageID string) error {
	pipe := s.client.rdb.TxPipeline()
	pipe.Set(ctx, s.dedupKey(orgID, externalMessageID), seenMarker, DedupTTL)
	pipe.Del(ctx, s.processingKey(orgID, externalMessageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finalize idempotency record: %w", err)
	}
	return nil
}
