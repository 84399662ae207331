package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/db"
	redisclient "github.com/relaydesk/relaydesk/internal/redis"
)

const browserNotifyTTL = 5 * time.Minute

// InAppSender records in-app notifications. The notification row itself
// is the delivery; this sender invalidates the per-organization caches
// so clients see it, and nudges any connected browsers.
type InAppSender struct {
	redis  *redisclient.Client
	logger *zap.Logger
}

// NewInAppSender creates an in-app sender.
func NewInAppSender(redis *redisclient.Client, logger *zap.Logger) *InAppSender {
	return &InAppSender{redis: redis, logger: logger}
}

// Channel implements Sender.
func (s *InAppSender) Channel() string { return db.ChannelInApp }

// Send implements Sender. Cache and broadcast steps are best effort:
// the notification row already exists, so a Redis hiccup must not fail
// the delivery.
func (s *InAppSender) Send(ctx context.Context, d *Delivery) Result {
	orgID := d.Notification.OrganizationID.String()

	rdb := s.redis.RDB()
	listKey := fmt.Sprintf("notifications:list:%s", orgID)
	countKey := fmt.Sprintf("notifications:unread:%s", orgID)
	if err := rdb.Del(ctx, listKey, countKey).Err(); err != nil {
		s.logger.Warn("failed to invalidate notification cache",
			zap.String("organization_id", orgID),
			zap.Error(err),
		)
	}

	browserKey := fmt.Sprintf("notifications:browser:%s", orgID)
	payload, err := json.Marshal(map[string]string{
		"id":      d.Notification.ID.String(),
		"type":    d.Notification.Type,
		"title":   d.Notification.Title,
		"message": d.Notification.Message,
	})
	if err == nil {
		if err := rdb.Set(ctx, browserKey, payload, browserNotifyTTL).Err(); err != nil {
			s.logger.Warn("failed to set browser notification key",
				zap.String("organization_id", orgID),
				zap.Error(err),
			)
		}
		if err := s.redis.Publish(ctx, "events:notification", payload); err != nil {
			s.logger.Warn("failed to broadcast notification event",
				zap.String("organization_id", orgID),
				zap.Error(err),
			)
		}
	}

	return sent("in_app", "")
}

var _ Sender = (*InAppSender)(nil)
