package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/circuitbreaker"
	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/queue"
)

// Store is the persistence surface for notifications and tasks.
type Store interface {
	CreateNotificationWithTasks(ctx context.Context, notif *db.Notification, channels []string) ([]*db.NotificationTask, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	GetNotificationTask(ctx context.Context, id uuid.UUID) (*db.NotificationTask, error)
	GetOrganization(ctx context.Context, id uuid.UUID) (*db.Organization, error)
	GetDeviceTokens(ctx context.Context, orgID uuid.UUID) ([]string, error)
	MarkTaskSent(ctx context.Context, id uuid.UUID, provider, providerMessageID string) error
	MarkTaskSkipped(ctx context.Context, id uuid.UUID, provider, reason string) error
	MarkTaskFailed(ctx context.Context, id uuid.UUID, provider, errMsg string) error
}

// Dispatcher creates the per-channel tasks for a notification and
// enqueues one independent job each.
type Dispatcher struct {
	store    Store
	enqueuer queue.Enqueuer
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, enqueuer queue.Enqueuer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, enqueuer: enqueuer, logger: logger}
}

// Dispatch records the notification with one pending task per channel
// and enqueues the channel jobs. Enqueue failures on one channel do not
// keep the remaining channels from being enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*db.Notification, error) {
	if len(req.Channels) == 0 {
		return nil, fmt.Errorf("notification requires at least one channel")
	}
	for _, ch := range req.Channels {
		switch ch {
		case db.ChannelEmail, db.ChannelSMS, db.ChannelPush, db.ChannelWebhook, db.ChannelInApp:
		default:
			return nil, fmt.Errorf("unknown channel: %s", ch)
		}
	}

	notif := &db.Notification{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		Title:          req.Title,
		Message:        req.Message,
		Data:           req.Data,
	}

	tasks, err := d.store.CreateNotificationWithTasks(ctx, notif, req.Channels)
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	for _, task := range tasks {
		payload, err := json.Marshal(TaskJobPayload{
			TaskID:         task.ID,
			NotificationID: notif.ID,
			OrganizationID: notif.OrganizationID,
			Channel:        task.Channel,
		})
		if err != nil {
			d.logger.Error("failed to marshal task payload",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
			continue
		}

		job := queue.NewJob(queue.TypeSendNotification, queue.QueueNotifications, payload)
		if err := d.enqueuer.Enqueue(ctx, job); err != nil {
			// The task row stays pending; a sweep or manual requeue can
			// pick it up. Sibling channels still go out.
			d.logger.Error("failed to enqueue notification task",
				zap.String("task_id", task.ID.String()),
				zap.String("channel", task.Channel),
				zap.Error(err),
			)
		}
	}

	return notif, nil
}

// SendHandler runs send_notification jobs: load the task, pick the
// channel sender, send through the provider's circuit breaker, and
// record the outcome on the task row only.
type SendHandler struct {
	store    Store
	senders  map[string]Sender
	breakers map[string]*circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewSendHandler builds the handler from the configured channel senders.
func NewSendHandler(store Store, logger *zap.Logger, senders ...Sender) *SendHandler {
	h := &SendHandler{
		store:    store,
		senders:  make(map[string]Sender, len(senders)),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker, len(senders)),
		logger:   logger,
	}
	for _, s := range senders {
		h.senders[s.Channel()] = s
		h.breakers[s.Channel()] = circuitbreaker.New(circuitbreaker.DefaultConfig(s.Channel()), logger)
	}
	return h
}

// BreakerStats exposes breaker state for the operational API.
func (h *SendHandler) BreakerStats() []circuitbreaker.Stats {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, cb := range h.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// Handle implements queue.Handler.
func (h *SendHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload TaskJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode send_notification payload: %v", queue.ErrPermanent, err)
	}

	task, err := h.store.GetNotificationTask(ctx, payload.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status != db.TaskPending {
		// Redelivered job for a task that already reached a terminal
		// status; ack without resending.
		return nil
	}

	sender, ok := h.senders[task.Channel]
	if !ok {
		return fmt.Errorf("%w: no sender configured for channel %s", queue.ErrPermanent, task.Channel)
	}

	delivery, err := h.loadDelivery(ctx, task, payload)
	if err != nil {
		return err
	}

	breaker := h.breakers[task.Channel]
	if !breaker.Allow() {
		return fmt.Errorf("channel %s: %w", task.Channel, circuitbreaker.ErrCircuitOpen)
	}

	result := sender.Send(ctx, delivery)

	switch result.Status {
	case db.TaskSent:
		breaker.RecordSuccess()
		if err := h.store.MarkTaskSent(ctx, task.ID, result.Provider, result.ProviderMessageID); err != nil {
			return fmt.Errorf("mark task sent: %w", err)
		}
		metrics.RecordNotification(task.Channel, db.TaskSent)
		h.logger.Info("notification delivered",
			zap.String("task_id", task.ID.String()),
			zap.String("channel", task.Channel),
			zap.String("provider", result.Provider),
			zap.Int("successes", result.Successes),
			zap.Int("failures", result.Failures),
		)
		return nil

	case db.TaskSkipped:
		// Nothing to deliver to is not a provider fault.
		breaker.RecordSuccess()
		if err := h.store.MarkTaskSkipped(ctx, task.ID, result.Provider, result.Detail); err != nil {
			return fmt.Errorf("mark task skipped: %w", err)
		}
		metrics.RecordNotification(task.Channel, db.TaskSkipped)
		h.logger.Info("notification skipped",
			zap.String("task_id", task.ID.String()),
			zap.String("channel", task.Channel),
			zap.String("reason", result.Detail),
		)
		return nil

	default:
		breaker.RecordFailure()
		if result.Permanent {
			return fmt.Errorf("%w: channel %s: %v", queue.ErrPermanent, task.Channel, result.Err)
		}
		return fmt.Errorf("channel %s: %w", task.Channel, result.Err)
	}
}

func (h *SendHandler) loadDelivery(ctx context.Context, task *db.NotificationTask, payload TaskJobPayload) (*Delivery, error) {
	notif, err := h.store.GetNotification(ctx, payload.NotificationID)
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}

	org, err := h.store.GetOrganization(ctx, payload.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}

	d := &Delivery{Task: task, Notification: notif, Organization: org}

	if task.Channel == db.ChannelPush {
		tokens, err := h.store.GetDeviceTokens(ctx, org.ID)
		if err != nil {
			return nil, fmt.Errorf("load device tokens: %w", err)
		}
		d.DeviceTokens = tokens
	}

	return d, nil
}

// Failed implements queue.Handler: the terminal hook marks this
// channel's task failed so the error is inspectable later. Sibling
// channels are untouched.
func (h *SendHandler) Failed(ctx context.Context, job *queue.Job, jobErr error) {
	var payload TaskJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		h.logger.Error("cannot decode payload of dead notification job", zap.Error(err))
		return
	}

	if err := h.store.MarkTaskFailed(ctx, payload.TaskID, payload.Channel, jobErr.Error()); err != nil {
		h.logger.Error("failed to mark notification task failed",
			zap.String("task_id", payload.TaskID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordNotification(payload.Channel, db.TaskFailed)
}

var _ queue.Handler = (*SendHandler)(nil)
