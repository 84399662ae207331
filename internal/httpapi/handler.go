// Package httpapi exposes the webhook ingress and the operational API.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/billing"
	"github.com/relaydesk/relaydesk/internal/circuitbreaker"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/signing"
)

// maxWebhookBody caps webhook request bodies.
const maxWebhookBody = 1 << 20 // 1 MiB

// Ingester accepts raw webhook bodies for asynchronous processing.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (*ingest.Result, error)
}

// QueueInspector reads operational queue state.
type QueueInspector interface {
	GetStats(ctx context.Context, queueName string) (*queue.Stats, error)
}

// BreakerReporter exposes circuit breaker state per channel.
type BreakerReporter interface {
	BreakerStats() []circuitbreaker.Stats
}

// GatewaySecrets resolves the webhook signing secret for a payment
// gateway; "" means the gateway is not configured.
type GatewaySecrets interface {
	GatewaySecret(gateway string) string
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	ingester    Ingester
	inspector   QueueInspector
	breakers    BreakerReporter
	secrets     GatewaySecrets
	enqueuer    queue.Enqueuer
	verifyToken string
}

// NewHandler creates the API handler.
func NewHandler(logger *zap.Logger, ingester Ingester, inspector QueueInspector, breakers BreakerReporter, secrets GatewaySecrets, enqueuer queue.Enqueuer, verifyToken string) *Handler {
	return &Handler{
		logger:      logger,
		ingester:    ingester,
		inspector:   inspector,
		breakers:    breakers,
		secrets:     secrets,
		enqueuer:    enqueuer,
		verifyToken: verifyToken,
	}
}

// VerifyWhatsApp handles GET /webhooks/whatsapp, the provider's
// subscription handshake.
func (h *Handler) VerifyWhatsApp(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || token != h.verifyToken || h.verifyToken == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// ReceiveWhatsApp handles POST /webhooks/whatsapp. It always answers
// 200: the provider disables endpoints that reject deliveries, so a
// malformed body is logged and dropped rather than bounced.
func (h *Handler) ReceiveWhatsApp(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read whatsapp webhook body", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.ingester.Ingest(r.Context(), body)
	if err != nil {
		h.logger.Warn("dropped unprocessable whatsapp webhook",
			zap.Int("body_bytes", len(body)),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted":   result.Accepted,
		"duplicates": result.Duplicates,
	})
}

// ReceivePayment handles POST /webhooks/payments/{gateway}. The body
// must carry a valid HMAC signature under the gateway's configured
// secret; verified events are queued, never processed inline.
func (h *Handler) ReceivePayment(w http.ResponseWriter, r *http.Request) {
	gateway := chi.URLParam(r, "gateway")

	secret := h.secrets.GatewaySecret(gateway)
	if secret == "" {
		h.logger.Error("payment webhook for unconfigured gateway",
			zap.String("gateway", gateway),
		)
		h.writeError(w, http.StatusInternalServerError, "gateway_not_configured", "Gateway Not Configured", "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable Body", "")
		return
	}

	sig := r.Header.Get(signing.HeaderName)
	if !signing.Verify(secret, body, sig) {
		metrics.RecordWebhookReceived(gateway, "bad_signature")
		h.logger.Warn("payment webhook signature rejected",
			zap.String("event", "security.billing.bad_signature"),
			zap.String("gateway", gateway),
		)
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid Signature", "")
		return
	}

	event, err := billing.ParseWebhook(gateway, body)
	if err != nil {
		metrics.RecordWebhookReceived(gateway, "unrecognized")
		h.logger.Warn("payment webhook unrecognized",
			zap.String("gateway", gateway),
			zap.Error(err),
		)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unrecognized Event", err.Error())
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Error", "")
		return
	}

	job := queue.NewJob(queue.TypePaymentWebhook, queue.QueuePayment, payload)
	if err := h.enqueuer.Enqueue(r.Context(), job); err != nil {
		h.logger.Error("failed to enqueue payment webhook",
			zap.String("gateway", gateway),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Error", "")
		return
	}

	metrics.RecordWebhookReceived(gateway, "accepted")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID})
}

// ListQueues handles GET /v1/queues.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	names := []string{
		queue.QueueWhatsApp,
		queue.QueueNotifications,
		queue.QueuePayment,
		queue.QueueBilling,
		queue.QueueWebhooks,
		queue.QueueHighPriority,
		queue.QueueDefault,
	}

	stats := make([]*queue.Stats, 0, len(names))
	for _, name := range names {
		s, err := h.inspector.GetStats(r.Context(), name)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Error", "")
			return
		}
		stats = append(stats, s)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"queues": stats})
}

// GetQueue handles GET /v1/queues/{name}.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	stats, err := h.inspector.GetStats(r.Context(), name)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Error", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// GetBreakers handles GET /v1/breakers.
func (h *Handler) GetBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"breakers": h.breakers.BreakerStats()})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
