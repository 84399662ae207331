package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/redis"
)

// NewRouter assembles the HTTP routes. Webhook ingress is never rate
// limited (providers disable endpoints that reject); the operational
// API under /v1 is.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// Webhook ingress
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/whatsapp", h.VerifyWhatsApp)
		r.Post("/whatsapp", h.ReceiveWhatsApp)
		r.Post("/payments/{gateway}", h.ReceivePayment)
	})

	// Operational API
	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, FallbackKeyFunc))

		r.Get("/queues", h.ListQueues)
		r.Get("/queues/{name}", h.GetQueue)
		r.Get("/breakers", h.GetBreakers)
	})

	// Health check
	r.Get("/health", h.Health)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	return r
}
