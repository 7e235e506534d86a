package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/kv"
	"github.com/parcelpost/relay/internal/metrics"
)

// NewRouter assembles the HTTP surface: the management API under /v1,
// the tracking endpoints under /track, health and metrics.
func NewRouter(logger *zap.Logger, handler *Handler, limiter *kv.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		r.Post("/messages", handler.CreateMessage)
		r.Post("/messages/batch", handler.CreateBatch)
		r.Get("/messages/{id}", handler.GetMessage)
		r.Post("/messages/{id}/cancel", handler.CancelMessage)
		r.Post("/messages/{id}/retry", handler.RetryMessage)
		r.Get("/messages/{id}/engagement", handler.GetMessageEngagement)
		r.Get("/batches/{id}/stats", handler.GetBatchStats)
		r.Get("/batches/{id}/messages", handler.ListBatchMessages)
		r.Get("/queue/stats", handler.GetQueueStats)
		r.Post("/queue/pause", handler.PauseQueue)
		r.Post("/queue/resume", handler.ResumeQueue)
		r.Post("/callbacks/delivery", handler.DeliveryCallback)
	})

	// Tracking pings are unauthenticated and never rate limited; a
	// dropped ping is lost engagement data.
	r.Get("/track/open/{token}.gif", handler.TrackOpen)
	r.Get("/track/click/{token}", handler.TrackClick)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
