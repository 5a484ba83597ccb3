package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"diagramcollab/internal/api"
	"diagramcollab/internal/auth"
	"diagramcollab/internal/metrics"
)

func New(log *zap.Logger, h *api.Handlers, verifier *auth.Verifier, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(log.Named("http")),
		metrics.Middleware,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		auth.Identify(verifier, log),
	)

	r.Get("/healthz", h.Health)
	r.Get("/api/v1/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// Long-lived: no request timeout. Rejection happens after the upgrade.
	r.Get("/ws/connect", h.CollabWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60*time.Second), auth.Require)

		r.Get("/api/v1/rooms", h.ListRooms)

		r.Post("/api/v1/uploads", h.CreateAsset)
		r.Put("/api/v1/uploads/{id}", h.PutAsset)
		r.Get("/api/v1/uploads/{id}", h.GetAsset)
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
