package bridge

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-relay/internal/auth"
)

type Options struct {
	AllowedOrigins []string
	// BridgeToken protects the /v1 routes when set.
	BridgeToken string
}

// NewRouter mounts the bridge API, the event stream and the operational
// endpoints.
func NewRouter(h *Handler, hub *Hub, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestID)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"service":     "llm-relay",
			"in_flight":   len(h.manager.InFlight()),
			"subscribers": hub.Len(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(opts.BridgeToken))

		r.Post("/v1/send", h.HandleSend)
		r.Get("/v1/events", hub.ServeHTTP)

		r.Get("/v1/requests", h.HandleInFlight)
		r.Post("/v1/requests/cancel", h.HandleCancelAll)
		r.Post("/v1/requests/{id}/cancel", h.HandleCancel)

		r.Post("/v1/route/explain", h.HandleExplain)
		r.Get("/v1/preferences", h.HandlePreferences)
		r.Post("/v1/preferences", h.HandleSetPreference)

		r.Get("/v1/usage", h.HandleUsage)

		r.Get("/v1/providers", h.HandleProviders)
		r.Post("/v1/providers/{id}/validate", h.HandleValidate)

		r.Get("/v1/cache/stats", h.HandleCacheStats)
		r.Delete("/v1/cache", h.HandleCacheClear)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := log.Info()
		if status >= 400 {
			event = log.Warn()
		}
		if status >= 500 {
			event = log.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", auth.GetRequestID(r.Context())).
			Msg("request")
	})
}
