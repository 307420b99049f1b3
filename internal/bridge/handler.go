package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-relay/internal/auth"
	"github.com/vnmchuo/llm-relay/internal/cache"
	"github.com/vnmchuo/llm-relay/internal/dispatch"
	"github.com/vnmchuo/llm-relay/internal/provider"
	"github.com/vnmchuo/llm-relay/internal/router"
	"github.com/vnmchuo/llm-relay/internal/usage"
)

const maxBodyBytes = 4 << 20

type Handler struct {
	manager *dispatch.Manager
	router  *router.Router
	ledger  *usage.Ledger
	cache   cache.Store
}

// NewHandler serves the bridge API. The cache may be nil when caching is
// disabled.
func NewHandler(manager *dispatch.Manager, rt *router.Router, ledger *usage.Ledger, store cache.Store) *Handler {
	return &Handler{
		manager: manager,
		router:  rt,
		ledger:  ledger,
		cache:   store,
	}
}

type sendRequest struct {
	Request   *provider.Request `json:"request"`
	RequestID string            `json:"requestId,omitempty"`
}

// HandleSend dispatches one request and answers with its terminal response.
// Provider failures and cancellations are reported in the response body.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if !decode(w, r, &body) {
		return
	}
	if body.Request == nil {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	resp, err := h.manager.Send(r.Context(), body.Request, body.RequestID)
	if err != nil {
		log.Warn().Err(err).Str("request_id", auth.GetRequestID(r.Context())).Msg("bridge: send refused")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.manager.Cancel(id) {
		writeError(w, http.StatusNotFound, "no request in flight with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "cancelled": true})
}

func (h *Handler) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": h.manager.CancelAll()})
}

func (h *Handler) HandleInFlight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": h.manager.InFlight()})
}

func (h *Handler) HandleExplain(w http.ResponseWriter, r *http.Request) {
	var req provider.Request
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	explanation, err := h.router.Explain(&req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, explanation)
}

type preferenceRequest struct {
	TaskType router.TaskType `json:"task_type"`
	Provider string          `json:"provider"`
}

func (h *Handler) HandleSetPreference(w http.ResponseWriter, r *http.Request) {
	var body preferenceRequest
	if !decode(w, r, &body) {
		return
	}
	if err := h.router.UpdatePreference(body.TaskType, body.Provider); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Info().Str("task_type", string(body.TaskType)).Str("provider", body.Provider).Msg("bridge: preference updated")
	writeJSON(w, http.StatusOK, map[string]any{"preferences": h.router.Preferences()})
}

func (h *Handler) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"preferences": h.router.Preferences()})
}

// HandleUsage reports usage between the from and to days (YYYY-MM-DD, local
// time). Without parameters it covers the retained window ending today.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	to := now
	from := now.AddDate(0, 0, -(usage.RetentionDays - 1))

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.ParseInLocation(usage.DayLayout, s, time.Local); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use YYYY-MM-DD)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.ParseInLocation(usage.DayLayout, s, time.Local); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use YYYY-MM-DD)")
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'to' must not be before 'from'")
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Report(from, to))
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.manager.Providers(r.Context())
	type entry struct {
		dispatch.ProviderInfo
		Performance router.Performance `json:"performance"`
	}
	out := make([]entry, 0, len(providers))
	for _, p := range providers {
		out = append(out, entry{ProviderInfo: p, Performance: h.router.Performance(p.Name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "id")
	valid, err := h.manager.ValidateCredentials(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "valid": valid})
}

func (h *Handler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	size, err := h.cache.Len(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"size":    size,
		"stats":   h.cache.Stats(),
	})
}

func (h *Handler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.cache.Clear(r.Context()); err != nil {
		log.Error().Err(err).Msg("bridge: clear cache")
		writeError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps errors refused before dispatch to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrInvalidRequest):
		return http.StatusBadRequest
	case provider.IsConfigError(err):
		return http.StatusPreconditionFailed
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrDuplicateRequest):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
