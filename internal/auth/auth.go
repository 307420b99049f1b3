package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID tags every request with an id, taken from X-Request-ID when the
// client sent one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// NewMiddleware requires "Authorization: Bearer <token>". Websocket clients
// cannot set headers and may pass the token as the access_token query
// parameter instead. An empty token disables the check.
func NewMiddleware(token string) Middleware {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.URL.Query().Get("access_token")
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				if !strings.HasPrefix(authHeader, "Bearer ") {
					unauthorized(w, "missing or invalid Authorization header")
					return
				}
				presented = strings.TrimPrefix(authHeader, "Bearer ")
			}
			if presented == "" {
				unauthorized(w, "missing or invalid Authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				log.Warn().Str("request_id", GetRequestID(r.Context())).Str("path", r.URL.Path).Msg("auth: rejected bridge token")
				unauthorized(w, "invalid bridge token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized: " + msg})
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
