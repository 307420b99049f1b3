package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

type ErrorKind string

const (
	ErrorUnauthorized ErrorKind = "unauthorized"
	ErrorRateLimited  ErrorKind = "rate_limited"
	ErrorTransient    ErrorKind = "transient_unavailable"
	ErrorBadRequest   ErrorKind = "bad_request"
	ErrorUnknown      ErrorKind = "unknown"
)

// Retryable reports whether a caller may retry the request with backoff.
// The core itself never retries.
func (k ErrorKind) Retryable() bool {
	return k == ErrorTransient || k == ErrorRateLimited
}

func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrorRateLimited
	case code == http.StatusRequestTimeout || code >= 500:
		return ErrorTransient
	case code == http.StatusBadRequest || code == http.StatusNotFound ||
		code == http.StatusRequestEntityTooLarge || code == http.StatusUnprocessableEntity:
		return ErrorBadRequest
	default:
		return ErrorUnknown
	}
}

// ConfigError means a dispatch was refused before any provider was called.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Provider == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Provider, e.Reason)
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Failure builds a failed Response of the given kind.
func Failure(name, model string, kind ErrorKind, format string, args ...any) *Response {
	return &Response{
		Provider:  name,
		Model:     model,
		Status:    StatusFailed,
		ErrorKind: kind,
		Error:     fmt.Sprintf("%s: %s", kind, fmt.Sprintf(format, args...)),
	}
}

// HTTPFailure classifies a non-200 upstream reply.
func HTTPFailure(name, model string, status int, body []byte) *Response {
	kind := ClassifyStatus(status)
	if msg := upstreamMessage(body); msg != "" {
		return Failure(name, model, kind, "%s returned HTTP %d: %s", name, status, msg)
	}
	return Failure(name, model, kind, "%s returned HTTP %d", name, status)
}

func TransportFailure(name, model string, err error) *Response {
	return Failure(name, model, ErrorTransient, "%s request failed: %v", name, err)
}

const maxUpstreamMessage = 280

func upstreamMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Error) > 0 {
			var detail struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(payload.Error, &detail) == nil && detail.Message != "" {
				return detail.Message
			}
			var s string
			if json.Unmarshal(payload.Error, &s) == nil && s != "" {
				return s
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if utf8.RuneCountInString(text) > maxUpstreamMessage {
		text = string([]rune(text)[:maxUpstreamMessage]) + "..."
	}
	return text
}

// ErrMalformedEvent marks a stream event that could not be decoded.
var ErrMalformedEvent = errors.New("malformed stream event")

// ErrStreamTruncated marks a stream that closed before its terminal event.
var ErrStreamTruncated = errors.New("stream closed before its terminal event")

// StreamFailure classifies an error that interrupted a stream: undecodable
// events are unknown failures, read errors are transient.
func StreamFailure(name, model string, err error) *Response {
	if errors.Is(err, ErrMalformedEvent) {
		return Failure(name, model, ErrorUnknown, "%s stream: %v", name, err)
	}
	return Failure(name, model, ErrorTransient, "%s stream interrupted: %v", name, err)
}
