package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Flight describes a registered request.
type Flight struct {
	RequestID string    `json:"request_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Stream    bool      `json:"stream"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Delivered int       `json:"delivered"`
}

// flight is the mutable state of one request. mu orders delta delivery
// against cancellation.
type flight struct {
	mu        sync.Mutex
	id        string
	provider  string
	model     string
	stream    bool
	state     State
	startedAt time.Time
	cancel    context.CancelFunc
	cancelled bool
	content   strings.Builder
	delivered int
}

func (f *flight) start() {
	f.mu.Lock()
	if f.state == StatePending {
		f.state = StateInFlight
	}
	f.mu.Unlock()
}

// deliver appends delta and publishes it unless the flight was cancelled.
func (f *flight) deliver(delta string, publish func(Notification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled || f.state.terminal() {
		return
	}
	f.content.WriteString(delta)
	f.delivered++
	publish(Notification{Type: EventStreamChunk, RequestID: f.id, Chunk: &StreamChunk{
		Delta: delta, Provider: f.provider, Model: f.model,
	}})
}

// abort marks the flight cancelled and aborts its transport. It reports
// false when the flight had already finished or was cancelled before.
func (f *flight) abort() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled || f.state.terminal() {
		return false
	}
	f.cancelled = true
	f.cancel()
	return true
}

func (f *flight) snapshot() Flight {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.state
	if f.cancelled && !state.terminal() {
		state = StateCancelled
	}
	return Flight{
		RequestID: f.id,
		Provider:  f.provider,
		Model:     f.model,
		Stream:    f.stream,
		State:     state,
		StartedAt: f.startedAt,
		Delivered: f.delivered,
	}
}
