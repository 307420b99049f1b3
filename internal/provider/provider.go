package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrInvalidRequest = errors.New("invalid request")

type Request struct {
	// Provider is empty when the router should pick one.
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Messages     []Message `json:"messages"`
	Temperature  float64   `json:"temperature,omitempty"`
	TopP         float64   `json:"top_p,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Context      *Context  `json:"context,omitempty"`
}

// Validate checks the invariants every dispatched request must hold.
func (r *Request) Validate() error {
	if r == nil || len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("%w: message %d has unsupported role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// Clone returns a copy whose messages and context can be changed without
// touching the caller's request.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	if r.Context != nil {
		pc := *r.Context
		c.Context = &pc
	}
	return &c
}

// LatestUserIndex returns the index of the last user message, or -1.
func (r *Request) LatestUserIndex() int {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

func (r *Request) LatestUserMessage() string {
	if i := r.LatestUserIndex(); i >= 0 {
		return r.Messages[i].Content
	}
	return ""
}

// SystemText joins the system prompt and every system-role message.
func (r *Request) SystemText() string {
	var parts []string
	if s := strings.TrimSpace(r.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	for _, m := range r.Messages {
		if m.Role == RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// PromptText is the full text sent to a provider, used for token estimates.
func (r *Request) PromptText() string {
	var b strings.Builder
	b.WriteString(r.SystemPrompt)
	for _, m := range r.Messages {
		b.WriteString(m.Content)
	}
	if r.Context != nil {
		b.WriteString(ContextMessage(r.Context))
	}
	return b.String()
}

type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
	Attribution *Attribution `json:"attribution,omitempty"`
}

// Attribution records which provider produced a message and what it cost.
type Attribution struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Response struct {
	ID        string    `json:"id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Usage     Usage     `json:"usage"`
	CostUSD   float64   `json:"cost_usd"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Status    Status    `json:"status"`
	Stream    bool      `json:"stream,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	CacheHits int       `json:"cache_hits,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
}

// Attribution summarizes the response for the message it becomes.
func (r *Response) Attribution() *Attribution {
	return &Attribution{
		Provider:     r.Provider,
		Model:        r.Model,
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
		CostUSD:      r.CostUSD,
	}
}

// Chunk is one element of an adapter stream. The last chunk has Done set and
// carries the finalized Response.
type Chunk struct {
	Delta    string
	Done     bool
	Response *Response
}

type Options struct {
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Adapter is implemented once per backend service.
//
// Send and Stream report API failures inside the returned Response. The error
// return is reserved for cancellation and for requests that could not be built.
// A cancelled stream closes its channel without a Done chunk.
type Adapter interface {
	Name() string
	Configure(credential string, opts Options)
	Send(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	ValidateCredentials(ctx context.Context) bool
	Models() []string
	EstimateTokens(text string) int
	EstimateCost(model string, inputTokens, outputTokens int) float64
}
