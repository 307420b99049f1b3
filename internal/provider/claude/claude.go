package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-haiku-20241022"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

var prices = provider.PriceTable{
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
}

type ClaudeProvider struct {
	endpoint provider.Endpoint
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string          `json:"type"`
	Message *claudeResponse `json:"message,omitempty"`
	Delta   claudeDelta     `json:"delta,omitempty"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
	Error   *claudeError    `json:"error,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// kind maps Anthropic error types onto the shared taxonomy.
func (e *claudeError) kind() provider.ErrorKind {
	switch e.Type {
	case "authentication_error", "permission_error":
		return provider.ErrorUnauthorized
	case "rate_limit_error":
		return provider.ErrorRateLimited
	case "overloaded_error", "api_error":
		return provider.ErrorTransient
	case "invalid_request_error", "not_found_error", "request_too_large":
		return provider.ErrorBadRequest
	default:
		return provider.ErrorUnknown
	}
}

func New(apiKey string) *ClaudeProvider {
	p := &ClaudeProvider{}
	p.Configure(apiKey, provider.Options{})
	return p
}

func (p *ClaudeProvider) Configure(credential string, opts provider.Options) {
	p.endpoint.Set(credential, opts, defaultBaseURL, defaultModel)
}

func (p *ClaudeProvider) newRequest(ctx context.Context, cfg provider.EndpointConfig, method, path string, payload any) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, method, cfg.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

func (p *ClaudeProvider) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, "/messages", p.mapRequest(req, model))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, failure := provider.Call(ctx, cfg.Client, httpReq, p.Name(), model)
	if resp == nil {
		if failure == nil {
			return nil, ctx.Err()
		}
		return failure, nil
	}
	defer resp.Body.Close()

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return provider.Failure(p.Name(), model, provider.ErrorUnknown, "decode claude response: %v", err), nil
	}

	var text string
	for _, block := range claudeResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	out := &provider.Response{
		ID:        claudeResp.ID,
		Provider:  p.Name(),
		Model:     model,
		Content:   text,
		LatencyMs: time.Since(start).Milliseconds(),
		Usage: provider.Usage{
			InputTokens:  claudeResp.Usage.InputTokens,
			OutputTokens: claudeResp.Usage.OutputTokens,
		},
	}
	if claudeResp.Model != "" {
		out.Model = claudeResp.Model
	}
	return provider.Finish(out, req, p), nil
}

// mapRequest moves every system instruction into the top-level system field
// and inserts the page context as a user turn right before the latest user
// message.
func (p *ClaudeProvider) mapRequest(req *provider.Request, model string) claudeRequest {
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	if req.Context != nil {
		messages = provider.InsertBeforeLatestUser(messages,
			claudeMessage{Role: "user", Content: provider.ContextMessage(req.Context)},
			func(m claudeMessage) bool { return m.Role == "user" })
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.SystemText(),
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

func (p *ClaudeProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	claudeReq := p.mapRequest(req, model)
	claudeReq.Stream = true
	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, "/messages", claudeReq)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		start := time.Now()
		resp, failure := provider.Call(ctx, cfg.Client, httpReq, p.Name(), model)
		if resp == nil {
			if failure != nil {
				failure.Stream = true
				provider.Emit(ctx, ch, provider.Final(failure))
			}
			return
		}
		defer resp.Body.Close()

		out := &provider.Response{Provider: p.Name(), Model: model, Stream: true}
		var streamErr *claudeError
		var currentEvent string

		content, err := provider.StreamBody(ctx, ch, resp.Body, true, func(line string) (string, bool, error) {
			if event, ok := strings.CutPrefix(line, "event:"); ok {
				currentEvent = strings.TrimSpace(event)
				return "", false, nil
			}
			data, ok := provider.SSEData(line)
			if !ok {
				return "", false, nil
			}

			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return "", false, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
			}
			if event.Type == "" {
				event.Type = currentEvent
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					out.ID = event.Message.ID
					out.Usage.InputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta.Type == "text_delta" {
					return event.Delta.Text, false, nil
				}
			case "message_delta":
				if event.Usage != nil {
					out.Usage.OutputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				return "", true, nil
			case "error":
				streamErr = event.Error
				if streamErr == nil {
					streamErr = &claudeError{Type: "api_error", Message: "unknown stream error"}
				}
				return "", true, nil
			}
			return "", false, nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failure := provider.StreamFailure(p.Name(), model, err)
			failure.Stream = true
			provider.Emit(ctx, ch, provider.Final(failure))
			return
		}
		if streamErr != nil {
			failure := provider.Failure(p.Name(), model, streamErr.kind(), "claude stream error: %s", streamErr.Message)
			failure.Stream = true
			provider.Emit(ctx, ch, provider.Final(failure))
			return
		}

		out.Content = content
		out.LatencyMs = time.Since(start).Milliseconds()
		provider.Emit(ctx, ch, provider.Final(provider.Finish(out, req, p)))
	}()

	return ch, nil
}

func (p *ClaudeProvider) ValidateCredentials(ctx context.Context) bool {
	cfg := p.endpoint.Snapshot()
	if cfg.APIKey == "" {
		return false
	}
	httpReq, err := p.newRequest(ctx, cfg, http.MethodGet, "/models", nil)
	if err != nil {
		return false
	}
	resp, err := cfg.Client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) EstimateTokens(text string) int {
	return provider.EstimateTokens(text)
}

func (p *ClaudeProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return prices.Cost(model, defaultModel, inputTokens, outputTokens)
}

func (p *ClaudeProvider) Models() []string {
	return []string{
		"claude-3-5-haiku-20241022",
		"claude-3-5-sonnet-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}
}
