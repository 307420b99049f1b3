package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

var prices = provider.PriceTable{
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
}

type OpenAIProvider struct {
	endpoint provider.Endpoint
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{}
	p.Configure(apiKey, provider.Options{})
	return p
}

func (p *OpenAIProvider) Configure(credential string, opts provider.Options) {
	p.endpoint.Set(credential, opts, defaultBaseURL, defaultModel)
}

func (p *OpenAIProvider) newRequest(ctx context.Context, cfg provider.EndpointConfig, method, path string, payload any) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, method, cfg.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))
	return httpReq, nil
}

func (p *OpenAIProvider) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, "/chat/completions", p.mapRequest(req, model))
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

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return provider.Failure(p.Name(), model, provider.ErrorUnknown, "decode openai response: %v", err), nil
	}
	if len(openAIResp.Choices) == 0 {
		return provider.Failure(p.Name(), model, provider.ErrorUnknown, "openai api returned no choices"), nil
	}

	out := &provider.Response{
		ID:        openAIResp.ID,
		Provider:  p.Name(),
		Model:     model,
		Content:   openAIResp.Choices[0].Message.Content,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if openAIResp.Model != "" {
		out.Model = openAIResp.Model
	}
	if openAIResp.Usage != nil {
		out.Usage.InputTokens = openAIResp.Usage.PromptTokens
		out.Usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	return provider.Finish(out, req, p), nil
}

// mapRequest puts the system prompt first, then the page context as a second
// system message, then the conversation.
func (p *OpenAIProvider) mapRequest(req *provider.Request, model string) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
	}
	if req.Context != nil {
		messages = append(messages, openAIMessage{Role: provider.RoleSystem, Content: provider.ContextMessage(req.Context)})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	return openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	openAIReq := p.mapRequest(req, model)
	openAIReq.Stream = true
	openAIReq.StreamOptions = &streamOptions{IncludeUsage: true}
	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, "/chat/completions", openAIReq)
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
		content, err := provider.StreamBody(ctx, ch, resp.Body, true, func(line string) (string, bool, error) {
			data, ok := provider.SSEData(line)
			if !ok {
				return "", false, nil
			}
			if data == "[DONE]" {
				return "", true, nil
			}

			var event openAIResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return "", false, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
			}
			if event.ID != "" {
				out.ID = event.ID
			}
			if event.Usage != nil {
				out.Usage.InputTokens = event.Usage.PromptTokens
				out.Usage.OutputTokens = event.Usage.CompletionTokens
			}
			if len(event.Choices) > 0 {
				return event.Choices[0].Delta.Content, false, nil
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

		out.Content = content
		out.LatencyMs = time.Since(start).Milliseconds()
		provider.Emit(ctx, ch, provider.Final(provider.Finish(out, req, p)))
	}()

	return ch, nil
}

func (p *OpenAIProvider) ValidateCredentials(ctx context.Context) bool {
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

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) EstimateTokens(text string) int {
	return provider.EstimateTokens(text)
}

func (p *OpenAIProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return prices.Cost(model, defaultModel, inputTokens, outputTokens)
}

func (p *OpenAIProvider) Models() []string {
	return []string{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo", "gpt-3.5-turbo"}
}
