package cohere

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

const (
	defaultBaseURL = "https://api.cohere.com/v1"
	defaultModel   = "command-r"
)

var prices = provider.PriceTable{
	"command-r":      {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"command-r-plus": {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"command-light":  {InputPer1K: 0.0003, OutputPer1K: 0.0006},
}

type CohereProvider struct {
	endpoint provider.Endpoint
}

type cohereRequest struct {
	Model       string          `json:"model"`
	Message     string          `json:"message"`
	Preamble    string          `json:"preamble,omitempty"`
	ChatHistory []cohereMessage `json:"chat_history,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	P           float64         `json:"p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type cohereMessage struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereResponse struct {
	ResponseID   string      `json:"response_id"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Meta         *cohereMeta `json:"meta,omitempty"`
}

type cohereMeta struct {
	BilledUnits *cohereUnits `json:"billed_units,omitempty"`
}

type cohereUnits struct {
	InputTokens  float64 `json:"input_tokens"`
	OutputTokens float64 `json:"output_tokens"`
}

type cohereStreamEvent struct {
	EventType    string          `json:"event_type"`
	Text         string          `json:"text,omitempty"`
	GenerationID string          `json:"generation_id,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Response     *cohereResponse `json:"response,omitempty"`
}

func (r *cohereResponse) usage() provider.Usage {
	if r == nil || r.Meta == nil || r.Meta.BilledUnits == nil {
		return provider.Usage{}
	}
	return provider.Usage{
		InputTokens:  int(r.Meta.BilledUnits.InputTokens),
		OutputTokens: int(r.Meta.BilledUnits.OutputTokens),
	}
}

func New(apiKey string) *CohereProvider {
	p := &CohereProvider{}
	p.Configure(apiKey, provider.Options{})
	return p
}

func (p *CohereProvider) Configure(credential string, opts provider.Options) {
	p.endpoint.Set(credential, opts, defaultBaseURL, defaultModel)
}

func (p *CohereProvider) newRequest(ctx context.Context, cfg provider.EndpointConfig, method, path string, payload any) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, method, cfg.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

func (p *CohereProvider) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, "/chat", p.mapRequest(req, model))
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

	var cohereResp cohereResponse
	if err := json.NewDecoder(resp.Body).Decode(&cohereResp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return provider.Failure(p.Name(), model, provider.ErrorUnknown, "decode cohere response: %v", err), nil
	}

	out := &provider.Response{
		ID:        cohereResp.ResponseID,
		Provider:  p.Name(),
		Model:     model,
		Content:   cohereResp.Text,
		Usage:     cohereResp.usage(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	return provider.Finish(out, req, p), nil
}

// mapRequest splits the conversation the way the chat endpoint wants it: the
// latest user message alone in message, everything before it in chat_history,
// and page context as a SYSTEM entry at the head of the history.
func (p *CohereProvider) mapRequest(req *provider.Request, model string) cohereRequest {
	latest := req.LatestUserIndex()

	var history []cohereMessage
	if req.Context != nil {
		history = append(history, cohereMessage{Role: "SYSTEM", Message: provider.ContextMessage(req.Context)})
	}
	for i, m := range req.Messages {
		if i == latest || m.Role == provider.RoleSystem {
			continue
		}
		role := "USER"
		if m.Role == provider.RoleAssistant {
			role = "CHATBOT"
		}
		history = append(history, cohereMessage{Role: role, Message: m.Content})
	}

	var message string
	if latest >= 0 {
		message = req.Messages[latest].Content
	}

	return cohereRequest{
		Model:       model,
		Message:     message,
		Preamble:    req.SystemText(),
		ChatHistory: history,
		Temperature: req.Temperature,
		P:           req.TopP,
		MaxTokens:   req.MaxTokens,
	}
}

func (p *CohereProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	cohereReq := p.mapRequest(req, model)
	cohereReq.Stream = true
	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, "/chat", cohereReq)
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
		var finishReason string

		// One JSON object per line.
		content, err := provider.StreamBody(ctx, ch, resp.Body, true, func(line string) (string, bool, error) {
			var event cohereStreamEvent
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				return "", false, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
			}
			switch event.EventType {
			case "stream-start":
				out.ID = event.GenerationID
			case "text-generation":
				return event.Text, false, nil
			case "stream-end":
				finishReason = event.FinishReason
				if event.Response != nil {
					if event.Response.ResponseID != "" {
						out.ID = event.Response.ResponseID
					}
					out.Usage = event.Response.usage()
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
		if finishReason == "ERROR" || finishReason == "ERROR_TOXIC" {
			failure := provider.Failure(p.Name(), model, provider.ErrorUnknown, "cohere stream finished with %s", finishReason)
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

func (p *CohereProvider) ValidateCredentials(ctx context.Context) bool {
	cfg := p.endpoint.Snapshot()
	if cfg.APIKey == "" {
		return false
	}
	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, "/check-api-key", nil)
	if err != nil {
		return false
	}
	resp, err := cfg.Client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var check struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return false
	}
	return check.Valid
}

func (p *CohereProvider) Name() string {
	return "cohere"
}

func (p *CohereProvider) EstimateTokens(text string) int {
	return provider.EstimateTokens(text)
}

func (p *CohereProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return prices.Cost(model, defaultModel, inputTokens, outputTokens)
}

func (p *CohereProvider) Models() []string {
	return []string{"command-r", "command-r-plus", "command-light"}
}
