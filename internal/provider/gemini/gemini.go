package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"

	// systemAck is the model turn that follows the synthetic system exchange.
	systemAck = "Understood."
)

var prices = provider.PriceTable{
	"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
}

type GeminiProvider struct {
	endpoint provider.Endpoint
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var text string
	for _, part := range r.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text
}

func New(apiKey string) *GeminiProvider {
	p := &GeminiProvider{}
	p.Configure(apiKey, provider.Options{})
	return p
}

func (p *GeminiProvider) Configure(credential string, opts provider.Options) {
	p.endpoint.Set(credential, opts, defaultBaseURL, defaultModel)
}

func (p *GeminiProvider) newRequest(ctx context.Context, cfg provider.EndpointConfig, method, path string, payload any) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, method, cfg.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", cfg.APIKey)
	return httpReq, nil
}

func (p *GeminiProvider) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	path := fmt.Sprintf("/models/%s:generateContent", model)
	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, path, p.mapRequest(req))
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

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return provider.Failure(p.Name(), model, provider.ErrorUnknown, "decode gemini response: %v", err), nil
	}
	if len(geminiResp.Candidates) == 0 {
		return provider.Failure(p.Name(), model, provider.ErrorUnknown, "gemini api returned no candidates"), nil
	}

	out := &provider.Response{
		ID:        geminiResp.ResponseID,
		Provider:  p.Name(),
		Model:     model,
		Content:   geminiResp.text(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if geminiResp.UsageMetadata != nil {
		out.Usage.InputTokens = geminiResp.UsageMetadata.PromptTokenCount
		out.Usage.OutputTokens = geminiResp.UsageMetadata.CandidatesTokenCount
	}
	return provider.Finish(out, req, p), nil
}

// mapRequest has no system field to fill, so system text becomes a leading
// user turn acknowledged by the model. Page context goes right before the
// latest user message.
func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var contents []geminiContent
	if system := req.SystemText(); system != "" {
		contents = append(contents,
			geminiContent{Role: "user", Parts: []geminiPart{{Text: system}}},
			geminiContent{Role: "model", Parts: []geminiPart{{Text: systemAck}}},
		)
	}

	var turns []geminiContent
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		turns = append(turns, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if req.Context != nil {
		turns = provider.InsertBeforeLatestUser(turns,
			geminiContent{Role: "user", Parts: []geminiPart{{Text: provider.ContextMessage(req.Context)}}},
			func(c geminiContent) bool { return c.Role == "user" })
	}

	return geminiRequest{
		Contents: append(contents, turns...),
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		},
	}
}

func (p *GeminiProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	cfg := p.endpoint.Snapshot()
	model := cfg.ModelFor(req)

	path := fmt.Sprintf("/models/%s:streamGenerateContent?alt=sse", model)
	httpReq, err := p.newRequest(ctx, cfg, http.MethodPost, path, p.mapRequest(req))
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

		// Gemini has no terminal event; the stream ends at EOF.
		content, err := provider.StreamBody(ctx, ch, resp.Body, false, func(line string) (string, bool, error) {
			data, ok := provider.SSEData(line)
			if !ok {
				return "", false, nil
			}
			var event geminiResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return "", false, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
			}
			if event.ResponseID != "" {
				out.ID = event.ResponseID
			}
			if event.UsageMetadata != nil {
				out.Usage.InputTokens = event.UsageMetadata.PromptTokenCount
				out.Usage.OutputTokens = event.UsageMetadata.CandidatesTokenCount
			}
			return event.text(), false, nil
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

func (p *GeminiProvider) ValidateCredentials(ctx context.Context) bool {
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

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) EstimateTokens(text string) int {
	return provider.EstimateTokens(text)
}

func (p *GeminiProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return prices.Cost(model, defaultModel, inputTokens, outputTokens)
}

func (p *GeminiProvider) Models() []string {
	return []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro"}
}
