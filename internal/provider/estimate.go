package provider

import "unicode/utf8"

const charsPerToken = 4

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// Price is USD per 1,000 tokens.
type Price struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

func (p Price) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// PriceTable maps model ids to prices.
type PriceTable map[string]Price

// Cost prices model, falling back to fallbackModel for unknown models.
func (t PriceTable) Cost(model, fallbackModel string, inputTokens, outputTokens int) float64 {
	p, ok := t[model]
	if !ok {
		p = t[fallbackModel]
	}
	return p.Cost(inputTokens, outputTokens)
}

type estimator interface {
	EstimateTokens(text string) int
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Finish completes a successful response: missing usage is estimated, the
// total and cost are derived and the status is set. An empty completion is
// turned into a failure.
func Finish(resp *Response, req *Request, est estimator) *Response {
	if resp.Content == "" {
		failed := Failure(resp.Provider, resp.Model, ErrorUnknown, "%s returned no content", resp.Provider)
		failed.ID, failed.Stream, failed.LatencyMs = resp.ID, resp.Stream, resp.LatencyMs
		return failed
	}
	if resp.Usage.InputTokens == 0 {
		resp.Usage.InputTokens = est.EstimateTokens(req.PromptText())
	}
	if resp.Usage.OutputTokens == 0 {
		resp.Usage.OutputTokens = est.EstimateTokens(resp.Content)
	}
	resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	resp.CostUSD = est.EstimateCost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	resp.Status = StatusCompleted
	return resp
}
