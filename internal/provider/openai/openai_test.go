package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

func newTestProvider(url string) *OpenAIProvider {
	p := New("test-key")
	p.Configure("test-key", provider.Options{BaseURL: url})
	return p
}

func TestSend_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		resp := openAIResponse{
			ID: "test-id",
			Choices: []openAIChoice{
				{
					Message: openAIMessage{Role: "assistant", Content: "Hello from OpenAI mock!"},
				},
			},
			Usage: &openAIUsage{
				PromptTokens:     15,
				CompletionTokens: 25,
			},
			Model: "gpt-4o-mini",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model: "gpt-4o-mini",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if resp.Status != provider.StatusCompleted {
		t.Fatalf("Expected completed status, got %s (%s)", resp.Status, resp.Error)
	}
	if resp.Content != "Hello from OpenAI mock!" {
		t.Errorf("Expected 'Hello from OpenAI mock!', got %s", resp.Content)
	}
	if resp.Usage.InputTokens != 15 {
		t.Errorf("Expected 15 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 25 {
		t.Errorf("Expected 25 output tokens, got %d", resp.Usage.OutputTokens)
	}
	if resp.Usage.TotalTokens != 40 {
		t.Errorf("Expected 40 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if resp.CostUSD <= 0 {
		t.Errorf("Expected positive cost, got %f", resp.CostUSD)
	}
}

func TestSend_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Send(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Send should not return an error for API failures: %v", err)
	}
	if resp.ErrorKind != provider.ErrorUnauthorized {
		t.Errorf("Expected unauthorized, got %s", resp.ErrorKind)
	}
	if resp.Content != "" {
		t.Errorf("Expected empty content, got %q", resp.Content)
	}
	if !strings.Contains(resp.Error, "Incorrect API key provided") {
		t.Errorf("Expected upstream message in error, got %q", resp.Error)
	}
}

func TestSend_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		cancel()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := newTestProvider(server.URL)
	_, err := p.Send(ctx, &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMapRequest_Context(t *testing.T) {
	p := New("key")
	req := &provider.Request{
		SystemPrompt: "Be brief.",
		Messages: []provider.Message{
			{Role: "user", Content: "what is this page about?"},
		},
		Context: &provider.Context{Selection: "some text", URL: "https://example.com"},
	}

	mapped := p.mapRequest(req, "gpt-4o-mini")
	if len(mapped.Messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(mapped.Messages))
	}
	if mapped.Messages[0].Content != "Be brief." {
		t.Errorf("Expected system prompt first, got %q", mapped.Messages[0].Content)
	}
	if mapped.Messages[1].Role != "system" || !strings.Contains(mapped.Messages[1].Content, "some text") {
		t.Errorf("Expected context system message second, got %+v", mapped.Messages[1])
	}
	if mapped.Messages[2].Role != "user" {
		t.Errorf("Expected user message last, got %s", mapped.Messages[2].Role)
	}
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var captured openAIRequest
		_ = json.Unmarshal(body, &captured)
		if !captured.Stream || captured.StreamOptions == nil || !captured.StreamOptions.IncludeUsage {
			t.Errorf("Expected streaming request with usage, got %+v", captured)
		}

		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " from", " OpenAI", "!"}
		for _, chunk := range chunks {
			resp := openAIResponse{
				Choices: []openAIChoice{
					{
						Delta: openAIDelta{Content: chunk},
					},
				},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
		fmt.Fprintf(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4}}\n\n")
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model: "gpt-4o-mini",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	ch, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var content string
	var final *provider.Response
	for chunk := range ch {
		if chunk.Done {
			final = chunk.Response
			continue
		}
		content += chunk.Delta
	}

	if final == nil {
		t.Fatal("Expected a final chunk")
	}
	if content != "Hello from OpenAI!" {
		t.Errorf("Expected 'Hello from OpenAI!', got %s", content)
	}
	if final.Content != content {
		t.Errorf("Expected final content %q, got %q", content, final.Content)
	}
	if final.Usage.InputTokens != 3 || final.Usage.OutputTokens != 4 {
		t.Errorf("Expected usage 3/4, got %+v", final.Usage)
	}
}

func TestStream_ClosedBeforeDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"The answer is\"}}]}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var content string
	var final *provider.Response
	for chunk := range ch {
		if chunk.Done {
			final = chunk.Response
			continue
		}
		content += chunk.Delta
	}
	if content != "The answer is" {
		t.Errorf("Expected the delivered delta, got %q", content)
	}
	if final == nil || final.Status != provider.StatusFailed {
		t.Fatalf("Expected failed final response, got %+v", final)
	}
	if final.ErrorKind != provider.ErrorTransient {
		t.Errorf("Expected transient_unavailable, got %s", final.ErrorKind)
	}
}

func TestStream_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var chunks []*provider.Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 1 || !chunks[0].Done {
		t.Fatalf("Expected exactly one final chunk, got %d", len(chunks))
	}
	if chunks[0].Response.ErrorKind != provider.ErrorTransient {
		t.Errorf("Expected transient_unavailable, got %s", chunks[0].Response.ErrorKind)
	}
}

func TestValidateCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("Expected /models, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "Bearer good" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := New("good")
	p.Configure("good", provider.Options{BaseURL: server.URL})
	if !p.ValidateCredentials(context.Background()) {
		t.Error("Expected valid credentials")
	}
	p.Configure("bad", provider.Options{BaseURL: server.URL})
	if p.ValidateCredentials(context.Background()) {
		t.Error("Expected invalid credentials")
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got %s", p.Name())
	}
}

func TestModels(t *testing.T) {
	p := New("key")
	models := p.Models()
	found := false
	for _, m := range models {
		if m == "gpt-4o-mini" {
			found = true
			break
		}
	}
	if !found {
		t.Error("gpt-4o-mini should be in supported models")
	}
}
