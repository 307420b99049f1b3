package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

func newTestProvider(url string) *ClaudeProvider {
	p := New("test-key")
	p.Configure("test-key", provider.Options{BaseURL: url})
	return p
}

func TestSend_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header, got %q", r.Header.Get("x-api-key"))
		}
		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeContent{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			Usage: claudeUsage{
				InputTokens:  10,
				OutputTokens: 20,
			},
			Model: "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Content)
	}
	if resp.Usage.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.Usage.OutputTokens)
	}
	want := 10.0/1000*0.003 + 20.0/1000*0.015
	if math.Abs(resp.CostUSD-want) > 1e-12 {
		t.Errorf("Expected cost %f, got %f", want, resp.CostUSD)
	}
}

func TestSend_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Send(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.ErrorKind != provider.ErrorRateLimited {
		t.Errorf("Expected rate_limited, got %s", resp.ErrorKind)
	}
	if resp.Error != "rate_limited: claude returned HTTP 429: slow down" {
		t.Errorf("Unexpected error text %q", resp.Error)
	}
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "event: message_start\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"usage\":{\"input_tokens\":7}}}\n\n")

		fmt.Fprintf(w, "event: content_block_delta\n")
		data1, _ := json.Marshal(claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: "Hello"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data1))

		fmt.Fprintf(w, "event: content_block_delta\n")
		data2, _ := json.Marshal(claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: " world!"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data2))

		fmt.Fprintf(w, "event: message_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n\n")

		fmt.Fprintf(w, "event: message_stop\n")
		fmt.Fprintf(w, "data: {\"type\": \"message_stop\"}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
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
		t.Fatal("Expected stream to be done")
	}
	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %s", content)
	}
	if final.ID != "msg_1" || final.Usage.InputTokens != 7 || final.Usage.OutputTokens != 3 {
		t.Errorf("Unexpected final response %+v", final)
	}
}

func TestStream_ClosedBeforeMessageStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: content_block_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Half\"}}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var final *provider.Response
	for chunk := range ch {
		if chunk.Done {
			final = chunk.Response
		}
	}
	if final == nil || final.Status != provider.StatusFailed || final.ErrorKind != provider.ErrorTransient {
		t.Fatalf("Expected transient failure, got %+v", final)
	}
}

func TestStream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: error\n")
		fmt.Fprintf(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var final *provider.Response
	for chunk := range ch {
		if chunk.Done {
			final = chunk.Response
		}
	}
	if final == nil || final.ErrorKind != provider.ErrorTransient {
		t.Fatalf("Expected transient failure, got %+v", final)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "claude" {
		t.Errorf("Expected 'claude', got %s", p.Name())
	}
}

func TestModels(t *testing.T) {
	p := New("key")
	models := p.Models()
	found := false
	for _, m := range models {
		if m == "claude-3-5-haiku-20241022" {
			found = true
			break
		}
	}
	if !found {
		t.Error("claude-3-5-haiku-20241022 should be in supported models")
	}
}

func TestSystemMessageExtraction(t *testing.T) {
	var capturedReq claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &capturedReq)

		resp := claudeResponse{
			ID:      "msg_123",
			Content: []claudeContent{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "hi"},
		},
	}

	_, err := p.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if capturedReq.System != "You are a helpful assistant." {
		t.Errorf("Expected system message to be extracted, got %s", capturedReq.System)
	}
	if len(capturedReq.Messages) != 1 {
		t.Errorf("Expected 1 message after system extraction, got %d", len(capturedReq.Messages))
	}
	if capturedReq.Messages[0].Role != "user" {
		t.Errorf("Expected first message role to be 'user', got %s", capturedReq.Messages[0].Role)
	}
}

func TestMapRequest_ContextBeforeLatestUser(t *testing.T) {
	p := New("key")
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "second"},
		},
		Context: &provider.Context{Title: "Docs", Selection: "snippet"},
	}

	mapped := p.mapRequest(req, defaultModel)
	if len(mapped.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(mapped.Messages))
	}
	if mapped.Messages[2].Content != provider.ContextMessage(req.Context) {
		t.Errorf("Expected context third, got %q", mapped.Messages[2].Content)
	}
	if mapped.Messages[3].Content != "second" {
		t.Errorf("Expected latest user message last, got %q", mapped.Messages[3].Content)
	}
	if mapped.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens, got %d", mapped.MaxTokens)
	}
}
