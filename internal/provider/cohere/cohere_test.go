package cohere

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

func newTestProvider(url string) *CohereProvider {
	p := New("test-key")
	p.Configure("test-key", provider.Options{BaseURL: url})
	return p
}

func TestSend_Mock(t *testing.T) {
	var captured cohereRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("Expected /chat, got %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response_id":"r1","text":"Here is the summary.","meta":{"billed_units":{"input_tokens":12,"output_tokens":5}}}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Send(context.Background(), &provider.Request{
		SystemPrompt: "Be concise.",
		Messages: []provider.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "user", Content: "summarize this"},
		},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if resp.Content != "Here is the summary." {
		t.Errorf("Unexpected content %q", resp.Content)
	}
	if resp.ID != "r1" || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 5 {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.Model != defaultModel {
		t.Errorf("Expected default model, got %s", resp.Model)
	}
	if captured.Message != "summarize this" {
		t.Errorf("Expected latest user message, got %q", captured.Message)
	}
	if captured.Preamble != "Be concise." {
		t.Errorf("Expected preamble, got %q", captured.Preamble)
	}
	if len(captured.ChatHistory) != 2 || captured.ChatHistory[1].Role != "CHATBOT" {
		t.Errorf("Unexpected chat history %+v", captured.ChatHistory)
	}
}

func TestSend_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"internal error"}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Send(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.ErrorKind != provider.ErrorTransient {
		t.Errorf("Expected transient_unavailable, got %s", resp.ErrorKind)
	}
	if resp.Error != "transient_unavailable: cohere returned HTTP 500: internal error" {
		t.Errorf("Unexpected error text %q", resp.Error)
	}
}

func TestMapRequest_Context(t *testing.T) {
	p := New("key")
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "second"},
		},
		Context: &provider.Context{VisibleText: "page body"},
	}

	mapped := p.mapRequest(req, defaultModel)
	if len(mapped.ChatHistory) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(mapped.ChatHistory))
	}
	if mapped.ChatHistory[0].Role != "SYSTEM" || mapped.ChatHistory[0].Message != provider.ContextMessage(req.Context) {
		t.Errorf("Expected context entry first, got %+v", mapped.ChatHistory[0])
	}
	if mapped.ChatHistory[1].Role != "USER" || mapped.ChatHistory[2].Role != "CHATBOT" {
		t.Errorf("Unexpected roles %+v", mapped.ChatHistory)
	}
	if mapped.Message != "second" {
		t.Errorf("Expected latest user message, got %q", mapped.Message)
	}
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/stream+json")
		fmt.Fprintln(w, `{"is_finished":false,"event_type":"stream-start","generation_id":"g1"}`)
		fmt.Fprintln(w, `{"is_finished":false,"event_type":"text-generation","text":"Key"}`)
		fmt.Fprintln(w, `{"is_finished":false,"event_type":"text-generation","text":" points"}`)
		fmt.Fprintln(w, `{"is_finished":true,"event_type":"stream-end","finish_reason":"COMPLETE","response":{"response_id":"r9","text":"Key points","meta":{"billed_units":{"input_tokens":4,"output_tokens":2}}}}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "tldr"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var deltas []string
	var final *provider.Response
	for chunk := range ch {
		if chunk.Done {
			final = chunk.Response
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	if len(deltas) != 2 || deltas[0] != "Key" || deltas[1] != " points" {
		t.Errorf("Unexpected deltas %v", deltas)
	}
	if final == nil || final.Status != provider.StatusCompleted {
		t.Fatalf("Expected completed final response, got %+v", final)
	}
	if final.ID != "r9" || final.Content != "Key points" || final.Usage.TotalTokens != 6 {
		t.Errorf("Unexpected final response %+v", final)
	}
}

func TestStream_ClosedBeforeStreamEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"event_type":"stream-start","generation_id":"g1"}`)
		fmt.Fprintln(w, `{"event_type":"text-generation","text":"Key"}`)
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

func TestStream_FinishedWithError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"event_type":"text-generation","text":"partial"}`)
		fmt.Fprintln(w, `{"event_type":"stream-end","finish_reason":"ERROR"}`)
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
	if final == nil || final.Status != provider.StatusFailed {
		t.Fatalf("Expected failed final response, got %+v", final)
	}
}

func TestStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"event_type":"text-generation","text":"one"}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := newTestProvider(server.URL)
	ch, err := p.Stream(ctx, &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	first := <-ch
	if first == nil || first.Delta != "one" {
		t.Fatalf("Expected first delta, got %+v", first)
	}
	cancel()
	for chunk := range ch {
		if chunk.Done {
			t.Fatal("Cancelled stream must not deliver a final chunk")
		}
	}
}

func TestValidateCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/check-api-key" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		valid := r.Header.Get("Authorization") == "Bearer good"
		fmt.Fprintf(w, `{"valid":%t}`, valid)
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
	if New("key").Name() != "cohere" {
		t.Error("Expected 'cohere'")
	}
}
