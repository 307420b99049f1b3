package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	maxErrorBodySize = 1 << 20
	maxLineSize      = 1 << 20
)

// EndpointConfig is the transport state an adapter was configured with.
type EndpointConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

// Endpoint guards an adapter's configuration so Configure can run while
// other requests are in flight.
type Endpoint struct {
	mu     sync.RWMutex
	config EndpointConfig
}

func (e *Endpoint) Set(credential string, opts Options, defaultBaseURL, defaultModel string) {
	cfg := EndpointConfig{
		APIKey:  credential,
		BaseURL: strings.TrimRight(firstNonEmpty(opts.BaseURL, defaultBaseURL), "/"),
		Model:   firstNonEmpty(opts.Model, defaultModel),
		Client:  opts.HTTPClient,
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()
}

func (e *Endpoint) Snapshot() EndpointConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// ModelFor picks the request's model, or the configured default.
func (c EndpointConfig) ModelFor(req *Request) string {
	return firstNonEmpty(req.Model, c.Model)
}

func NewJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Call issues httpReq. On HTTP 200 the open response is returned. Otherwise
// the failure is returned as a classified Response, or both results are nil
// when ctx was cancelled.
func Call(ctx context.Context, client *http.Client, httpReq *http.Request, name, model string) (*http.Response, *Response) {
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, TransportFailure(name, model, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, HTTPFailure(name, model, resp.StatusCode, body)
	}
	return resp, nil
}

// Emit sends c on ch unless ctx is done first.
func Emit(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func Final(resp *Response) *Chunk {
	return &Chunk{Done: true, Response: resp}
}

// ScanLines calls fn for every non-blank line of r until fn asks to stop,
// returns an error, or r is exhausted.
func ScanLines(r io.Reader, fn func(line string) (stop bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stop, err := fn(line)
		if err != nil || stop {
			return err
		}
	}
	return scanner.Err()
}

// StreamBody decodes body line by line and forwards every delta to ch in
// order. It returns the concatenated text. decode reports done when the
// framing's terminal event was seen; with requireEnd set, a body that ends
// before that event yields ErrStreamTruncated.
func StreamBody(ctx context.Context, ch chan<- *Chunk, body io.Reader, requireEnd bool, decode func(line string) (delta string, done bool, err error)) (string, error) {
	var content strings.Builder
	var ended bool
	err := ScanLines(body, func(line string) (bool, error) {
		delta, done, err := decode(line)
		if err != nil {
			return true, err
		}
		if delta != "" {
			content.WriteString(delta)
			if !Emit(ctx, ch, &Chunk{Delta: delta}) {
				return true, ctx.Err()
			}
		}
		ended = done
		return done, nil
	})
	if err == nil && requireEnd && !ended {
		err = ErrStreamTruncated
	}
	return content.String(), err
}

// SSEData extracts the payload of a `data:` line.
func SSEData(line string) (string, bool) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(data), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
