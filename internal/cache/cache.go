package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

// Entry is a cached response. Hits counts the lookups that returned it.
type Entry struct {
	Key        string             `json:"key"`
	Response   *provider.Response `json:"response"`
	Provider   string             `json:"provider"`
	InsertedAt time.Time          `json:"inserted_at"`
	Hits       int                `json:"hits"`
}

// Store maps request fingerprints to responses. Entries older than the TTL
// behave as misses and are removed when looked up. Inserting past the size
// limit evicts the oldest-inserted entries first.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, resp *provider.Response, providerName string) error
	EvictExpired(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Stats() Stats
}

type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Puts      uint64 `json:"puts"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

type counters struct {
	hits, misses, puts, evictions, expired atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Puts:      c.puts.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

type fingerprintMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type fingerprintInput struct {
	Provider     string               `json:"provider"`
	Model        string               `json:"model"`
	SystemPrompt string               `json:"system_prompt"`
	Messages     []fingerprintMessage `json:"messages"`
	Context      *provider.Context    `json:"context"`
	Temperature  float64              `json:"temperature"`
	TopP         float64              `json:"top_p"`
	MaxTokens    int                  `json:"max_tokens"`
}

// Fingerprint derives the cache key of a fully resolved request: provider,
// model and generation parameters already filled in and context already
// disclosed. Message timestamps and attributions do not affect the key.
func Fingerprint(providerName string, req *provider.Request) string {
	in := fingerprintInput{
		Provider:     providerName,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Messages:     make([]fingerprintMessage, len(req.Messages)),
		Context:      req.Context,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
	}
	for i, m := range req.Messages {
		in.Messages[i] = fingerprintMessage{Role: m.Role, Content: m.Content}
	}
	// Struct fields marshal in declaration order, so the encoding is stable.
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cloneResponse(r *provider.Response) *provider.Response {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
