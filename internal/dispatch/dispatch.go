package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vnmchuo/llm-relay/internal/cache"
	"github.com/vnmchuo/llm-relay/internal/credential"
	"github.com/vnmchuo/llm-relay/internal/metrics"
	"github.com/vnmchuo/llm-relay/internal/provider"
	"github.com/vnmchuo/llm-relay/internal/router"
	"github.com/vnmchuo/llm-relay/internal/usage"
	"github.com/vnmchuo/llm-relay/pkg/ratelimit"
)

var (
	ErrDuplicateRequest = errors.New("a request with this id is already in flight")
	ErrQueueFull        = errors.New("too many requests waiting for a dispatch slot")
)

const defaultOutputTokens = 1000

type ProviderSettings struct {
	Enabled     bool
	Model       string
	BaseURL     string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type Settings struct {
	DefaultProvider string
	AutoRouting     bool
	Providers       map[string]ProviderSettings
	CacheEnabled    bool
	MaxConcurrent   int
	MaxQueued       int
	PrivacyLevel    provider.PrivacyLevel
}

// Deps are the collaborators a Manager dispatches through. Cache, Ledger,
// Limiter, Notifier, Tracer and HTTPClient are optional.
type Deps struct {
	Adapters    []provider.Adapter
	Router      *router.Router
	Credentials credential.Store
	Cache       cache.Store
	Ledger      *usage.Ledger
	Limiter     *ratelimit.Limiter
	Notifier    Notifier
	Tracer      trace.Tracer
	HTTPClient  *http.Client
}

type Manager struct {
	settings Settings
	adapters map[string]provider.Adapter
	order    []string
	router   *router.Router
	creds    credential.Store
	cache    cache.Store
	ledger   *usage.Ledger
	limiter  *ratelimit.Limiter
	notifier Notifier
	tracer   trace.Tracer
	client   *http.Client
	breakers *breakers

	sem    *semaphore.Weighted
	queued atomic.Int64

	mu         sync.Mutex
	flights    map[string]*flight
	configured map[string]string
}

func NewManager(settings Settings, deps Deps) (*Manager, error) {
	if deps.Router == nil {
		return nil, errors.New("dispatch: router is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("dispatch: credential store is required")
	}
	if settings.MaxConcurrent < 1 {
		settings.MaxConcurrent = 1
	}
	if settings.PrivacyLevel == "" {
		settings.PrivacyLevel = provider.PrivacySelection
	}

	m := &Manager{
		settings:   settings,
		adapters:   make(map[string]provider.Adapter, len(deps.Adapters)),
		router:     deps.Router,
		creds:      deps.Credentials,
		cache:      deps.Cache,
		ledger:     deps.Ledger,
		limiter:    deps.Limiter,
		notifier:   deps.Notifier,
		tracer:     deps.Tracer,
		client:     deps.HTTPClient,
		breakers:   newBreakers(),
		sem:        semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		flights:    make(map[string]*flight),
		configured: make(map[string]string),
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.tracer == nil {
		m.tracer = otel.GetTracerProvider().Tracer("llm-relay/dispatch")
	}
	for _, a := range deps.Adapters {
		m.adapters[a.Name()] = a
		m.order = append(m.order, a.Name())
	}

	var enabled []string
	for _, name := range m.order {
		if settings.Providers[name].Enabled {
			enabled = append(enabled, name)
		}
	}
	m.router.SetEnabled(enabled)
	m.router.SetPrivacyLevel(settings.PrivacyLevel)
	return m, nil
}

// Send dispatches req and waits for its terminal response. Provider failures
// and cancellation are reported in the response; the error return is for
// requests that were refused before dispatch.
func (m *Manager) Send(ctx context.Context, req *provider.Request, requestID string) (*provider.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	name, err := m.resolve(req)
	if err != nil {
		return nil, err
	}
	adapter, err := m.prepareAdapter(ctx, name)
	if err != nil {
		return nil, err
	}
	resolved := m.resolveRequest(name, req)

	var key string
	if m.settings.CacheEnabled && m.cache != nil {
		key = cache.Fingerprint(name, resolved)
		if resp := m.lookup(ctx, key, requestID, resolved.Stream); resp != nil {
			return resp, nil
		}
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fl, err := m.register(requestID, name, resolved, cancel)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(fctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("provider", name),
		attribute.String("model", resolved.Model),
		attribute.Bool("stream", resolved.Stream),
	)

	if err := m.admit(ctx); err != nil {
		if errors.Is(err, ErrQueueFull) {
			m.deregister(fl)
			if resolved.Stream {
				m.notifier.Notify(Notification{Type: EventStreamEnd, RequestID: requestID})
			}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return m.finish(ctx, fl, adapter, resolved, key, nil, span), nil
	}
	defer func() {
		m.sem.Release(1)
		metrics.InFlight.Dec()
	}()
	metrics.InFlight.Inc()
	fl.start()

	if resp := m.checkBudget(ctx, name, adapter, resolved); resp != nil {
		return m.finish(ctx, fl, adapter, resolved, key, resp, span), nil
	}

	start := time.Now()
	resp, err := m.breakers.execute(name, resolved.Model, func() (*provider.Response, error) {
		if resolved.Stream {
			return m.stream(ctx, fl, adapter, resolved)
		}
		return adapter.Send(ctx, resolved)
	})
	if err != nil && ctx.Err() == nil {
		m.deregister(fl)
		if resolved.Stream {
			m.notifier.Notify(Notification{Type: EventStreamEnd, RequestID: requestID})
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dispatch %s: %w", name, err)
	}
	if resp != nil && resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(start).Milliseconds()
	}
	return m.finish(ctx, fl, adapter, resolved, key, resp, span), nil
}

func (m *Manager) resolve(req *provider.Request) (string, error) {
	if req.Provider != "" {
		return req.Provider, nil
	}
	if m.settings.AutoRouting {
		return m.router.Route(req)
	}
	return m.settings.DefaultProvider, nil
}

// prepareAdapter applies the configuration checks every dispatch must pass
// and reconfigures the adapter when its credential changed.
func (m *Manager) prepareAdapter(ctx context.Context, name string) (provider.Adapter, error) {
	adapter, ok := m.adapters[name]
	if !ok {
		return nil, &provider.ConfigError{Provider: name, Reason: "unknown provider"}
	}
	if !m.router.IsEnabled(name) {
		return nil, &provider.ConfigError{Provider: name, Reason: "provider is disabled"}
	}
	secret, err := m.creds.Get(ctx, name)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, &provider.ConfigError{Provider: name, Reason: "no credential configured"}
	}
	if err != nil {
		return nil, &provider.ConfigError{Provider: name, Reason: fmt.Sprintf("credential lookup failed: %v", err)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configured[name] != secret {
		ps := m.settings.Providers[name]
		adapter.Configure(secret, provider.Options{Model: ps.Model, BaseURL: ps.BaseURL, HTTPClient: m.client})
		m.configured[name] = secret
	}
	return adapter, nil
}

// resolveRequest fills unset generation parameters from the provider's
// settings and applies the privacy level to the page context.
func (m *Manager) resolveRequest(name string, req *provider.Request) *provider.Request {
	ps := m.settings.Providers[name]
	out := req.Clone()
	out.Provider = name
	if out.Model == "" {
		out.Model = ps.Model
	}
	if out.Temperature == 0 {
		out.Temperature = ps.Temperature
	}
	if out.TopP == 0 {
		out.TopP = ps.TopP
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = ps.MaxTokens
	}
	out.Context = req.Context.Disclose(m.settings.PrivacyLevel)
	return out
}

// lookup returns the cached response for key, or nil. Cache failures are
// logged and treated as misses.
func (m *Manager) lookup(ctx context.Context, key, requestID string, stream bool) *provider.Response {
	e, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("dispatch: cache lookup failed")
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()

	resp := *e.Response
	resp.RequestID = requestID
	resp.Cached = true
	resp.CacheHits = e.Hits
	resp.LatencyMs = 0
	resp.Stream = stream
	if stream {
		m.notifier.Notify(Notification{Type: EventStreamChunk, RequestID: requestID, Chunk: &StreamChunk{
			Delta: resp.Content, Finished: true, Provider: resp.Provider, Model: resp.Model,
		}})
		m.notifier.Notify(Notification{Type: EventStreamEnd, RequestID: requestID})
	}
	log.Debug().Str("request_id", requestID).Str("provider", resp.Provider).Int("hits", e.Hits).Msg("dispatch: cache hit")
	return &resp
}

// admit waits for a dispatch slot in arrival order. When MaxQueued requests
// are already waiting the request is refused.
func (m *Manager) admit(ctx context.Context) error {
	if m.sem.TryAcquire(1) {
		return nil
	}
	if m.queued.Add(1) > int64(m.settings.MaxQueued) {
		m.queued.Add(-1)
		return ErrQueueFull
	}
	metrics.Queued.Inc()
	err := m.sem.Acquire(ctx, 1)
	m.queued.Add(-1)
	metrics.Queued.Dec()
	return err
}

// checkBudget reserves the request's estimated tokens from the provider's
// per-minute budget. A limiter failure lets the request through.
func (m *Manager) checkBudget(ctx context.Context, name string, adapter provider.Adapter, req *provider.Request) *provider.Response {
	if m.limiter == nil {
		return nil
	}
	out := req.MaxTokens
	if out <= 0 {
		out = defaultOutputTokens
	}
	allowed, err := m.limiter.Allow(ctx, name, adapter.EstimateTokens(req.PromptText())+out)
	if err != nil {
		log.Warn().Err(err).Str("provider", name).Msg("dispatch: token budget check failed")
		return nil
	}
	if allowed {
		return nil
	}
	return provider.Failure(name, req.Model, provider.ErrorRateLimited, "local token budget for %s is exhausted", name)
}

// stream consumes the adapter stream, forwarding each delta while holding the
// flight lock. It returns nil when the stream ended without a final chunk.
func (m *Manager) stream(ctx context.Context, fl *flight, adapter provider.Adapter, req *provider.Request) (*provider.Response, error) {
	ch, err := adapter.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var final *provider.Response
	for c := range ch {
		if c.Done {
			final = c.Response
			continue
		}
		fl.deliver(c.Delta, func(n Notification) { m.notifier.Notify(n) })
	}
	if final == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return provider.StreamFailure(adapter.Name(), req.Model, provider.ErrMalformedEvent), nil
	}
	return final, nil
}

// finish moves fl to its terminal state and runs the post-dispatch
// bookkeeping. A nil resp, or a flight cancelled before this point, ends as
// cancelled.
func (m *Manager) finish(ctx context.Context, fl *flight, adapter provider.Adapter, req *provider.Request, key string, resp *provider.Response, span trace.Span) *provider.Response {
	fl.mu.Lock()
	if fl.cancelled || resp == nil {
		resp = m.cancelledResponse(fl, adapter, req, resp)
	}
	resp.RequestID = fl.id
	resp.Stream = req.Stream
	if resp.Provider == "" {
		resp.Provider = fl.provider
	}

	switch resp.Status {
	case provider.StatusCompleted:
		fl.state = StateCompleted
		if key != "" {
			// Held under the flight lock so a concurrent Cancel cannot
			// return before the write.
			if err := m.cache.Put(context.WithoutCancel(ctx), key, resp, fl.provider); err != nil {
				log.Error().Err(err).Str("request_id", fl.id).Msg("dispatch: cache store failed")
			}
		}
		if req.Stream {
			m.notifier.Notify(Notification{Type: EventStreamChunk, RequestID: fl.id, Chunk: &StreamChunk{
				Finished: true, Provider: resp.Provider, Model: resp.Model,
			}})
		}
	case provider.StatusCancelled:
		fl.state = StateCancelled
	default:
		fl.state = StateFailed
	}
	fl.mu.Unlock()

	m.deregister(fl)
	if req.Stream {
		m.notifier.Notify(Notification{Type: EventStreamEnd, RequestID: fl.id})
	}

	if m.ledger != nil {
		m.ledger.Record(context.WithoutCancel(ctx), fl.provider, resp)
	}
	if resp.Status != provider.StatusCancelled {
		m.router.RecordOutcome(fl.provider, time.Duration(resp.LatencyMs)*time.Millisecond, resp.Status == provider.StatusCompleted)
	}
	observe(fl.provider, resp)

	span.SetAttributes(attribute.String("status", string(resp.Status)))
	if resp.Status == provider.StatusFailed {
		span.SetStatus(codes.Error, resp.Error)
	}

	ev := log.Info()
	if resp.Status == provider.StatusFailed {
		ev = log.Warn().Str("error_kind", string(resp.ErrorKind)).Str("error", resp.Error)
	}
	ev.Str("request_id", fl.id).
		Str("provider", fl.provider).
		Str("model", resp.Model).
		Str("status", string(resp.Status)).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Float64("cost_usd", resp.CostUSD).
		Int64("latency_ms", resp.LatencyMs).
		Msg("dispatch finished")
	return resp
}

// cancelledResponse must be called with fl.mu held. Content is exactly what
// was delivered before the cancel.
func (m *Manager) cancelledResponse(fl *flight, adapter provider.Adapter, req *provider.Request, partial *provider.Response) *provider.Response {
	resp := &provider.Response{
		Provider: fl.provider,
		Model:    req.Model,
		Content:  fl.content.String(),
		Status:   provider.StatusCancelled,
	}
	if partial != nil {
		resp.ID = partial.ID
		resp.LatencyMs = partial.LatencyMs
		if partial.Model != "" {
			resp.Model = partial.Model
		}
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(fl.startedAt).Milliseconds()
	}
	if resp.Content != "" {
		resp.Usage.InputTokens = adapter.EstimateTokens(req.PromptText())
		resp.Usage.OutputTokens = adapter.EstimateTokens(resp.Content)
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		resp.CostUSD = adapter.EstimateCost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return resp
}

func observe(name string, resp *provider.Response) {
	metrics.Dispatches.WithLabelValues(name, string(resp.Status)).Inc()
	if resp.Status == provider.StatusCancelled {
		return
	}
	metrics.DispatchLatency.WithLabelValues(name).Observe(float64(resp.LatencyMs) / 1000)
	metrics.Tokens.WithLabelValues(name, "input").Add(float64(resp.Usage.InputTokens))
	metrics.Tokens.WithLabelValues(name, "output").Add(float64(resp.Usage.OutputTokens))
	metrics.CostUSD.WithLabelValues(name).Add(resp.CostUSD)
}

func (m *Manager) register(id, name string, req *provider.Request, cancel context.CancelFunc) (*flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flights[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	fl := &flight{
		id:        id,
		provider:  name,
		model:     req.Model,
		stream:    req.Stream,
		state:     StatePending,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	m.flights[id] = fl
	return fl, nil
}

func (m *Manager) deregister(fl *flight) {
	m.mu.Lock()
	if m.flights[fl.id] == fl {
		delete(m.flights, fl.id)
	}
	m.mu.Unlock()
}

// Cancel aborts the request with the given id. Once it returns true no
// further deltas are delivered and nothing is cached for that request.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	fl, ok := m.flights[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return fl.abort()
}

// CancelAll cancels every request in flight and returns how many it stopped.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	flights := make([]*flight, 0, len(m.flights))
	for _, fl := range m.flights {
		flights = append(flights, fl)
	}
	m.mu.Unlock()

	var n int
	for _, fl := range flights {
		if fl.abort() {
			n++
		}
	}
	return n
}

// InFlight lists the registered requests, oldest first.
func (m *Manager) InFlight() []Flight {
	m.mu.Lock()
	out := make([]Flight, 0, len(m.flights))
	for _, fl := range m.flights {
		out = append(out, fl.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ValidateCredentials checks the provider's credential against its API.
func (m *Manager) ValidateCredentials(ctx context.Context, name string) (bool, error) {
	adapter, err := m.prepareAdapter(ctx, name)
	if err != nil {
		return false, err
	}
	return adapter.ValidateCredentials(ctx), nil
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Enabled       bool     `json:"enabled"`
	HasCredential bool     `json:"has_credential"`
	Models        []string `json:"models"`
	Breaker       string   `json:"breaker"`
	// TokenBudget is set when a per-minute token budget is configured.
	TokenBudget *ratelimit.Budget `json:"token_budget,omitempty"`
}

func (m *Manager) Providers(ctx context.Context) []ProviderInfo {
	out := make([]ProviderInfo, 0, len(m.order))
	for _, name := range m.order {
		_, err := m.creds.Get(ctx, name)
		info := ProviderInfo{
			Name:          name,
			Enabled:       m.router.IsEnabled(name),
			HasCredential: err == nil,
			Models:        m.adapters[name].Models(),
			Breaker:       strings.ReplaceAll(m.breakers.state(name), " ", "_"),
		}
		if m.limiter != nil {
			budget, err := m.limiter.Status(ctx, name)
			if err != nil {
				log.Warn().Err(err).Str("provider", name).Msg("dispatch: token budget unavailable")
			}
			info.TokenBudget = budget
		}
		out = append(out, info)
	}
	return out
}

func (m *Manager) Settings() Settings {
	return m.settings
}
