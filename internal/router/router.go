package router

import (
	"strings"
	"sync"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

// Scoring weights. They are policy, not configuration.
const (
	WeightCapability = 0.4
	WeightPreference = 0.3
	WeightCost       = 0.2
	WeightSpeed      = 0.1
)

const (
	metricWindow      = 50
	defaultPreference = 0.5
)

// Factors are the four components of a routing score, each in [0,1].
type Factors struct {
	Capability float64 `json:"capability"`
	Preference float64 `json:"preference"`
	Cost       float64 `json:"cost"`
	Speed      float64 `json:"speed"`
}

// Composite is the weighted sum of f.
func Composite(f Factors) float64 {
	return WeightCapability*f.Capability +
		WeightPreference*f.Preference +
		WeightCost*f.Cost +
		WeightSpeed*f.Speed
}

type Score struct {
	Provider  string  `json:"provider"`
	Composite float64 `json:"composite"`
	Factors   Factors `json:"factors"`
}

type Explanation struct {
	Provider   string   `json:"provider"`
	TaskType   TaskType `json:"task_type"`
	Rule       *Rule    `json:"rule,omitempty"`
	Scores     []Score  `json:"scores,omitempty"`
	Overridden bool     `json:"overridden"`
}

// Performance is a provider's rolling latency and success rate.
type Performance struct {
	AvgResponseMs float64 `json:"avg_response_ms"`
	SuccessRate   float64 `json:"success_rate"`
	Samples       int     `json:"samples"`
}

type window struct {
	latencies []float64
	successes []float64
}

func (w *window) add(latencyMs, success float64) {
	w.latencies = append(w.latencies, latencyMs)
	w.successes = append(w.successes, success)
	if len(w.latencies) > metricWindow {
		w.latencies = w.latencies[len(w.latencies)-metricWindow:]
		w.successes = w.successes[len(w.successes)-metricWindow:]
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

type Router struct {
	mu          sync.RWMutex
	profile     *Profile
	enabled     map[string]bool
	preferences map[TaskType]string
	windows     map[string]*window
	privacy     provider.PrivacyLevel
}

// New builds a router over profile with the given providers enabled. A nil
// profile means DefaultProfile.
func New(profile *Profile, enabled []string) (*Router, error) {
	if profile == nil {
		profile = DefaultProfile()
	}
	if err := profile.compile(); err != nil {
		return nil, err
	}
	r := &Router{
		profile:     profile,
		preferences: make(map[TaskType]string),
		windows:     make(map[string]*window),
		privacy:     provider.PrivacySelection,
	}
	r.SetEnabled(enabled)
	return r, nil
}

func (r *Router) Profile() *Profile {
	return r.profile
}

func (r *Router) SetEnabled(providers []string) {
	enabled := make(map[string]bool, len(providers))
	for _, p := range providers {
		enabled[p] = true
	}
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// SetPrivacyLevel sets how much page context counts toward the cost
// estimate. It should match what dispatch will disclose.
func (r *Router) SetPrivacyLevel(level provider.PrivacyLevel) {
	r.mu.Lock()
	r.privacy = level
	r.mu.Unlock()
}

// Enabled lists the enabled providers in tie-break order.
func (r *Router) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.profile.Providers {
		if r.enabled[p] {
			out = append(out, p)
		}
	}
	return out
}

func (r *Router) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// Route picks the provider for req. An explicit req.Provider is returned as
// is.
func (r *Router) Route(req *provider.Request) (string, error) {
	if req.Provider != "" {
		return req.Provider, nil
	}
	exp, err := r.Explain(req)
	if err != nil {
		return "", err
	}
	return exp.Provider, nil
}

func (r *Router) Explain(req *provider.Request) (*Explanation, error) {
	task, rule := r.Classify(req)
	exp := &Explanation{TaskType: task, Rule: rule}
	if req.Provider != "" {
		exp.Provider = req.Provider
		exp.Overridden = true
		return exp, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	for _, name := range r.profile.Providers {
		if !r.enabled[name] {
			continue
		}
		f := r.factors(name, task, rule, req)
		exp.Scores = append(exp.Scores, Score{Provider: name, Composite: Composite(f), Factors: f})
		if last := len(exp.Scores) - 1; best < 0 || exp.Scores[last].Composite > exp.Scores[best].Composite {
			best = last
		}
	}
	if best < 0 {
		return nil, &provider.ConfigError{Reason: "no providers enabled"}
	}
	exp.Provider = exp.Scores[best].Provider
	return exp, nil
}

// Classify detects the task type of req. Rules are tried in priority order
// and the first match decides; the matched rule is returned with it. Without
// a rule match the keyword table is consulted, then casual chat is assumed.
func (r *Router) Classify(req *provider.Request) (TaskType, *Rule) {
	content := classificationText(req)
	for i := range r.profile.Rules {
		rule := &r.profile.Rules[i]
		if rule.Match(content) {
			return rule.TaskTypes[0], rule
		}
	}
	for _, k := range r.profile.Keywords {
		if strings.Contains(content, strings.ToLower(k.Keyword)) {
			return k.TaskType, nil
		}
	}
	return TaskCasualChat, nil
}

func classificationText(req *provider.Request) string {
	text := req.LatestUserMessage()
	if excerpt := req.Context.Excerpt(); excerpt != "" {
		text += " " + excerpt
	}
	return strings.ToLower(text)
}

// factors must be called with r.mu held. Only the provider of the rule that
// decided the task type gets the perfect capability score.
func (r *Router) factors(name string, task TaskType, rule *Rule, req *provider.Request) Factors {
	var f Factors

	if rule != nil && rule.Provider == name {
		f.Capability = 1.0
	} else {
		f.Capability = r.profile.capability(name, task)
	}

	perf := r.performance(name)
	switch pref, ok := r.preferences[task]; {
	case ok && pref == name:
		f.Preference = 1.0
	case ok:
		f.Preference = 0.3
	default:
		f.Preference = perf.SuccessRate
	}

	outputTokens := req.MaxTokens
	if outputTokens <= 0 {
		outputTokens = r.profile.DefaultOutputTokens
	}
	cost := r.profile.Pricing[name].Cost(r.promptTokens(req), outputTokens)
	f.Cost = clamp(1 - cost/r.profile.CostCeilingUSD)
	f.Speed = clamp(1 - perf.AvgResponseMs/r.profile.MaxResponseMs)
	return f
}

// promptTokens estimates the prompt as sent, with only the disclosed part of
// the page context. Must be called with r.mu held.
func (r *Router) promptTokens(req *provider.Request) int {
	sent := *req
	sent.Context = req.Context.Disclose(r.privacy)
	return provider.EstimateTokens(sent.PromptText())
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UpdatePreference records that the user prefers name for task. The latest
// call wins.
func (r *Router) UpdatePreference(task TaskType, name string) error {
	if !task.Valid() {
		return &provider.ConfigError{Reason: "unknown task type " + string(task)}
	}
	if !r.profile.known(name) {
		return &provider.ConfigError{Provider: name, Reason: "unknown provider"}
	}
	r.mu.Lock()
	r.preferences[task] = name
	r.mu.Unlock()
	return nil
}

func (r *Router) Preferences() map[TaskType]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[TaskType]string, len(r.preferences))
	for k, v := range r.preferences {
		out[k] = v
	}
	return out
}

// RecordOutcome feeds one dispatch result into the provider's rolling
// metrics. The window starts with the baseline as its first sample.
func (r *Router) RecordOutcome(name string, latency time.Duration, success bool) {
	var s float64
	if success {
		s = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[name]
	if !ok {
		w = &window{}
		if b, ok := r.profile.Baseline[name]; ok {
			w.add(b.AvgResponseMs, b.SuccessRate)
		}
		r.windows[name] = w
	}
	w.add(float64(latency.Milliseconds()), s)
}

func (r *Router) Performance(name string) Performance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.performance(name)
}

func (r *Router) performance(name string) Performance {
	w := r.windows[name]
	if w == nil || len(w.latencies) == 0 {
		b, ok := r.profile.Baseline[name]
		if !ok {
			return Performance{AvgResponseMs: r.profile.MaxResponseMs / 2, SuccessRate: defaultPreference}
		}
		return Performance{AvgResponseMs: b.AvgResponseMs, SuccessRate: b.SuccessRate}
	}
	return Performance{
		AvgResponseMs: mean(w.latencies),
		SuccessRate:   mean(w.successes),
		Samples:       len(w.latencies),
	}
}
