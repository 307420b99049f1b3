package router

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

type TaskType string

const (
	TaskCodeGeneration  TaskType = "code_generation"
	TaskDebugging       TaskType = "debugging"
	TaskCreativeWriting TaskType = "creative_writing"
	TaskAnalysis        TaskType = "analysis"
	TaskSummarization   TaskType = "summarization"
	TaskTranslation     TaskType = "translation"
	TaskResearch        TaskType = "research"
	TaskMath            TaskType = "math"
	TaskCasualChat      TaskType = "casual_chat"
)

var TaskTypes = []TaskType{
	TaskCodeGeneration, TaskDebugging, TaskCreativeWriting, TaskAnalysis, TaskSummarization,
	TaskTranslation, TaskResearch, TaskMath, TaskCasualChat,
}

func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Rule ties a content pattern to the provider best suited for it.
type Rule struct {
	Pattern   string     `yaml:"pattern" json:"pattern"`
	Provider  string     `yaml:"provider" json:"provider"`
	TaskTypes []TaskType `yaml:"task_types" json:"task_types"`
	Priority  int        `yaml:"priority" json:"priority"`

	re *regexp.Regexp
}

func (r *Rule) Match(content string) bool {
	return r.re != nil && r.re.MatchString(content)
}

type Keyword struct {
	Keyword  string   `yaml:"keyword" json:"keyword"`
	TaskType TaskType `yaml:"task_type" json:"task_type"`
}

// Baseline seeds a provider's performance metrics before any outcome has
// been recorded.
type Baseline struct {
	AvgResponseMs float64 `yaml:"avg_response_ms" json:"avg_response_ms"`
	SuccessRate   float64 `yaml:"success_rate" json:"success_rate"`
}

// Profile is the routing data: rules, capability affinities, prices and
// performance baselines. Providers lists every known provider in tie-break
// order.
type Profile struct {
	Providers           []string                        `yaml:"providers"`
	Rules               []Rule                          `yaml:"rules"`
	Keywords            []Keyword                       `yaml:"keywords"`
	Capabilities        map[string]map[TaskType]float64 `yaml:"capabilities"`
	Pricing             map[string]provider.Price       `yaml:"pricing"`
	Baseline            map[string]Baseline             `yaml:"baseline"`
	CostCeilingUSD      float64                         `yaml:"cost_ceiling_usd"`
	MaxResponseMs       float64                         `yaml:"max_response_ms"`
	DefaultOutputTokens int                             `yaml:"default_output_tokens"`
}

func DefaultProfile() *Profile {
	return &Profile{
		Providers: []string{"openai", "claude", "gemini", "cohere"},
		Rules: []Rule{
			{Pattern: `\b(debug\w*|fix|error|bug|stack ?trace|exception|traceback)\b`, Provider: "claude", TaskTypes: []TaskType{TaskDebugging, TaskCodeGeneration}, Priority: 10},
			{Pattern: `\b(code|function|class|implement\w*|refactor\w*|program\w*|algorithm|script)\b`, Provider: "claude", TaskTypes: []TaskType{TaskCodeGeneration, TaskDebugging}, Priority: 9},
			{Pattern: `\b(latest|current|news|today|search|research)\b`, Provider: "gemini", TaskTypes: []TaskType{TaskResearch}, Priority: 8},
			{Pattern: `\btranslat\w*\b`, Provider: "gemini", TaskTypes: []TaskType{TaskTranslation}, Priority: 7},
			{Pattern: `\b(story|poem|creative|fiction|lyrics)\b`, Provider: "openai", TaskTypes: []TaskType{TaskCreativeWriting}, Priority: 6},
			{Pattern: `\b(summari[sz]\w*|tl;?dr|key points)\b`, Provider: "cohere", TaskTypes: []TaskType{TaskSummarization}, Priority: 5},
			{Pattern: `\b(analy[sz]\w*|compare|evaluate|pros and cons)\b`, Provider: "claude", TaskTypes: []TaskType{TaskAnalysis}, Priority: 4},
			{Pattern: `\b(calculat\w*|solve|equation|math\w*|proof)\b`, Provider: "openai", TaskTypes: []TaskType{TaskMath}, Priority: 3},
		},
		Keywords: []Keyword{
			{Keyword: "crash", TaskType: TaskDebugging},
			{Keyword: "broken", TaskType: TaskDebugging},
			{Keyword: "sql", TaskType: TaskCodeGeneration},
			{Keyword: "api", TaskType: TaskCodeGeneration},
			{Keyword: "essay", TaskType: TaskCreativeWriting},
			{Keyword: "write", TaskType: TaskCreativeWriting},
			{Keyword: "summary", TaskType: TaskSummarization},
			{Keyword: "explain", TaskType: TaskAnalysis},
			{Keyword: "review", TaskType: TaskAnalysis},
			{Keyword: "language", TaskType: TaskTranslation},
			{Keyword: "who is", TaskType: TaskResearch},
			{Keyword: "find", TaskType: TaskResearch},
			{Keyword: "formula", TaskType: TaskMath},
			{Keyword: "percent", TaskType: TaskMath},
		},
		Capabilities: map[string]map[TaskType]float64{
			"openai": {
				TaskCodeGeneration: 0.9, TaskDebugging: 0.8, TaskCreativeWriting: 1.0, TaskAnalysis: 0.85,
				TaskSummarization: 0.85, TaskTranslation: 0.85, TaskResearch: 0.7, TaskMath: 0.95, TaskCasualChat: 0.9,
			},
			"claude": {
				TaskCodeGeneration: 1.0, TaskDebugging: 1.0, TaskCreativeWriting: 0.9, TaskAnalysis: 1.0,
				TaskSummarization: 0.9, TaskTranslation: 0.8, TaskResearch: 0.75, TaskMath: 0.85, TaskCasualChat: 0.85,
			},
			"gemini": {
				TaskCodeGeneration: 0.8, TaskDebugging: 0.7, TaskCreativeWriting: 0.8, TaskAnalysis: 0.85,
				TaskSummarization: 0.85, TaskTranslation: 1.0, TaskResearch: 1.0, TaskMath: 0.85, TaskCasualChat: 0.8,
			},
			"cohere": {
				TaskCodeGeneration: 0.6, TaskDebugging: 0.5, TaskCreativeWriting: 0.7, TaskAnalysis: 0.8,
				TaskSummarization: 1.0, TaskTranslation: 0.7, TaskResearch: 0.85, TaskMath: 0.6, TaskCasualChat: 0.75,
			},
		},
		Pricing: map[string]provider.Price{
			"openai": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"claude": {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"gemini": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
			"cohere": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		},
		Baseline: map[string]Baseline{
			"openai": {AvgResponseMs: 2000, SuccessRate: 0.95},
			"claude": {AvgResponseMs: 2500, SuccessRate: 0.95},
			"gemini": {AvgResponseMs: 1500, SuccessRate: 0.9},
			"cohere": {AvgResponseMs: 1800, SuccessRate: 0.9},
		},
		CostCeilingUSD:      0.05,
		MaxResponseMs:       10000,
		DefaultOutputTokens: 1000,
	}
}

// LoadProfile reads a YAML profile. Fields absent from the file keep their
// default values.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing profile: %w", err)
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse routing profile %s: %w", path, err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// compile validates the profile, compiles every rule pattern and orders the
// rules by descending priority. Equal priorities keep their declared order.
func (p *Profile) compile() error {
	if len(p.Providers) == 0 {
		return fmt.Errorf("routing profile lists no providers")
	}
	if p.CostCeilingUSD <= 0 || p.MaxResponseMs <= 0 {
		return fmt.Errorf("routing profile ceilings must be positive")
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if len(r.TaskTypes) == 0 {
			return fmt.Errorf("routing rule %q has no task types", r.Pattern)
		}
		for _, t := range r.TaskTypes {
			if !t.Valid() {
				return fmt.Errorf("routing rule %q: unknown task type %q", r.Pattern, t)
			}
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return fmt.Errorf("routing rule %q: %w", r.Pattern, err)
		}
		r.re = re
	}
	for _, k := range p.Keywords {
		if !k.TaskType.Valid() {
			return fmt.Errorf("routing keyword %q: unknown task type %q", k.Keyword, k.TaskType)
		}
	}
	sort.SliceStable(p.Rules, func(i, j int) bool {
		return p.Rules[i].Priority > p.Rules[j].Priority
	})
	return nil
}

func (p *Profile) capability(name string, task TaskType) float64 {
	if v, ok := p.Capabilities[name][task]; ok {
		return v
	}
	return 0.5
}

func (p *Profile) known(name string) bool {
	for _, n := range p.Providers {
		if n == name {
			return true
		}
	}
	return false
}
