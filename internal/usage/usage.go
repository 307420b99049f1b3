package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

const (
	DayLayout     = "2006-01-02"
	RetentionDays = 30
)

// Counters are additive usage totals.
type Counters struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	Cancelled    int64   `json:"cancelled"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (c *Counters) Add(o Counters) {
	c.Requests += o.Requests
	c.Errors += o.Errors
	c.Cancelled += o.Cancelled
	c.InputTokens += o.InputTokens
	c.OutputTokens += o.OutputTokens
	c.TotalTokens += o.TotalTokens
	c.CostUSD += o.CostUSD
}

// CountersFor is the delta one finished dispatch contributes.
func CountersFor(resp *provider.Response) Counters {
	c := Counters{Requests: 1}
	if resp == nil {
		return c
	}
	switch resp.Status {
	case provider.StatusFailed:
		c.Errors = 1
	case provider.StatusCancelled:
		c.Cancelled = 1
	}
	c.InputTokens = int64(resp.Usage.InputTokens)
	c.OutputTokens = int64(resp.Usage.OutputTokens)
	c.TotalTokens = int64(resp.Usage.TotalTokens)
	if c.TotalTokens == 0 {
		c.TotalTokens = c.InputTokens + c.OutputTokens
	}
	c.CostUSD = resp.CostUSD
	return c
}

type DayReport struct {
	Day        string              `json:"day"`
	Total      Counters            `json:"total"`
	Providers  map[string]Counters `json:"providers"`
	OverBudget bool                `json:"over_budget"`
}

type Report struct {
	From           string              `json:"from"`
	To             string              `json:"to"`
	Total          Counters            `json:"total"`
	Providers      map[string]Counters `json:"providers"`
	Days           []DayReport         `json:"days"`
	DailyBudgetUSD float64             `json:"daily_budget_usd,omitempty"`
}

// Ledger aggregates usage per local calendar day and provider. Only the last
// RetentionDays days are kept.
type Ledger struct {
	mu      sync.Mutex
	days    map[string]map[string]*Counters
	store   Store
	budget  float64
	alerted string
	pruned  string
	loc     *time.Location
	now     func() time.Time

	// OnBudgetExceeded runs once per day, when that day's cost first
	// reaches the daily budget.
	OnBudgetExceeded func(day string, costUSD float64)
}

// NewLedger returns a ledger persisting to store, which may be nil. A
// dailyBudgetUSD of zero disables budget alerts.
func NewLedger(store Store, dailyBudgetUSD float64) *Ledger {
	return &Ledger{
		days:   make(map[string]map[string]*Counters),
		store:  store,
		budget: dailyBudgetUSD,
		loc:    time.Local,
		now:    time.Now,
	}
}

func (l *Ledger) dayOf(t time.Time) string {
	return t.In(l.loc).Format(DayLayout)
}

func (l *Ledger) cutoff(now time.Time) string {
	return l.dayOf(now.AddDate(0, 0, -(RetentionDays - 1)))
}

// Record adds resp to today's bucket for providerName. It never fails:
// persistence errors are logged and the in-memory totals stay authoritative.
func (l *Ledger) Record(ctx context.Context, providerName string, resp *provider.Response) {
	delta := CountersFor(resp)
	now := l.now()
	day := l.dayOf(now)

	l.mu.Lock()
	buckets, ok := l.days[day]
	if !ok {
		buckets = make(map[string]*Counters)
		l.days[day] = buckets
	}
	c, ok := buckets[providerName]
	if !ok {
		c = &Counters{}
		buckets[providerName] = c
	}
	before := l.dayCostLocked(day)
	c.Add(delta)
	after := before + delta.CostUSD

	cutoff := l.cutoff(now)
	for d := range l.days {
		if d < cutoff {
			delete(l.days, d)
		}
	}

	alert := l.budget > 0 && after >= l.budget && l.alerted != day
	if alert {
		l.alerted = day
	}
	prune := l.pruned != day
	l.pruned = day
	l.mu.Unlock()

	if alert {
		log.Warn().
			Str("day", day).
			Float64("cost_usd", after).
			Float64("budget_usd", l.budget).
			Msg("daily usage budget exceeded")
		if l.OnBudgetExceeded != nil {
			l.OnBudgetExceeded(day, after)
		}
	}

	if l.store == nil {
		return
	}
	if err := l.store.Add(ctx, day, providerName, delta); err != nil {
		log.Error().Err(err).Str("provider", providerName).Msg("usage: failed to persist counters")
	}
	if prune {
		if err := l.store.Prune(ctx, cutoff); err != nil {
			log.Error().Err(err).Msg("usage: failed to prune persisted counters")
		}
	}
}

// Prune drops days that fell out of the retention window, in memory and in
// the store. Record prunes on the first write of each day; Prune covers days
// without traffic.
func (l *Ledger) Prune(ctx context.Context) error {
	now := l.now()
	cutoff := l.cutoff(now)

	l.mu.Lock()
	for d := range l.days {
		if d < cutoff {
			delete(l.days, d)
		}
	}
	l.pruned = l.dayOf(now)
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	return l.store.Prune(ctx, cutoff)
}

// dayCostLocked must be called with l.mu held.
func (l *Ledger) dayCostLocked(day string) float64 {
	var cost float64
	for _, c := range l.days[day] {
		cost += c.CostUSD
	}
	return cost
}

// Report aggregates the inclusive day range [from, to].
func (l *Ledger) Report(from, to time.Time) Report {
	fromDay, toDay := l.dayOf(from), l.dayOf(to)
	if fromDay > toDay {
		fromDay, toDay = toDay, fromDay
	}
	rep := Report{
		From:           fromDay,
		To:             toDay,
		Providers:      make(map[string]Counters),
		DailyBudgetUSD: l.budget,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for day, buckets := range l.days {
		if day < fromDay || day > toDay {
			continue
		}
		dr := DayReport{Day: day, Providers: make(map[string]Counters, len(buckets))}
		for name, c := range buckets {
			dr.Providers[name] = *c
			dr.Total.Add(*c)

			p := rep.Providers[name]
			p.Add(*c)
			rep.Providers[name] = p
		}
		dr.OverBudget = l.budget > 0 && dr.Total.CostUSD >= l.budget
		rep.Total.Add(dr.Total)
		rep.Days = append(rep.Days, dr)
	}
	sort.Slice(rep.Days, func(i, j int) bool { return rep.Days[i].Day < rep.Days[j].Day })
	return rep
}

// Today returns today's totals across providers.
func (l *Ledger) Today() Counters {
	day := l.dayOf(l.now())
	l.mu.Lock()
	defer l.mu.Unlock()
	var total Counters
	for _, c := range l.days[day] {
		total.Add(*c)
	}
	return total
}

func (l *Ledger) OverBudget() bool {
	return l.budget > 0 && l.Today().CostUSD >= l.budget
}

// Restore loads the retention window from the store, replacing whatever the
// ledger held.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	now := l.now()
	rows, err := l.store.Load(ctx, l.cutoff(now))
	if err != nil {
		return err
	}

	days := make(map[string]map[string]*Counters)
	for _, row := range rows {
		buckets, ok := days[row.Day]
		if !ok {
			buckets = make(map[string]*Counters)
			days[row.Day] = buckets
		}
		c, ok := buckets[row.Provider]
		if !ok {
			c = &Counters{}
			buckets[row.Provider] = c
		}
		c.Add(row.Counters)
	}

	l.mu.Lock()
	l.days = days
	today := l.dayOf(now)
	if l.budget > 0 && l.dayCostLocked(today) >= l.budget {
		l.alerted = today
	}
	l.mu.Unlock()
	return nil
}
