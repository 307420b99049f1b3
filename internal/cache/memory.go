package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // *Entry, oldest insertion at the front
	items   map[string]*list.Element
	now     func() time.Time
	stats   counters
}

func NewMemory(maxSize int, ttl time.Duration) *Memory {
	return &Memory{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (m *Memory) expired(e *Entry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.InsertedAt) > m.ttl
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		m.stats.misses.Add(1)
		return nil, false, nil
	}
	e := el.Value.(*Entry)
	if m.expired(e, m.now()) {
		m.remove(el)
		m.stats.expired.Add(1)
		m.stats.misses.Add(1)
		return nil, false, nil
	}
	e.Hits++
	m.stats.hits.Add(1)

	out := *e
	out.Response = cloneResponse(e.Response)
	return &out, true, nil
}

func (m *Memory) Put(_ context.Context, key string, resp *provider.Response, providerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.remove(el)
	}
	e := &Entry{
		Key:        key,
		Response:   cloneResponse(resp),
		Provider:   providerName,
		InsertedAt: m.now(),
	}
	m.items[key] = m.order.PushBack(e)
	m.stats.puts.Add(1)

	for m.maxSize > 0 && m.order.Len() > m.maxSize {
		m.remove(m.order.Front())
		m.stats.evictions.Add(1)
	}
	return nil
}

func (m *Memory) EvictExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if m.expired(el.Value.(*Entry), now) {
			m.remove(el)
			n++
		}
		el = next
	}
	m.stats.expired.Add(uint64(n))
	return n, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len(), nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.items = make(map[string]*list.Element)
	return nil
}

func (m *Memory) Stats() Stats {
	return m.stats.snapshot()
}

// remove must be called with m.mu held.
func (m *Memory) remove(el *list.Element) {
	m.order.Remove(el)
	delete(m.items, el.Value.(*Entry).Key)
}
