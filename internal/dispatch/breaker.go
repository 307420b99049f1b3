package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

const breakerTripAfter = 5

var errTransientFailure = errors.New("transient provider failure")

// breakers holds one circuit breaker per provider. Only transient failures
// count against a provider; a request the user cancelled does not.
type breakers struct {
	mu  sync.Mutex
	set map[string]*gobreaker.CircuitBreaker
}

func newBreakers() *breakers {
	return &breakers{set: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.set[name]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripAfter
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
		})
		b.set[name] = cb
	}
	return cb
}

func (b *breakers) state(name string) string {
	return b.get(name).State().String()
}

// execute runs fn through the provider's breaker. While the breaker is open
// fn is not called and a transient failure is returned instead.
func (b *breakers) execute(name, model string, fn func() (*provider.Response, error)) (*provider.Response, error) {
	var resp *provider.Response
	_, err := b.get(name).Execute(func() (interface{}, error) {
		r, err := fn()
		resp = r
		if err != nil {
			return nil, err
		}
		if r != nil && r.Status == provider.StatusFailed && r.ErrorKind == provider.ErrorTransient {
			return nil, errTransientFailure
		}
		return r, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return provider.Failure(name, model, provider.ErrorTransient,
			"%s is unavailable after repeated failures, retry later", name), nil
	case errors.Is(err, errTransientFailure):
		return resp, nil
	}
	return resp, err
}
