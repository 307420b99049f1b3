package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a per-provider token budget over a one-minute window, backed by
// github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(providerName string) string {
	return fmt.Sprintf("ratelimit:provider:%s", providerName)
}

// Allow reserves tokens from the provider's budget.
func (l *Limiter) Allow(ctx context.Context, providerName string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(providerName), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Budget is a snapshot of a provider's token budget for the current window.
type Budget struct {
	Limit     int   `json:"limit"`
	Remaining int64 `json:"remaining"`
	ResetInMs int64 `json:"reset_in_ms"`
}

// Status reads the provider's budget without consuming from it.
func (l *Limiter) Status(ctx context.Context, providerName string) (*Budget, error) {
	res, err := l.store.Status(ctx, key(providerName))
	if err != nil {
		return nil, fmt.Errorf("token budget status for %s: %w", providerName, err)
	}
	return &Budget{
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetInMs: res.ResetAfter.Milliseconds(),
	}, nil
}
