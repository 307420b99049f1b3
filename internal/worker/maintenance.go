package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-relay/internal/cache"
	"github.com/vnmchuo/llm-relay/internal/usage"
)

const (
	JobCacheSweep  = "cache-sweep"
	JobUsagePrune  = "usage-prune"
	JobBudgetGauge = "budget-gauge"
)

// CacheSweep removes expired cache entries every interval so they do not
// wait for a lookup to be dropped.
func CacheSweep(store cache.Store, interval time.Duration) Job {
	return Job{
		Name: JobCacheSweep,
		Spec: fmt.Sprintf("@every %s", interval),
		Run: func(ctx context.Context) error {
			n, err := store.EvictExpired(ctx)
			if err != nil {
				return fmt.Errorf("evict expired entries: %w", err)
			}
			if n > 0 {
				log.Info().Int("evicted", n).Msg("worker: swept expired cache entries")
			}
			return nil
		},
	}
}

// UsagePrune trims the usage ledger to its retention window shortly after
// midnight.
func UsagePrune(ledger *usage.Ledger) Job {
	return Job{
		Name: JobUsagePrune,
		Spec: "5 0 * * *",
		Run:  ledger.Prune,
	}
}

type gauge interface {
	Set(float64)
}

// BudgetGauge keeps g at 1 while today's spend is over budget and drops it
// back within a minute of a new budget day starting.
func BudgetGauge(ledger *usage.Ledger, g gauge) Job {
	return Job{
		Name: JobBudgetGauge,
		Spec: "@every 1m",
		Run: func(context.Context) error {
			if ledger.OverBudget() {
				g.Set(1)
			} else {
				g.Set(0)
			}
			return nil
		},
	}
}
