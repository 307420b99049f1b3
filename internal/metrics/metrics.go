package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_relay_dispatches_total",
			Help: "Finished dispatches by provider and terminal status",
		},
		[]string{"provider", "status"},
	)

	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_relay_dispatch_latency_seconds",
			Help:    "Provider round-trip latency in seconds",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"provider"},
	)

	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_relay_tokens_total",
			Help: "Tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_relay_cost_usd_total",
			Help: "Estimated spend in USD",
		},
		[]string{"provider"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_relay_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_relay_in_flight_requests",
			Help: "Requests currently holding a dispatch slot",
		},
	)

	Queued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_relay_queued_requests",
			Help: "Requests waiting for a dispatch slot",
		},
	)

	BudgetExceeded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_relay_budget_exceeded",
			Help: "1 when today's spend has reached the daily budget",
		},
	)

	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_relay_stream_clients",
			Help: "Connected notification subscribers",
		},
	)
)
