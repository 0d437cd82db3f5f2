// Package metrics declares the prometheus collectors of conto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conto_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conto_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conto_commits_total",
		Help: "Committed revisions by entity kind",
	}, []string{"kind"})

	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conto_conflicts_total",
		Help: "Rejected draft operations by entity kind and reason",
	}, []string{"kind", "reason"})

	StaleRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conto_store_stale_retries_total",
		Help: "Store writes retried after a concurrent update",
	})

	BalanceComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conto_balance_compute_duration_seconds",
		Help:    "Time spent computing group balances from a snapshot",
		Buckets: prometheus.DefBuckets,
	})

	BalanceCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conto_balance_cache_total",
		Help: "Balance cache lookups by result",
	}, []string{"result"})

	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conto_balance_exports_total",
		Help: "Balance exports by outcome",
	}, []string{"outcome"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conto_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	SuspiciousRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conto_suspicious_requests_total",
		Help: "Requests flagged by the security detector",
	})
)
