package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fida_requests_total",
			Help: "Total HTTP requests by route, method and status code.",
		},
		[]string{"path", "method", "code"},
	)
	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fida_request_latency_seconds",
			Help:    "HTTP request latency by route and method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
	eventsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fida_events_issued_total",
			Help: "Ledger events issued per tenant.",
		},
		[]string{"tenant_id"},
	)
	checkpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fida_checkpoints_total",
			Help: "Merkle checkpoints issued.",
		},
	)
	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fida_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		},
	)
)
