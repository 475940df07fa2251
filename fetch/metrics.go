package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tierHits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tactgo_fetch_tier_hits_total",
		Help: "Blob fetches satisfied by each tier",
	},
	[]string{"tier"},
)

var cdnRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tactgo_fetch_cdn_requests_total",
		Help: "CDN HTTP requests by method and status",
	},
	[]string{"method", "code"},
)

var fetchLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tactgo_fetch_latency_seconds",
		Help:    "Fetch latency by tier",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	},
	[]string{"tier"},
)
