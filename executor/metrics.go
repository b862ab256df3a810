package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors register on the default registry; exposition is the embedding
// process's concern.
var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facetql_cache_hits_total",
		Help: "Result cache hits by tier.",
	}, []string{"tier"})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facetql_cache_misses_total",
		Help: "Result cache misses.",
	})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facetql_query_duration_seconds",
		Help:    "Engine-side query duration by dialect.",
		Buckets: prometheus.DefBuckets,
	}, []string{"dialect"})

	queryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facetql_query_errors_total",
		Help: "Query failures by error kind.",
	}, []string{"kind"})

	throttleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facetql_throttle_rejections_total",
		Help: "Requests rejected by the throttle, by guard.",
	}, []string{"guard"})
)
