package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resolver",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20, 45},
	}, []string{"method", "path"})

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "provider_requests_total",
		Help:      "Total requests to content providers by provider name and result status.",
	}, []string{"provider", "status"})

	ProviderRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resolver",
		Name:      "provider_request_duration_seconds",
		Help:      "Content provider request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 45},
	}, []string{"provider"})

	ProviderAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "provider_available",
		Help:      "Whether a provider is available (1) or blocked by circuit breaker (0).",
	}, []string{"provider"})

	LimiterInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "limiter_in_flight",
		Help:      "Outbound calls currently holding a limiter slot.",
	}, []string{"limiter"})

	LinkCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "link_cache_hits_total",
		Help:      "Total number of resolved-link cache hits.",
	})

	LinkCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "link_cache_misses_total",
		Help:      "Total number of resolved-link cache misses.",
	})

	LinkCacheInvalidationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "link_cache_invalidations_total",
		Help:      "Cached links removed after a failed liveness probe.",
	})

	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "jobs_total",
		Help:      "Resolution jobs that reached a terminal state.",
	}, []string{"state"})

	ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "active_jobs",
		Help:      "Resolution jobs currently searching or downloading.",
	})

	SessionConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "session_conflicts_total",
		Help:      "Stream starts denied because the credential is live elsewhere.",
	})

	BadLinkReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "bad_link_reports_total",
		Help:      "Bad-link reports by outcome (new, added, duplicate).",
	}, []string{"outcome"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		ProviderAvailable,
		LimiterInFlight,
		LinkCacheHitsTotal,
		LinkCacheMissesTotal,
		LinkCacheInvalidationsTotal,
		JobsTotal,
		ActiveJobs,
		SessionConflictsTotal,
		BadLinkReportsTotal,
	)
}
