package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests tracks API requests by handler, method and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_http_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"handler", "method", "code"},
	)

	// HTTPLatency tracks API request latency.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainmcp_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	// RetryAttempts counts executor attempts by operation and outcome.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_retry_attempts_total",
			Help: "Executor attempts by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// BreakerOpened counts closed to open transitions per breaker.
	BreakerOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_breaker_opened_total",
			Help: "Number of times a circuit breaker opened",
		},
		[]string{"breaker"},
	)

	// BreakerOpen is 1 while the named breaker rejects calls.
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainmcp_breaker_open",
			Help: "Whether the circuit breaker is open",
		},
		[]string{"breaker"},
	)

	// RateLimitRejections counts CheckLimit denials per bucket.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_rate_limit_rejections_total",
			Help: "Requests rejected by the fixed window limiter",
		},
		[]string{"bucket"},
	)

	// CacheLookups counts cache reads by cache and result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_cache_lookups_total",
			Help: "Cache lookups by cache name and result",
		},
		[]string{"cache", "result"},
	)

	// CacheEvictions counts entries reclaimed by the sweeper.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_cache_evictions_total",
			Help: "Expired cache entries reclaimed",
		},
		[]string{"cache"},
	)

	// SubscriptionEvents counts events delivered from the streaming connection.
	SubscriptionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_subscription_events_total",
			Help: "Streaming events received by subscription kind",
		},
		[]string{"kind"},
	)

	// ListenerFailures counts listener errors and panics.
	ListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_listener_failures_total",
			Help: "Listener invocations that returned an error or panicked",
		},
		[]string{"kind"},
	)

	// ReconnectAttempts counts dial attempts after the initial connect.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainmcp_reconnect_attempts_total",
			Help: "Streaming connection reconnect attempts",
		},
	)

	// ConnectionPhase is 1 for the current phase of the streaming connection.
	ConnectionPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainmcp_connection_phase",
			Help: "Current streaming connection phase",
		},
		[]string{"phase"},
	)

	// Alerts counts alerts emitted by the price stream.
	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmcp_alerts_total",
			Help: "Price and activity alerts emitted",
		},
		[]string{"type"},
	)
)
