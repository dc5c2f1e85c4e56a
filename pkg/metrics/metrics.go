package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the reliability core
type Metrics struct {
	// Circuit breaker metrics
	BreakerCallsTotal    *prometheus.CounterVec
	BreakerCallDuration  *prometheus.HistogramVec
	BreakerShortCircuits *prometheus.CounterVec
	BreakerTimeouts      *prometheus.CounterVec
	BreakerState         *prometheus.GaugeVec
	BreakerTransitions   *prometheus.CounterVec

	// Degradation metrics
	FallbackAttempts *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec
	CacheSize        *prometheus.GaugeVec

	// Health check metrics
	HealthCheckDuration *prometheus.HistogramVec
	HealthCheckStatus   *prometheus.GaugeVec
	HealthChecksTotal   *prometheus.CounterVec

	// Alerting metrics
	AlertsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "reliability",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		BreakerCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_calls_total",
				Help:      "Total number of calls routed through circuit breakers",
			},
			[]string{"breaker", "outcome"},
		),
		BreakerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_call_duration_seconds",
				Help:      "Duration of calls executed through circuit breakers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"breaker"},
		),
		BreakerShortCircuits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_short_circuits_total",
				Help:      "Total number of calls blocked without reaching the dependency",
			},
			[]string{"breaker"},
		),
		BreakerTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_timeouts_total",
				Help:      "Total number of wrapped executions that exceeded their timeout",
			},
			[]string{"breaker"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		FallbackAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_attempts_total",
				Help:      "Total number of degradation strategy executions",
			},
			[]string{"strategy", "outcome"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_hits_total",
				Help:      "Total number of cached-response hits",
			},
			[]string{"component"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_misses_total",
				Help:      "Total number of cached-response misses",
			},
			[]string{"component"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_evictions_total",
				Help:      "Total number of cache entries evicted",
			},
			[]string{"reason"},
		),
		CacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_size",
				Help:      "Current number of cached responses",
			},
			[]string{"strategy"},
		),
		HealthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_check_duration_seconds",
				Help:      "Duration of individual health checks",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "kind"},
		),
		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_check_status",
				Help:      "Latest component status (0=healthy, 1=degraded, 2=unhealthy, 3=critical)",
			},
			[]string{"component"},
		),
		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_checks_total",
				Help:      "Total number of health checks performed",
			},
			[]string{"component", "status"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_total",
				Help:      "Total number of alerts dispatched",
			},
			[]string{"severity", "state"},
		),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.BreakerCallsTotal,
		m.BreakerCallDuration,
		m.BreakerShortCircuits,
		m.BreakerTimeouts,
		m.BreakerState,
		m.BreakerTransitions,
		m.FallbackAttempts,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.CacheSize,
		m.HealthCheckDuration,
		m.HealthCheckStatus,
		m.HealthChecksTotal,
		m.AlertsTotal,
	)

	return m
}

// Handler returns a Gin handler serving the Prometheus exposition format
func (m *Metrics) Handler() gin.HandlerFunc {
	if m.registry == nil {
		return func(c *gin.Context) { c.Status(204) }
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Enabled reports whether metrics were registered
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}
