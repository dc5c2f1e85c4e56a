package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/alerting"
	"github.com/OGHeyDude/agent-reliability/pkg/breaker"
	"github.com/OGHeyDude/agent-reliability/pkg/config"
	"github.com/OGHeyDude/agent-reliability/pkg/degradation"
	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
	"github.com/OGHeyDude/agent-reliability/pkg/health"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
	"github.com/OGHeyDude/agent-reliability/pkg/metrics"
)

// Service is the composition root for the reliability layer. It owns the
// event bus, the circuit breaker registry, the degradation strategies,
// health checking, and alert dispatch, and wires them together.
type Service struct {
	config  *config.Config
	logger  *logging.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	Breakers    *breaker.Manager
	Degradation *degradation.Manager
	Health      *health.Manager
	Alerts      *alerting.Service

	cache      *degradation.CachedResponseStrategy
	simplified *degradation.SimplifiedExecutionStrategy
	static     *degradation.StaticResponseStrategy

	mutex      sync.Mutex
	agents     map[string]*breaker.AgentBreaker
	cacheStats degradation.CacheStats
}

// New assembles a reliability service from configuration. Nothing runs
// until Start.
func New(cfg *config.Config, logger *logging.Logger) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	bus := events.NewBus(logger)
	m := metrics.NewMetrics(metrics.DefaultConfig())

	breakerDefaults := breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		Timeout:                  cfg.Breaker.Timeout,
		HalfOpenMaxCalls:         cfg.Breaker.HalfOpenMaxCalls,
		VolumeThreshold:          cfg.Breaker.VolumeThreshold,
		ErrorThresholdPercentage: cfg.Breaker.ErrorThresholdPercentage,
		MonitoringPeriod:         cfg.Breaker.MonitoringPeriod,
		DefaultCallTimeout:       cfg.Breaker.DefaultCallTimeout,
	}

	s := &Service{
		config:      cfg,
		logger:      logger,
		bus:         bus,
		metrics:     m,
		Breakers:    breaker.NewManager(breakerDefaults, cfg.Breaker.RecoverySweepInterval, bus),
		Degradation: degradation.NewManager(bus),
		Health:      health.NewManager(cfg.Health, bus),
		Alerts:      alerting.NewService(cfg.Alerting, m),
		agents:      make(map[string]*breaker.AgentBreaker),
	}

	s.cache = degradation.NewCachedResponseStrategy(degradation.CachedConfig{
		MaxCacheSize: cfg.Degradation.MaxCacheSize,
		DefaultTTL:   cfg.Degradation.DefaultCacheTTL,
	})
	s.simplified = degradation.NewSimplifiedExecutionStrategy()
	s.static = degradation.NewStaticResponseStrategy()
	s.Degradation.Register(s.cache)
	s.Degradation.Register(s.simplified)
	s.Degradation.Register(s.static)

	s.Alerts.AddChannel(alerting.NewLogChannel())
	if cfg.Alerting.WebhookURL != "" {
		s.Alerts.AddChannel(alerting.NewWebhookChannel(cfg.Alerting.WebhookURL, nil))
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		s.Alerts.AddChannel(alerting.NewSlackChannel(cfg.Alerting.SlackWebhookURL, "", "reliabilityd"))
	}
	s.Alerts.BindBus(bus)

	s.registerDefaultCheckers()
	s.bindMetrics()
	return s
}

// Bus exposes the shared event bus for additional subscribers.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Metrics exposes the Prometheus collectors, primarily for the HTTP
// exposition endpoint.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Cache exposes the shared cached-response strategy so callers can warm
// or export it.
func (s *Service) Cache() *degradation.CachedResponseStrategy {
	return s.cache
}

// Start launches the breaker recovery sweep and health check schedules.
func (s *Service) Start(ctx context.Context) error {
	s.Breakers.Start(ctx)
	if err := s.Health.Start(ctx); err != nil {
		s.Breakers.Stop()
		return err
	}
	s.logger.Info("Reliability service started")
	return nil
}

// Stop halts background work. In-flight executions complete normally.
func (s *Service) Stop() {
	s.Health.Stop()
	s.Breakers.Stop()
	s.logger.Info("Reliability service stopped")
}

// Agent returns the protected wrapper for a named agent, creating it on
// first use. Every agent wrapper falls back to the shared degradation
// strategies when its primary path fails.
func (s *Service) Agent(name string, custom *breaker.Config) *breaker.AgentBreaker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if agent, ok := s.agents[name]; ok {
		return agent
	}

	agent := breaker.NewAgentBreaker(s.Breakers.GetAgentBreaker(name, custom), s.bus)
	agent.AddFallbackStrategy(&degradationFallback{service: s})
	s.agents[name] = agent
	return agent
}

// ExecuteAgent runs fn for the named agent under full protection:
// circuit breaking, timeout racing, degradation fallbacks. Successful
// outputs seed the response cache for later degraded operation.
func (s *Service) ExecuteAgent(ctx context.Context, execCtx breaker.ExecContext, fn breaker.ExecutionFunc) *breaker.ExecResult {
	agent := s.Agent(execCtx.AgentName, nil)
	result := agent.Execute(ctx, fn, execCtx)

	if result.Success && !result.FromCache {
		s.cache.CacheAgentResponse(execCtx.AgentName, execCtx.AgentName, execCtx.Task,
			execCtx.Request, result.Output, s.config.Degradation.DefaultCacheTTL)
	}
	s.syncCacheMetrics()
	return result
}

// syncCacheMetrics folds the cache's internal counters into Prometheus.
func (s *Service) syncCacheMetrics() {
	if !s.metrics.Enabled() {
		return
	}

	stats := s.cache.Stats()
	s.mutex.Lock()
	prev := s.cacheStats
	s.cacheStats = stats
	s.mutex.Unlock()

	s.metrics.CacheSize.WithLabelValues(s.cache.Name()).Set(float64(stats.Size))
	if d := stats.Evictions - prev.Evictions; d > 0 {
		s.metrics.CacheEvictions.WithLabelValues("capacity").Add(float64(d))
	}
	if d := stats.Expirations - prev.Expirations; d > 0 {
		s.metrics.CacheEvictions.WithLabelValues("expired").Add(float64(d))
	}
}

// RegisterAgentProbe schedules a liveness probe for an agent on the
// agent check interval.
func (s *Service) RegisterAgentProbe(name string, probe health.ProbeFunc) {
	s.Health.RegisterChecker(health.KindAgent,
		health.NewAgentChecker(name, probe, s.config.Health.Thresholds))
}

// RegisterDependency schedules an HTTP dependency probe.
func (s *Service) RegisterDependency(name, url string) {
	s.Health.RegisterChecker(health.KindDependency,
		health.NewDependencyChecker(name, url, 10*time.Second, s.config.Health.Thresholds))
}

// RegisterSimplifiedHandler installs a reduced implementation used when
// the component's primary path is degraded.
func (s *Service) RegisterSimplifiedHandler(component string, fn degradation.SimplifiedFunc) {
	s.simplified.RegisterHandler(component, fn)
}

// RegisterStaticResponse installs a canned last-resort payload for a
// component.
func (s *Service) RegisterStaticResponse(component string, payload interface{}) {
	s.static.SetResponse(component, payload)
}

// registerDefaultCheckers wires the built-in probes: host metrics and
// the breaker registry's own health.
func (s *Service) registerDefaultCheckers() {
	thresholds := s.config.Health.Thresholds

	s.Health.RegisterChecker(health.KindSystem,
		health.NewSystemChecker("system", "/", thresholds))

	s.Health.RegisterChecker(health.KindResource,
		health.NewErrorRateChecker("circuit-breakers", func(ctx context.Context) (float64, float64, error) {
			agg := s.Breakers.AggregatedMetrics()
			if agg.TotalRequests == 0 {
				return 0, 100, nil
			}
			return 100 - agg.SuccessRate, agg.SuccessRate, nil
		}, thresholds))
}

// bindMetrics subscribes Prometheus collectors to the event stream so
// every subsystem reports without direct coupling.
func (s *Service) bindMetrics() {
	if !s.metrics.Enabled() {
		return
	}

	s.bus.Subscribe(events.TypeStateChange, func(e events.Event) {
		from, _ := e.Payload["previous_state"].(string)
		to, _ := e.Payload["new_state"].(string)
		s.metrics.BreakerTransitions.WithLabelValues(e.Source, from, to).Inc()
		s.metrics.BreakerState.WithLabelValues(e.Source).Set(stateGaugeValue(to))
	})

	s.bus.Subscribe(events.TypeCallExecuted, func(e events.Event) {
		// A fallback-served call still counts as a primary failure; the
		// breaker recorded it as one.
		success, _ := e.Payload["success"].(bool)
		fromCache, _ := e.Payload["from_cache"].(bool)
		outcome := "failure"
		if success && !fromCache {
			outcome = "success"
		}
		s.metrics.BreakerCallsTotal.WithLabelValues(e.Source, outcome).Inc()
		if ms, ok := e.Payload["duration_ms"].(int64); ok {
			s.metrics.BreakerCallDuration.WithLabelValues(e.Source).Observe(float64(ms) / 1000)
		}
	})

	s.bus.Subscribe(events.TypeCallBlocked, func(e events.Event) {
		s.metrics.BreakerShortCircuits.WithLabelValues(e.Source).Inc()
	})

	s.bus.Subscribe(events.TypeFallbackUsed, func(e events.Event) {
		strategy, _ := e.Payload["strategy"].(string)
		agent, _ := e.Payload["agent"].(string)
		s.metrics.FallbackAttempts.WithLabelValues(strategy, "served").Inc()
		// The cache is the highest-priority strategy, so any other
		// strategy serving implies the cache was consulted and missed.
		if strategy == s.cache.Name() {
			s.metrics.CacheHits.WithLabelValues(agent).Inc()
		} else {
			s.metrics.CacheMisses.WithLabelValues(agent).Inc()
		}
	})

	s.bus.Subscribe(events.TypeHealthCheckCompleted, func(e events.Event) {
		component, _ := e.Payload["component"].(string)
		kind, _ := e.Payload["kind"].(string)
		status, _ := e.Payload["status"].(string)
		s.metrics.HealthChecksTotal.WithLabelValues(component, status).Inc()
		s.metrics.HealthCheckStatus.WithLabelValues(component).Set(statusGaugeValue(status))
		if ms, ok := e.Payload["duration_ms"].(int64); ok {
			s.metrics.HealthCheckDuration.WithLabelValues(component, kind).Observe(float64(ms) / 1000)
		}
	})
}

func stateGaugeValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

func statusGaugeValue(status string) float64 {
	switch health.Status(status) {
	case health.StatusDegraded:
		return 1
	case health.StatusUnhealthy:
		return 2
	case health.StatusCritical:
		return 3
	default:
		return 0
	}
}

// degradationFallback bridges the breaker's fallback chain to the shared
// degradation manager.
type degradationFallback struct {
	service *Service
}

func (f *degradationFallback) Name() string {
	return "degradation-manager"
}

func (f *degradationFallback) Execute(ctx context.Context, execCtx breaker.ExecContext, cause error) (interface{}, error) {
	dctx := degradation.Context{
		Reason:    reasonFor(cause),
		Component: execCtx.AgentName,
		Severity:  severityFor(cause),
		AgentName: execCtx.AgentName,
		Task:      execCtx.Task,
		Request:   execCtx.Request,
		Metadata:  execCtx.Metadata,
	}

	result, err := f.service.Degradation.Handle(ctx, dctx)
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

func reasonFor(cause error) degradation.Reason {
	switch {
	case errors.IsCircuitOpen(cause):
		return degradation.ReasonCircuitOpen
	case errors.IsTimeout(cause):
		return degradation.ReasonTimeoutExceeded
	default:
		return degradation.ReasonAgentUnavailable
	}
}

func severityFor(cause error) degradation.Severity {
	switch {
	case errors.IsCircuitOpen(cause):
		return degradation.SeveritySevere
	case errors.IsTimeout(cause):
		return degradation.SeveritySignificant
	default:
		return degradation.SeverityPartial
	}
}
