package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// Namespaced registry key prefixes.
const (
	kindAgent     = "agent"
	kindResource  = "resource"
	kindTimeout   = "timeout"
	kindErrorRate = "error-rate"
)

// AggregatedMetrics sums totals across all registered breakers.
type AggregatedMetrics struct {
	TotalBreakers      int     `json:"total_breakers"`
	ClosedCircuits     int     `json:"closed_circuits"`
	OpenCircuits       int     `json:"open_circuits"`
	HalfOpenCircuits   int     `json:"half_open_circuits"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	Timeouts           int64   `json:"timeouts"`
	ShortCircuits      int64   `json:"short_circuits"`
	SuccessRate        float64 `json:"success_rate"`
}

// ManagerHealth is the result of the manager's self health check.
type ManagerHealth struct {
	Healthy     bool    `json:"healthy"`
	Reason      string  `json:"reason,omitempty"`
	OpenPercent float64 `json:"open_percent"`
	SuccessRate float64 `json:"success_rate"`
}

// Manager is the single point of creation and lookup for all circuit
// breakers in the process. It guarantees at most one breaker instance
// per namespaced key.
type Manager struct {
	mutex    sync.RWMutex
	breakers map[string]*Breaker

	defaults      Config
	sweepInterval time.Duration

	bus    *events.Bus
	logger *logging.Logger

	runMutex sync.Mutex
	stopChan chan struct{}
	running  bool
}

// NewManager creates a breaker manager. The defaults config (its Name is
// ignored) seeds every breaker created without a custom config.
func NewManager(defaults Config, sweepInterval time.Duration, bus *events.Bus) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Manager{
		breakers:      make(map[string]*Breaker),
		defaults:      defaults,
		sweepInterval: sweepInterval,
		bus:           bus,
		logger:        logging.GetLogger(),
	}
}

// GetAgentBreaker returns the breaker guarding a named agent, creating it
// on first use. A custom config is honored only at creation time.
func (m *Manager) GetAgentBreaker(name string, custom *Config) *Breaker {
	return m.getOrCreate(kindAgent, name, custom)
}

// GetResourceBreaker returns the breaker guarding a named resource.
func (m *Manager) GetResourceBreaker(name string, custom *Config) *Breaker {
	return m.getOrCreate(kindResource, name, custom)
}

// GetTimeoutBreaker returns a breaker tuned for timeout-bound calls.
func (m *Manager) GetTimeoutBreaker(name string, custom *Config) *Breaker {
	return m.getOrCreate(kindTimeout, name, custom)
}

// GetErrorRateBreaker returns a breaker that trips on error rate rather
// than consecutive failures alone.
func (m *Manager) GetErrorRateBreaker(name string, custom *Config) *Breaker {
	if custom == nil {
		cfg := m.defaults
		// Error-rate breakers should not trip on a short failure burst.
		cfg.FailureThreshold = cfg.VolumeThreshold
		custom = &cfg
	}
	return m.getOrCreate(kindErrorRate, name, custom)
}

// Get returns a breaker by its full namespaced key, if registered.
func (m *Manager) Get(key string) (*Breaker, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	b, ok := m.breakers[key]
	return b, ok
}

func (m *Manager) getOrCreate(kind, name string, custom *Config) *Breaker {
	key := fmt.Sprintf("%s:%s", kind, name)

	m.mutex.RLock()
	if b, ok := m.breakers[key]; ok {
		m.mutex.RUnlock()
		return b
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Re-check under the write lock; config from a losing caller is ignored.
	if b, ok := m.breakers[key]; ok {
		return b
	}

	cfg := m.defaults
	if custom != nil {
		cfg = *custom
	}
	cfg.Name = key

	b := New(cfg, m.bus)
	m.breakers[key] = b

	m.logger.Debug("Circuit breaker registered", "breaker", key)
	return b
}

// AllStatuses returns a read-only snapshot of every breaker's metrics.
func (m *Manager) AllStatuses() map[string]Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	statuses := make(map[string]Metrics, len(m.breakers))
	for key, b := range m.breakers {
		statuses[key] = b.Snapshot()
	}
	return statuses
}

// AggregatedMetrics sums metrics across breakers and counts breakers in
// each state. Snapshots may be slightly stale relative to each other.
func (m *Manager) AggregatedMetrics() AggregatedMetrics {
	statuses := m.AllStatuses()

	agg := AggregatedMetrics{TotalBreakers: len(statuses)}
	for _, s := range statuses {
		switch s.State {
		case StateClosed:
			agg.ClosedCircuits++
		case StateOpen:
			agg.OpenCircuits++
		case StateHalfOpen:
			agg.HalfOpenCircuits++
		}
		agg.TotalRequests += s.TotalRequests
		agg.SuccessfulRequests += s.SuccessfulRequests
		agg.FailedRequests += s.FailedRequests
		agg.Timeouts += s.Timeouts
		agg.ShortCircuits += s.ShortCircuits
	}

	if agg.TotalRequests > 0 {
		agg.SuccessRate = float64(agg.SuccessfulRequests) / float64(agg.TotalRequests) * 100
	} else {
		agg.SuccessRate = 100
	}
	return agg
}

// ForceOpen opens a breaker by key, bypassing normal transition logic.
func (m *Manager) ForceOpen(key string) error {
	b, ok := m.Get(key)
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("circuit breaker %q", key))
	}
	b.ForceOpen()
	return nil
}

// ForceClose closes a breaker by key and resets its failure counters.
func (m *Manager) ForceClose(key string) error {
	b, ok := m.Get(key)
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("circuit breaker %q", key))
	}
	b.ForceClose()
	return nil
}

// HealthCheck flags the manager unhealthy when more than half the
// registered breakers are open or the aggregate success rate is below 80%.
func (m *Manager) HealthCheck() ManagerHealth {
	agg := m.AggregatedMetrics()

	health := ManagerHealth{
		Healthy:     true,
		SuccessRate: agg.SuccessRate,
	}
	if agg.TotalBreakers > 0 {
		health.OpenPercent = float64(agg.OpenCircuits) / float64(agg.TotalBreakers) * 100
	}

	if health.OpenPercent > 50 {
		health.Healthy = false
		health.Reason = fmt.Sprintf("%.0f%% of circuit breakers are open", health.OpenPercent)
	} else if agg.SuccessRate < 80 {
		health.Healthy = false
		health.Reason = fmt.Sprintf("aggregate success rate %.1f%% below 80%%", agg.SuccessRate)
	}
	return health
}

// Start launches the background recovery sweep. Without it an OPEN
// breaker would only recover when new traffic arrives.
func (m *Manager) Start(ctx context.Context) {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})

	go m.recoveryLoop(ctx, m.stopChan)
	m.logger.Info("Circuit breaker manager started", "sweep_interval", m.sweepInterval)
}

// Stop halts the recovery sweep.
func (m *Manager) Stop() {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if !m.running {
		return
	}
	close(m.stopChan)
	m.running = false
	m.logger.Info("Circuit breaker manager stopped")
}

func (m *Manager) recoveryLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.SweepRecoveries(time.Now())
		}
	}
}

// SweepRecoveries asks every OPEN breaker whether its timeout has elapsed
// and moves eligible ones to HALF_OPEN. Exported so tests and operators
// can trigger a sweep without waiting for the ticker.
func (m *Manager) SweepRecoveries(now time.Time) int {
	m.mutex.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mutex.RUnlock()

	recovered := 0
	for _, b := range breakers {
		if b.TryRecover(now) {
			recovered++
			if m.bus != nil {
				m.bus.Publish(events.Event{
					Type:   events.TypeRecoveryCompleted,
					Source: b.Name(),
					Payload: map[string]interface{}{
						"state": b.State().String(),
					},
				})
			}
		}
	}

	if recovered > 0 {
		m.logger.Info("Recovery sweep moved breakers to half-open", "count", recovered)
	}
	return recovered
}
