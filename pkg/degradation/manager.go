package degradation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// Reason identifies what triggered the degradation.
type Reason string

const (
	ReasonAgentUnavailable   Reason = "agent_unavailable"
	ReasonCircuitOpen        Reason = "circuit_open"
	ReasonHighErrorRate      Reason = "high_error_rate"
	ReasonTimeoutExceeded    Reason = "timeout_exceeded"
	ReasonResourceExhaustion Reason = "resource_exhaustion"
	ReasonDependencyFailure  Reason = "dependency_failure"
)

// Severity grades how much of the primary path is lost.
type Severity int

const (
	SeverityPartial Severity = iota
	SeveritySignificant
	SeveritySevere
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityPartial:
		return "PARTIAL"
	case SeveritySignificant:
		return "SIGNIFICANT"
	case SeveritySevere:
		return "SEVERE"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Context describes one detected failure. It is consumed synchronously
// to pick a strategy and not persisted beyond that decision.
type Context struct {
	Reason    Reason                 `json:"reason"`
	Component string                 `json:"component"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	AgentName string                 `json:"agent_name,omitempty"`
	Task      string                 `json:"task,omitempty"`
	Request   interface{}            `json:"request,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the best-effort output a strategy produced.
type Result struct {
	Output   interface{}   `json:"output"`
	FromCache bool         `json:"from_cache"`
	Strategy string        `json:"strategy"`
	CacheAge time.Duration `json:"cache_age,omitempty"`
}

// Strategy is one fallback behavior. Strategies declare which failure
// contexts they support via CanHandle; Execute may still fail, which
// sends the manager on to the next candidate.
type Strategy interface {
	Name() string
	// Priority orders strategies; higher runs first.
	Priority() int
	CanHandle(dctx Context) bool
	Execute(ctx context.Context, dctx Context) (*Result, error)
}

// Manager selects and executes fallback strategies for failure contexts.
type Manager struct {
	mutex      sync.RWMutex
	strategies []Strategy

	bus    *events.Bus
	logger *logging.Logger
}

// NewManager creates a degradation manager with no strategies.
func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:    bus,
		logger: logging.GetLogger(),
	}
}

// Register adds a strategy, keeping the list ordered by priority.
func (m *Manager) Register(strategy Strategy) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.strategies = append(m.strategies, strategy)
	sort.SliceStable(m.strategies, func(i, j int) bool {
		return m.strategies[i].Priority() > m.strategies[j].Priority()
	})

	m.logger.Debug("Degradation strategy registered",
		"strategy", strategy.Name(),
		"priority", strategy.Priority(),
	)
}

// Deregister removes a strategy by name.
func (m *Manager) Deregister(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	kept := m.strategies[:0]
	for _, s := range m.strategies {
		if s.Name() != name {
			kept = append(kept, s)
		}
	}
	m.strategies = kept
}

// Strategies returns the registered strategy names in priority order.
func (m *Manager) Strategies() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, len(m.strategies))
	for i, s := range m.strategies {
		names[i] = s.Name()
	}
	return names
}

// Handle serves a best-effort result for the failure context. The first
// strategy whose CanHandle returns true is asked to execute; an execution
// error moves on to the next candidate. When every candidate is exhausted
// a fallback-exhausted error is returned.
func (m *Manager) Handle(ctx context.Context, dctx Context) (*Result, error) {
	if dctx.Timestamp.IsZero() {
		dctx.Timestamp = time.Now()
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.TypeDegradationRequired,
			Source:    dctx.Component,
			Timestamp: dctx.Timestamp,
			Payload: map[string]interface{}{
				"component": dctx.Component,
				"reason":    string(dctx.Reason),
				"severity":  dctx.Severity.String(),
			},
		})
	}

	m.mutex.RLock()
	strategies := make([]Strategy, len(m.strategies))
	copy(strategies, m.strategies)
	m.mutex.RUnlock()

	var lastErr error
	for _, strategy := range strategies {
		if !strategy.CanHandle(dctx) {
			continue
		}

		result, err := strategy.Execute(ctx, dctx)
		if err != nil {
			lastErr = err
			m.logger.Debug("Degradation strategy failed, trying next",
				"strategy", strategy.Name(),
				"component", dctx.Component,
				"error", err.Error(),
			)
			continue
		}

		result.Strategy = strategy.Name()
		m.logger.Info("Degradation strategy served result",
			"strategy", strategy.Name(),
			"component", dctx.Component,
			"reason", string(dctx.Reason),
		)
		return result, nil
	}

	return nil, errors.NewFallbackExhaustedError(dctx.Component, lastErr)
}
