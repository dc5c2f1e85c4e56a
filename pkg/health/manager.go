package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/OGHeyDude/agent-reliability/pkg/config"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// Manager runs independently scheduled health checks and maintains
// per-component rolling health. Each checker kind runs on its own
// schedule so a slow dependency probe never delays system checks.
type Manager struct {
	config config.HealthConfig
	bus    *events.Bus
	logger *logging.Logger

	mutex      sync.RWMutex
	checkers   map[Kind][]Checker
	components map[string]*ComponentHealth

	cron    *cron.Cron
	started bool
}

// NewManager creates a health manager. Checkers are registered before
// Start; registering after is allowed and picked up on the next tick.
func NewManager(cfg config.HealthConfig, bus *events.Bus) *Manager {
	return &Manager{
		config:     cfg,
		bus:        bus,
		logger:     logging.GetLogger(),
		checkers:   make(map[Kind][]Checker),
		components: make(map[string]*ComponentHealth),
	}
}

// RegisterChecker adds a checker under its kind's schedule.
func (m *Manager) RegisterChecker(kind Kind, checker Checker) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.checkers[kind] = append(m.checkers[kind], checker)
}

// DeregisterChecker removes a checker by name. Its component history is
// retained until cleanup.
func (m *Manager) DeregisterChecker(kind Kind, name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	kept := m.checkers[kind][:0]
	for _, checker := range m.checkers[kind] {
		if checker.Name() != name {
			kept = append(kept, checker)
		}
	}
	m.checkers[kind] = kept
}

// Start begins the per-kind schedules and the hourly cleanup pass.
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.started {
		return nil
	}

	m.cron = cron.New()

	schedules := []struct {
		interval time.Duration
		run      func()
	}{
		{m.config.SystemCheckInterval, func() { m.RunChecks(ctx, KindSystem) }},
		{m.config.ResourceCheckInterval, func() { m.RunChecks(ctx, KindResource) }},
		{m.config.AgentCheckInterval, func() { m.RunChecks(ctx, KindAgent) }},
		{m.config.DependencyCheckInterval, func() { m.RunChecks(ctx, KindDependency) }},
		{m.config.CleanupInterval, func() { m.Cleanup(time.Now()) }},
	}
	for _, s := range schedules {
		if s.interval <= 0 {
			continue
		}
		if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.run); err != nil {
			return fmt.Errorf("failed to schedule health checks: %w", err)
		}
	}

	m.cron.Start()
	m.started = true
	m.logger.Info("Health manager started",
		"system_interval", m.config.SystemCheckInterval.String(),
		"agent_interval", m.config.AgentCheckInterval.String(),
		"dependency_interval", m.config.DependencyCheckInterval.String(),
	)
	return nil
}

// Stop halts the schedules, waiting for in-flight checks to finish.
// The wait happens outside the mutex: in-flight checks need it to
// record their results.
func (m *Manager) Stop() {
	m.mutex.Lock()
	if !m.started {
		m.mutex.Unlock()
		return
	}
	scheduler := m.cron
	m.started = false
	m.mutex.Unlock()

	<-scheduler.Stop().Done()
	m.logger.Info("Health manager stopped")
}

// RunChecks executes every checker of the given kind once. A checker
// error or panic is recorded as a critical result and never stops the
// remaining checkers.
func (m *Manager) RunChecks(ctx context.Context, kind Kind) {
	m.mutex.RLock()
	checkers := make([]Checker, len(m.checkers[kind]))
	copy(checkers, m.checkers[kind])
	m.mutex.RUnlock()

	for _, checker := range checkers {
		check := m.runChecker(ctx, kind, checker)
		m.apply(kind, check)
	}
}

// runChecker executes one checker, converting panics into critical
// check results.
func (m *Manager) runChecker(ctx context.Context, kind Kind, checker Checker) (check *HealthCheck) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health checker panicked",
				"checker", checker.Name(),
				"kind", string(kind),
				"panic", fmt.Sprintf("%v", r),
			)
			check = &HealthCheck{
				Name:      checker.Name(),
				Kind:      kind,
				Status:    StatusCritical,
				Error:     fmt.Sprintf("check panicked: %v", r),
				Duration:  time.Since(start),
				Timestamp: start,
			}
		}
	}()

	check = checker.Check(ctx)
	if check == nil {
		check = &HealthCheck{
			Name:      checker.Name(),
			Kind:      kind,
			Status:    StatusCritical,
			Error:     "check returned no result",
			Duration:  time.Since(start),
			Timestamp: start,
		}
	}
	return check
}

// apply records the check against its component, grades the rolling
// error rate, and emits transition events.
func (m *Manager) apply(kind Kind, check *HealthCheck) {
	m.mutex.Lock()

	component, ok := m.components[check.Name]
	if !ok {
		component = &ComponentHealth{
			Name:   check.Name,
			Kind:   kind,
			Status: StatusHealthy,
		}
		m.components[check.Name] = component
	}

	previous := component.record(check)
	current := component.Status

	var triggered *HealthAlert
	var resolved []*HealthAlert
	if current != previous {
		if current == StatusUnhealthy || current == StatusCritical {
			message := check.Message
			if check.Error != "" {
				message = check.Error
			}
			triggered = newHealthAlert(check.Name, current, message)
			component.addAlert(triggered)
		} else {
			resolved = component.resolveAlerts(time.Now())
		}
	}
	m.mutex.Unlock()

	m.publishCompleted(check, current)

	if current != previous {
		m.logger.LogHealthEvent(context.Background(), "status_change", check.Name, string(current), logrus.Fields{
			"previous_status": string(previous),
			"kind":            string(kind),
		})
		m.publish(events.TypeStatusChange, check.Name, map[string]interface{}{
			"component":       check.Name,
			"previous_status": string(previous),
			"new_status":      string(current),
			"trigger":         "health_check",
		})
	}

	if triggered != nil {
		m.publish(events.TypeAlertTriggered, check.Name, map[string]interface{}{
			"alert_id":  triggered.ID,
			"component": triggered.Component,
			"severity":  string(triggered.Severity),
			"message":   triggered.Message,
		})
	}
	for _, alert := range resolved {
		m.publish(events.TypeAlertResolved, check.Name, map[string]interface{}{
			"alert_id":  alert.ID,
			"component": alert.Component,
			"severity":  string(alert.Severity),
		})
	}
}

func (m *Manager) publishCompleted(check *HealthCheck, status Status) {
	m.publish(events.TypeHealthCheckCompleted, check.Name, map[string]interface{}{
		"component":        check.Name,
		"kind":             string(check.Kind),
		"status":           string(check.Status),
		"component_status": string(status),
		"duration_ms":      check.Duration.Milliseconds(),
	})
}

func (m *Manager) publish(eventType events.Type, source string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:    eventType,
		Source:  "health:" + source,
		Payload: payload,
	})
}

// Cleanup purges history entries and resolved alerts older than the
// retention window, and drops components with nothing left.
func (m *Manager) Cleanup(now time.Time) {
	cutoff := now.Add(-m.config.HistoryRetention)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for name, component := range m.components {
		kept := component.History[:0]
		for _, check := range component.History {
			if check.Timestamp.After(cutoff) {
				kept = append(kept, check)
			}
		}
		component.History = kept

		keptAlerts := component.Alerts[:0]
		for _, alert := range component.Alerts {
			if !alert.Resolved || alert.ResolvedAt.After(cutoff) {
				keptAlerts = append(keptAlerts, alert)
			}
		}
		component.Alerts = keptAlerts

		if len(component.History) == 0 && len(component.Alerts) == 0 {
			delete(m.components, name)
		}
	}
}

// ComponentHealth returns a snapshot of one component, or nil when the
// component has never been checked.
func (m *Manager) ComponentHealth(name string) *ComponentHealth {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	component, ok := m.components[name]
	if !ok {
		return nil
	}
	return component.snapshot()
}

// SystemHealth aggregates all components into one snapshot; the overall
// status is the worst component status.
func (m *Manager) SystemHealth() *SystemHealth {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	system := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Components: make(map[string]*ComponentHealth, len(m.components)),
	}

	for name, component := range m.components {
		system.Components[name] = component.snapshot()
		system.Status = Worse(system.Status, component.Status)

		switch component.Status {
		case StatusHealthy:
			system.Healthy++
		case StatusDegraded:
			system.Degraded++
		case StatusUnhealthy:
			system.Unhealthy++
		case StatusCritical:
			system.Critical++
		}
	}
	return system
}
