package health

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
	StatusUnknown   Status = "unknown"
)

// rank orders statuses from best to worst so aggregation can take the max.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	case StatusCritical:
		return 3
	default:
		return 0
	}
}

// Worse returns the worse of two statuses.
func Worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Kind classifies a checker by what it observes.
type Kind string

const (
	KindSystem     Kind = "system"
	KindAgent      Kind = "agent"
	KindResource   Kind = "resource"
	KindDependency Kind = "dependency"
)

const (
	historyLimit     = 100
	errorRateWindow  = 10
	alertHistorySize = 50
)

// HealthCheck is an immutable record of one check's outcome.
type HealthCheck struct {
	Name      string            `json:"name"`
	Kind      Kind              `json:"kind"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthAlert is raised when a component degrades past unhealthy.
// Resolved alerts stay in the component's history until cleanup.
type HealthAlert struct {
	ID         string    `json:"id"`
	Component  string    `json:"component"`
	Severity   Status    `json:"severity"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

func newHealthAlert(component string, severity Status, message string) *HealthAlert {
	return &HealthAlert{
		ID:        uuid.New().String(),
		Component: component,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// ComponentHealth aggregates one component's rolling health.
type ComponentHealth struct {
	Name                string         `json:"name"`
	Kind                Kind           `json:"kind"`
	Status              Status         `json:"status"`
	LastCheck           time.Time      `json:"last_check"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	ErrorRate           float64        `json:"error_rate"`
	History             []*HealthCheck `json:"history"`
	Alerts              []*HealthAlert `json:"alerts,omitempty"`
}

// record appends the check, trims history, and recomputes the rolling
// counters. It returns the status the component held before this check.
func (c *ComponentHealth) record(check *HealthCheck) Status {
	previous := c.Status

	c.History = append(c.History, check)
	if len(c.History) > historyLimit {
		c.History = c.History[len(c.History)-historyLimit:]
	}

	if check.Status == StatusUnhealthy || check.Status == StatusCritical {
		c.ConsecutiveFailures++
	} else {
		c.ConsecutiveFailures = 0
	}

	c.ErrorRate = c.computeErrorRate()
	c.Status = check.Status
	c.LastCheck = check.Timestamp
	return previous
}

// computeErrorRate returns the failure percentage over the most recent
// window of checks.
func (c *ComponentHealth) computeErrorRate() float64 {
	window := c.History
	if len(window) > errorRateWindow {
		window = window[len(window)-errorRateWindow:]
	}
	if len(window) == 0 {
		return 0
	}

	failed := 0
	for _, check := range window {
		if check.Status == StatusUnhealthy || check.Status == StatusCritical {
			failed++
		}
	}
	return float64(failed) / float64(len(window)) * 100
}

// addAlert appends an alert, keeping the per-component history bounded.
func (c *ComponentHealth) addAlert(alert *HealthAlert) {
	c.Alerts = append(c.Alerts, alert)
	if len(c.Alerts) > alertHistorySize {
		c.Alerts = c.Alerts[len(c.Alerts)-alertHistorySize:]
	}
}

// resolveAlerts marks every unresolved alert resolved and returns them.
func (c *ComponentHealth) resolveAlerts(now time.Time) []*HealthAlert {
	var resolved []*HealthAlert
	for _, alert := range c.Alerts {
		if !alert.Resolved {
			alert.Resolved = true
			alert.ResolvedAt = now
			resolved = append(resolved, alert)
		}
	}
	return resolved
}

// snapshot returns a copy safe to hand outside the manager's lock.
func (c *ComponentHealth) snapshot() *ComponentHealth {
	copied := &ComponentHealth{
		Name:                c.Name,
		Kind:                c.Kind,
		Status:              c.Status,
		LastCheck:           c.LastCheck,
		ConsecutiveFailures: c.ConsecutiveFailures,
		ErrorRate:           c.ErrorRate,
		History:             make([]*HealthCheck, len(c.History)),
		Alerts:              make([]*HealthAlert, len(c.Alerts)),
	}
	copy(copied.History, c.History)
	copy(copied.Alerts, c.Alerts)
	return copied
}

// SystemHealth is the aggregate snapshot across all components.
type SystemHealth struct {
	Status     Status                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Components map[string]*ComponentHealth `json:"components"`
	Healthy    int                         `json:"healthy"`
	Degraded   int                         `json:"degraded"`
	Unhealthy  int                         `json:"unhealthy"`
	Critical   int                         `json:"critical"`
}
