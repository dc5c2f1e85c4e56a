package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OGHeyDude/agent-reliability/pkg/config"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
	"github.com/OGHeyDude/agent-reliability/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents an alert
type Alert struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Component   string            `json:"component"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels,omitempty"`
	Resolved    bool              `json:"resolved"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// NotificationChannel delivers alerts to an external sink.
type NotificationChannel interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}

// Service dispatches alerts to notification channels with per-component
// rate limiting.
type Service struct {
	config  config.AlertingConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mutex        sync.RWMutex
	channels     []NotificationChannel
	activeAlerts map[string]*Alert
	// recent send timestamps per component, pruned to the rate window
	recent map[string][]time.Time
}

// NewService creates an alerting service with no channels.
func NewService(cfg config.AlertingConfig, m *metrics.Metrics) *Service {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Hour
	}
	return &Service{
		config:       cfg,
		logger:       logging.GetLogger(),
		metrics:      m,
		activeAlerts: make(map[string]*Alert),
		recent:       make(map[string][]time.Time),
	}
}

// AddChannel adds a notification channel
func (s *Service) AddChannel(channel NotificationChannel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.channels = append(s.channels, channel)
}

// Trigger fires an alert. Re-triggering an existing alert ID updates it
// in place without re-notifying. Alerts beyond the component's rate
// limit are dropped with a warning.
func (s *Service) Trigger(ctx context.Context, alert *Alert) error {
	if !s.config.Enabled {
		return nil
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	s.mutex.Lock()

	if existing, exists := s.activeAlerts[alert.ID]; exists {
		existing.Description = alert.Description
		existing.Timestamp = alert.Timestamp
		existing.Labels = alert.Labels
		s.mutex.Unlock()
		return nil
	}

	if !s.allowLocked(alert.Component, time.Now()) {
		s.mutex.Unlock()
		s.logger.Warn("Alert rate limit reached, dropping alert",
			"component", alert.Component,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit reached for component %s", alert.Component)
	}

	s.activeAlerts[alert.ID] = alert
	s.mutex.Unlock()

	if s.metrics != nil && s.metrics.Enabled() {
		s.metrics.AlertsTotal.WithLabelValues(string(alert.Severity), "firing").Inc()
	}

	s.logger.WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"severity":  alert.Severity,
		"component": alert.Component,
	}).Warn("Alert triggered")

	go s.sendNotifications(ctx, alert)
	return nil
}

// Resolve marks an active alert resolved and notifies channels.
func (s *Service) Resolve(ctx context.Context, alertID string) error {
	s.mutex.Lock()
	alert, exists := s.activeAlerts[alertID]
	if !exists {
		s.mutex.Unlock()
		return fmt.Errorf("alert %s not found", alertID)
	}

	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(s.activeAlerts, alertID)
	s.mutex.Unlock()

	if s.metrics != nil && s.metrics.Enabled() {
		s.metrics.AlertsTotal.WithLabelValues(string(alert.Severity), "resolved").Inc()
	}

	s.logger.WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"component": alert.Component,
		"duration":  now.Sub(alert.Timestamp).String(),
	}).Info("Alert resolved")

	go s.sendNotifications(ctx, alert)
	return nil
}

// ActiveAlerts returns all currently firing alerts.
func (s *Service) ActiveAlerts() []*Alert {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	alerts := make([]*Alert, 0, len(s.activeAlerts))
	for _, alert := range s.activeAlerts {
		alerts = append(alerts, alert)
	}
	return alerts
}

// GetAlert returns a specific active alert.
func (s *Service) GetAlert(alertID string) (*Alert, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	alert, exists := s.activeAlerts[alertID]
	return alert, exists
}

// BindBus subscribes the service to health alert events so status
// transitions flow to the notification channels.
func (s *Service) BindBus(bus *events.Bus) {
	bus.Subscribe(events.TypeAlertTriggered, func(e events.Event) {
		alert := &Alert{
			ID:        stringPayload(e, "alert_id"),
			Title:     fmt.Sprintf("Component %s is %s", stringPayload(e, "component"), stringPayload(e, "severity")),
			Component: stringPayload(e, "component"),
			Severity:  severityFor(stringPayload(e, "severity")),
			Timestamp: e.Timestamp,
		}
		if message := stringPayload(e, "message"); message != "" {
			alert.Description = message
		}
		if err := s.Trigger(context.Background(), alert); err != nil {
			s.logger.Debug("Health alert dropped", "error", err.Error())
		}
	})

	bus.Subscribe(events.TypeAlertResolved, func(e events.Event) {
		if err := s.Resolve(context.Background(), stringPayload(e, "alert_id")); err != nil {
			s.logger.Debug("Health alert resolution ignored", "error", err.Error())
		}
	})
}

// allowLocked applies the sliding-window rate limit. Callers hold the
// mutex.
func (s *Service) allowLocked(component string, now time.Time) bool {
	cutoff := now.Add(-s.config.RateLimitWindow)

	kept := s.recent[component][:0]
	for _, ts := range s.recent[component] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= s.config.RateLimit {
		s.recent[component] = kept
		return false
	}
	s.recent[component] = append(kept, now)
	return true
}

// sendNotifications fans the alert out to every channel.
func (s *Service) sendNotifications(ctx context.Context, alert *Alert) {
	s.mutex.RLock()
	channels := make([]NotificationChannel, len(s.channels))
	copy(channels, s.channels)
	s.mutex.RUnlock()

	for _, channel := range channels {
		if err := channel.Send(ctx, alert); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"channel":  channel.Name(),
				"alert_id": alert.ID,
			}).Error("Failed to send alert notification")
		}
	}
}

func severityFor(status string) Severity {
	switch status {
	case "critical", "unhealthy":
		return SeverityCritical
	case "degraded":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func stringPayload(e events.Event, key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
