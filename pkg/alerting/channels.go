package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/logging"
	"github.com/sirupsen/logrus"
)

// LogChannel writes alerts to the structured log. It is always
// configured so alerts are never silently lost.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-backed notification channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: logging.GetLogger()}
}

// Name returns the channel name
func (lc *LogChannel) Name() string {
	return "log"
}

// Send writes the alert to the log.
func (lc *LogChannel) Send(ctx context.Context, alert *Alert) error {
	entry := lc.logger.WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"component": alert.Component,
		"severity":  string(alert.Severity),
		"resolved":  alert.Resolved,
	})

	if alert.Resolved {
		entry.Info(fmt.Sprintf("[RESOLVED] %s", alert.Title))
	} else {
		entry.Warn(fmt.Sprintf("[FIRING] %s", alert.Title))
	}
	return nil
}

// WebhookChannel implements webhook notifications
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send sends an alert via webhook
func (wc *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// SlackChannel implements Slack notifications
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a new Slack notification channel
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

// Send sends an alert to Slack
func (sc *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	color := sc.colorForSeverity(alert.Severity)
	status := "FIRING"
	if alert.Resolved {
		status = "RESOLVED"
		color = "good"
	}

	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Component", "value": alert.Component, "short": true},
	}
	for key, value := range alert.Labels {
		fields = append(fields, map[string]interface{}{
			"title": key,
			"value": value,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"channel":  sc.channel,
		"username": sc.username,
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"title":     fmt.Sprintf("[%s] %s", status, alert.Title),
				"text":      alert.Description,
				"timestamp": alert.Timestamp.Unix(),
				"fields":    fields,
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.webhookURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	return nil
}

// colorForSeverity returns the attachment color for alert severity
func (sc *SlackChannel) colorForSeverity(severity Severity) string {
	switch severity {
	case SeverityInfo:
		return "#36a64f"
	case SeverityWarning:
		return "#ff9500"
	case SeverityCritical:
		return "#ff0000"
	default:
		return "#808080"
	}
}
