package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OGHeyDude/agent-reliability/pkg/config"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
)

type captureChannel struct {
	mutex sync.Mutex
	sent  []*Alert
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(ctx context.Context, alert *Alert) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sent = append(c.sent, alert)
	return nil
}

func (c *captureChannel) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.sent)
}

func (c *captureChannel) last() *Alert {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func testConfig() config.AlertingConfig {
	return config.AlertingConfig{
		Enabled:         true,
		RateLimit:       100,
		RateLimitWindow: time.Hour,
	}
}

func TestTriggerAndResolveLifecycle(t *testing.T) {
	service := NewService(testConfig(), nil)
	channel := &captureChannel{}
	service.AddChannel(channel)

	alert := &Alert{
		Title:     "api is unhealthy",
		Component: "api",
		Severity:  SeverityCritical,
	}
	require.NoError(t, service.Trigger(context.Background(), alert))
	assert.NotEmpty(t, alert.ID)
	assert.Len(t, service.ActiveAlerts(), 1)

	require.Eventually(t, func() bool { return channel.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, channel.last().Resolved)

	require.NoError(t, service.Resolve(context.Background(), alert.ID))
	assert.Empty(t, service.ActiveAlerts())

	require.Eventually(t, func() bool { return channel.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, channel.last().Resolved)
	assert.NotNil(t, channel.last().ResolvedAt)
}

func TestTriggerDeduplicatesByID(t *testing.T) {
	service := NewService(testConfig(), nil)
	channel := &captureChannel{}
	service.AddChannel(channel)

	first := &Alert{ID: "a-1", Title: "first", Component: "api", Severity: SeverityWarning}
	require.NoError(t, service.Trigger(context.Background(), first))

	update := &Alert{ID: "a-1", Title: "ignored", Description: "updated", Component: "api", Severity: SeverityWarning}
	require.NoError(t, service.Trigger(context.Background(), update))

	assert.Len(t, service.ActiveAlerts(), 1)
	stored, ok := service.GetAlert("a-1")
	require.True(t, ok)
	assert.Equal(t, "first", stored.Title)
	assert.Equal(t, "updated", stored.Description)

	// Only the first trigger notifies.
	require.Eventually(t, func() bool { return channel.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestResolveUnknownAlert(t *testing.T) {
	service := NewService(testConfig(), nil)
	assert.Error(t, service.Resolve(context.Background(), "ghost"))
}

func TestDisabledServiceDropsAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	service := NewService(cfg, nil)

	require.NoError(t, service.Trigger(context.Background(), &Alert{Title: "x", Component: "api"}))
	assert.Empty(t, service.ActiveAlerts())
}

func TestRateLimitPerComponent(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 3
	service := NewService(cfg, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, service.Trigger(context.Background(), &Alert{Component: "api", Title: "x"}))
	}
	assert.Error(t, service.Trigger(context.Background(), &Alert{Component: "api", Title: "x"}))

	// Other components have their own budget.
	assert.NoError(t, service.Trigger(context.Background(), &Alert{Component: "db", Title: "x"}))
}

func TestRateLimitWindowSlides(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.RateLimitWindow = 30 * time.Millisecond
	service := NewService(cfg, nil)

	require.NoError(t, service.Trigger(context.Background(), &Alert{Component: "api", Title: "x"}))
	assert.Error(t, service.Trigger(context.Background(), &Alert{Component: "api", Title: "x"}))

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, service.Trigger(context.Background(), &Alert{Component: "api", Title: "x"}))
}

func TestBindBusBridgesHealthEvents(t *testing.T) {
	bus := events.NewBus(nil)
	service := NewService(testConfig(), nil)
	channel := &captureChannel{}
	service.AddChannel(channel)
	service.BindBus(bus)

	bus.Publish(events.Event{
		Type:   events.TypeAlertTriggered,
		Source: "health:api",
		Payload: map[string]interface{}{
			"alert_id":  "h-1",
			"component": "api",
			"severity":  "critical",
			"message":   "probe failed",
		},
	})

	require.Eventually(t, func() bool { return channel.count() == 1 }, time.Second, 10*time.Millisecond)
	fired := channel.last()
	assert.Equal(t, "h-1", fired.ID)
	assert.Equal(t, SeverityCritical, fired.Severity)
	assert.Equal(t, "probe failed", fired.Description)

	bus.Publish(events.Event{
		Type:   events.TypeAlertResolved,
		Source: "health:api",
		Payload: map[string]interface{}{
			"alert_id":  "h-1",
			"component": "api",
			"severity":  "critical",
		},
	})

	require.Eventually(t, func() bool { return channel.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, channel.last().Resolved)
	assert.Empty(t, service.ActiveAlerts())
}

func TestSeverityMapping(t *testing.T) {
	assert.Equal(t, SeverityCritical, severityFor("critical"))
	assert.Equal(t, SeverityCritical, severityFor("unhealthy"))
	assert.Equal(t, SeverityWarning, severityFor("degraded"))
	assert.Equal(t, SeverityInfo, severityFor("healthy"))
}

func TestWebhookChannelPostsAlert(t *testing.T) {
	var received *Alert
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		header = r.Header.Get("X-Token")
		var alert Alert
		_ = json.Unmarshal(body, &alert)
		received = &alert
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL, map[string]string{"X-Token": "secret"})
	err := channel.Send(context.Background(), &Alert{ID: "w-1", Title: "boom", Component: "api"})
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, "w-1", received.ID)
	assert.Equal(t, "secret", header)
}

func TestWebhookChannelErrorOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL, nil)
	assert.Error(t, channel.Send(context.Background(), &Alert{ID: "w-2"}))
}

func TestSlackChannelPayloadShape(t *testing.T) {
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewSlackChannel(server.URL, "#alerts", "reliabilityd")
	err := channel.Send(context.Background(), &Alert{
		ID:        "s-1",
		Title:     "api down",
		Severity:  SeverityCritical,
		Component: "api",
		Timestamp: time.Now(),
		Labels:    map[string]string{"region": "us-east"},
	})
	require.NoError(t, err)

	assert.Equal(t, "#alerts", payload["channel"])
	attachments, ok := payload["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 1)
	attachment := attachments[0].(map[string]interface{})
	assert.Equal(t, "[FIRING] api down", attachment["title"])
	assert.Equal(t, "#ff0000", attachment["color"])
}

func TestLogChannelNeverFails(t *testing.T) {
	channel := NewLogChannel()
	assert.NoError(t, channel.Send(context.Background(), &Alert{ID: "l-1", Title: "noted"}))

	resolved := &Alert{ID: "l-2", Title: "fixed", Resolved: true}
	assert.NoError(t, channel.Send(context.Background(), resolved))
}
