package reliability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OGHeyDude/agent-reliability/pkg/breaker"
	"github.com/OGHeyDude/agent-reliability/pkg/config"
	"github.com/OGHeyDude/agent-reliability/pkg/degradation"
	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
)

func newTestService() *Service {
	cfg := config.Default()
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.Timeout = 100 * time.Millisecond
	cfg.Breaker.VolumeThreshold = 1000
	cfg.Breaker.DefaultCallTimeout = time.Second
	return New(cfg, nil)
}

func execCtx(agent, task string) breaker.ExecContext {
	return breaker.ExecContext{
		AgentName: agent,
		Task:      task,
		Request:   map[string]string{"task": task},
	}
}

func TestExecuteAgentSuccess(t *testing.T) {
	service := newTestService()

	result := service.ExecuteAgent(context.Background(), execCtx("triage", "summarize"),
		func(ctx context.Context) (interface{}, error) {
			return "summary", nil
		})

	require.True(t, result.Success)
	assert.Equal(t, "summary", result.Output)
	assert.False(t, result.FromCache)
}

func TestExecuteAgentPopulatesCacheForDegradedOperation(t *testing.T) {
	service := newTestService()
	ctx := context.Background()
	ec := execCtx("triage", "summarize")

	result := service.ExecuteAgent(ctx, ec, func(ctx context.Context) (interface{}, error) {
		return "fresh answer", nil
	})
	require.True(t, result.Success)

	// Force the circuit open; the next call cannot reach the agent and is
	// served from the cache seeded by the successful run.
	require.NoError(t, service.Breakers.ForceOpen("agent:triage"))

	result = service.ExecuteAgent(ctx, ec, func(ctx context.Context) (interface{}, error) {
		t.Fatal("blocked call must not reach the agent")
		return nil, nil
	})

	require.True(t, result.Success)
	assert.True(t, result.FromCache)
	assert.Equal(t, "fresh answer", result.Output)
}

func TestExecuteAgentFailuresOpenBreakerThenStaticFallback(t *testing.T) {
	service := newTestService()
	service.RegisterStaticResponse("flaky", map[string]string{"status": "degraded"})
	ctx := context.Background()
	ec := execCtx("flaky", "work")

	fail := func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("backend down")
	}

	// Each failure falls back to the static response while the breaker
	// counts the underlying failures.
	for i := 0; i < 3; i++ {
		result := service.ExecuteAgent(ctx, ec, fail)
		require.True(t, result.Success)
		assert.True(t, result.FromCache)
		assert.Equal(t, map[string]string{"status": "degraded"}, result.Output)
	}

	b, ok := service.Breakers.Get("agent:flaky")
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, b.State())

	// Blocked calls are still served.
	result := service.ExecuteAgent(ctx, ec, func(ctx context.Context) (interface{}, error) {
		t.Fatal("open breaker must short-circuit")
		return nil, nil
	})
	require.True(t, result.Success)
}

func TestExecuteAgentSimplifiedHandlerPreferredOverStatic(t *testing.T) {
	service := newTestService()
	service.RegisterStaticResponse("search", "static")
	service.RegisterSimplifiedHandler("search", func(ctx context.Context, dctx degradation.Context) (interface{}, error) {
		return "simplified", nil
	})

	result := service.ExecuteAgent(context.Background(), execCtx("search", "query"),
		func(ctx context.Context) (interface{}, error) {
			return nil, fmt.Errorf("primary down")
		})

	require.True(t, result.Success)
	assert.Equal(t, "simplified", result.Output)
}

func TestExecuteAgentExhaustedFallbacksPropagateError(t *testing.T) {
	service := newTestService()

	result := service.ExecuteAgent(context.Background(), execCtx("lonely", "work"),
		func(ctx context.Context) (interface{}, error) {
			return nil, fmt.Errorf("nope")
		})

	require.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Equal(t, errors.ErrorTypeExecution, errors.GetType(result.Err))
}

func TestAgentWrapperIsReused(t *testing.T) {
	service := newTestService()
	first := service.Agent("triage", nil)
	second := service.Agent("triage", nil)
	assert.Same(t, first, second)
}

func TestMetricsFollowBreakerEvents(t *testing.T) {
	service := newTestService()
	ctx := context.Background()
	ec := execCtx("metered", "work")

	service.ExecuteAgent(ctx, ec, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	service.ExecuteAgent(ctx, ec, func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("down")
	})

	m := service.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerCallsTotal.WithLabelValues("agent:metered", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerCallsTotal.WithLabelValues("agent:metered", "failure")))
}

func TestMetricsTrackStateTransitions(t *testing.T) {
	service := newTestService()
	require.NotNil(t, service.Agent("trips", nil))
	require.NoError(t, service.Breakers.ForceOpen("agent:trips"))

	m := service.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("agent:trips", "CLOSED", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("agent:trips")))
}

func TestBreakerHealthCheckerReflectsRegistry(t *testing.T) {
	service := newTestService()
	service.Health.RunChecks(context.Background(), "resource")

	component := service.Health.ComponentHealth("circuit-breakers")
	require.NotNil(t, component)
	assert.Equal(t, "healthy", string(component.Status))
}

func TestReasonAndSeverityMapping(t *testing.T) {
	open := errors.NewCircuitOpenError("b", "OPEN")
	timeout := errors.NewTimeoutError("op", time.Second)
	other := fmt.Errorf("boom")

	assert.Equal(t, degradation.ReasonCircuitOpen, reasonFor(open))
	assert.Equal(t, degradation.ReasonTimeoutExceeded, reasonFor(timeout))
	assert.Equal(t, degradation.ReasonAgentUnavailable, reasonFor(other))

	assert.Equal(t, degradation.SeveritySevere, severityFor(open))
	assert.Equal(t, degradation.SeveritySignificant, severityFor(timeout))
	assert.Equal(t, degradation.SeverityPartial, severityFor(other))
}

func TestServiceStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Health.SystemCheckInterval = time.Hour
	cfg.Health.AgentCheckInterval = time.Hour
	cfg.Health.ResourceCheckInterval = time.Hour
	cfg.Health.DependencyCheckInterval = time.Hour
	cfg.Health.CleanupInterval = time.Hour
	service := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, service.Start(ctx))
	service.Stop()
}

func TestHealthAlertsReachAlertingService(t *testing.T) {
	service := newTestService()

	service.Bus().Publish(events.Event{
		Type:   events.TypeAlertTriggered,
		Source: "health:api",
		Payload: map[string]interface{}{
			"alert_id":  "bridge-1",
			"component": "api",
			"severity":  "critical",
			"message":   "probe failed",
		},
	})

	require.Eventually(t, func() bool {
		return len(service.Alerts.ActiveAlerts()) == 1
	}, time.Second, 10*time.Millisecond)

	alert, ok := service.Alerts.GetAlert("bridge-1")
	require.True(t, ok)
	assert.Equal(t, "api", alert.Component)
}
