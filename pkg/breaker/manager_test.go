package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OGHeyDude/agent-reliability/pkg/events"
)

func newTestManager() *Manager {
	return NewManager(testConfig(""), 30*time.Second, events.NewBus(nil))
}

func TestManager_GetOrCreateIsIdempotent(t *testing.T) {
	m := newTestManager()

	first := m.GetAgentBreaker("security", nil)
	second := m.GetAgentBreaker("security", nil)
	assert.Same(t, first, second)

	// A custom config on a later call is ignored; config is fixed at creation.
	custom := testConfig("")
	custom.FailureThreshold = 99
	third := m.GetAgentBreaker("security", &custom)
	assert.Same(t, first, third)
	assert.Equal(t, 3, third.Config().FailureThreshold)
}

func TestManager_NamespacedKeys(t *testing.T) {
	m := newTestManager()

	agent := m.GetAgentBreaker("db", nil)
	resource := m.GetResourceBreaker("db", nil)
	timeoutCB := m.GetTimeoutBreaker("db", nil)
	errorRate := m.GetErrorRateBreaker("db", nil)

	assert.Equal(t, "agent:db", agent.Name())
	assert.Equal(t, "resource:db", resource.Name())
	assert.Equal(t, "timeout:db", timeoutCB.Name())
	assert.Equal(t, "error-rate:db", errorRate.Name())

	// Same logical name under different kinds yields distinct breakers.
	assert.NotSame(t, agent, resource)

	statuses := m.AllStatuses()
	assert.Len(t, statuses, 4)
}

func TestManager_AggregatedMetrics(t *testing.T) {
	m := newTestManager()

	a := m.GetAgentBreaker("a", nil)
	b := m.GetAgentBreaker("b", nil)
	c := m.GetAgentBreaker("c", nil)

	a.RecordSuccess(time.Millisecond)
	a.RecordSuccess(time.Millisecond)
	b.RecordFailure(time.Millisecond, false)
	b.RecordSuccess(time.Millisecond)
	c.ForceOpen()

	agg := m.AggregatedMetrics()
	assert.Equal(t, 3, agg.TotalBreakers)
	assert.Equal(t, 1, agg.OpenCircuits)
	assert.Equal(t, 2, agg.ClosedCircuits)
	assert.Equal(t, int64(4), agg.TotalRequests)
	assert.Equal(t, int64(3), agg.SuccessfulRequests)
	assert.Equal(t, int64(1), agg.FailedRequests)
	assert.InDelta(t, 75.0, agg.SuccessRate, 0.001)
}

func TestManager_ForceOpenAndClose(t *testing.T) {
	m := newTestManager()
	m.GetAgentBreaker("x", nil)

	require.NoError(t, m.ForceOpen("agent:x"))
	b, ok := m.Get("agent:x")
	require.True(t, ok)
	assert.Equal(t, StateOpen, b.State())

	require.NoError(t, m.ForceClose("agent:x"))
	assert.Equal(t, StateClosed, b.State())

	assert.Error(t, m.ForceOpen("agent:missing"))
	assert.Error(t, m.ForceClose("agent:missing"))
}

func TestManager_HealthCheck(t *testing.T) {
	m := newTestManager()

	// No breakers: healthy, success rate defaults to 100.
	health := m.HealthCheck()
	assert.True(t, health.Healthy)

	a := m.GetAgentBreaker("a", nil)
	b := m.GetAgentBreaker("b", nil)
	m.GetAgentBreaker("c", nil)
	a.RecordSuccess(time.Millisecond)
	health = m.HealthCheck()
	assert.True(t, health.Healthy)

	// 2 of 3 open is more than 50%.
	a.ForceOpen()
	b.ForceOpen()
	health = m.HealthCheck()
	assert.False(t, health.Healthy)
	assert.Contains(t, health.Reason, "open")
}

func TestManager_HealthCheck_LowSuccessRate(t *testing.T) {
	m := newTestManager()
	a := m.GetAgentBreaker("a", nil)

	a.RecordSuccess(time.Millisecond)
	for i := 0; i < 2; i++ {
		a.RecordFailure(time.Millisecond, false)
	}

	// 1 of 3 successes = 33% < 80%, zero breakers open.
	health := m.HealthCheck()
	assert.False(t, health.Healthy)
	assert.Contains(t, health.Reason, "success rate")
}

func TestManager_SweepRecoveries(t *testing.T) {
	bus := events.NewBus(nil)
	recoveries := 0
	bus.Subscribe(events.TypeRecoveryCompleted, func(e events.Event) {
		recoveries++
	})

	m := NewManager(testConfig(""), 30*time.Second, bus)
	a := m.GetAgentBreaker("a", nil)
	b := m.GetAgentBreaker("b", nil)
	m.GetAgentBreaker("c", nil)

	a.ForceOpen()
	b.ForceOpen()

	// Before the breaker timeout nothing recovers.
	assert.Equal(t, 0, m.SweepRecoveries(time.Now()))

	// Past the timeout both open breakers move to half-open.
	count := m.SweepRecoveries(time.Now().Add(200 * time.Millisecond))
	assert.Equal(t, 2, count)
	assert.Equal(t, StateHalfOpen, a.State())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, 2, recoveries)
}

func TestManager_StartStop(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Start(ctx) // idempotent
	m.Stop()
	m.Stop() // idempotent
}
