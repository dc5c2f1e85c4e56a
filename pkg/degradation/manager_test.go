package degradation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
)

type stubStrategy struct {
	name     string
	priority int
	handles  bool
	result   *Result
	err      error
	calls    int
}

func (s *stubStrategy) Name() string              { return s.name }
func (s *stubStrategy) Priority() int             { return s.priority }
func (s *stubStrategy) CanHandle(dctx Context) bool { return s.handles }

func (s *stubStrategy) Execute(ctx context.Context, dctx Context) (*Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testContext(component string) Context {
	return Context{
		Reason:    ReasonCircuitOpen,
		Component: component,
		Severity:  SeveritySignificant,
	}
}

func TestManagerSelectsHighestPriorityStrategy(t *testing.T) {
	manager := NewManager(events.NewBus(nil))

	low := &stubStrategy{name: "low", priority: 10, handles: true, result: &Result{Output: "low"}}
	high := &stubStrategy{name: "high", priority: 90, handles: true, result: &Result{Output: "high"}}

	// Registration order must not matter.
	manager.Register(low)
	manager.Register(high)

	result, err := manager.Handle(context.Background(), testContext("search"))
	require.NoError(t, err)
	assert.Equal(t, "high", result.Output)
	assert.Equal(t, "high", result.Strategy)
	assert.Equal(t, 0, low.calls)
}

func TestManagerSkipsStrategiesThatCannotHandle(t *testing.T) {
	manager := NewManager(events.NewBus(nil))

	picky := &stubStrategy{name: "picky", priority: 90, handles: false, result: &Result{Output: "picky"}}
	open := &stubStrategy{name: "open", priority: 10, handles: true, result: &Result{Output: "open"}}

	manager.Register(picky)
	manager.Register(open)

	result, err := manager.Handle(context.Background(), testContext("search"))
	require.NoError(t, err)
	assert.Equal(t, "open", result.Output)
	assert.Equal(t, 0, picky.calls)
}

func TestManagerFallsThroughOnExecutionError(t *testing.T) {
	manager := NewManager(events.NewBus(nil))

	failing := &stubStrategy{name: "failing", priority: 90, handles: true, err: errors.NewInternalError("boom")}
	backup := &stubStrategy{name: "backup", priority: 10, handles: true, result: &Result{Output: "ok"}}

	manager.Register(failing)
	manager.Register(backup)

	result, err := manager.Handle(context.Background(), testContext("search"))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, 1, failing.calls)
}

func TestManagerExhaustionReturnsFallbackExhausted(t *testing.T) {
	manager := NewManager(events.NewBus(nil))
	manager.Register(&stubStrategy{name: "failing", priority: 50, handles: true, err: errors.NewInternalError("boom")})

	result, err := manager.Handle(context.Background(), testContext("search"))
	assert.Nil(t, result)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeFallbackExhausted, errors.GetType(err))
}

func TestManagerExhaustionWithNoStrategies(t *testing.T) {
	manager := NewManager(events.NewBus(nil))

	_, err := manager.Handle(context.Background(), testContext("search"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeFallbackExhausted, errors.GetType(err))
}

func TestManagerDeregister(t *testing.T) {
	manager := NewManager(events.NewBus(nil))
	manager.Register(&stubStrategy{name: "only", priority: 50, handles: true, result: &Result{Output: "x"}})
	require.Equal(t, []string{"only"}, manager.Strategies())

	manager.Deregister("only")
	assert.Empty(t, manager.Strategies())
}

func TestManagerPublishesDegradationRequiredEvent(t *testing.T) {
	bus := events.NewBus(nil)
	var received []events.Event
	bus.Subscribe(events.TypeDegradationRequired, func(e events.Event) {
		received = append(received, e)
	})

	manager := NewManager(bus)
	manager.Register(&stubStrategy{name: "ok", priority: 50, handles: true, result: &Result{Output: "x"}})

	_, err := manager.Handle(context.Background(), testContext("search"))
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, "search", received[0].Payload["component"])
	assert.Equal(t, string(ReasonCircuitOpen), received[0].Payload["reason"])
}

func TestCachedStrategyRoundTrip(t *testing.T) {
	cache := NewCachedResponseStrategy(DefaultCachedConfig())

	request := map[string]interface{}{"query": "status"}
	cache.CacheAgentResponse("agent", "triage", "summarize", request, map[string]string{"answer": "ok"}, time.Minute)

	dctx := Context{
		Reason:    ReasonCircuitOpen,
		Component: "agent",
		AgentName: "triage",
		Task:      "summarize",
		Request:   request,
	}
	require.True(t, cache.CanHandle(dctx))

	result, err := cache.Execute(context.Background(), dctx)
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.GreaterOrEqual(t, result.CacheAge, time.Duration(0))

	payload, ok := result.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", payload["answer"])
}

func TestCachedStrategyMissOnDifferentRequest(t *testing.T) {
	cache := NewCachedResponseStrategy(DefaultCachedConfig())
	cache.CacheAgentResponse("agent", "triage", "summarize", map[string]string{"q": "a"}, "cached", time.Minute)

	dctx := testContext("agent")
	dctx.AgentName = "triage"
	dctx.Task = "summarize"
	dctx.Request = map[string]string{"q": "b"}

	_, err := cache.Execute(context.Background(), dctx)
	require.Error(t, err)
	assert.Equal(t, int64(1), cache.Stats().Misses)
}

func TestCachedStrategyExpiredEntryIsMissAndRemoved(t *testing.T) {
	cache := NewCachedResponseStrategy(DefaultCachedConfig())
	key := CacheKey("agent", "triage", "summarize", nil)
	cache.CacheResponse(key, "stale", 10*time.Millisecond)

	time.Sleep(25 * time.Millisecond)

	dctx := testContext("agent")
	dctx.AgentName = "triage"
	dctx.Task = "summarize"

	_, err := cache.Execute(context.Background(), dctx)
	require.Error(t, err)
	assert.Equal(t, 0, cache.Size())

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCachedStrategyEvictsOldestOnWrite(t *testing.T) {
	cache := NewCachedResponseStrategy(CachedConfig{MaxCacheSize: 3, DefaultTTL: time.Minute})

	cache.CacheResponse("k1", "v1", time.Minute)
	time.Sleep(2 * time.Millisecond)
	cache.CacheResponse("k2", "v2", time.Minute)
	time.Sleep(2 * time.Millisecond)
	cache.CacheResponse("k3", "v3", time.Minute)
	time.Sleep(2 * time.Millisecond)
	cache.CacheResponse("k4", "v4", time.Minute)

	assert.Equal(t, 3, cache.Size())
	assert.False(t, cache.Contains("k1"))
	assert.True(t, cache.Contains("k2"))
	assert.True(t, cache.Contains("k4"))
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestCachedStrategyPurgesExpiredBeforeEvicting(t *testing.T) {
	cache := NewCachedResponseStrategy(CachedConfig{MaxCacheSize: 2, DefaultTTL: time.Minute})

	cache.CacheResponse("short", "v", 5*time.Millisecond)
	cache.CacheResponse("long", "v", time.Minute)
	time.Sleep(15 * time.Millisecond)

	// The expired entry makes room, so "long" survives.
	cache.CacheResponse("new", "v", time.Minute)

	assert.True(t, cache.Contains("long"))
	assert.True(t, cache.Contains("new"))
	assert.False(t, cache.Contains("short"))
}

func TestCachedStrategyDeepClonesPayload(t *testing.T) {
	cache := NewCachedResponseStrategy(DefaultCachedConfig())

	payload := map[string]interface{}{"count": 1}
	cache.CacheAgentResponse("agent", "triage", "summarize", nil, payload, time.Minute)

	// Mutating the caller's map after caching must not leak into the cache.
	payload["count"] = 99

	dctx := testContext("agent")
	dctx.AgentName = "triage"
	dctx.Task = "summarize"

	result, err := cache.Execute(context.Background(), dctx)
	require.NoError(t, err)

	stored, ok := result.Output.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, stored["count"])
}

func TestCachedStrategyExportImport(t *testing.T) {
	source := NewCachedResponseStrategy(DefaultCachedConfig())
	source.CacheResponse("keep", "v1", time.Minute)
	source.CacheResponse("drop", "v2", 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	data, err := source.Export()
	require.NoError(t, err)

	restored := NewCachedResponseStrategy(DefaultCachedConfig())
	require.NoError(t, restored.Import(data))

	assert.True(t, restored.Contains("keep"))
	assert.False(t, restored.Contains("drop"))
}

func TestCachedStrategyImportRejectsGarbage(t *testing.T) {
	cache := NewCachedResponseStrategy(DefaultCachedConfig())
	err := cache.Import([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetType(err))
}

func TestCacheKeyStableAcrossIdenticalRequests(t *testing.T) {
	a := CacheKey("agent", "triage", "summarize", map[string]string{"q": "x"})
	b := CacheKey("agent", "triage", "summarize", map[string]string{"q": "x"})
	c := CacheKey("agent", "triage", "summarize", map[string]string{"q": "y"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSimplifiedStrategyRunsRegisteredHandler(t *testing.T) {
	strategy := NewSimplifiedExecutionStrategy()
	strategy.RegisterHandler("search", func(ctx context.Context, dctx Context) (interface{}, error) {
		return "reduced", nil
	})

	dctx := testContext("search")
	require.True(t, strategy.CanHandle(dctx))
	assert.False(t, strategy.CanHandle(testContext("other")))

	result, err := strategy.Execute(context.Background(), dctx)
	require.NoError(t, err)
	assert.Equal(t, "reduced", result.Output)
	assert.False(t, result.FromCache)
}

func TestSimplifiedStrategyDeregister(t *testing.T) {
	strategy := NewSimplifiedExecutionStrategy()
	strategy.RegisterHandler("search", func(ctx context.Context, dctx Context) (interface{}, error) {
		return nil, nil
	})
	strategy.DeregisterHandler("search")
	assert.False(t, strategy.CanHandle(testContext("search")))
}

func TestStaticStrategyServesFixedPayload(t *testing.T) {
	strategy := NewStaticResponseStrategy()
	strategy.SetResponse("search", map[string]string{"status": "degraded"})

	dctx := testContext("search")
	require.True(t, strategy.CanHandle(dctx))

	result, err := strategy.Execute(context.Background(), dctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "degraded"}, result.Output)
}

func TestStrategyPriorityOrderingEndToEnd(t *testing.T) {
	bus := events.NewBus(nil)
	manager := NewManager(bus)

	cache := NewCachedResponseStrategy(DefaultCachedConfig())
	simplified := NewSimplifiedExecutionStrategy()
	static := NewStaticResponseStrategy()

	simplified.RegisterHandler("agent", func(ctx context.Context, dctx Context) (interface{}, error) {
		return "simplified", nil
	})
	static.SetResponse("agent", "static")

	manager.Register(static)
	manager.Register(cache)
	manager.Register(simplified)

	dctx := Context{
		Reason:    ReasonCircuitOpen,
		Component: "agent",
		AgentName: "triage",
		Task:      "summarize",
		Severity:  SeveritySevere,
	}

	// An empty cache misses, so the simplified handler wins.
	result, err := manager.Handle(context.Background(), dctx)
	require.NoError(t, err)
	assert.Equal(t, "simplified", result.Output)

	// Once populated, the cache outranks everything else.
	cache.CacheAgentResponse("agent", "triage", "summarize", nil, "cached", time.Minute)
	result, err = manager.Handle(context.Background(), dctx)
	require.NoError(t, err)
	assert.Equal(t, "cached", result.Output)
	assert.True(t, result.FromCache)
}
