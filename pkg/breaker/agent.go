package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/events"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// historyLimit bounds the rolling execution history kept for diagnostics.
const historyLimit = 100

// ExecContext carries the per-call request for an agent invocation.
type ExecContext struct {
	AgentName string                 `json:"agent_name"`
	Task      string                 `json:"task"`
	Timeout   time.Duration          `json:"timeout,omitempty"`
	Request   interface{}            `json:"request,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ExecResult is the per-call response handed back to the caller.
type ExecResult struct {
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	// FromCache marks a result served by a fallback strategy rather
	// than the primary execution path.
	FromCache bool   `json:"from_cache"`
	Fallback  string `json:"fallback,omitempty"`
}

// ExecutionFunc is the injected primary invocation logic. The wrapper
// never knows what it does, only its success/failure/timing. The context
// it receives is cancelled when the call's timeout elapses.
type ExecutionFunc func(ctx context.Context) (interface{}, error)

// FallbackStrategy produces a best-effort result when the primary path
// is blocked or has failed. Strategies are tried in registration order.
type FallbackStrategy interface {
	Name() string
	Execute(ctx context.Context, execCtx ExecContext, cause error) (interface{}, error)
}

// ExecutionRecord is one entry in the diagnostic history.
type ExecutionRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	TimedOut  bool          `json:"timed_out"`
	Blocked   bool          `json:"blocked"`
	FromCache bool          `json:"from_cache"`
	Error     string        `json:"error,omitempty"`
}

// AgentBreaker wraps an execution function with circuit-breaker
// protection, timeout enforcement, and fallback delegation.
type AgentBreaker struct {
	breaker *Breaker

	mutex     sync.Mutex
	fallbacks []FallbackStrategy
	history   []ExecutionRecord

	bus    *events.Bus
	logger *logging.Logger
}

// NewAgentBreaker wraps a breaker for agent-invocation semantics. The
// unavailability fallback is always present as the implicit last resort,
// so Execute never silently hangs.
func NewAgentBreaker(b *Breaker, bus *events.Bus) *AgentBreaker {
	return &AgentBreaker{
		breaker: b,
		bus:     bus,
		logger:  logging.GetLogger(),
	}
}

// Breaker exposes the underlying state machine.
func (ab *AgentBreaker) Breaker() *Breaker {
	return ab.breaker
}

// AddFallbackStrategy appends a strategy to the fallback chain.
func (ab *AgentBreaker) AddFallbackStrategy(strategy FallbackStrategy) {
	ab.mutex.Lock()
	defer ab.mutex.Unlock()
	ab.fallbacks = append(ab.fallbacks, strategy)
}

// RemoveFallbackStrategy removes a strategy by name.
func (ab *AgentBreaker) RemoveFallbackStrategy(name string) {
	ab.mutex.Lock()
	defer ab.mutex.Unlock()

	kept := ab.fallbacks[:0]
	for _, s := range ab.fallbacks {
		if s.Name() != name {
			kept = append(kept, s)
		}
	}
	ab.fallbacks = kept
}

// Execute runs fn under circuit-breaker protection.
//
// A blocked call never reaches fn; it is served by the fallback chain or
// fails with a circuit-open error. An allowed call is raced against the
// call timeout; on any failure the fallback chain is attempted before the
// error propagates. A successful fallback still records the underlying
// failure in the breaker's metrics.
func (ab *AgentBreaker) Execute(ctx context.Context, fn ExecutionFunc, execCtx ExecContext) *ExecResult {
	start := time.Now()

	if !ab.breaker.Allow() {
		blockedErr := errors.NewCircuitOpenError(ab.breaker.Name(), ab.breaker.State().String())
		result := ab.tryFallbacks(ctx, execCtx, blockedErr)
		result.Duration = time.Since(start)
		result.Timestamp = start
		ab.record(ExecutionRecord{
			Timestamp: start,
			Duration:  result.Duration,
			Success:   result.Success,
			Blocked:   true,
			FromCache: result.FromCache,
			Error:     errString(result.Err),
		})
		return result
	}

	output, timedOut, err := ab.run(ctx, fn, execCtx)
	duration := time.Since(start)

	if err == nil {
		ab.breaker.RecordSuccess(duration)
		result := &ExecResult{
			Success:   true,
			Output:    output,
			Duration:  duration,
			Timestamp: start,
		}
		ab.record(ExecutionRecord{
			Timestamp: start,
			Duration:  duration,
			Success:   true,
		})
		ab.publishExecuted(execCtx, result)
		return result
	}

	// The underlying failure is recorded even when a fallback succeeds.
	ab.breaker.RecordFailure(duration, timedOut)

	if timedOut {
		timeout := execCtx.Timeout
		if timeout <= 0 {
			timeout = ab.breaker.Config().DefaultCallTimeout
		}
		err = errors.NewTimeoutError("agent execution", timeout).WithCause(err)
	}

	result := ab.tryFallbacks(ctx, execCtx, err)
	result.Duration = time.Since(start)
	result.Timestamp = start
	ab.record(ExecutionRecord{
		Timestamp: start,
		Duration:  result.Duration,
		Success:   result.Success,
		TimedOut:  timedOut,
		FromCache: result.FromCache,
		Error:     errString(result.Err),
	})
	ab.publishExecuted(execCtx, result)
	return result
}

// run races fn against the call timeout. The wrapped function receives a
// context cancelled on timeout so cooperative work can abort; work that
// ignores its context is orphaned, not leaked into the caller's wait.
func (ab *AgentBreaker) run(ctx context.Context, fn ExecutionFunc, execCtx ExecContext) (interface{}, bool, error) {
	timeout := execCtx.Timeout
	if timeout <= 0 {
		timeout = ab.breaker.Config().DefaultCallTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		output, err := fn(callCtx)
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && callCtx.Err() == context.DeadlineExceeded {
			return nil, true, o.err
		}
		return o.output, false, o.err
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, true, callCtx.Err()
		}
		return nil, false, callCtx.Err()
	}
}

// tryFallbacks walks the registered strategies in order. The implicit
// last resort converts the cause into an explicit unavailability error.
func (ab *AgentBreaker) tryFallbacks(ctx context.Context, execCtx ExecContext, cause error) *ExecResult {
	ab.mutex.Lock()
	strategies := make([]FallbackStrategy, len(ab.fallbacks))
	copy(strategies, ab.fallbacks)
	ab.mutex.Unlock()

	for _, strategy := range strategies {
		output, err := strategy.Execute(ctx, execCtx, cause)
		if err != nil {
			ab.logger.Debug("Fallback strategy declined",
				"breaker", ab.breaker.Name(),
				"strategy", strategy.Name(),
				"error", err.Error(),
			)
			continue
		}

		ab.logger.Info("Fallback strategy served result",
			"breaker", ab.breaker.Name(),
			"strategy", strategy.Name(),
			"agent", execCtx.AgentName,
		)
		if ab.bus != nil {
			ab.bus.Publish(events.Event{
				Type:   events.TypeFallbackUsed,
				Source: ab.breaker.Name(),
				Payload: map[string]interface{}{
					"strategy": strategy.Name(),
					"agent":    execCtx.AgentName,
					"cause":    cause.Error(),
				},
			})
		}
		return &ExecResult{
			Success:   true,
			Output:    output,
			FromCache: true,
			Fallback:  strategy.Name(),
		}
	}

	// No strategy could serve the context.
	if errors.IsCircuitOpen(cause) || errors.IsTimeout(cause) {
		return &ExecResult{Success: false, Err: cause}
	}
	return &ExecResult{
		Success: false,
		Err:     errors.NewExecutionError(ab.breaker.Name(), cause),
	}
}

// History returns a copy of the rolling execution history, newest last.
func (ab *AgentBreaker) History() []ExecutionRecord {
	ab.mutex.Lock()
	defer ab.mutex.Unlock()

	history := make([]ExecutionRecord, len(ab.history))
	copy(history, ab.history)
	return history
}

func (ab *AgentBreaker) record(rec ExecutionRecord) {
	ab.mutex.Lock()
	defer ab.mutex.Unlock()

	ab.history = append(ab.history, rec)
	if len(ab.history) > historyLimit {
		ab.history = ab.history[len(ab.history)-historyLimit:]
	}
}

func (ab *AgentBreaker) publishExecuted(execCtx ExecContext, result *ExecResult) {
	if ab.bus == nil {
		return
	}
	ab.bus.Publish(events.Event{
		Type:   events.TypeCallExecuted,
		Source: ab.breaker.Name(),
		Payload: map[string]interface{}{
			"agent":       execCtx.AgentName,
			"task":        execCtx.Task,
			"success":     result.Success,
			"from_cache":  result.FromCache,
			"duration_ms": result.Duration.Milliseconds(),
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
