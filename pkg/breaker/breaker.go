package breaker

import (
	"sync"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/events"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - circuit is closed, calls are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, calls are short-circuited
	StateOpen
	// StateHalfOpen - circuit is half-open, limited trial calls are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// emaAlpha is the smoothing factor for the average response time so that
// recent latency dominates the reported value.
const emaAlpha = 0.1

// Config holds immutable per-breaker settings, fixed at creation.
type Config struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// Timeout is the period of the open state, after which the breaker
	// becomes eligible for a recovery attempt
	Timeout time.Duration
	// HalfOpenMaxCalls is the number of trial calls allowed in half-open
	HalfOpenMaxCalls int
	// VolumeThreshold is the minimum call volume before error-rate logic applies
	VolumeThreshold int
	// ErrorThresholdPercentage opens the breaker when the rolling error
	// rate reaches this value and the volume threshold is met
	ErrorThresholdPercentage float64
	// MonitoringPeriod bounds the window for error-rate evaluation
	MonitoringPeriod time.Duration
	// DefaultCallTimeout applies when an execution context carries no timeout
	DefaultCallTimeout time.Duration
}

// DefaultConfig returns the default breaker configuration for a name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                     name,
		FailureThreshold:         5,
		Timeout:                  30 * time.Second,
		HalfOpenMaxCalls:         3,
		VolumeThreshold:          10,
		ErrorThresholdPercentage: 50,
		MonitoringPeriod:         60 * time.Second,
		DefaultCallTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Name)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = def.VolumeThreshold
	}
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = def.ErrorThresholdPercentage
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = def.MonitoringPeriod
	}
	if c.DefaultCallTimeout <= 0 {
		c.DefaultCallTimeout = def.DefaultCallTimeout
	}
	return c
}

// Metrics holds the mutable counters owned by one breaker. Snapshots are
// returned by value so readers never alias live state.
type Metrics struct {
	TotalRequests        int64         `json:"total_requests"`
	SuccessfulRequests   int64         `json:"successful_requests"`
	FailedRequests       int64         `json:"failed_requests"`
	Timeouts             int64         `json:"timeouts"`
	ShortCircuits        int64         `json:"short_circuits"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ErrorRate            float64       `json:"error_rate"`
	AverageResponseTime  time.Duration `json:"average_response_time"`
	State                State         `json:"state"`
	StateChangedAt       time.Time     `json:"state_changed_at"`
}

// StateChangeCallback is invoked after a transition has been committed.
type StateChangeCallback func(name string, from, to State, reason string, snapshot Metrics)

// Breaker is the per-resource circuit breaker state machine. A single
// mutex serializes metrics-update-then-transition so call outcomes are
// applied in completion order.
type Breaker struct {
	config Config

	mutex          sync.Mutex
	state          State
	stateChangedAt time.Time
	windowStart    time.Time
	windowCalls    int64
	windowFailures int64
	halfOpenCalls  int
	metrics        Metrics

	bus           *events.Bus
	onStateChange StateChangeCallback
	logger        *logging.Logger
}

// New creates a circuit breaker in the CLOSED state.
func New(config Config, bus *events.Bus) *Breaker {
	now := time.Now()
	b := &Breaker{
		config:         config.withDefaults(),
		state:          StateClosed,
		stateChangedAt: now,
		windowStart:    now,
		bus:            bus,
		logger:         logging.GetLogger(),
	}
	b.metrics.State = StateClosed
	b.metrics.StateChangedAt = now
	return b
}

// SetStateChangeCallback registers a hook invoked on every transition.
func (b *Breaker) SetStateChangeCallback(cb StateChangeCallback) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onStateChange = cb
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.config.Name
}

// Config returns the breaker's immutable configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// Allow decides whether a call may proceed right now. A blocked call is
// recorded as a short circuit. An OPEN breaker past its timeout moves to
// HALF_OPEN and admits the call as a trial.
func (b *Breaker) Allow() bool {
	b.mutex.Lock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.mutex.Unlock()
		return true

	case StateOpen:
		if now.Sub(b.stateChangedAt) >= b.config.Timeout {
			change := b.transitionLocked(StateHalfOpen, "recovery timeout elapsed", now)
			b.halfOpenCalls = 1
			b.mutex.Unlock()
			b.notify(change)
			return true
		}
		b.metrics.ShortCircuits++
		snapshot := b.metrics
		b.mutex.Unlock()
		b.publishBlocked(snapshot)
		return false

	case StateHalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			b.mutex.Unlock()
			return true
		}
		b.metrics.ShortCircuits++
		snapshot := b.metrics
		b.mutex.Unlock()
		b.publishBlocked(snapshot)
		return false
	}

	b.mutex.Unlock()
	return false
}

// RecordSuccess records a successful call completion and drives the
// state machine.
func (b *Breaker) RecordSuccess(duration time.Duration) {
	b.mutex.Lock()

	now := time.Now()
	b.recordCall(duration, now)
	b.metrics.SuccessfulRequests++
	b.metrics.ConsecutiveSuccesses++
	b.metrics.ConsecutiveFailures = 0
	b.recomputeErrorRate()

	var change *stateChange
	if b.state == StateHalfOpen && b.metrics.ConsecutiveSuccesses >= b.config.HalfOpenMaxCalls {
		change = b.transitionLocked(StateClosed, "trial calls succeeded", now)
		b.resetCounters()
	}

	b.mutex.Unlock()
	b.notify(change)
}

// RecordFailure records a failed call completion. A timeout is tracked
// separately but still drives consecutive-failure and error-rate logic.
func (b *Breaker) RecordFailure(duration time.Duration, timedOut bool) {
	b.mutex.Lock()

	now := time.Now()
	b.recordCall(duration, now)
	b.windowFailures++
	b.metrics.FailedRequests++
	if timedOut {
		b.metrics.Timeouts++
	}
	b.metrics.ConsecutiveFailures++
	b.metrics.ConsecutiveSuccesses = 0
	b.recomputeErrorRate()

	var change *stateChange
	switch b.state {
	case StateClosed:
		if b.metrics.ConsecutiveFailures >= b.config.FailureThreshold {
			change = b.transitionLocked(StateOpen, "consecutive failure threshold reached", now)
		} else if b.windowCalls >= int64(b.config.VolumeThreshold) &&
			b.windowErrorRate() >= b.config.ErrorThresholdPercentage {
			change = b.transitionLocked(StateOpen, "error rate threshold exceeded", now)
		}
	case StateHalfOpen:
		// A single trial failure re-opens and restarts the timeout clock.
		change = b.transitionLocked(StateOpen, "trial call failed", now)
	}

	b.mutex.Unlock()
	b.notify(change)
}

// TryRecover transitions an eligible OPEN breaker to HALF_OPEN. The
// manager's recovery sweep calls this so OPEN is never terminal even
// without new traffic. Returns true if a transition happened.
func (b *Breaker) TryRecover(now time.Time) bool {
	b.mutex.Lock()

	if b.state != StateOpen || now.Sub(b.stateChangedAt) < b.config.Timeout {
		b.mutex.Unlock()
		return false
	}

	change := b.transitionLocked(StateHalfOpen, "recovery sweep", now)
	b.mutex.Unlock()
	b.notify(change)
	return true
}

// ForceOpen immediately opens the breaker, bypassing transition logic.
func (b *Breaker) ForceOpen() {
	b.mutex.Lock()

	if b.state == StateOpen {
		b.mutex.Unlock()
		return
	}
	change := b.transitionLocked(StateOpen, "manually forced", time.Now())
	b.resetCounters()
	b.mutex.Unlock()
	b.notify(change)
}

// ForceClose immediately closes the breaker and resets failure counters.
func (b *Breaker) ForceClose() {
	b.mutex.Lock()

	if b.state == StateClosed {
		b.mutex.Unlock()
		return
	}
	change := b.transitionLocked(StateClosed, "manually forced", time.Now())
	b.resetCounters()
	b.mutex.Unlock()
	b.notify(change)
}

// ResetMetrics clears all counters. Operator action only.
func (b *Breaker) ResetMetrics() {
	b.mutex.Lock()
	b.metrics = Metrics{
		State:          b.state,
		StateChangedAt: b.stateChangedAt,
	}
	b.windowStart = time.Now()
	b.windowCalls = 0
	b.windowFailures = 0
	snapshot := b.metrics
	b.mutex.Unlock()

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:   events.TypeMetricsReset,
			Source: b.config.Name,
			Payload: map[string]interface{}{
				"metrics": snapshot,
			},
		})
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Snapshot returns a copy of the current metrics.
func (b *Breaker) Snapshot() Metrics {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.metrics
}

// recordCall updates the volume counters and the response-time EMA,
// rolling the monitoring window when it has lapsed. Callers must hold
// the mutex.
func (b *Breaker) recordCall(duration time.Duration, now time.Time) {
	if now.Sub(b.windowStart) > b.config.MonitoringPeriod {
		b.windowStart = now
		b.windowCalls = 0
		b.windowFailures = 0
	}
	b.windowCalls++
	b.metrics.TotalRequests++
	if b.metrics.AverageResponseTime == 0 {
		b.metrics.AverageResponseTime = duration
	} else {
		b.metrics.AverageResponseTime = time.Duration(
			float64(duration)*emaAlpha + float64(b.metrics.AverageResponseTime)*(1-emaAlpha))
	}
}

func (b *Breaker) recomputeErrorRate() {
	if b.metrics.TotalRequests == 0 {
		b.metrics.ErrorRate = 0
		return
	}
	b.metrics.ErrorRate = float64(b.metrics.FailedRequests) / float64(b.metrics.TotalRequests) * 100
}

// windowErrorRate returns the failure percentage inside the current
// monitoring window. Callers must hold the mutex.
func (b *Breaker) windowErrorRate() float64 {
	if b.windowCalls == 0 {
		return 0
	}
	return float64(b.windowFailures) / float64(b.windowCalls) * 100
}

func (b *Breaker) resetCounters() {
	b.metrics.ConsecutiveFailures = 0
	b.metrics.ConsecutiveSuccesses = 0
	b.halfOpenCalls = 0
}

// stateChange captures a committed transition for delivery once the
// mutex has been released.
type stateChange struct {
	from     State
	to       State
	reason   string
	at       time.Time
	snapshot Metrics
	callback StateChangeCallback
}

// transitionLocked commits the new state and returns the notification
// to deliver via notify. Events and callbacks must never fire while the
// mutex is held: a subscriber is free to call back into the breaker.
// Callers must hold the mutex.
func (b *Breaker) transitionLocked(to State, reason string, now time.Time) *stateChange {
	from := b.state
	if from == to {
		return nil
	}

	b.state = to
	b.stateChangedAt = now
	b.metrics.State = to
	b.metrics.StateChangedAt = now
	if to == StateHalfOpen {
		// Trial calls start from a clean slate so closing requires
		// successes earned in this half-open episode.
		b.halfOpenCalls = 0
		b.metrics.ConsecutiveSuccesses = 0
	}

	return &stateChange{
		from:     from,
		to:       to,
		reason:   reason,
		at:       now,
		snapshot: b.metrics,
		callback: b.onStateChange,
	}
}

// notify delivers a committed transition to the log, the registered
// callback, and the event bus. Callers must not hold the mutex.
func (b *Breaker) notify(change *stateChange) {
	if change == nil {
		return
	}

	b.logger.Info("Circuit breaker state changed",
		"breaker", b.config.Name,
		"from", change.from.String(),
		"to", change.to.String(),
		"reason", change.reason,
	)

	if change.callback != nil {
		change.callback(b.config.Name, change.from, change.to, change.reason, change.snapshot)
	}

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:      events.TypeStateChange,
			Source:    b.config.Name,
			Timestamp: change.at,
			Payload: map[string]interface{}{
				"previous_state": change.from.String(),
				"new_state":      change.to.String(),
				"reason":         change.reason,
				"metrics":        change.snapshot,
			},
		})
	}
}

func (b *Breaker) publishBlocked(snapshot Metrics) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.Event{
		Type:   events.TypeCallBlocked,
		Source: b.config.Name,
		Payload: map[string]interface{}{
			"state":          snapshot.State.String(),
			"short_circuits": snapshot.ShortCircuits,
		},
	})
}
