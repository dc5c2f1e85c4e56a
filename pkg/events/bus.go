package events

import (
	"sync"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// Type identifies the kind of event flowing through the bus.
type Type string

const (
	TypeStateChange          Type = "state_change"
	TypeCallBlocked          Type = "call_blocked"
	TypeCallExecuted         Type = "call_executed"
	TypeFallbackUsed         Type = "fallback_used"
	TypeMetricsReset         Type = "metrics_reset"
	TypeHealthCheckCompleted Type = "health_check_completed"
	TypeStatusChange         Type = "status_change"
	TypeAlertTriggered       Type = "alert_triggered"
	TypeAlertResolved        Type = "alert_resolved"
	TypeDegradationRequired  Type = "degradation_required"
	TypeRecoveryCompleted    Type = "recovery_completed"
)

// Event is a fire-and-forget notification emitted after the originating
// component has already committed the change it describes.
type Event struct {
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler receives events published on the bus.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed later.
type Subscription struct {
	id        uint64
	eventType Type
}

// Bus is a synchronous callback registry. Handlers run inline on the
// publishing goroutine; a panicking handler is recovered and logged so it
// cannot disturb the publisher's state machine.
type Bus struct {
	mutex    sync.RWMutex
	nextID   uint64
	handlers map[Type]map[uint64]Handler
	logger   *logging.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Bus{
		handlers: make(map[Type]map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a single event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) Subscription {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][b.nextID] = handler

	return Subscription{id: b.nextID, eventType: eventType}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if handlers, ok := b.handlers[sub.eventType]; ok {
		delete(handlers, sub.id)
	}
}

// Publish delivers the event to every handler registered for its type.
// Delivery is best-effort: handler errors are invisible to the publisher
// and a handler panic is contained.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mutex.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type]))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	b.mutex.RUnlock()

	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"event_type", string(event.Type),
				"source", event.Source,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(eventType Type) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.handlers[eventType])
}
