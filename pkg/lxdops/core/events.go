package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LifecycleEvent is something that happened to a tracked operation on the
// client side. Not to be confused with Event, which is what the server pushes.
type LifecycleEvent interface {
	// Type returns the event type identifier
	Type() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// Data returns the event payload
	Data() interface{}
}

// LifecycleHandler handles lifecycle events
type LifecycleHandler interface {
	Handle(ctx context.Context, event LifecycleEvent) error
}

// LifecycleHandlerFunc is a function adapter for LifecycleHandler
type LifecycleHandlerFunc func(ctx context.Context, event LifecycleEvent) error

// Handle implements LifecycleHandler
func (f LifecycleHandlerFunc) Handle(ctx context.Context, event LifecycleEvent) error {
	return f(ctx, event)
}

// SubscriptionID identifies a subscription
type SubscriptionID string

// EventBus fans lifecycle events out to interested components (metrics,
// audit logging) without the emitters knowing about them.
type EventBus interface {
	Subscribe(eventType string, handler LifecycleHandler) SubscriptionID
	Unsubscribe(subscriptionID SubscriptionID)
	Publish(ctx context.Context, event LifecycleEvent) error
	PublishAsync(ctx context.Context, event LifecycleEvent)
}

// BaseEvent provides a basic implementation of LifecycleEvent
type BaseEvent struct {
	EventType string
	Time      time.Time
	Payload   interface{}
}

// Type returns the event type
func (e *BaseEvent) Type() string {
	return e.EventType
}

// Timestamp returns when the event occurred
func (e *BaseEvent) Timestamp() time.Time {
	return e.Time
}

// Data returns the event payload
func (e *BaseEvent) Data() interface{} {
	return e.Payload
}

// NewBaseEvent creates a new base event
func NewBaseEvent(eventType string, data interface{}) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		Time:      time.Now(),
		Payload:   data,
	}
}

// AnyEvent subscribes a handler to every event type
const AnyEvent = "*"

type subscription struct {
	id      SubscriptionID
	handler LifecycleHandler
}

// MemoryEventBus delivers lifecycle events in process. Publish runs the
// handlers of the event's type, then the AnyEvent ones, on the caller's
// goroutine.
type MemoryEventBus struct {
	mu            sync.RWMutex
	handlers      map[string][]subscription
	subscriptions map[SubscriptionID]string
	nextID        int
	logger        Logger
}

// NewMemoryEventBus creates an empty bus. logger may be nil.
func NewMemoryEventBus(logger Logger) *MemoryEventBus {
	if logger == nil {
		logger = NopLogger{}
	}
	return &MemoryEventBus{
		handlers:      make(map[string][]subscription),
		subscriptions: make(map[SubscriptionID]string),
		nextID:        1,
		logger:        logger,
	}
}

// Subscribe registers handler for eventType, or for everything with AnyEvent
func (bus *MemoryEventBus) Subscribe(eventType string, handler LifecycleHandler) SubscriptionID {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	subID := SubscriptionID(fmt.Sprintf("%s#%d", eventType, bus.nextID))
	bus.nextID++

	bus.handlers[eventType] = append(bus.handlers[eventType], subscription{id: subID, handler: handler})
	bus.subscriptions[subID] = eventType

	bus.logger.Trace().
		Str("event_type", eventType).
		Str("subscription_id", string(subID)).
		Int("handlers", len(bus.handlers[eventType])).
		Msg("subscribed to lifecycle events")

	return subID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (bus *MemoryEventBus) Unsubscribe(subscriptionID SubscriptionID) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	eventType, exists := bus.subscriptions[subscriptionID]
	if !exists {
		return
	}
	delete(bus.subscriptions, subscriptionID)

	handlers := bus.handlers[eventType]
	for i, sub := range handlers {
		if sub.id == subscriptionID {
			bus.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(bus.handlers[eventType]) == 0 {
		delete(bus.handlers, eventType)
	}
}

// Next returns a channel receiving the first eventType event published from
// now on, and a stop func releasing the subscription. Call stop once done
// waiting, whether or not an event arrived.
func (bus *MemoryEventBus) Next(eventType string) (<-chan LifecycleEvent, func()) {
	ch := make(chan LifecycleEvent, 1)
	var once sync.Once
	id := bus.Subscribe(eventType, LifecycleHandlerFunc(func(ctx context.Context, event LifecycleEvent) error {
		once.Do(func() { ch <- event })
		return nil
	}))
	return ch, func() { bus.Unsubscribe(id) }
}

// Publish delivers event to its subscribers. Handler errors are logged with
// what the event concerns and never stop delivery to the remaining handlers.
func (bus *MemoryEventBus) Publish(ctx context.Context, event LifecycleEvent) error {
	bus.mu.RLock()
	subscriptions := append([]subscription{}, bus.handlers[event.Type()]...)
	subscriptions = append(subscriptions, bus.handlers[AnyEvent]...)
	bus.mu.RUnlock()

	log := describe(bus.logger.Trace(), event)
	log.Int("handlers", len(subscriptions)).Msg("publishing lifecycle event")

	for _, sub := range subscriptions {
		if err := sub.handler.Handle(ctx, event); err != nil {
			describe(bus.logger.Warn(), event).
				Str("subscription_id", string(sub.id)).
				Err(err).
				Msg("lifecycle handler failed")
		}
	}

	return nil
}

// PublishAsync publishes from a new goroutine, for emitters that must not
// block on slow handlers
func (bus *MemoryEventBus) PublishAsync(ctx context.Context, event LifecycleEvent) {
	go func() {
		_ = bus.Publish(ctx, event)
	}()
}

// describe adds the type and subject of a lifecycle event to a log entry
func describe(log LogEvent, event LifecycleEvent) LogEvent {
	log = log.Str("event_type", event.Type())
	switch data := event.Data().(type) {
	case OperationEventData:
		log = log.Str("operation_id", string(data.OperationID))
	case BulkItemEventData:
		log = log.Str("item", data.Name).Str("item_type", data.Type)
	case StreamEventData:
		log = log.Str("listener_id", data.ListenerID).Int("attempt", data.Attempt)
	}
	return log
}
