// Package eventqueue correlates pushed operation completions with whoever
// registered interest in them.
package eventqueue

import (
	"context"
	"sync"
	"time"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// CancelledMessage is delivered to failure handlers for cancelled operations
const CancelledMessage = "Operation cancelled"

// Handlers is the one-shot callback set registered for an operation.
// Every field may be nil. OnDropped runs instead of the others when the
// registration is taken away without a delivery: replaced by a later
// registration for the same id, removed by someone else, or cleared.
type Handlers struct {
	OnSuccess func(event core.Event)
	OnFailure func(message string)
	OnFinally func()
	OnDropped func()
}

// Token identifies one registration so its owner can withdraw it without
// touching a newer registration for the same operation
type Token uint64

type entry struct {
	handlers     Handlers
	token        Token
	registeredAt time.Time
}

// Queue maps operation ids to handlers. Each entry fires at most once and is
// removed before its callbacks run.
type Queue struct {
	mu      sync.Mutex
	entries map[core.OperationID]entry
	next    Token
	logger  core.Logger
	bus     core.EventBus
	now     func() time.Time
}

// New creates an empty queue. bus may be nil.
func New(logger core.Logger, bus core.EventBus) *Queue {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Queue{
		entries: make(map[core.OperationID]entry),
		logger:  logger,
		bus:     bus,
		now:     time.Now,
	}
}

// Set registers handlers for id. Registering the same id twice before it
// resolves replaces the earlier handlers.
func (q *Queue) Set(id core.OperationID, onSuccess func(core.Event), onFailure func(string), onFinally func()) {
	q.SetHandlers(id, Handlers{OnSuccess: onSuccess, OnFailure: onFailure, OnFinally: onFinally})
}

// SetHandlers is Set taking a Handlers value
func (q *Queue) SetHandlers(id core.OperationID, handlers Handlers) {
	q.Register(id, handlers)
}

// Register is SetHandlers returning the token of the new registration. A
// replaced registration gets its OnDropped callback.
func (q *Queue) Register(id core.OperationID, handlers Handlers) Token {
	q.mu.Lock()
	previous, replaced := q.entries[id]
	q.next++
	token := q.next
	q.entries[id] = entry{handlers: handlers, token: token, registeredAt: q.now()}
	size := len(q.entries)
	q.mu.Unlock()

	if replaced {
		q.logger.Warn().
			Str("operation_id", string(id)).
			Msg("replacing handlers of an operation that has not resolved yet")
		dropped(previous)
	} else {
		q.logger.Debug().
			Str("operation_id", string(id)).
			Int("pending", size).
			Msg("registered operation")
	}

	q.publish(core.NewOperationRegisteredEvent(id))
	return token
}

// Resolve delivers a success for id. Unknown ids are ignored.
func (q *Queue) Resolve(id core.OperationID, event core.Event) {
	e, ok := q.take(id)
	if !ok {
		return
	}

	q.publish(core.NewOperationSucceededEvent(id, q.now().Sub(e.registeredAt)))

	if e.handlers.OnSuccess != nil {
		e.handlers.OnSuccess(event)
	}
	if e.handlers.OnFinally != nil {
		e.handlers.OnFinally()
	}
}

// Fail delivers a failure for id. Unknown ids are ignored.
func (q *Queue) Fail(id core.OperationID, message string) {
	e, ok := q.take(id)
	if !ok {
		return
	}

	q.publish(core.NewOperationFailedEvent(id, message, q.now().Sub(e.registeredAt)))

	if e.handlers.OnFailure != nil {
		e.handlers.OnFailure(message)
	}
	if e.handlers.OnFinally != nil {
		e.handlers.OnFinally()
	}
}

// Dispatch routes a pushed event to Resolve or Fail. Non-operation events and
// non-terminal statuses are ignored.
func (q *Queue) Dispatch(event core.Event) {
	if event.Type != core.EventTypeOperation {
		return
	}
	op, err := event.Operation()
	if err != nil {
		q.logger.Warn().Err(err).Msg("dropping undecodable operation event")
		return
	}

	switch op.Status {
	case core.StatusSuccess:
		q.Resolve(op.ID, event)
	case core.StatusFailure:
		q.Fail(op.ID, op.Err)
	case core.StatusCancelled:
		q.Fail(op.ID, CancelledMessage)
	}
}

// Remove drops the registration for id, invoking only its OnDropped
// callback. It reports whether an entry was present.
func (q *Queue) Remove(id core.OperationID) bool {
	e, ok := q.take(id)
	if ok {
		dropped(e)
	}
	return ok
}

// RemoveIf drops the registration for id only while it is still the one
// token was issued for. Nothing is invoked. A false result means the
// registration was delivered or dropped, and its callbacks run or have run.
func (q *Queue) RemoveIf(id core.OperationID, token Token) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.token != token {
		return false
	}
	delete(q.entries, id)
	return true
}

// Has reports whether id is registered
func (q *Queue) Has(id core.OperationID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[id]
	return ok
}

// Len returns the number of registered operations
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear forgets every registration, e.g. on logout or shutdown. Only the
// OnDropped callbacks run.
func (q *Queue) Clear() {
	q.mu.Lock()
	entries := q.entries
	q.entries = make(map[core.OperationID]entry)
	q.mu.Unlock()

	if len(entries) > 0 {
		q.logger.Info().Int("dropped", len(entries)).Msg("cleared pending operations")
	}
	for _, e := range entries {
		dropped(e)
	}
}

func (q *Queue) take(id core.OperationID) (entry, bool) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
	}
	q.mu.Unlock()

	if !ok {
		q.logger.Trace().
			Str("operation_id", string(id)).
			Msg("no handlers registered for operation")
	}
	return e, ok
}

func dropped(e entry) {
	if e.handlers.OnDropped != nil {
		e.handlers.OnDropped()
	}
}

func (q *Queue) publish(event core.LifecycleEvent) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(context.Background(), event); err != nil {
		q.logger.Warn().Err(err).Str("event_type", event.Type()).Msg("failed to publish lifecycle event")
	}
}
