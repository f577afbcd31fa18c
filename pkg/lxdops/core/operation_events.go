package core

import (
	"time"
)

// Lifecycle event types
const (
	EventOperationRegistered  = "operation.registered"
	EventOperationSucceeded   = "operation.succeeded"
	EventOperationFailed      = "operation.failed"
	EventOperationWaitTimeout = "operation.wait_timeout"
	EventBulkItemSettled      = "bulk.item_settled"
	EventStreamConnected      = "stream.connected"
	EventStreamDisconnected   = "stream.disconnected"
)

// OperationEventData is the payload shared by all operation lifecycle events
type OperationEventData struct {
	OperationID OperationID
	Status      Status
	Message     string
	// Elapsed is the time between registration and delivery, zero when unknown
	Elapsed time.Duration
}

// NewOperationRegisteredEvent is emitted when a caller starts waiting for an operation
func NewOperationRegisteredEvent(id OperationID) *BaseEvent {
	return NewBaseEvent(EventOperationRegistered, OperationEventData{OperationID: id})
}

// NewOperationSucceededEvent is emitted when a success is delivered to a caller
func NewOperationSucceededEvent(id OperationID, elapsed time.Duration) *BaseEvent {
	return NewBaseEvent(EventOperationSucceeded, OperationEventData{
		OperationID: id,
		Status:      StatusSuccess,
		Elapsed:     elapsed,
	})
}

// NewOperationFailedEvent is emitted when a failure is delivered to a caller
func NewOperationFailedEvent(id OperationID, message string, elapsed time.Duration) *BaseEvent {
	return NewBaseEvent(EventOperationFailed, OperationEventData{
		OperationID: id,
		Status:      StatusFailure,
		Message:     message,
		Elapsed:     elapsed,
	})
}

// NewOperationWaitTimeoutEvent is emitted when a bounded wait expires with
// the operation still running
func NewOperationWaitTimeoutEvent(id OperationID, timeout time.Duration) *BaseEvent {
	return NewBaseEvent(EventOperationWaitTimeout, OperationEventData{
		OperationID: id,
		Status:      StatusRunning,
		Elapsed:     timeout,
	})
}

// BulkItemEventData describes one settled bulk item
type BulkItemEventData struct {
	Name     string
	Type     string
	Success  bool
	Duration time.Duration
}

// NewBulkItemSettledEvent is emitted once per item of a bulk run
func NewBulkItemSettledEvent(name, itemType string, success bool, duration time.Duration) *BaseEvent {
	return NewBaseEvent(EventBulkItemSettled, BulkItemEventData{
		Name:     name,
		Type:     itemType,
		Success:  success,
		Duration: duration,
	})
}

// StreamEventData describes a push channel connection change
type StreamEventData struct {
	ListenerID string
	Attempt    int
	Err        error
}

// NewStreamConnectedEvent is emitted each time the push channel (re)connects
func NewStreamConnectedEvent(listenerID string, attempt int) *BaseEvent {
	return NewBaseEvent(EventStreamConnected, StreamEventData{ListenerID: listenerID, Attempt: attempt})
}

// NewStreamDisconnectedEvent is emitted when the push channel drops or fails to connect
func NewStreamDisconnectedEvent(listenerID string, attempt int, err error) *BaseEvent {
	return NewBaseEvent(EventStreamDisconnected, StreamEventData{ListenerID: listenerID, Attempt: attempt, Err: err})
}
