package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationID uniquely identifies a server-side operation
type OperationID string

// Status is the server-controlled lifecycle state of an operation
type Status string

const (
	// StatusPending indicates the operation was accepted but has not started
	StatusPending Status = "Pending"
	// StatusRunning indicates the operation is still executing server-side
	StatusRunning Status = "Running"
	// StatusSuccess indicates the operation completed successfully
	StatusSuccess Status = "Success"
	// StatusFailure indicates the operation failed
	StatusFailure Status = "Failure"
	// StatusCancelled indicates the operation was cancelled before completion
	StatusCancelled Status = "Cancelled"
)

// IsTerminal reports whether no further status change is expected
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	default:
		return false
	}
}

// Wait timeout tiers. They bound how long a caller blocks on an operation,
// never how long the server may work on it.
const (
	Timeout10  = 10 * time.Second
	Timeout60  = 60 * time.Second
	Timeout120 = 120 * time.Second
	Timeout300 = 300 * time.Second

	// DefaultWaitTimeout is used when a caller does not pick a tier
	DefaultWaitTimeout = Timeout10
)

// Response types returned in the envelope "type" field
const (
	ResponseTypeSync  = "sync"
	ResponseTypeAsync = "async"
	ResponseTypeError = "error"
)

// Operation is the metadata of an asynchronous response or of an operation event
type Operation struct {
	ID          OperationID         `json:"id" yaml:"id"`
	Class       string              `json:"class" yaml:"class"`
	Description string              `json:"description" yaml:"description"`
	CreatedAt   time.Time           `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at" yaml:"updated_at"`
	Status      Status              `json:"status" yaml:"status"`
	StatusCode  int                 `json:"status_code" yaml:"status_code"`
	Resources   map[string][]string `json:"resources,omitempty" yaml:"resources,omitempty"`
	Metadata    json.RawMessage     `json:"metadata,omitempty" yaml:"-"`
	MayCancel   bool                `json:"may_cancel" yaml:"may_cancel"`
	Err         string              `json:"err" yaml:"err"`
	Location    string              `json:"location" yaml:"location"`
}

// Response is the envelope every REST endpoint answers with
type Response struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`

	// Operation is the status URL of an asynchronous response
	Operation string `json:"operation"`

	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`

	Metadata json.RawMessage `json:"metadata"`
}

// IsAsync reports whether the response carries an operation handle
func (r *Response) IsAsync() bool {
	return r.Type == ResponseTypeAsync || r.Operation != ""
}

// MetadataAs decodes the envelope metadata into target
func (r *Response) MetadataAs(target interface{}) error {
	if len(r.Metadata) == 0 {
		return fmt.Errorf("response has no metadata")
	}
	if err := json.Unmarshal(r.Metadata, target); err != nil {
		return fmt.Errorf("failed to decode response metadata: %w", err)
	}
	return nil
}

// AsOperation decodes the envelope metadata as an operation
func (r *Response) AsOperation() (*Operation, error) {
	op := &Operation{}
	if err := r.MetadataAs(op); err != nil {
		return nil, err
	}
	if op.ID == "" {
		return nil, fmt.Errorf("response metadata is not an operation")
	}
	return op, nil
}

// StatusURL returns where the operation can be polled, preferring the
// envelope field over the operation's own location.
func (r *Response) StatusURL() (string, error) {
	if r.Operation != "" {
		return r.Operation, nil
	}
	op, err := r.AsOperation()
	if err != nil {
		return "", err
	}
	return "/1.0/operations/" + string(op.ID), nil
}

// EventTypeOperation is the push channel event type carrying operation updates
const EventTypeOperation = "operation"

// Event is a message delivered by the push channel
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Project   string          `json:"project"`
	Location  string          `json:"location"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Operation decodes the event metadata as an operation.
func (e *Event) Operation() (*Operation, error) {
	if e.Type != EventTypeOperation {
		return nil, fmt.Errorf("event type %q is not an operation event", e.Type)
	}
	op := &Operation{}
	if err := json.Unmarshal(e.Metadata, op); err != nil {
		return nil, fmt.Errorf("failed to decode operation event: %w", err)
	}
	return op, nil
}

// NewOperationEvent builds an operation event, mostly useful to tests and
// to the poller fallback which has an operation but no pushed event.
func NewOperationEvent(op *Operation) (Event, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}
	return Event{
		Type:      EventTypeOperation,
		Timestamp: op.UpdatedAt,
		Location:  op.Location,
		Metadata:  data,
	}, nil
}
