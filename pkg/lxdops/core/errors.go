package core

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolError is a non-success response decoded from the server.
type ProtocolError struct {
	StatusCode int
	Message    string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return e.Message
}

// OperationError is a terminal, non-successful operation outcome. Message
// carries the server supplied err string.
type OperationError struct {
	OperationID OperationID
	Status      Status
	Message     string
}

func (e *OperationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("operation %s finished with status %s", e.OperationID, e.Status)
}

// WaitTimeoutMessage is the user facing text for a client wait expiry
const WaitTimeoutMessage = "Timeout while waiting for the operation to succeed. Operation continues in the background."

// WaitTimeoutError means the caller stopped waiting while the operation was
// still running. It is not an operation failure.
type WaitTimeoutError struct {
	OperationID OperationID
	Timeout     time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return WaitTimeoutMessage
}

// IsWaitTimeout reports whether err is, or wraps, a client wait expiry.
func IsWaitTimeout(err error) bool {
	var target *WaitTimeoutError
	return errors.As(err, &target)
}

// IsOperationFailure reports whether err is, or wraps, a terminal operation failure.
func IsOperationFailure(err error) bool {
	var target *OperationError
	return errors.As(err, &target)
}

// StatusCodeOf returns the HTTP status of a protocol error, or 0.
func StatusCodeOf(err error) int {
	var target *ProtocolError
	if errors.As(err, &target) {
		return target.StatusCode
	}
	return 0
}
