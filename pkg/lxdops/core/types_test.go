package core

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse(t *testing.T) {
	t.Run("async envelope exposes operation", func(t *testing.T) {
		raw := `{
			"type": "async",
			"status": "Operation created",
			"status_code": 100,
			"operation": "/1.0/operations/abc?project=demo",
			"metadata": {"id": "abc", "status": "Running", "status_code": 103, "err": ""}
		}`
		resp := &Response{}
		require.NoError(t, json.Unmarshal([]byte(raw), resp))

		assert.True(t, resp.IsAsync())
		op, err := resp.AsOperation()
		require.NoError(t, err)
		assert.Equal(t, OperationID("abc"), op.ID)
		assert.Equal(t, StatusRunning, op.Status)

		url, err := resp.StatusURL()
		require.NoError(t, err)
		assert.Equal(t, "/1.0/operations/abc?project=demo", url)
	})

	t.Run("status url falls back to operation id", func(t *testing.T) {
		resp := &Response{Type: ResponseTypeSync, Metadata: json.RawMessage(`{"id":"xyz","status":"Success"}`)}
		url, err := resp.StatusURL()
		require.NoError(t, err)
		assert.Equal(t, "/1.0/operations/xyz", url)
	})

	t.Run("non operation metadata is rejected", func(t *testing.T) {
		resp := &Response{Type: ResponseTypeSync, Metadata: json.RawMessage(`{"name":"c1"}`)}
		_, err := resp.AsOperation()
		assert.Error(t, err)

		empty := &Response{Type: ResponseTypeSync}
		_, err = empty.AsOperation()
		assert.Error(t, err)
	})
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusSuccess:   true,
		StatusFailure:   true,
		StatusCancelled: true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestOperationEventRoundTrip(t *testing.T) {
	op := &Operation{ID: "op-7", Status: StatusFailure, Err: "disk full", UpdatedAt: time.Unix(100, 0).UTC()}
	event, err := NewOperationEvent(op)
	require.NoError(t, err)
	assert.Equal(t, EventTypeOperation, event.Type)

	decoded, err := event.Operation()
	require.NoError(t, err)
	assert.Equal(t, op.ID, decoded.ID)
	assert.Equal(t, "disk full", decoded.Err)

	lifecycle := Event{Type: "lifecycle"}
	_, err = lifecycle.Operation()
	assert.Error(t, err)
}

func TestErrorHelpers(t *testing.T) {
	timeout := fmt.Errorf("deleting c1: %w", &WaitTimeoutError{OperationID: "a", Timeout: Timeout10})
	assert.True(t, IsWaitTimeout(timeout))
	assert.False(t, IsOperationFailure(timeout))
	assert.Contains(t, timeout.Error(), "continues in the background")

	failure := fmt.Errorf("wrapped: %w", &OperationError{OperationID: "b", Status: StatusFailure, Message: "boom"})
	assert.True(t, IsOperationFailure(failure))
	assert.Equal(t, "wrapped: boom", failure.Error())

	anon := &OperationError{OperationID: "c", Status: StatusCancelled}
	assert.Equal(t, "operation c finished with status Cancelled", anon.Error())

	proto := fmt.Errorf("get: %w", &ProtocolError{StatusCode: 404, Message: "not found"})
	assert.Equal(t, 404, StatusCodeOf(proto))
	assert.Equal(t, 0, StatusCodeOf(failure))
	assert.Equal(t, "request failed with status 500", (&ProtocolError{StatusCode: 500}).Error())
}
