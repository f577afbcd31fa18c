package eventqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

type calls struct {
	mu       sync.Mutex
	success  int
	failure  []string
	finally  int
	lastType string
}

func (c *calls) handlers() Handlers {
	return Handlers{
		OnSuccess: func(e core.Event) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.success++
			c.lastType = e.Type
		},
		OnFailure: func(msg string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.failure = append(c.failure, msg)
		},
		OnFinally: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.finally++
		},
	}
}

func operationEvent(t *testing.T, id core.OperationID, status core.Status, errMsg string) core.Event {
	t.Helper()
	event, err := core.NewOperationEvent(&core.Operation{ID: id, Status: status, Err: errMsg})
	require.NoError(t, err)
	return event
}

func TestQueueDelivery(t *testing.T) {
	t.Run("success then finally, at most once", func(t *testing.T) {
		q := New(nil, nil)
		c := &calls{}
		q.SetHandlers("op-1", c.handlers())

		event := operationEvent(t, "op-1", core.StatusSuccess, "")
		q.Resolve("op-1", event)
		q.Resolve("op-1", event)

		assert.Equal(t, 1, c.success)
		assert.Equal(t, 1, c.finally)
		assert.Empty(t, c.failure)
		assert.Equal(t, core.EventTypeOperation, c.lastType)
		assert.False(t, q.Has("op-1"))
	})

	t.Run("failure then finally", func(t *testing.T) {
		q := New(nil, nil)
		c := &calls{}
		q.SetHandlers("op-2", c.handlers())

		q.Fail("op-2", "not enough space")
		q.Fail("op-2", "again")

		assert.Equal(t, []string{"not enough space"}, c.failure)
		assert.Equal(t, 0, c.success)
		assert.Equal(t, 1, c.finally)
	})

	t.Run("unknown ids are a silent no-op", func(t *testing.T) {
		q := New(nil, nil)
		c := &calls{}
		q.SetHandlers("known", c.handlers())

		assert.NotPanics(t, func() {
			q.Resolve("nonexistent", operationEvent(t, "nonexistent", core.StatusSuccess, ""))
			q.Fail("nonexistent", "boom")
		})
		assert.Equal(t, 0, c.success)
		assert.Equal(t, 0, c.finally)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("optional handlers may be nil", func(t *testing.T) {
		q := New(nil, nil)
		var got int
		q.Set("op-3", func(core.Event) { got++ }, nil, nil)
		q.Resolve("op-3", core.Event{})
		assert.Equal(t, 1, got)

		q.Set("op-4", func(core.Event) { got++ }, nil, nil)
		assert.NotPanics(t, func() { q.Fail("op-4", "boom") })
	})

	t.Run("last registration wins", func(t *testing.T) {
		q := New(nil, nil)
		first, second := &calls{}, &calls{}
		q.SetHandlers("op-5", first.handlers())
		q.SetHandlers("op-5", second.handlers())

		q.Resolve("op-5", core.Event{})
		assert.Equal(t, 0, first.success)
		assert.Equal(t, 1, second.success)
	})

	t.Run("handlers may register new operations", func(t *testing.T) {
		q := New(nil, nil)
		followUp := &calls{}
		q.Set("parent", func(core.Event) {
			q.SetHandlers("child", followUp.handlers())
		}, nil, nil)

		q.Resolve("parent", core.Event{})
		require.True(t, q.Has("child"))
		q.Resolve("child", core.Event{})
		assert.Equal(t, 1, followUp.success)
	})
}

func TestQueueDispatch(t *testing.T) {
	q := New(nil, nil)
	ok, failed, cancelled, running := &calls{}, &calls{}, &calls{}, &calls{}
	q.SetHandlers("ok", ok.handlers())
	q.SetHandlers("failed", failed.handlers())
	q.SetHandlers("cancelled", cancelled.handlers())
	q.SetHandlers("running", running.handlers())

	q.Dispatch(operationEvent(t, "ok", core.StatusSuccess, ""))
	q.Dispatch(operationEvent(t, "failed", core.StatusFailure, "quota exceeded"))
	q.Dispatch(operationEvent(t, "cancelled", core.StatusCancelled, ""))
	q.Dispatch(operationEvent(t, "running", core.StatusRunning, ""))
	q.Dispatch(core.Event{Type: "lifecycle"})
	q.Dispatch(core.Event{Type: core.EventTypeOperation, Metadata: []byte("not json")})

	assert.Equal(t, 1, ok.success)
	assert.Equal(t, []string{"quota exceeded"}, failed.failure)
	assert.Equal(t, []string{CancelledMessage}, cancelled.failure)
	assert.Equal(t, 0, running.success+running.finally)
	assert.True(t, q.Has("running"))
	assert.Equal(t, 1, q.Len())
}

func TestQueueRemoveAndClear(t *testing.T) {
	q := New(nil, nil)
	c := &calls{}
	q.SetHandlers("a", c.handlers())
	q.SetHandlers("b", c.handlers())

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	q.Clear()
	assert.Equal(t, 0, q.Len())

	q.Resolve("b", core.Event{})
	assert.Equal(t, 0, c.success+c.finally)
}

func TestQueueOwnedRegistrations(t *testing.T) {
	t.Run("RemoveIf only withdraws its own registration", func(t *testing.T) {
		q := New(nil, nil)
		first := q.Register("op", Handlers{})
		second := q.Register("op", Handlers{})
		assert.NotEqual(t, first, second)

		assert.False(t, q.RemoveIf("op", first))
		assert.True(t, q.Has("op"))
		assert.True(t, q.RemoveIf("op", second))
		assert.False(t, q.RemoveIf("op", second))
		assert.False(t, q.Has("op"))
	})

	t.Run("RemoveIf after delivery reports false", func(t *testing.T) {
		q := New(nil, nil)
		c := &calls{}
		token := q.Register("op", c.handlers())
		q.Resolve("op", core.Event{})
		assert.False(t, q.RemoveIf("op", token))
		assert.Equal(t, 1, c.success)
	})

	t.Run("a replaced registration is told it was dropped", func(t *testing.T) {
		q := New(nil, nil)
		var dropped int
		q.Register("op", Handlers{OnDropped: func() { dropped++ }})
		second := &calls{}
		q.SetHandlers("op", second.handlers())
		assert.Equal(t, 1, dropped)

		q.Resolve("op", core.Event{})
		assert.Equal(t, 1, second.success)
		assert.Equal(t, 1, dropped)
	})

	t.Run("Remove and Clear drop, RemoveIf does not", func(t *testing.T) {
		q := New(nil, nil)
		var dropped []core.OperationID
		onDropped := func(id core.OperationID) Handlers {
			return Handlers{OnDropped: func() { dropped = append(dropped, id) }}
		}
		q.Register("a", onDropped("a"))
		token := q.Register("b", onDropped("b"))
		q.Register("c", onDropped("c"))

		assert.True(t, q.Remove("a"))
		assert.True(t, q.RemoveIf("b", token))
		q.Clear()

		assert.Equal(t, []core.OperationID{"a", "c"}, dropped)
	})
}

func TestQueueConcurrentOperations(t *testing.T) {
	q := New(nil, nil)
	c := &calls{}

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		q.SetHandlers(core.OperationID(fmt.Sprintf("op-%d", i)), c.handlers())
	}
	for i := 0; i < n; i++ {
		wg.Add(2)
		id := core.OperationID(fmt.Sprintf("op-%d", i))
		// Duplicate deliveries race each other; only one may win.
		go func() { defer wg.Done(); q.Resolve(id, core.Event{}) }()
		go func() { defer wg.Done(); q.Resolve(id, core.Event{}) }()
	}
	wg.Wait()

	assert.Equal(t, n, c.success)
	assert.Equal(t, n, c.finally)
	assert.Equal(t, 0, q.Len())
}

func TestQueuePublishesLifecycle(t *testing.T) {
	bus := core.NewMemoryEventBus(nil)
	var seen []string
	bus.Subscribe(core.AnyEvent, core.LifecycleHandlerFunc(func(ctx context.Context, event core.LifecycleEvent) error {
		seen = append(seen, event.Type())
		return nil
	}))

	q := New(nil, bus)
	q.Set("a", nil, nil, nil)
	q.Set("b", nil, nil, nil)
	q.Resolve("a", core.Event{})
	q.Fail("b", "nope")
	q.Fail("unknown", "nope")

	assert.Equal(t, []string{
		core.EventOperationRegistered,
		core.EventOperationRegistered,
		core.EventOperationSucceeded,
		core.EventOperationFailed,
	}, seen)
}
