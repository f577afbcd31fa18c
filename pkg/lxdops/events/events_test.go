package events

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/eventqueue"
	"github.com/canonical/lxdops/pkg/lxdops/testutil"
	"github.com/canonical/lxdops/pkg/lxdops/transport"
)

var fastBackoff = wait.Backoff{Duration: time.Millisecond, Factor: 2, Steps: 4, Cap: 10 * time.Millisecond}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://unix.socket/1.0/events?type=operation", "ws://unix.socket/1.0/events?type=operation", false},
		{"https://lxd:8443/1.0/events", "wss://lxd:8443/1.0/events", false},
		{"ftp://lxd/1.0/events", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := websocketURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSSESourceFrames(t *testing.T) {
	stream := ": connected\n\n" +
		"event: operation\n" +
		`data: {"type":"operation","project":"default","metadata":{"id":"a","status":"Success"}}` + "\n\n" +
		"\n" +
		"data: {\"type\":\"logging\",\n" +
		"data: \"metadata\":{}}\n\n"

	src := &SSESource{body: io.NopCloser(strings.NewReader(stream))}
	src.reader = bufio.NewReader(src.body)
	ctx := context.Background()

	event, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.EventTypeOperation, event.Type)
	assert.Equal(t, "default", event.Project)
	op, err := event.Operation()
	require.NoError(t, err)
	assert.Equal(t, core.OperationID("a"), op.ID)

	event, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "logging", event.Type)

	_, err = src.Next(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, src.Close())
}

func TestListenerDispatchesPushedEvents(t *testing.T) {
	dialers := map[string]func(*transport.Client) Dialer{
		"websocket": func(c *transport.Client) Dialer { return WebsocketDialer(c, "default") },
		"sse":       func(c *transport.Client) Dialer { return SSEDialer(c, "default") },
	}

	for name, dialer := range dialers {
		t.Run(name, func(t *testing.T) {
			srv := testutil.NewServer()
			defer srv.Close()
			client, err := transport.New(transport.Options{URL: srv.URL, HTTPClient: srv.Client()})
			require.NoError(t, err)

			queue := eventqueue.New(nil, nil)
			listener := NewListener(dialer(client), queue, WithBackoff(fastBackoff))

			ctx, cancel := context.WithCancel(context.Background())
			stopped := make(chan error, 1)
			go func() { stopped <- listener.Run(ctx) }()

			require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

			okID, _ := srv.CreateOperation("start", "c1")
			badID, _ := srv.CreateOperation("stop", "c2")

			succeeded := make(chan core.Event, 1)
			failed := make(chan string, 1)
			queue.Set(okID, func(e core.Event) { succeeded <- e }, nil, nil)
			queue.Set(badID, nil, func(msg string) { failed <- msg }, nil)

			srv.Complete(okID, core.StatusSuccess, "")
			srv.Complete(badID, core.StatusFailure, "Instance is not running")

			select {
			case e := <-succeeded:
				op, err := e.Operation()
				require.NoError(t, err)
				assert.Equal(t, okID, op.ID)
			case <-time.After(2 * time.Second):
				t.Fatal("success was not dispatched")
			}
			select {
			case msg := <-failed:
				assert.Equal(t, "Instance is not running", msg)
			case <-time.After(2 * time.Second):
				t.Fatal("failure was not dispatched")
			}
			assert.Equal(t, 0, queue.Len())

			cancel()
			select {
			case err := <-stopped:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("listener did not stop")
			}
		})
	}
}

// scriptedSource returns its events, then fails
type scriptedSource struct {
	events []core.Event
	closed int32
}

func (s *scriptedSource) Next(ctx context.Context) (*core.Event, error) {
	if len(s.events) == 0 {
		return nil, errors.New("connection reset")
	}
	e := s.events[0]
	s.events = s.events[1:]
	return &e, nil
}

func (s *scriptedSource) Close() error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []core.Event
}

func (d *recordingDispatcher) Dispatch(e core.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func TestListenerReconnects(t *testing.T) {
	var dials int32
	var sources []*scriptedSource
	var mu sync.Mutex

	dial := func(ctx context.Context) (Source, error) {
		n := atomic.AddInt32(&dials, 1)
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		src := &scriptedSource{events: []core.Event{
			{Type: "logging"},
			{Type: core.EventTypeOperation},
		}}
		mu.Lock()
		sources = append(sources, src)
		mu.Unlock()
		return src, nil
	}

	bus := core.NewMemoryEventBus(nil)
	var connected, disconnected int32
	bus.Subscribe(core.EventStreamConnected, core.LifecycleHandlerFunc(func(context.Context, core.LifecycleEvent) error {
		atomic.AddInt32(&connected, 1)
		return nil
	}))
	bus.Subscribe(core.EventStreamDisconnected, core.LifecycleHandlerFunc(func(context.Context, core.LifecycleEvent) error {
		atomic.AddInt32(&disconnected, 1)
		return nil
	}))

	dispatcher := &recordingDispatcher{}
	listener := NewListener(dial, dispatcher, WithBackoff(fastBackoff), WithEventBus(bus))
	assert.NotEmpty(t, listener.ID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = listener.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return dispatcher.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	// only operation events reach the dispatcher
	dispatcher.mu.Lock()
	for _, e := range dispatcher.events {
		assert.Equal(t, core.EventTypeOperation, e.Type)
	}
	dispatcher.mu.Unlock()

	mu.Lock()
	for _, src := range sources {
		assert.Equal(t, int32(1), atomic.LoadInt32(&src.closed))
	}
	mu.Unlock()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&dials), int32(3))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&connected) >= 2 && atomic.LoadInt32(&disconnected) >= 2
	}, time.Second, time.Millisecond)
}

func TestListenerStopsWhileDialFails(t *testing.T) {
	dial := func(ctx context.Context) (Source, error) {
		return nil, errors.New("no route to host")
	}
	listener := NewListener(dial, &recordingDispatcher{}, WithBackoff(wait.Backoff{Duration: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener kept sleeping after cancellation")
	}
}

func TestTeeDispatchesInOrder(t *testing.T) {
	var order []string
	first := DispatcherFunc(func(core.Event) { order = append(order, "first") })
	second := &recordingDispatcher{}
	third := DispatcherFunc(func(core.Event) { order = append(order, "third") })

	Tee(first, second, third).Dispatch(core.Event{Type: core.EventTypeOperation})

	assert.Equal(t, []string{"first", "third"}, order)
	assert.Equal(t, 1, second.count())
}
