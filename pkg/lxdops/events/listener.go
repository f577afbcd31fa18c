package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// Dispatcher receives pushed events. *eventqueue.Queue implements it.
type Dispatcher interface {
	Dispatch(event core.Event)
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(event core.Event)

// Dispatch calls f
func (f DispatcherFunc) Dispatch(event core.Event) {
	f(event)
}

// Tee hands every event to each dispatcher in order
func Tee(dispatchers ...Dispatcher) Dispatcher {
	return DispatcherFunc(func(event core.Event) {
		for _, d := range dispatchers {
			d.Dispatch(event)
		}
	})
}

// DefaultBackoff paces reconnects to the push channel
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    8,
	Cap:      30 * time.Second,
}

// Option configures a Listener
type Option func(*Listener)

// WithBackoff overrides DefaultBackoff
func WithBackoff(b wait.Backoff) Option {
	return func(l *Listener) {
		l.backoff = b
	}
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithEventBus publishes connection changes
func WithEventBus(bus core.EventBus) Option {
	return func(l *Listener) {
		l.bus = bus
	}
}

// Listener keeps a push channel open and dispatches every event it reads
type Listener struct {
	id         string
	dial       Dialer
	dispatcher Dispatcher
	backoff    wait.Backoff
	logger     core.Logger
	bus        core.EventBus
}

// NewListener creates a listener
func NewListener(dial Dialer, dispatcher Dispatcher, opts ...Option) *Listener {
	l := &Listener{
		id:         uuid.NewString(),
		dial:       dial,
		dispatcher: dispatcher,
		backoff:    DefaultBackoff,
		logger:     core.NopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ID identifies the listener in logs and lifecycle events
func (l *Listener) ID() string {
	return l.id
}

// Run reads the push channel until ctx is done, reconnecting with backoff
// whenever the connection fails. It only returns once ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.backoff
	attempt := 0

	for {
		attempt++
		src, err := l.dial(ctx)
		if err == nil {
			l.logger.Info().
				Str("listener_id", l.id).
				Int("attempt", attempt).
				Msg("connected to event stream")
			l.publish(ctx, core.NewStreamConnectedEvent(l.id, attempt))

			backoff = l.backoff
			err = l.consume(ctx, src)
			_ = src.Close()
		}

		if ctx.Err() != nil {
			l.logger.Debug().Str("listener_id", l.id).Msg("event stream listener stopped")
			return nil
		}

		delay := backoff.Step()
		l.logger.Warn().
			Str("listener_id", l.id).
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("event stream disconnected")
		l.publish(ctx, core.NewStreamDisconnectedEvent(l.id, attempt, err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) consume(ctx context.Context, src Source) error {
	for {
		event, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if event.Type != core.EventTypeOperation {
			continue
		}
		l.logger.Trace().
			Str("listener_id", l.id).
			Str("project", event.Project).
			Msg("operation event received")
		l.dispatcher.Dispatch(*event)
	}
}

func (l *Listener) publish(ctx context.Context, event core.LifecycleEvent) {
	if l.bus != nil {
		l.bus.PublishAsync(ctx, event)
	}
}
