// Package tracker waits for operations by combining the pushed event queue
// with a bounded poll.
package tracker

import (
	"context"
	"time"

	"github.com/canonical/lxdops/pkg/lxdops/bulk"
	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/eventqueue"
)

// DefaultFallbackTimeout is the wait used for the single poll issued after
// the event queue stayed silent
const DefaultFallbackTimeout = time.Second

// Watcher is the slice of the poller the tracker needs
type Watcher interface {
	Watch(ctx context.Context, statusURL string, timeout time.Duration) (*core.Response, error)
	Status(ctx context.Context, statusURL string) (*core.Operation, error)
}

// Submit starts the server side work for a bulk item and returns the async
// envelope
type Submit func(ctx context.Context, item bulk.Item) (*core.Response, error)

// Option configures a Tracker
type Option func(*Tracker)

// WithFallbackTimeout sets the wait of the poll issued when no event arrived
func WithFallbackTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.fallback = d
	}
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// Tracker waits for operations to settle
type Tracker struct {
	queue    *eventqueue.Queue
	watcher  Watcher
	logger   core.Logger
	fallback time.Duration
}

// New creates a tracker. With a nil queue every wait is a plain poll.
func New(queue *eventqueue.Queue, watcher Watcher, opts ...Option) *Tracker {
	t := &Tracker{
		queue:    queue,
		watcher:  watcher,
		logger:   core.NopLogger{},
		fallback: DefaultFallbackTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type outcome struct {
	event   core.Event
	message string
	ok      bool
	dropped bool
}

// Wait blocks until the operation behind resp settles, ctx is done, or
// timeout (DefaultWaitTimeout when zero) elapses. A pushed event settles it
// first; when none arrives in time one poll decides, so a still running
// operation yields *core.WaitTimeoutError and the operation keeps going.
// One status read right after registering catches an operation whose event
// went out before the registration.
func (t *Tracker) Wait(ctx context.Context, resp *core.Response, timeout time.Duration) (*core.Operation, error) {
	if timeout <= 0 {
		timeout = core.DefaultWaitTimeout
	}

	op, err := resp.AsOperation()
	if err != nil {
		return nil, err
	}
	statusURL, err := resp.StatusURL()
	if err != nil {
		return nil, err
	}

	if op.Status.IsTerminal() {
		return terminal(op)
	}

	if t.queue == nil {
		return t.poll(ctx, statusURL, timeout)
	}

	deadline := time.Now().Add(timeout)
	done := make(chan outcome, 1)
	token := t.queue.Register(op.ID, eventqueue.Handlers{
		OnSuccess: func(event core.Event) {
			done <- outcome{event: event, ok: true}
		},
		OnFailure: func(message string) {
			done <- outcome{message: message}
		},
		OnDropped: func() {
			done <- outcome{dropped: true}
		},
	})

	// an event pushed before the registration is gone for good
	current, err := t.watcher.Status(ctx, statusURL)
	switch {
	case err != nil:
		t.logger.Debug().Err(err).Str("operation_id", string(op.ID)).Msg("status check failed, waiting for events")
	case current.Status.IsTerminal():
		if t.queue.RemoveIf(op.ID, token) {
			return terminal(current)
		}
		return t.received(ctx, op, statusURL, <-done, deadline)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case o := <-done:
		return t.received(ctx, op, statusURL, o, deadline)
	case <-ctx.Done():
		if !t.queue.RemoveIf(op.ID, token) {
			// delivered or dropped while we were giving up
			if o := <-done; !o.dropped {
				return t.settled(op, o)
			}
		}
		return nil, ctx.Err()
	case <-timer.C:
	}

	if !t.queue.RemoveIf(op.ID, token) {
		if o := <-done; !o.dropped {
			return t.settled(op, o)
		}
	}

	t.logger.Debug().
		Str("operation_id", string(op.ID)).
		Dur("timeout", timeout).
		Msg("no event received, polling operation")

	return t.poll(ctx, statusURL, t.fallback)
}

// received settles a delivered outcome. A dropped registration means the id
// was claimed by someone else, so the rest of the wait becomes a poll.
func (t *Tracker) received(ctx context.Context, op *core.Operation, statusURL string, o outcome, deadline time.Time) (*core.Operation, error) {
	if !o.dropped {
		return t.settled(op, o)
	}

	remaining := time.Until(deadline)
	if remaining < t.fallback {
		remaining = t.fallback
	}
	t.logger.Debug().
		Str("operation_id", string(op.ID)).
		Dur("timeout", remaining).
		Msg("registration taken over, polling operation")
	return t.poll(ctx, statusURL, remaining)
}

func terminal(op *core.Operation) (*core.Operation, error) {
	if op.Status == core.StatusSuccess {
		return op, nil
	}
	message := op.Err
	if op.Status == core.StatusCancelled && message == "" {
		message = eventqueue.CancelledMessage
	}
	return nil, &core.OperationError{OperationID: op.ID, Status: op.Status, Message: message}
}

func (t *Tracker) poll(ctx context.Context, statusURL string, timeout time.Duration) (*core.Operation, error) {
	resp, err := t.watcher.Watch(ctx, statusURL, timeout)
	if err != nil {
		return nil, err
	}
	return resp.AsOperation()
}

func (t *Tracker) settled(op *core.Operation, o outcome) (*core.Operation, error) {
	if !o.ok {
		status := core.StatusFailure
		if o.message == eventqueue.CancelledMessage {
			status = core.StatusCancelled
		}
		return nil, &core.OperationError{OperationID: op.ID, Status: status, Message: o.message}
	}

	final, err := o.event.Operation()
	if err != nil {
		t.logger.Warn().Err(err).Str("operation_id", string(op.ID)).Msg("success event without operation metadata")
		final = op
		final.Status = core.StatusSuccess
	}
	return final, nil
}

// BulkAction adapts submit into a bulk action that returns once the started
// operation settled or the wait gave up
func (t *Tracker) BulkAction(submit Submit, timeout time.Duration) bulk.Action {
	return func(ctx context.Context, item bulk.Item) error {
		resp, err := submit(ctx, item)
		if err != nil {
			return err
		}
		_, err = t.Wait(ctx, resp, timeout)
		return err
	}
}
