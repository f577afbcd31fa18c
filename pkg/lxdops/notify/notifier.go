package notify

import (
	"errors"
	"fmt"

	"github.com/canonical/lxdops/pkg/lxdops/bulk"
	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/eventqueue"
)

// Messages describes how one operation is reported
type Messages struct {
	// Success is shown when the operation succeeds
	Success string
	// FailureTitle heads the failure notification
	FailureTitle string
	// Resource is released from the in-flight set once the operation settles
	// and is added as context to failures
	Resource string
	// Invalidate lists the cache keys refreshed after a success
	Invalidate []string
}

// Option configures a Notifier
type Option func(*Notifier)

// WithInvalidator sets the cache invalidator
func WithInvalidator(inv Invalidator) Option {
	return func(n *Notifier) {
		n.invalidator = inv
	}
}

// WithReleaser sets the in-flight set released when operations settle
func WithReleaser(r Releaser) Option {
	return func(n *Notifier) {
		n.releaser = r
	}
}

// Notifier correlates operation outcomes with notifications
type Notifier struct {
	queue       *eventqueue.Queue
	sink        Sink
	invalidator Invalidator
	releaser    Releaser
}

// New creates a notifier
func New(queue *eventqueue.Queue, sink Sink, opts ...Option) *Notifier {
	n := &Notifier{queue: queue, sink: sink}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Track registers the operation behind resp on the event queue. The
// notification fires when the push channel delivers its outcome, even if the
// caller is long gone. A registration dropped without an outcome only
// releases the resource.
func (n *Notifier) Track(resp *core.Response, msgs Messages) error {
	op, err := resp.AsOperation()
	if err != nil {
		return fmt.Errorf("cannot track response: %w", err)
	}

	n.queue.SetHandlers(op.ID, eventqueue.Handlers{
		OnSuccess: func(core.Event) {
			n.succeeded(msgs)
		},
		OnFailure: func(message string) {
			n.failed(msgs, errors.New(message))
		},
		OnFinally: func() {
			n.release(msgs)
		},
		OnDropped: func() {
			n.release(msgs)
		},
	})
	return nil
}

// Report notifies the outcome of a wait that already returned, as produced
// by the tracker or the poller
func (n *Notifier) Report(msgs Messages, err error) {
	defer n.release(msgs)

	switch {
	case err == nil:
		n.succeeded(msgs)
	case core.IsWaitTimeout(err):
		n.sink.Info(err.Error())
	default:
		n.failed(msgs, err)
	}
}

// BulkOutcome reports a finished bulk run with one notification. verb is the
// past tense of the action, e.g. "started".
func (n *Notifier) BulkOutcome(noun, verb string, results []bulk.Result) {
	summary := bulk.Summarize(results)

	switch {
	case summary.Total == 0:
		return
	case summary.AllSucceeded():
		n.sink.Success(fmt.Sprintf("%s %s", count(summary.Succeeded, noun), verb))
	case summary.Succeeded == 0:
		n.sink.Failure(fmt.Sprintf("%s %s, %d failed", count(0, noun), verb, summary.Failed), bulkError(summary), failureNames(summary)...)
	default:
		n.sink.Info(fmt.Sprintf("%s %s, %d failed", count(summary.Succeeded, noun), verb, summary.Failed))
		for _, r := range summary.Failures {
			if r.Message == core.WaitTimeoutMessage {
				n.sink.Info(fmt.Sprintf("%s: %s", r.Name, r.Message))
				continue
			}
			n.sink.Failure(fmt.Sprintf("Failed on %s", r.Name), errors.New(r.Message), r.Name)
		}
	}
}

func (n *Notifier) succeeded(msgs Messages) {
	if msgs.Success != "" {
		n.sink.Success(msgs.Success)
	}
	if n.invalidator != nil && len(msgs.Invalidate) > 0 {
		n.invalidator.Invalidate(msgs.Invalidate...)
	}
}

func (n *Notifier) failed(msgs Messages, err error) {
	title := msgs.FailureTitle
	if title == "" {
		title = "Operation failed"
	}
	if msgs.Resource != "" {
		n.sink.Failure(title, err, msgs.Resource)
		return
	}
	n.sink.Failure(title, err)
}

func (n *Notifier) release(msgs Messages) {
	if n.releaser != nil && msgs.Resource != "" {
		n.releaser.Remove(msgs.Resource)
	}
}

func count(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func bulkError(summary bulk.Summary) error {
	errs := make([]error, 0, len(summary.Failures))
	for _, r := range summary.Failures {
		errs = append(errs, fmt.Errorf("%s: %s", r.Name, r.Message))
	}
	return errors.Join(errs...)
}

func failureNames(summary bulk.Summary) []string {
	names := make([]string, 0, len(summary.Failures))
	for _, r := range summary.Failures {
		names = append(names, r.Name)
	}
	return names
}
