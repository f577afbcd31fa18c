// Package bulk fans a per-item action out over many resources and settles
// every item, whatever the others do.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// Item identifies one resource of a bulk run
type Item struct {
	Name string
	Type string
	Href string

	// Resource names the server object the item acts on when several items
	// share one, e.g. the stop and the delete of an instance. Key falls back
	// to Name.
	Resource string

	// DependsOn names items that must succeed before this one is attempted.
	// Only RunStaged looks at it.
	DependsOn []string
}

// Key is the resource the item acts on
func (i Item) Key() string {
	if i.Resource != "" {
		return i.Resource
	}
	return i.Name
}

// Action performs the work for one item. A nil error is a success. Actions
// usually return only once the operation they started has settled.
type Action func(ctx context.Context, item Item) error

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithConcurrency caps the number of items in flight. Zero, the default,
// starts every item at once and leaves throttling to the server.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.concurrency = n
	}
}

// WithReporter sets the progress reporter
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

// WithEventBus publishes one lifecycle event per settled item
func WithEventBus(bus core.EventBus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator runs bulk actions
type Orchestrator struct {
	concurrency int
	reporter    Reporter
	bus         core.EventBus
	logger      core.Logger
}

// New creates an orchestrator
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reporter: NopReporter{},
		logger:   core.NopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PanicError is returned when an action panics. It is a fault of the
// fan-out, not a per-item business failure.
type PanicError struct {
	Item  string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("bulk action for %q panicked: %v", e.Item, e.Value)
}

// Run runs action for every item concurrently and returns once all of them
// have settled. There is exactly one result per item, in input order. The
// error is only non-nil when the machinery itself failed; the results are
// complete even then.
func (o *Orchestrator) Run(ctx context.Context, items []Item, action Action) ([]Result, error) {
	start := time.Now()
	results, err := o.run(ctx, items, action)
	o.finish(results, time.Since(start))
	return results, err
}

func (o *Orchestrator) run(ctx context.Context, items []Item, action Action) ([]Result, error) {
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results, nil
	}

	var sem *semaphore.Weighted
	if o.concurrency > 0 {
		sem = semaphore.NewWeighted(int64(o.concurrency))
	}

	o.logger.Debug().
		Int("items", len(items)).
		Int("concurrency", o.concurrency).
		Msg("starting bulk run")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		machinery []error
	)

	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = failed(item, err.Error())
					o.settle(ctx, results[i], 0)
					return
				}
				defer sem.Release(1)
			}

			o.reporter.OnStart(item)
			itemStart := time.Now()

			err := invoke(ctx, action, item)
			var panicErr *PanicError
			switch {
			case err == nil:
				results[i] = succeeded(item)
			case errors.As(err, &panicErr):
				mu.Lock()
				machinery = append(machinery, err)
				mu.Unlock()
				results[i] = failed(item, err.Error())
			default:
				results[i] = failed(item, err.Error())
			}

			o.settle(ctx, results[i], time.Since(itemStart))
		}(i, item)
	}

	wg.Wait()
	return results, errors.Join(machinery...)
}

func invoke(ctx context.Context, action Action, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Item: item.Name, Value: r}
		}
	}()
	return action(ctx, item)
}

func (o *Orchestrator) settle(ctx context.Context, result Result, duration time.Duration) {
	o.reporter.OnComplete(result, duration)
	if o.bus != nil {
		o.bus.PublishAsync(ctx, core.NewBulkItemSettledEvent(result.Name, result.Type, result.Success, duration))
	}
}

func (o *Orchestrator) finish(results []Result, duration time.Duration) {
	summary := Summarize(results)
	o.reporter.OnFinish(summary.Total, summary.Succeeded, duration)
}
