// Package lxdops tracks long-running hypervisor operations: it issues
// asynchronous requests, correlates their completion through the event
// stream or a bounded poll, and reports outcomes.
package lxdops

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/canonical/lxdops/pkg/lxdops/actions"
	"github.com/canonical/lxdops/pkg/lxdops/api"
	"github.com/canonical/lxdops/pkg/lxdops/bulk"
	"github.com/canonical/lxdops/pkg/lxdops/config"
	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/eventqueue"
	"github.com/canonical/lxdops/pkg/lxdops/events"
	"github.com/canonical/lxdops/pkg/lxdops/metrics"
	"github.com/canonical/lxdops/pkg/lxdops/notify"
	"github.com/canonical/lxdops/pkg/lxdops/poller"
	"github.com/canonical/lxdops/pkg/lxdops/tracker"
	"github.com/canonical/lxdops/pkg/lxdops/transport"
)

// Option configures a Client
type Option func(*options)

type options struct {
	logger      *zerolog.Logger
	sink        notify.Sink
	invalidator notify.Invalidator
	httpClient  *http.Client
}

// WithLogger sets the logger. DefaultLogger is used otherwise.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithSink sets where notifications go. They are logged otherwise.
func WithSink(sink notify.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithInvalidator sets the cache invalidator called after successes
func WithInvalidator(inv notify.Invalidator) Option {
	return func(o *options) {
		o.invalidator = inv
	}
}

// WithHTTPClient overrides the HTTP client built from the server config
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// Client wires the operation tracking components together
type Client struct {
	Config *config.Config

	Transport  *transport.Client
	Bus        *core.MemoryEventBus
	Queue      *eventqueue.Queue
	Poller     *poller.Poller
	Tracker    *tracker.Tracker
	Processing *tracker.Processing
	Notifier   *notify.Notifier
	Metrics    *metrics.Metrics

	Instances  *api.Instances
	Snapshots  *api.Snapshots
	Operations *api.Operations

	logger core.Logger
}

// New builds a client from configuration
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		l := DefaultLogger()
		o.logger = &l
	}
	logger := NewLoggerAdapter(o.logger)
	if o.sink == nil {
		o.sink = notify.LogSink{Logger: logger}
	}

	topts := transport.Options{
		ClientCert:         cfg.Server.ClientCert,
		ClientKey:          cfg.Server.ClientKey,
		ServerCert:         cfg.Server.ServerCert,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		HTTPClient:         o.httpClient,
		Logger:             logger,
	}
	if cfg.Server.URL != "" {
		topts.URL = cfg.Server.URL
	} else {
		topts.UnixSocket = cfg.Server.UnixSocket
	}
	tc, err := transport.New(topts)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	bus := core.NewMemoryEventBus(logger)
	queue := eventqueue.New(logger, bus)
	p := poller.New(tc, logger, bus)

	// without a push channel nothing feeds the queue, so waits go straight to polling
	var trackerQueue *eventqueue.Queue
	if cfg.Events.Enabled {
		trackerQueue = queue
	}

	m := metrics.New()
	m.Subscribe(bus)
	m.WatchPending(queue.Len)

	processing := tracker.NewProcessing()
	notifyOpts := []notify.Option{notify.WithReleaser(processing)}
	if o.invalidator != nil {
		notifyOpts = append(notifyOpts, notify.WithInvalidator(o.invalidator))
	}

	return &Client{
		Config:     cfg,
		Transport:  tc,
		Bus:        bus,
		Queue:      queue,
		Poller:     p,
		Tracker:    tracker.New(trackerQueue, p, tracker.WithFallbackTimeout(cfg.Operations.FallbackTimeout), tracker.WithLogger(logger)),
		Processing: processing,
		Notifier:   notify.New(queue, o.sink, notifyOpts...),
		Metrics:    m,
		Instances:  api.NewInstances(tc, cfg.Server.Project),
		Snapshots:  api.NewSnapshots(tc, cfg.Server.Project),
		Operations: api.NewOperations(tc),
		logger:     logger,
	}, nil
}

// Logger returns the logger the components share
func (c *Client) Logger() core.Logger {
	return c.logger
}

// Listener builds the push channel listener feeding the queue, and any
// extra dispatchers after it. It is nil when events are disabled.
func (c *Client) Listener(extra ...events.Dispatcher) *events.Listener {
	if !c.Config.Events.Enabled {
		return nil
	}

	dial := events.WebsocketDialer(c.Transport, c.Config.Server.Project)
	if c.Config.Events.Transport == "sse" {
		dial = events.SSEDialer(c.Transport, c.Config.Server.Project)
	}

	backoff := wait.Backoff{
		Duration: c.Config.Events.BackoffInitial,
		Factor:   c.Config.Events.BackoffFactor,
		Jitter:   0.1,
		Steps:    c.Config.Events.BackoffSteps,
		Cap:      c.Config.Events.BackoffMax,
	}

	var dispatcher events.Dispatcher = c.Queue
	if len(extra) > 0 {
		dispatcher = events.Tee(append([]events.Dispatcher{c.Queue}, extra...)...)
	}

	return events.NewListener(dial, dispatcher,
		events.WithBackoff(backoff),
		events.WithLogger(c.logger),
		events.WithEventBus(c.Bus),
	)
}

// Bulk returns an orchestrator reporting through the client's logger,
// metrics and configured concurrency
func (c *Client) Bulk(opts ...bulk.Option) *bulk.Orchestrator {
	base := []bulk.Option{
		bulk.WithConcurrency(c.Config.Operations.BulkConcurrency),
		bulk.WithEventBus(c.Bus),
		bulk.WithLogger(c.logger),
		bulk.WithReporter(bulk.LogReporter{Logger: c.logger}),
	}
	return bulk.New(append(base, opts...)...)
}

// Wait blocks on the operation behind resp for the configured wait timeout
func (c *Client) Wait(ctx context.Context, resp *core.Response) (*core.Operation, error) {
	return c.Tracker.Wait(ctx, resp, c.Config.Operations.WaitTimeout)
}

// InstanceAction applies desired to every instance whose status allows it
// and waits for all of them. Instances the action does not apply to are
// returned as skipped and never contacted.
func (c *Client) InstanceAction(ctx context.Context, desired actions.Action, instances []actions.Instance, force bool) ([]bulk.Result, []actions.Instance, error) {
	if !actions.IsDesired(desired) {
		return nil, nil, fmt.Errorf("unsupported instance action %q", desired)
	}

	planned, skipped := actions.Plan(desired, instances)
	for _, inst := range skipped {
		c.logger.Info().
			Str("instance", inst.Name).
			Str("status", string(inst.Status)).
			Str("action", string(desired)).
			Msg("skipping instance, action does not apply to its status")
	}

	mapped := make(map[string]actions.Action, len(planned))
	items := make([]bulk.Item, len(planned))
	for i, p := range planned {
		mapped[p.Instance.Name] = p.Action
		items[i] = bulk.Item{Name: p.Instance.Name, Type: "instance", Href: "/1.0/instances/" + p.Instance.Name}
	}

	submit := func(ctx context.Context, item bulk.Item) (*core.Response, error) {
		return c.Instances.UpdateState(ctx, item.Name, mapped[item.Name], force)
	}

	results, err := c.Bulk().Run(ctx, items, c.exclusive(c.Tracker.BulkAction(submit, c.Config.Operations.WaitTimeout)))
	c.Notifier.BulkOutcome("instance", actions.PastTense(desired), results)
	return results, skipped, err
}

// DeleteSnapshots deletes snapshots of one instance and waits for all of them
func (c *Client) DeleteSnapshots(ctx context.Context, instance string, snapshots []string) ([]bulk.Result, error) {
	items := make([]bulk.Item, len(snapshots))
	for i, name := range snapshots {
		items[i] = bulk.Item{
			Name: instance + "/" + name,
			Type: "snapshot",
			Href: "/1.0/instances/" + instance + "/snapshots/" + name,
		}
	}

	byItem := make(map[string]string, len(snapshots))
	for i, name := range snapshots {
		byItem[items[i].Name] = name
	}

	submit := func(ctx context.Context, item bulk.Item) (*core.Response, error) {
		return c.Snapshots.Delete(ctx, instance, byItem[item.Name])
	}

	results, err := c.Bulk().Run(ctx, items, c.exclusive(c.Tracker.BulkAction(submit, c.Config.Operations.WaitTimeout)))
	c.Notifier.BulkOutcome("snapshot", "deleted", results)
	return results, err
}

// stopSuffix names the stop item that precedes an instance delete
const stopSuffix = ":stop"

// DeleteInstances deletes instances and waits for all of them. Instances
// that are still active are stopped first; their delete runs once the stop
// settled and is skipped when it failed.
func (c *Client) DeleteInstances(ctx context.Context, instances []actions.Instance, force bool) ([]bulk.Result, error) {
	items := make([]bulk.Item, 0, 2*len(instances))
	for _, inst := range instances {
		href := "/1.0/instances/" + inst.Name
		del := bulk.Item{Name: inst.Name, Type: "instance", Href: href}
		if _, active := actions.Map(actions.Stop, inst.Status); active {
			stop := bulk.Item{Name: inst.Name + stopSuffix, Type: "instance-stop", Href: href, Resource: inst.Name}
			del.DependsOn = []string{stop.Name}
			items = append(items, stop)
		}
		items = append(items, del)
	}

	submit := func(ctx context.Context, item bulk.Item) (*core.Response, error) {
		if item.Name != item.Key() {
			return c.Instances.UpdateState(ctx, item.Key(), actions.Stop, force)
		}
		return c.Instances.Delete(ctx, item.Name)
	}

	results, err := c.Bulk().RunStaged(ctx, items, c.exclusive(c.Tracker.BulkAction(submit, c.Config.Operations.WaitTimeout)))

	deletes := make([]bulk.Result, 0, len(instances))
	for _, r := range results {
		if r.Type == "instance" {
			deletes = append(deletes, r)
		}
	}
	c.Notifier.BulkOutcome("instance", "deleted", deletes)
	return results, err
}

// SubmitInstanceAction sends desired to every instance whose status allows
// it and returns once the server accepted the requests. Each instance stays
// processing until the event stream delivers its outcome, which the notifier
// reports. Use Settled to wait for them.
func (c *Client) SubmitInstanceAction(ctx context.Context, desired actions.Action, instances []actions.Instance, force bool) ([]bulk.Result, []actions.Instance, error) {
	if !c.Config.Events.Enabled {
		return nil, nil, fmt.Errorf("background actions need the event stream")
	}
	if !actions.IsDesired(desired) {
		return nil, nil, fmt.Errorf("unsupported instance action %q", desired)
	}

	planned, skipped := actions.Plan(desired, instances)
	mapped := make(map[string]actions.Action, len(planned))
	items := make([]bulk.Item, len(planned))
	for i, p := range planned {
		mapped[p.Instance.Name] = p.Action
		items[i] = bulk.Item{Name: p.Instance.Name, Type: "instance", Href: "/1.0/instances/" + p.Instance.Name}
	}

	submit := func(ctx context.Context, item bulk.Item) error {
		if !c.Processing.Add(item.Key()) {
			return fmt.Errorf("an operation is already in progress for %s", item.Key())
		}

		action := mapped[item.Name]
		resp, err := c.Instances.UpdateState(ctx, item.Name, action, force)
		if err == nil {
			err = c.Notifier.Track(resp, notify.Messages{
				Success:      fmt.Sprintf("Instance %s %s", item.Name, actions.PastTense(action)),
				FailureTitle: fmt.Sprintf("Failed to %s %s", action, item.Name),
				Resource:     item.Key(),
				Invalidate:   []string{"instances", "instances/" + item.Name},
			})
		}
		if err != nil {
			c.Processing.Remove(item.Key())
			return err
		}

		c.catchUp(ctx, resp)
		return nil
	}

	results, err := c.Bulk().Run(ctx, items, submit)
	return results, skipped, err
}

// Settled blocks until none of names is processing or ctx is done
func (c *Client) Settled(ctx context.Context, names ...string) error {
	for _, name := range names {
		select {
		case <-c.Processing.Done(name):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// catchUp settles a tracked operation that finished before it was
// registered, since its event will not be pushed again
func (c *Client) catchUp(ctx context.Context, resp *core.Response) {
	statusURL, err := resp.StatusURL()
	if err != nil {
		return
	}
	op, err := c.Poller.Status(ctx, statusURL)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", statusURL).Msg("status check failed, waiting for events")
		return
	}
	if !op.Status.IsTerminal() {
		return
	}
	event, err := core.NewOperationEvent(op)
	if err != nil {
		return
	}
	c.Queue.Dispatch(event)
}

// exclusive refuses to run action for a resource that already has one in flight
func (c *Client) exclusive(action bulk.Action) bulk.Action {
	return func(ctx context.Context, item bulk.Item) error {
		key := item.Key()
		if !c.Processing.Add(key) {
			return fmt.Errorf("an operation is already in progress for %s", key)
		}
		defer c.Processing.Remove(key)
		return action(ctx, item)
	}
}

// Close forgets every pending registration. Only their drop callbacks run,
// which releases tracked resources and lets pending waits fall back to a poll.
func (c *Client) Close() {
	c.Queue.Clear()
}
