// Package metrics exposes operation tracking as Prometheus metrics, fed by
// the lifecycle event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

const namespace = "lxdops"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Operation metrics
	OperationsRegistered prometheus.Counter
	OperationsCompleted  *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	WaitTimeouts         prometheus.Counter

	// Bulk metrics
	BulkItems        *prometheus.CounterVec
	BulkItemDuration prometheus.Histogram

	// Push channel metrics
	StreamConnects    prometheus.Counter
	StreamDisconnects prometheus.Counter
}

// New creates metrics registered on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		OperationsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_registered_total",
				Help:      "Total number of operations registered for completion",
			},
		),

		OperationsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operation outcomes delivered",
			},
			[]string{"outcome"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time between registration and delivery of an operation outcome",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		WaitTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wait_timeouts_total",
				Help:      "Waits that expired while the operation was still running",
			},
		),

		BulkItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_items_total",
				Help:      "Total number of settled bulk items",
			},
			[]string{"type", "outcome"},
		),

		BulkItemDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bulk_item_duration_seconds",
				Help:      "Duration of individual bulk items",
				Buckets:   prometheus.DefBuckets,
			},
		),

		StreamConnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_stream_connects_total",
				Help:      "Successful connections to the event stream",
			},
		),

		StreamDisconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_stream_disconnects_total",
				Help:      "Event stream disconnects and failed connection attempts",
			},
		),
	}
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchPending exposes the number of pending registrations, read from
// pending at scrape time. Call it at most once.
func (m *Metrics) WatchPending(pending func() int) {
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_pending",
			Help:      "Operations registered for completion and not yet delivered",
		},
		func() float64 { return float64(pending()) },
	)
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe wires the metrics to the lifecycle events of bus
func (m *Metrics) Subscribe(bus core.EventBus) []core.SubscriptionID {
	return []core.SubscriptionID{
		bus.Subscribe(core.EventOperationRegistered, core.LifecycleHandlerFunc(m.onRegistered)),
		bus.Subscribe(core.EventOperationSucceeded, core.LifecycleHandlerFunc(m.onDelivered)),
		bus.Subscribe(core.EventOperationFailed, core.LifecycleHandlerFunc(m.onDelivered)),
		bus.Subscribe(core.EventOperationWaitTimeout, core.LifecycleHandlerFunc(m.onWaitTimeout)),
		bus.Subscribe(core.EventBulkItemSettled, core.LifecycleHandlerFunc(m.onBulkItem)),
		bus.Subscribe(core.EventStreamConnected, core.LifecycleHandlerFunc(m.onStream)),
		bus.Subscribe(core.EventStreamDisconnected, core.LifecycleHandlerFunc(m.onStream)),
	}
}

func (m *Metrics) onRegistered(ctx context.Context, event core.LifecycleEvent) error {
	m.OperationsRegistered.Inc()
	return nil
}

func (m *Metrics) onDelivered(ctx context.Context, event core.LifecycleEvent) error {
	data, ok := event.Data().(core.OperationEventData)
	if !ok {
		return nil
	}
	outcome := "success"
	if event.Type() == core.EventOperationFailed {
		outcome = "failure"
	}
	m.OperationsCompleted.WithLabelValues(outcome).Inc()
	m.OperationDuration.WithLabelValues(outcome).Observe(data.Elapsed.Seconds())
	return nil
}

func (m *Metrics) onWaitTimeout(ctx context.Context, event core.LifecycleEvent) error {
	m.WaitTimeouts.Inc()
	return nil
}

func (m *Metrics) onBulkItem(ctx context.Context, event core.LifecycleEvent) error {
	data, ok := event.Data().(core.BulkItemEventData)
	if !ok {
		return nil
	}
	outcome := "success"
	if !data.Success {
		outcome = "failure"
	}
	itemType := data.Type
	if itemType == "" {
		itemType = "unknown"
	}
	m.BulkItems.WithLabelValues(itemType, outcome).Inc()
	m.BulkItemDuration.Observe(data.Duration.Seconds())
	return nil
}

func (m *Metrics) onStream(ctx context.Context, event core.LifecycleEvent) error {
	if event.Type() == core.EventStreamConnected {
		m.StreamConnects.Inc()
	} else {
		m.StreamDisconnects.Inc()
	}
	return nil
}
