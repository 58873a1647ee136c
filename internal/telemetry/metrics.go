package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tabmix"

// Metrics holds the registry instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Refreshes        metric.Int64Counter
	Broadcasts       metric.Int64Counter
	ObserverFailures metric.Int64Counter
	Mutations        metric.Int64Counter
	StaleHandles     metric.Int64Counter
	Tabs             metric.Int64Gauge
}

// NewMetrics creates the instruments on the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Refreshes, err = meter.Int64Counter("tabmix.refreshes",
		metric.WithDescription("Registry refreshes partitioned by outcome (ok, error)"))
	if err != nil {
		return nil, err
	}

	m.Broadcasts, err = meter.Int64Counter("tabmix.broadcasts",
		metric.WithDescription("Notification cycles delivered to observers"))
	if err != nil {
		return nil, err
	}

	m.ObserverFailures, err = meter.Int64Counter("tabmix.observer_failures",
		metric.WithDescription("Observer callbacks that returned an error or panicked"))
	if err != nil {
		return nil, err
	}

	m.Mutations, err = meter.Int64Counter("tabmix.mutations",
		metric.WithDescription("Mute/volume mutations partitioned by kind and outcome"))
	if err != nil {
		return nil, err
	}

	m.StaleHandles, err = meter.Int64Counter("tabmix.stale_handles",
		metric.WithDescription("Tabs dropped because their controller vanished"))
	if err != nil {
		return nil, err
	}

	m.Tabs, err = meter.Int64Gauge("tabmix.tabs",
		metric.WithDescription("Tabs in the most recently published snapshot"),
		metric.WithUnit("{tab}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRefresh records a refresh outcome and the resulting tab count.
func (m *Metrics) RecordRefresh(ctx context.Context, ok bool, tabs int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.Refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("refresh.outcome", outcome)))
	if ok {
		m.Tabs.Record(ctx, int64(tabs))
	}
}

// RecordBroadcast records one notification cycle.
func (m *Metrics) RecordBroadcast(ctx context.Context, observers int) {
	if m == nil {
		return
	}
	m.Broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.Int("broadcast.observers", observers)))
}

// RecordObserverFailure records a failed observer callback.
func (m *Metrics) RecordObserverFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.ObserverFailures.Add(ctx, 1)
}

// RecordMutation records a mute or volume change.
func (m *Metrics) RecordMutation(ctx context.Context, kind string, ok bool) {
	if m == nil {
		return
	}
	m.Mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mutation.kind", kind),
		attribute.Bool("mutation.ok", ok),
	))
}

// RecordStaleHandle records a tab dropped for a vanished controller.
func (m *Metrics) RecordStaleHandle(ctx context.Context) {
	if m == nil {
		return
	}
	m.StaleHandles.Add(ctx, 1)
}
