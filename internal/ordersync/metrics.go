package ordersync

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xenking/order-engine/internal/ordersync"

type metrics struct {
	writes     metric.Int64Counter
	rollbacks  metric.Int64Counter
	deferred   metric.Int64Counter
	suppressed metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m   metrics
		err error
	)
	if m.writes, err = meter.Int64Counter("orders.sync.writes",
		metric.WithDescription("Repository writes issued for optimistic mutations"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, errors.Wrap(err, "writes counter")
	}
	if m.rollbacks, err = meter.Int64Counter("orders.sync.rollbacks",
		metric.WithDescription("Optimistic mutations rolled back after a failed write"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, errors.Wrap(err, "rollbacks counter")
	}
	if m.deferred, err = meter.Int64Counter("orders.sync.deferred",
		metric.WithDescription("Remote snapshots held back by an in-flight write"),
		metric.WithUnit("{snapshot}"),
	); err != nil {
		return nil, errors.Wrap(err, "deferred counter")
	}
	if m.suppressed, err = meter.Int64Counter("orders.sync.suppressed",
		metric.WithDescription("Remote snapshots older than the last known version"),
		metric.WithUnit("{snapshot}"),
	); err != nil {
		return nil, errors.Wrap(err, "suppressed counter")
	}
	return &m, nil
}

func (m *metrics) write(ctx context.Context, mutation string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.writes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mutation", mutation),
		attribute.String("outcome", outcome),
	))
	if !ok {
		m.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("mutation", mutation)))
	}
}
