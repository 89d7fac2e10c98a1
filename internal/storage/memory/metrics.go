package memory

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/lucid/store"

type storeMetrics struct {
	logger     pslog.Logger
	operations metric.Int64Counter
	entries    metric.Int64ObservableGauge
	shards     metric.Int64ObservableGauge
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter(meterName)
	m := &storeMetrics{logger: logger}
	var err error

	m.operations, err = meter.Int64Counter(
		"lucid.store.operations",
		metric.WithDescription("Store operations by kind and outcome"),
	)
	logMetricInitError(logger, "lucid.store.operations", err)

	m.entries, err = meter.Int64ObservableGauge(
		"lucid.store.entries",
		metric.WithDescription("Live entries held in memory"),
	)
	logMetricInitError(logger, "lucid.store.entries", err)

	m.shards, err = meter.Int64ObservableGauge(
		"lucid.store.shards",
		metric.WithDescription("Configured shard count"),
	)
	logMetricInitError(logger, "lucid.store.shards", err)

	return m
}

func (m *storeMetrics) registerStore(s *Store) {
	if m == nil || s == nil {
		return
	}
	if m.entries == nil && m.shards == nil {
		return
	}
	meter := otel.Meter(meterName)
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if m.entries != nil {
			o.ObserveInt64(m.entries, int64(s.Len()))
		}
		if m.shards != nil {
			o.ObserveInt64(m.shards, int64(s.ShardCount()))
		}
		return nil
	}, m.entries, m.shards); err != nil {
		m.logger.Warn("telemetry.metric.callback_failed", "name", "lucid.store", "error", err)
	}
}

func (m *storeMetrics) recordOperation(ctx context.Context, op, outcome string) {
	if m == nil || m.operations == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lucid.store.op", op),
		attribute.String("lucid.store.outcome", outcome),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
