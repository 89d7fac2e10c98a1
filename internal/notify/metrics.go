package notify

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/lucid/notify"

type busMetrics struct {
	logger      pslog.Logger
	published   metric.Int64Counter
	dropped     metric.Int64Counter
	lagged      metric.Int64Counter
	subscribers metric.Int64ObservableGauge
}

func newBusMetrics(logger pslog.Logger) *busMetrics {
	meter := otel.Meter(meterName)
	m := &busMetrics{logger: logger}
	var err error

	m.published, err = meter.Int64Counter(
		"lucid.notify.published",
		metric.WithDescription("Change events delivered to the ring"),
	)
	logMetricInitError(logger, "lucid.notify.published", err)

	m.dropped, err = meter.Int64Counter(
		"lucid.notify.dropped",
		metric.WithDescription("Change events dropped because nobody was subscribed"),
	)
	logMetricInitError(logger, "lucid.notify.dropped", err)

	m.lagged, err = meter.Int64Counter(
		"lucid.notify.lagged",
		metric.WithDescription("Events skipped by subscribers that fell behind"),
	)
	logMetricInitError(logger, "lucid.notify.lagged", err)

	m.subscribers, err = meter.Int64ObservableGauge(
		"lucid.notify.subscribers",
		metric.WithDescription("Open notification subscriptions"),
	)
	logMetricInitError(logger, "lucid.notify.subscribers", err)

	return m
}

func (m *busMetrics) registerBus(b *Bus) {
	if m == nil || b == nil || m.subscribers == nil {
		return
	}
	meter := otel.Meter(meterName)
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(m.subscribers, int64(b.Subscribers()))
		return nil
	}, m.subscribers); err != nil {
		m.logger.Warn("telemetry.metric.callback_failed", "name", "lucid.notify.subscribers", "error", err)
	}
}

func (m *busMetrics) recordPublished(ctx context.Context) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(metricContext(ctx), 1)
}

func (m *busMetrics) recordDropped(ctx context.Context) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(metricContext(ctx), 1)
}

func (m *busMetrics) recordLagged(ctx context.Context, skipped uint64) {
	if m == nil || m.lagged == nil {
		return
	}
	m.lagged.Add(metricContext(ctx), int64(skipped))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
