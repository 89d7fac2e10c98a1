package httpapi

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type handlerMetrics struct {
	requests metric.Int64Counter
}

func newHandlerMetrics(logger pslog.Logger) *handlerMetrics {
	meter := otel.Meter("pkt.systems/lucid/httpapi")
	m := &handlerMetrics{}
	var err error
	m.requests, err = meter.Int64Counter(
		"lucid.http.requests",
		metric.WithDescription("HTTP requests by route and status"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "lucid.http.requests", "error", err)
	}
	return m
}

func (m *handlerMetrics) recordRequest(ctx context.Context, operation string, status int) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lucid.operation", operation),
		attribute.Int("http.status_code", status),
	))
}
