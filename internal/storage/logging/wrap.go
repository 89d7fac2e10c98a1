package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lucid/internal/correlation"
	"pkt.systems/lucid/internal/storage"
	"pkt.systems/pslog"
)

type store struct {
	inner  storage.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and an internal span per
// operation. Values never reach the log, only keys and sizes.
func Wrap(inner storage.Store, logger pslog.Logger, sys string) storage.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/lucid/storage"),
		sys:    sys,
	}
}

// Unwrap returns the decorated store.
func Unwrap(s storage.Store) storage.Store {
	if w, ok := s.(*store); ok {
		return w.inner
	}
	return s
}

func (s *store) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(result string, err error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "lucid.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("lucid.storage.operation", op),
		attribute.String("lucid.sys", s.sys),
		attribute.Int("lucid.storage.key_length", len(key)),
	)

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("lucid.correlation_id", corr))
	}
	logger.Trace("storage."+op+".begin", "key", key)

	return ctx, span, logger, func(result string, err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "key", key, "result", result, "elapsed", elapsed)
		}
		span.SetAttributes(attribute.String("lucid.storage.result", result))
		span.End()
	}
}

func (s *store) Set(ctx context.Context, key string, payload []byte, contentType string) (storage.Entry, bool, error) {
	ctx, span, _, finish := s.start(ctx, "set", key)
	span.SetAttributes(
		attribute.Int("lucid.storage.bytes", len(payload)),
		attribute.Bool("lucid.storage.declared_content_type", contentType != ""),
	)
	prev, existed, err := s.inner.Set(ctx, key, payload, contentType)
	switch {
	case err != nil:
		finish("error", err)
	case existed && prev.Locked:
		finish("locked", nil)
	case existed:
		finish("updated", nil)
	default:
		finish("created", nil)
	}
	return prev, existed, err
}

func (s *store) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	ctx, span, _, finish := s.start(ctx, "get", key)
	entry, ok, err := s.inner.Get(ctx, key)
	switch {
	case err != nil:
		finish("error", err)
	case !ok:
		finish("missing", nil)
	default:
		span.SetAttributes(attribute.Int("lucid.storage.bytes", len(entry.Data)))
		finish("ok", nil)
	}
	return entry, ok, err
}

func (s *store) SwitchLock(ctx context.Context, key string, locked bool) bool {
	ctx, span, _, finish := s.start(ctx, "switch_lock", key)
	span.SetAttributes(attribute.Bool("lucid.storage.locked", locked))
	changed := s.inner.SwitchLock(ctx, key, locked)
	if changed {
		finish("changed", nil)
	} else {
		finish("unchanged", nil)
	}
	return changed
}

func (s *store) IncrementOrDecrement(ctx context.Context, key string, delta float64) (float64, bool, error) {
	ctx, span, _, finish := s.start(ctx, "increment_or_decrement", key)
	span.SetAttributes(attribute.Float64("lucid.storage.delta", delta))
	value, ok, err := s.inner.IncrementOrDecrement(ctx, key, delta)
	switch {
	case err != nil:
		finish("error", err)
	case !ok:
		finish("rejected", nil)
	default:
		finish("ok", nil)
	}
	return value, ok, err
}

func (s *store) SetExpiration(ctx context.Context, key string, ttl time.Duration) (time.Time, bool) {
	ctx, span, logger, finish := s.start(ctx, "set_expiration", key)
	span.SetAttributes(attribute.Int64("lucid.storage.ttl_seconds", int64(ttl/time.Second)))
	expireAt, ok := s.inner.SetExpiration(ctx, key, ttl)
	if !ok {
		finish("missing", nil)
		return expireAt, ok
	}
	logger.Trace("storage.set_expiration.recorded", "key", key, "expire_at", expireAt.Unix())
	finish("ok", nil)
	return expireAt, ok
}

func (s *store) Delete(ctx context.Context, key string) bool {
	ctx, _, _, finish := s.start(ctx, "delete", key)
	existed := s.inner.Delete(ctx, key)
	if existed {
		finish("deleted", nil)
	} else {
		finish("missing", nil)
	}
	return existed
}

func (s *store) Len() int {
	return s.inner.Len()
}
