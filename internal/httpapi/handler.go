package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lucid/api"
	"pkt.systems/lucid/internal/clock"
	"pkt.systems/lucid/internal/correlation"
	"pkt.systems/lucid/internal/notify"
	"pkt.systems/lucid/internal/storage"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/lucid/internal/tokenauth"
	"pkt.systems/lucid/internal/version"
	"pkt.systems/pslog"
)

const (
	// DefaultRequestSizeLimit caps any request body.
	DefaultRequestSizeLimit int64 = 8 << 20
	// DefaultMaxValueSize caps a stored value.
	DefaultMaxValueSize int64 = 7340032
	// DefaultKeepAlive is the interval between SSE keep-alive comments.
	DefaultKeepAlive = 15 * time.Second
)

// Config groups the dependencies required by the HTTP handler.
type Config struct {
	Store storage.Store
	// Bus enables /notifications when non-nil.
	Bus *notify.Bus
	// Verifier guards /api/kv and /notifications. A nil Verifier disables
	// authentication.
	Verifier         *tokenauth.Verifier
	Logger           pslog.Logger
	Clock            clock.Clock
	RequestSizeLimit int64
	MaxValueSize     int64
	KeepAlive        time.Duration
	// DisableHTTPTracing skips span creation and otelhttp instrumentation.
	DisableHTTPTracing bool
}

// Handler wires HTTP endpoints to the store, the auth gate and the
// notification bus.
type Handler struct {
	store              storage.Store
	bus                *notify.Bus
	verifier           *tokenauth.Verifier
	logger             pslog.Logger
	clock              clock.Clock
	bodyLimit          int64
	keepAlive          time.Duration
	serverHeader       string
	tracer             trace.Tracer
	httpTracingEnabled bool
	metrics            *handlerMetrics
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	requestLimit := cfg.RequestSizeLimit
	if requestLimit <= 0 {
		requestLimit = DefaultRequestSizeLimit
	}
	valueLimit := cfg.MaxValueSize
	if valueLimit <= 0 {
		valueLimit = DefaultMaxValueSize
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Handler{
		store:              cfg.Store,
		bus:                cfg.Bus,
		verifier:           cfg.Verifier,
		logger:             logger,
		clock:              clk,
		bodyLimit:          min(requestLimit, valueLimit),
		keepAlive:          keepAlive,
		serverHeader:       version.ServerHeader(),
		tracer:             otel.Tracer("pkt.systems/lucid/httpapi"),
		httpTracingEnabled: !cfg.DisableHTTPTracing,
		metrics:            newHandlerMetrics(logger),
	}
}

// BodyLimit returns the effective maximum request body size.
func (h *Handler) BodyLimit() int64 {
	return h.bodyLimit
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(api.KVPathPrefix+"{key...}", h.wrap("kv", h.requireAuth(h.handleKV)))
	mux.Handle(api.NotificationsPath, h.wrap("notifications", h.requireAuth(h.handleNotifications)))
	mux.Handle(api.RobotsPath, h.wrap("robots", h.handleRobots))
	mux.Handle("/", h.wrap("not_found", h.handleNotFound))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "lucid.http." + operation
	txSpanName := "lucid.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		w.Header().Set(api.HeaderServer, h.serverHeader)

		reqID := newRequestID()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("lucid.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("lucid.operation", operation),
				attribute.String("lucid.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = correlation.With(ctx, correlation.FromRequest(r))
		ctx, logger = applyCorrelation(ctx, logger, span)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			status := http.StatusInternalServerError
			var httpErr httpError
			if errors.As(err, &httpErr) {
				status = httpErr.Status
				if instrument {
					span.SetAttributes(
						attribute.String("lucid.error_code", httpErr.Code),
						attribute.Int("lucid.error_status", httpErr.Status),
					)
				}
			} else if instrument {
				span.RecordError(err)
				span.SetAttributes(attribute.String("lucid.error_code", "internal_error"))
			}
			if instrument && status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, "handler_error")
			}
			h.metrics.recordRequest(ctx, operation, status)
			h.handleError(ctx, w, err)
			return
		}
		h.metrics.recordRequest(ctx, operation, http.StatusOK)
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// requireAuth runs the token gate before fn.
func (h *Handler) requireAuth(fn handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if !h.verifier.Enabled() {
			return fn(w, r)
		}
		claims, err := h.verifier.Verify(r.Header.Get(api.HeaderAuthorization))
		switch {
		case errors.Is(err, tokenauth.ErrMissingToken):
			return httpError{Status: http.StatusUnauthorized, Code: "missing_auth_header", Detail: api.MessageMissingAuth}
		case err != nil:
			return httpError{Status: http.StatusUnauthorized, Code: "invalid_token", Detail: api.MessageInvalidToken}
		}
		ctx := r.Context()
		if logger := pslog.LoggerFromContext(ctx); logger != nil && claims != nil {
			ctx = pslog.ContextWithLogger(ctx, logger.With("sub", claims.Subject))
		}
		return fn(w, r.WithContext(ctx))
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("http.response.encode_error", "status", status, "error", err)
		status = http.StatusInternalServerError
		data, _ = json.Marshal(api.ErrorResponse{Message: api.MessageInternal})
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{Message: httpErr.Detail}, nil)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Message: api.MessageInternal}, nil)
}
