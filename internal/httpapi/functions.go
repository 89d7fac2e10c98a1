package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lucid/api"
	"pkt.systems/lucid/internal/correlation"
	"pkt.systems/lucid/internal/storage"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/pslog"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return svcfields.HTTPRouter
	}
	return svcfields.Subsystem(append([]string{svcfields.HTTPRouter}, parts...)...)
}

func newRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		logger = logger.With("cid", id)
		if span != nil {
			span.SetAttributes(attribute.String("lucid.correlation_id", id))
		}
	}
	return pslog.ContextWithLogger(ctx, logger), logger
}

// entryHeaders renders the metadata headers exposed on GET and HEAD.
func entryHeaders(entry storage.Entry) map[string]string {
	headers := map[string]string{
		"Last-Modified":          entry.UpdatedAt.UTC().Format(http.TimeFormat),
		api.HeaderCreatedAt:      strconv.FormatInt(entry.CreatedAt.Unix(), 10),
		api.HeaderUpdateCount:    strconv.FormatInt(entry.UpdateCount, 10),
		api.HeaderLocked:         strconv.FormatBool(entry.Locked),
		"Content-Length":         strconv.Itoa(len(entry.Data)),
		"Content-Type":           entry.ContentType,
		"X-Content-Type-Options": "nosniff",
	}
	if entry.HasExpiration() {
		headers[api.HeaderExpireAt] = strconv.FormatInt(entry.ExpireAt.Unix(), 10)
	}
	return headers
}

// notifiableValue returns the payload as text when it is valid UTF-8.
func notifiableValue(payload []byte) (string, bool) {
	if !utf8.Valid(payload) {
		return "", false
	}
	return string(payload), true
}

// sseField strips line breaks from single line SSE fields.
func sseField(value string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(value)
}

func (h *Handler) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}
