package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/lucid/api"
	"pkt.systems/lucid/internal/notify"
)

type recvResult struct {
	event notify.Event
	err   error
}

// handleNotifications godoc
// @Summary      Stream change notifications
// @Description  Server-Sent Events stream. Each change is sent with the key as event type and the UTF-8 value as data. Skipped events are reported as a "lucid.lagged" event without an id, carrying the number of missed events. Returns 404 when notifications are disabled.
// @Tags         notifications
// @Produce      text/event-stream
// @Success      200  {string}  string  "event stream"
// @Failure      401  {object}  api.ErrorResponse
// @Failure      404  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /notifications [get]
func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) error {
	if h.bus == nil {
		return httpError{Status: http.StatusNotFound, Code: "notifications_disabled", Detail: api.MessageNotFound}
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: api.MessageMethodNotAllowed}
	}
	rc := http.NewResponseController(w)
	sub, err := h.bus.Subscribe()
	if err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "notifications_closed", Detail: api.MessageNotifyClosed}
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := h.loggerFor(ctx).With("subscriber", sub.ID())

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn("notify.stream.flush_unsupported", "error", err)
		return nil
	}
	logger.Debug("notify.stream.open")

	results := make(chan recvResult)
	go func() {
		defer close(results)
		for {
			ev, err := sub.Recv(ctx)
			select {
			case results <- recvResult{event: ev, err: err}:
			case <-ctx.Done():
				return
			}
			var lagged *notify.LaggedError
			if err != nil && !errors.As(err, &lagged) {
				return
			}
		}
	}()

	for {
		var werr error
		select {
		case <-ctx.Done():
			logger.Debug("notify.stream.closed", "reason", "client")
			return nil
		case <-h.clock.After(h.keepAlive):
			_, werr = io.WriteString(w, ": keepalive\n\n")
		case res, ok := <-results:
			if !ok {
				return nil
			}
			var lagged *notify.LaggedError
			switch {
			case errors.As(res.err, &lagged):
				werr = writeSSE(w, "", api.LaggedEventName, strconv.FormatUint(lagged.Skipped, 10))
			case res.err != nil:
				logger.Debug("notify.stream.closed", "reason", res.err)
				return nil
			default:
				werr = writeSSE(w, res.event.ID, res.event.Key, res.event.Value)
			}
		}
		if werr == nil {
			werr = rc.Flush()
		}
		if werr != nil {
			logger.Debug("notify.stream.write_failed", "error", werr)
			return nil
		}
	}
}

func writeSSE(w io.Writer, id, event, data string) error {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", sseField(id))
	}
	fmt.Fprintf(&b, "event: %s\n", sseField(event))
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
