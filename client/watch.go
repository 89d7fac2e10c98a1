package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/lucid/api"
)

// Event is one change notification.
type Event struct {
	ID    string
	Key   string
	Value string
	// Lagged is non-zero when the server skipped events for this
	// subscriber; Key and Value are empty in that case.
	Lagged uint64
}

// ErrStopWatch can be returned from a Watch callback to end the stream
// without error.
var ErrStopWatch = errors.New("client: stop watch")

// Watch subscribes to /notifications and calls fn for every event until ctx
// ends or fn returns an error. It returns io.EOF when the server ends the
// stream. Streams are never retried.
func (c *Client) Watch(ctx context.Context, fn func(Event) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+api.NotificationsPath, nil)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	c.decorate(ctx, req)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("client: watch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, data)
	}
	c.logger.Debug("client.watch.open")
	err = readEvents(resp.Body, fn)
	switch {
	case errors.Is(err, ErrStopWatch):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

// readEvents parses a text/event-stream body. Comment lines are ignored and
// multi-line data fields are joined with newlines.
func readEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	var (
		ev      Event
		data    []string
		pending bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !pending {
				continue
			}
			out := ev
			value := strings.Join(data, "\n")
			if out.Key == api.LaggedEventName && out.ID == "" {
				n, _ := strconv.ParseUint(value, 10, 64)
				out.Key = ""
				out.Lagged = n
			} else {
				out.Value = value
			}
			if err := fn(out); err != nil {
				return err
			}
			ev, data, pending = Event{}, nil, false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Key = value
		case "data":
			data = append(data, value)
		default:
			continue
		}
		pending = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("client: read stream: %w", err)
	}
	return io.EOF
}
