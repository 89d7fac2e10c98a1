package client

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"pkt.systems/lucid/api"
)

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"",
		"id: c1",
		"event: greeting",
		"data: hello",
		"data: world",
		"",
		"event: lucid.lagged",
		"data: 6",
		"",
		"id: c3",
		"event: lucid.lagged",
		"data: a key named like the lag event",
		"",
		"id: c2",
		"event: empty",
		"data:",
		"",
	}, "\n")
	var got []Event
	err := readEvents(strings.NewReader(stream), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
	want := []Event{
		{ID: "c1", Key: "greeting", Value: "hello\nworld"},
		{Lagged: 6},
		{ID: "c3", Key: "lucid.lagged", Value: "a key named like the lag event"},
		{ID: "c2", Key: "empty"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestReadEventsStopsOnCallbackError(t *testing.T) {
	stream := "event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"
	calls := 0
	err := readEvents(strings.NewReader(stream), func(Event) error {
		calls++
		return ErrStopWatch
	})
	if !errors.Is(err, ErrStopWatch) || calls != 1 {
		t.Fatalf("expected a single call and ErrStopWatch, got %d %v", calls, err)
	}
}

func TestAPIErrorIs(t *testing.T) {
	cases := []struct {
		err    *APIError
		target error
		want   bool
	}{
		{&APIError{Status: http.StatusNotFound, Message: api.MessageKeyNotFound}, ErrNotFound, true},
		{&APIError{Status: http.StatusNotFound, Message: api.MessageNotFound}, ErrNotFound, false},
		{&APIError{Status: http.StatusForbidden, Message: api.MessageKeyLocked}, ErrLocked, true},
		{&APIError{Status: http.StatusConflict, Message: api.MessageAlreadyLocked}, ErrConflict, true},
		{&APIError{Status: http.StatusUnauthorized, Message: api.MessageMissingAuth}, ErrUnauthorized, true},
		{&APIError{Status: http.StatusBadRequest, Message: api.MessageNonNumeric}, ErrNonNumeric, true},
		{&APIError{Status: http.StatusBadRequest, Message: api.MessageMissingBody}, ErrNonNumeric, false},
		{&APIError{Status: http.StatusBadRequest, Message: api.MessageValueSizeLimit(4)}, ErrTooLarge, true},
		{&APIError{Status: http.StatusInternalServerError}, ErrNotFound, false},
	}
	for _, tc := range cases {
		if got := errors.Is(tc.err, tc.target); got != tc.want {
			t.Fatalf("%v is %v: expected %v", tc.err, tc.target, tc.want)
		}
	}
	if msg := (&APIError{Status: 502}).Error(); msg != "lucid: status 502" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestKVPathEscapesSegments(t *testing.T) {
	cases := map[string]string{
		"plain":        "/api/kv/plain",
		"a/b":          "/api/kv/a/b",
		"with space":   "/api/kv/with%20space",
		"q?x=1#frag":   "/api/kv/q%3Fx=1%23frag",
		"percent%2Fin": "/api/kv/percent%252Fin",
	}
	for key, want := range cases {
		if got := kvPath(key); got != want {
			t.Fatalf("kvPath(%q) = %q, want %q", key, got, want)
		}
	}
}
