package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/lucid"
	"pkt.systems/lucid/client"
)

func runStore(t *testing.T, ts *lucid.TestServer, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"store", "--server", ts.URL(), "--token", ts.Token, "--retries", "0"}, args...)
	stdout, _, err := executeRootCommand(t, full...)
	return stdout, err
}

func TestStoreCommandsLifecycle(t *testing.T) {
	isolateConfig(t)
	ts := lucid.StartTestServer(t)

	out, err := runStore(t, ts, "put", "greeting", "hello")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	var put map[string]any
	if err := json.Unmarshal([]byte(out), &put); err != nil {
		t.Fatalf("decode put output %q: %v", out, err)
	}
	if put["created"] != true {
		t.Fatalf("expected created, got %v", put)
	}

	out, err = runStore(t, ts, "get", "greeting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != "hello" {
		t.Fatalf("get=%q", out)
	}

	out, err = runStore(t, ts, "get", "greeting", "--meta")
	if err != nil {
		t.Fatalf("get --meta: %v", err)
	}
	var meta entryMeta
	if err := json.Unmarshal([]byte(out), &meta); err != nil {
		t.Fatalf("decode meta %q: %v", out, err)
	}
	if meta.Key != "greeting" || meta.UpdateCount != 1 || meta.Locked {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if !strings.HasPrefix(meta.ContentType, "text/plain") {
		t.Fatalf("content type %q", meta.ContentType)
	}

	if _, err := runStore(t, ts, "delete", "greeting"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := runStore(t, ts, "get", "greeting"); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStorePutFromFileAndStdin(t *testing.T) {
	isolateConfig(t)
	ts := lucid.StartTestServer(t)

	path := filepath.Join(t.TempDir(), "value.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0o600); err != nil {
		t.Fatalf("write value: %v", err)
	}
	if _, err := runStore(t, ts, "put", "doc", "-f", path); err != nil {
		t.Fatalf("put -f: %v", err)
	}
	entry, err := ts.Client.Get(context.Background(), "doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Value) != `{"a":1}` {
		t.Fatalf("value %q", entry.Value)
	}

	cmd := newTestRoot()
	cmd.SetIn(strings.NewReader("from stdin"))
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"store", "-s", ts.URL(), "-t", ts.Token, "put", "piped", "-f", "-", "--content-type", "text/x-custom"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("put from stdin: %v", err)
	}
	entry, err = ts.Client.Get(context.Background(), "piped")
	if err != nil {
		t.Fatalf("get piped: %v", err)
	}
	if string(entry.Value) != "from stdin" || entry.ContentType != "text/x-custom" {
		t.Fatalf("unexpected entry %q %q", entry.Value, entry.ContentType)
	}

	if _, err := runStore(t, ts, "put", "both", "v", "-f", path); err == nil {
		t.Fatal("expected error when value given twice")
	}
	if _, err := runStore(t, ts, "put", "none"); err == nil {
		t.Fatal("expected error without value")
	}
}

func TestStoreLockAndNumeric(t *testing.T) {
	isolateConfig(t)
	ts := lucid.StartTestServer(t)

	if _, err := runStore(t, ts, "put", "counter", "41"); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := runStore(t, ts, "incr", "counter")
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if strings.TrimSpace(out) != "42" {
		t.Fatalf("incr=%q", out)
	}
	out, err = runStore(t, ts, "decr", "counter")
	if err != nil {
		t.Fatalf("decr: %v", err)
	}
	if strings.TrimSpace(out) != "41" {
		t.Fatalf("decr=%q", out)
	}

	if _, err := runStore(t, ts, "lock", "counter"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := runStore(t, ts, "put", "counter", "1"); !errors.Is(err, client.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := runStore(t, ts, "incr", "counter"); !errors.Is(err, client.ErrLocked) {
		t.Fatalf("expected ErrLocked on incr, got %v", err)
	}
	if _, err := runStore(t, ts, "unlock", "counter"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := runStore(t, ts, "put", "counter", "1"); err != nil {
		t.Fatalf("put after unlock: %v", err)
	}
}

func TestStoreTTL(t *testing.T) {
	isolateConfig(t)
	ts := lucid.StartTestServer(t)
	if _, err := runStore(t, ts, "put", "session", "x"); err != nil {
		t.Fatalf("put: %v", err)
	}
	before := time.Now().Add(10 * time.Minute).Add(-time.Second)
	out, err := runStore(t, ts, "ttl", "session", "10m")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	expireAt, err := time.Parse(time.RFC3339, strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parse expire_at %q: %v", out, err)
	}
	if expireAt.Before(before.Truncate(time.Second)) {
		t.Fatalf("expire_at %s earlier than %s", expireAt, before)
	}
	if _, err := runStore(t, ts, "ttl", "session", "--", "-5"); err == nil {
		t.Fatal("expected negative ttl error")
	}
}

func TestParseTTL(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{in: "600", want: 10 * time.Minute},
		{in: "0", want: 0},
		{in: "90s", want: 90 * time.Second},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "-1", err: true},
		{in: "-1m", err: true},
		{in: "10000000000", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range cases {
		got, err := parseTTL(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("parseTTL(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("parseTTL(%q)=%s,%v want %s", tc.in, got, err, tc.want)
		}
	}
}

func TestStoreRequiresToken(t *testing.T) {
	isolateConfig(t)
	ts := lucid.StartTestServer(t)
	t.Setenv("LUCID_CLIENT_TOKEN", "")
	_, _, err := executeRootCommand(t, "store", "--server", ts.URL(), "get", "anything")
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStoreTokenFromEnv(t *testing.T) {
	isolateConfig(t)
	ts := lucid.StartTestServer(t)
	t.Setenv("LUCID_CLIENT_SERVER", ts.URL())
	t.Setenv("LUCID_CLIENT_TOKEN", ts.Token)
	if _, _, err := executeRootCommand(t, "store", "put", "k", "v"); err != nil {
		t.Fatalf("put with env config: %v", err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStoreWatch(t *testing.T) {
	isolateConfig(t)
	ts := lucid.StartTestServer(t, lucid.WithTestNotifications())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out lockedBuffer
	cmd := newTestRoot()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"store", "-s", ts.URL(), "-t", ts.Token, "watch", "--count", "2"})
	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ts.Server.NotificationSubscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := ts.Client.Put(ctx, "a", []byte("1"), ""); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if _, err := ts.Client.Put(ctx, "b", []byte("two"), ""); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	var first, second watchLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if first.Key != "a" || first.Value != "1" || first.ID == "" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second.Key != "b" || second.Value != "two" {
		t.Fatalf("unexpected second event %+v", second)
	}
}
