package lucid

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/lucid/client"
	"pkt.systems/pslog"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.InfoLevel))
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	if !ts.Config.AuthEnabled || ts.Token == "" {
		t.Fatal("expected authentication with a generated token")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	created, err := ts.Client.Put(ctx, "default-key", []byte("v"), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !created {
		t.Fatal("expected key to be created")
	}

	anon, err := client.New(ts.URL(), client.WithRetries(0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := anon.Get(ctx, "default-key"); !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("expected unauthorized without token, got %v", err)
	}
}

func TestNewTestServerUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "lucid.sock")
	ts := StartTestServer(t, WithTestUnixSocket(socket), WithTestAuthDisabled())
	if !strings.HasPrefix(ts.URL(), "unix://") {
		t.Fatalf("expected unix url, got %q", ts.URL())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ts.Client.Put(ctx, "sock", []byte("1"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, err := ts.Client.Get(ctx, "sock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Value) != "1" {
		t.Fatalf("expected 1, got %q", entry.Value)
	}
}

func TestIssueTokenRequiresAuth(t *testing.T) {
	ts := StartTestServer(t, WithTestAuthDisabled(), WithoutTestClient())
	if ts.Client != nil {
		t.Fatal("expected no client")
	}
	if _, err := ts.IssueToken("x", time.Minute); err == nil {
		t.Fatal("expected error when authentication is disabled")
	}
}
