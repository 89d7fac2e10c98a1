package lucid

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"pkt.systems/lucid/api"
	"pkt.systems/lucid/internal/tokenauth"
	"pkt.systems/lucid/internal/version"
)

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func openConfig() Config {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.AuthEnabled = false
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		if err := stop(context.Background()); err != nil {
			t.Fatalf("stop server: %v", err)
		}
	})
	return srv
}

func doRequest(t *testing.T, cli *http.Client, method, url, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := cli.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(data)
}

func TestStartServerEndToEnd(t *testing.T) {
	srv := startServer(t, openConfig())
	base := srv.BaseURL()
	if !strings.HasPrefix(base, "http://127.0.0.1:") {
		t.Fatalf("unexpected base url %q", base)
	}
	cli := http.DefaultClient
	url := base + api.KVPathPrefix + "foo"

	resp, _ := doRequest(t, cli, http.MethodPut, url, "bar", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put: expected 201, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Server"); got != version.ServerHeader() {
		t.Fatalf("expected server header %q, got %q", version.ServerHeader(), got)
	}
	resp, body := doRequest(t, cli, http.MethodGet, url, "", nil)
	if resp.StatusCode != http.StatusOK || body != "bar" {
		t.Fatalf("get: expected 200 bar, got %d %q", resp.StatusCode, body)
	}
	resp, _ = doRequest(t, cli, http.MethodDelete, url, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, cli, http.MethodGet, url, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, cli, http.MethodDelete, url, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat delete: expected 404, got %d", resp.StatusCode)
	}
	if srv.Store().Len() != 0 {
		t.Fatalf("expected empty store, got %d", srv.Store().Len())
	}
}

func TestServerAuthGate(t *testing.T) {
	cfg := openConfig()
	cfg.AuthEnabled = true
	cfg.AuthSecret = "server-test-secret"
	srv := startServer(t, cfg)
	url := srv.BaseURL() + api.KVPathPrefix + "guarded"

	resp, body := doRequest(t, http.DefaultClient, http.MethodGet, url, "", nil)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(body, api.MessageMissingAuth) {
		t.Fatalf("expected 401 missing auth, got %d %s", resp.StatusCode, body)
	}
	token, err := tokenauth.Issue([]byte(cfg.AuthSecret), tokenauth.NewClaims("tester", "", time.Now(), time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	auth := http.Header{"Authorization": {"Bearer " + token}}
	resp, _ = doRequest(t, http.DefaultClient, http.MethodPut, url, "value", auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d", resp.StatusCode)
	}
	resp, body = doRequest(t, http.DefaultClient, http.MethodGet, srv.BaseURL()+api.RobotsPath, "", nil)
	if resp.StatusCode != http.StatusOK || body != api.RobotsTxt {
		t.Fatalf("robots.txt must bypass auth, got %d %q", resp.StatusCode, body)
	}
}

func TestServerEncryptedRoundTrip(t *testing.T) {
	cfg := openConfig()
	cfg.EncryptionEnabled = true
	cfg.EncryptionKey = testKeyHex
	cfg.EncryptionIV = testIVHex
	srv := startServer(t, cfg)
	url := srv.BaseURL() + api.KVPathPrefix + "secret"
	payload := `{"hello":"world"}`
	if resp, _ := doRequest(t, http.DefaultClient, http.MethodPut, url, payload, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("put: expected 201, got %d", resp.StatusCode)
	}
	resp, body := doRequest(t, http.DefaultClient, http.MethodGet, url, "", nil)
	if body != payload {
		t.Fatalf("expected %q, got %q", payload, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected sniffed text content type, got %q", ct)
	}
}

func TestServerConcurrentWrites(t *testing.T) {
	srv := startServer(t, openConfig())
	url := srv.BaseURL() + api.KVPathPrefix + "hot"
	var g errgroup.Group
	g.SetLimit(16)
	for i := range 100 {
		g.Go(func() error {
			req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(fmt.Sprintf("value-%03d", i)))
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent puts: %v", err)
	}
	resp, body := doRequest(t, http.DefaultClient, http.MethodHead, url, "", nil)
	if got := resp.Header.Get(api.HeaderUpdateCount); got != "100" {
		t.Fatalf("expected update count 100, got %q", got)
	}
	if body != "" {
		t.Fatalf("HEAD must not return a body, got %q", body)
	}
	_, body = doRequest(t, http.DefaultClient, http.MethodGet, url, "", nil)
	if !strings.HasPrefix(body, "value-") || len(body) != len("value-000") {
		t.Fatalf("corrupted value %q", body)
	}
}

func TestServerUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "lucid.sock")
	cfg := openConfig()
	cfg.ListenProto = "unix"
	cfg.Listen = socket
	srv, stop, err := StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.BaseURL() != "" {
		t.Fatalf("unix listener has no http base url, got %q", srv.BaseURL())
	}
	cli := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}}
	resp, _ := doRequest(t, cli, http.MethodPut, "http://unix"+api.KVPathPrefix+"sock", "1", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put over unix socket: expected 201, got %d", resp.StatusCode)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed, stat err %v", err)
	}
}

func TestServerH2C(t *testing.T) {
	cfg := openConfig()
	cfg.H2C = true
	srv := startServer(t, cfg)
	cli := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	resp, _ := doRequest(t, cli, http.MethodPut, srv.BaseURL()+api.KVPathPrefix+"h2", "two", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if resp.ProtoMajor != 2 {
		t.Fatalf("expected HTTP/2, got %s", resp.Proto)
	}
}

func TestShutdownEndsNotificationStreams(t *testing.T) {
	cfg := openConfig()
	cfg.Notifications = true
	srv, stop, err := StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get(srv.BaseURL() + api.NotificationsPath)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	waitFor(t, 2*time.Second, 10*time.Millisecond, func() bool { return srv.bus.Subscribers() == 1 })

	streamDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, bufio.NewReader(resp.Body))
		streamDone <- err
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-streamDone:
		if err != nil {
			t.Fatalf("stream ended with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification stream still open after shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(openConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if srv.ListenerAddr() == nil {
		t.Fatal("expected listener address")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("start returned %v", err)
	}
	if srv.ListenerAddr() != nil {
		t.Fatal("expected listener cleared after shutdown")
	}
}

func TestStartServerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, _, err := StartServer(ctx, openConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := srv.ListenerAddr().String()
	cancel()
	waitFor(t, 3*time.Second, 20*time.Millisecond, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	})
}

func TestStartServerListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg := openConfig()
	cfg.Listen = ln.Addr().String()
	if _, _, err := StartServer(context.Background(), cfg); err == nil {
		t.Fatal("expected error for occupied address")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected error without secret")
	}
}
