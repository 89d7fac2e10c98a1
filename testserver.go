package lucid

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/lucid/client"
	"pkt.systems/lucid/internal/clock"
	"pkt.systems/lucid/internal/storage"
	"pkt.systems/lucid/internal/tokenauth"
	"pkt.systems/pslog"
)

// TestServer wraps a running Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config
	// Token is a valid bearer token when authentication is enabled.
	Token string

	stop  func(context.Context) error
	clock clock.Clock
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.logLine(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) logLine(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") ||
				strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// NewClient returns a new client configured against the test server,
// carrying the test token when authentication is enabled.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	options := make([]client.Option, 0, len(opts)+1)
	if ts.Token != "" {
		options = append(options, client.WithToken(ts.Token))
	}
	options = append(options, opts...)
	return client.New(ts.BaseURL, options...)
}

// IssueToken signs a token for subject with the server secret.
func (ts *TestServer) IssueToken(subject string, ttl time.Duration) (string, error) {
	if !ts.Config.AuthEnabled {
		return "", fmt.Errorf("authentication disabled")
	}
	now := time.Now()
	if ts.clock != nil {
		now = ts.clock.Now()
	}
	claims := tokenauth.NewClaims(subject, ts.Config.AuthIssuer, now, ttl)
	return tokenauth.Issue([]byte(ts.Config.AuthSecret), claims)
}

type testServerOptions struct {
	mutators      []func(*Config)
	store         storage.Store
	clock         clock.Clock
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket configures the server to listen on the provided unix socket path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestAuthDisabled turns the bearer token gate off.
func WithTestAuthDisabled() TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.AuthEnabled = false
		cfg.AuthSecret = ""
	})
}

// WithTestNotifications enables /notifications.
func WithTestNotifications() TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Notifications = true
	})
}

// WithTestStore injects a pre-built store.
func WithTestStore(store storage.Store) TestServerOption {
	return func(o *testServerOptions) {
		o.store = store
	}
}

// WithTestClock injects the clock used for entry timestamps and keep-alives.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClientOptions appends client options used when auto-constructing the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// NewTestServer starts a Lucid server on a loopback port suitable for tests.
// Authentication stays enabled with a generated secret unless disabled; the
// helper client carries a matching token. Call Stop to clean up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.AuthEnabled && cfg.AuthSecret == "" {
		secret, err := tokenauth.GenerateSecret()
		if err != nil {
			return nil, err
		}
		cfg.AuthSecret = secret
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	startOpts := []Option{WithLogger(logger)}
	if options.store != nil {
		startOpts = append(startOpts, WithStore(options.store))
	}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}

	ctxServer, cancel := context.WithCancel(context.Background())
	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(ctxServer, cfg, startOpts...)
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()

	var (
		res     startResult
		timeout <-chan time.Time
		ctxDone <-chan struct{}
	)
	if options.startTimeout > 0 {
		timeout = time.After(options.startTimeout)
	}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	select {
	case res = <-resultCh:
	case <-timeout:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = fmt.Errorf("test server start timeout after %s", options.startTimeout)
		}
	case <-ctxDone:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		cancel()
		return nil, res.err
	}
	srv := res.srv
	srvStop := func(stopCtx context.Context) error {
		err := res.stop(stopCtx)
		cancel()
		return err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = srvStop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	baseURL := srv.BaseURL()
	if srv.Config().ListenProto == "unix" {
		baseURL = "unix://" + srv.Config().Listen
	}

	ts := &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Config:   srv.Config(),
		stop:     srvStop,
		clock:    options.clock,
	}
	var err error
	if ts.Config.AuthEnabled {
		ts.Token, err = ts.IssueToken("testserver", time.Hour)
		if err != nil {
			_ = srvStop(context.Background())
			return nil, err
		}
	}
	if !options.disableClient {
		ts.Client, err = ts.NewClient(options.clientOpts...)
		if err != nil {
			_ = srvStop(context.Background())
			return nil, err
		}
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}
