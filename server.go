package lucid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/lucid/internal/clock"
	"pkt.systems/lucid/internal/httpapi"
	"pkt.systems/lucid/internal/notify"
	"pkt.systems/lucid/internal/storage"
	storelog "pkt.systems/lucid/internal/storage/logging"
	"pkt.systems/lucid/internal/storage/memory"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/lucid/internal/tokenauth"
	"pkt.systems/pslog"
)

// lowMemoryWatermark triggers a startup warning when the host has less
// available memory than this.
const lowMemoryWatermark = 256 << 20

// Server wraps the HTTP server, the store and the notification bus.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	store        storage.Store
	bus          *notify.Bus
	handler      *httpapi.Handler
	mux          *http.ServeMux
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Store  storage.Store
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStore injects a pre-built store in place of the in-memory engine.
// Encryption and shard settings are ignored when a store is supplied.
func WithStore(s storage.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a Lucid server according to cfg.
// Example:
//
//	cfg := lucid.DefaultConfig()
//	cfg.AuthSecret = os.Getenv("LUCID_SECRET_KEY")
//	srv, err := lucid.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, svcfields.Telemetry))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		_ = telemetry.Shutdown(context.Background())
		return nil, err
	}

	store := o.Store
	if store == nil {
		cipher, err := storage.NewCipher(cfg.cipherConfig())
		if err != nil {
			return fail(fmt.Errorf("encryption: %w", err))
		}
		store = memory.NewWithConfig(memory.Config{
			Shards: cfg.Shards,
			Cipher: cipher,
			Clock:  serverClock,
			Logger: svcfields.WithSubsystem(logger, svcfields.StoreMemory),
		})
	}
	store = storelog.Wrap(store, svcfields.WithSubsystem(logger, svcfields.StoreMemory), svcfields.StoreMemory)

	var bus *notify.Bus
	if cfg.Notifications {
		bus = notify.New(notify.Config{
			Capacity: cfg.NotificationBuffer,
			Clock:    serverClock,
			Logger:   svcfields.WithSubsystem(logger, svcfields.NotifyBus),
		})
	}

	verifier, err := tokenauth.NewVerifier(tokenauth.VerifierConfig{
		Enabled: cfg.AuthEnabled,
		Secret:  []byte(cfg.AuthSecret),
		Issuer:  cfg.AuthIssuer,
		Clock:   serverClock,
		Logger:  svcfields.WithSubsystem(logger, svcfields.AuthToken),
	})
	if err != nil {
		return fail(err)
	}

	handler := httpapi.New(httpapi.Config{
		Store:              store,
		Bus:                bus,
		Verifier:           verifier,
		Logger:             logger,
		Clock:              serverClock,
		RequestSizeLimit:   cfg.RequestSizeLimit,
		MaxValueSize:       cfg.MaxValueSize,
		KeepAlive:          cfg.NotificationKeepAlive,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	http2Srv := &http2.Server{MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams)}
	var root http.Handler = mux
	if cfg.H2C {
		root = h2c.NewHandler(mux, http2Srv)
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(errorLogWriter{logger: svcfields.WithSubsystem(logger, svcfields.HTTPRouter)}, "", 0),
	}
	if cfg.tlsEnabled() {
		if err := http2.ConfigureServer(httpSrv, http2Srv); err != nil {
			return fail(fmt.Errorf("configure http2: %w", err))
		}
	}

	lifecycle := svcfields.WithSubsystem(logger, svcfields.ServerLifecycle)
	checkHostMemory(lifecycle, cfg)

	return &Server{
		cfg:       cfg,
		logger:    lifecycle,
		store:     store,
		bus:       bus,
		handler:   handler,
		mux:       mux,
		httpSrv:   httpSrv,
		clock:     serverClock,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

func (c Config) tlsEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// checkHostMemory warns when the host is short on memory. Every entry lives
// in process memory, so a crowded host fails long before the limits do.
func checkHostMemory(logger pslog.Logger, cfg Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Debug("server.host.memory_unavailable", "error", err)
		return
	}
	fields := []any{
		"total", humanize.IBytes(vm.Total),
		"available", humanize.IBytes(vm.Available),
		"body_limit", humanize.IBytes(uint64(cfg.EffectiveBodyLimit())),
	}
	if vm.Available < lowMemoryWatermark || vm.Available < uint64(cfg.EffectiveBodyLimit()) {
		logger.Warn("server.host.memory_low", fields...)
		return
	}
	logger.Debug("server.host.memory", fields...)
}

type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the route multiplexer so Lucid can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Store returns the backing store.
func (s *Server) Store() storage.Store {
	return s.store
}

// NotificationSubscribers returns the number of open notification streams.
func (s *Server) NotificationSubscribers() int {
	if s.bus == nil {
		return 0
	}
	return s.bus.Subscribers()
}

// Config returns the validated configuration snapshot.
func (s *Server) Config() Config {
	return s.cfg
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"tls", s.cfg.tlsEnabled(),
		"h2c", s.cfg.H2C,
		"auth", s.cfg.AuthEnabled,
		"encryption", s.cfg.EncryptionEnabled,
		"notifications", s.cfg.Notifications,
		"body_limit", s.handler.BodyLimit(),
	)
	var serveErr error
	if s.cfg.tlsEnabled() {
		serveErr = s.httpSrv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		serveErr = s.httpSrv.Serve(ln)
	}
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. Open notification streams are ended before in-flight requests are
// drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.logger.Info("server.shutdown.begin", "entries", s.store.Len())
	if s.bus != nil {
		s.bus.Close()
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	s.logger.Info("server.shutdown.complete")
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// BaseURL returns the http(s) URL of the bound TCP listener, or an empty
// string before Start or for unix sockets.
func (s *Server) BaseURL() string {
	addr := s.ListenerAddr()
	if addr == nil || s.cfg.ListenProto == "unix" {
		return ""
	}
	scheme := "http"
	if s.cfg.tlsEnabled() {
		scheme = "https"
	}
	return scheme + "://" + addr.String()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. Shutdown already reports fatal serve errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background, waits until it is listening
// and returns a stop function. Cancelling ctx also stops the server.
// Example:
//
//	srv, stop, err := lucid.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	ready := make(chan error, 1)
	go func() {
		ready <- srv.WaitUntilReady(waitCtx)
	}()
	select {
	case err := <-ready:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil, nil, err
		}
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
