package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/lucid/api"
	"pkt.systems/lucid/internal/correlation"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultRetries is the number of retries for transient failures.
	DefaultRetries = 3
	// DefaultHTTPTimeout bounds each non-streaming request.
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultRetryWaitMin is the shortest back-off between retries.
	DefaultRetryWaitMin = 100 * time.Millisecond
	// DefaultRetryWaitMax is the longest back-off between retries.
	DefaultRetryWaitMax = 2 * time.Second

	userAgent = "lucid-client"
)

// Sentinel errors matched by APIError via errors.Is.
var (
	ErrNotFound     = errors.New("client: key not found")
	ErrLocked       = errors.New("client: key locked")
	ErrConflict     = errors.New("client: lock state unchanged")
	ErrUnauthorized = errors.New("client: unauthorized")
	ErrNonNumeric   = errors.New("client: value is not numeric")
	ErrTooLarge     = errors.New("client: value too large")
)

// APIError describes a non-2xx response from Lucid.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Message is the decoded "message" field, when available.
	Message string
	// Body contains the raw response body bytes for diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("lucid: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("lucid: status %d", e.Status)
}

// Is maps the response onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound && e.Message == api.MessageKeyNotFound
	case ErrLocked:
		return e.Status == http.StatusForbidden
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrNonNumeric:
		return e.Status == http.StatusBadRequest && e.Message == api.MessageNonNumeric
	case ErrTooLarge:
		return e.Status == http.StatusBadRequest && api.IsValueSizeLimitMessage(e.Message)
	}
	return false
}

// Client talks to a Lucid server over HTTP.
type Client struct {
	base       string
	token      string
	retry      *retryablehttp.Client
	stream     *http.Client
	timeout    time.Duration
	logger     pslog.Base
	httpClient *http.Client
	retries    int
	waitMin    time.Duration
	waitMax    time.Duration
	tracing    bool
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithHTTPClient supplies a custom HTTP client whose transport is used for
// every request.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithRetries sets how many times transient failures are retried. Zero
// disables retries.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithRetryWait sets the back-off bounds between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		if minWait > 0 {
			c.waitMin = minWait
		}
		if maxWait >= c.waitMin {
			c.waitMax = maxWait
		}
	}
}

// WithHTTPTimeout bounds each non-streaming request. Zero disables the bound.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithHTTPTrace wraps the transport with OpenTelemetry instrumentation.
func WithHTTPTrace() Option {
	return func(c *Client) {
		c.tracing = true
	}
}

// New constructs a client for baseURL.
// Unix-domain sockets are supported via base URLs such as unix:///var/run/lucid.sock.
// Example:
//
//	cli, err := client.New("http://127.0.0.1:7021", client.WithToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	created, err := cli.Put(ctx, "greeting", []byte("hello"), "")
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		timeout: DefaultHTTPTimeout,
		logger:  pslog.NoopLogger(),
		retries: DefaultRetries,
		waitMin: DefaultRetryWaitMin,
		waitMax: DefaultRetryWaitMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	httpClient, base, err := buildHTTPClient(baseURL)
	if err != nil {
		return nil, err
	}
	if c.httpClient != nil {
		httpClient = c.httpClient
	}
	if c.tracing {
		transport := httpClient.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		clone := *httpClient
		clone.Transport = otelhttp.NewTransport(transport)
		httpClient = &clone
	}
	c.base = base
	c.stream = httpClient

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = c.retries
	rc.RetryWaitMin = c.waitMin
	rc.RetryWaitMax = c.waitMax
	rc.Logger = retryLogger{logger: c.logger}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.retry = rc
	return c, nil
}

// BaseURL returns the normalised base URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.base
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.stream.CloseIdleConnections()
	return nil
}

type noRetryKey struct{}

// withoutRetry marks requests that must not be replayed, such as numeric
// deltas whose first attempt may already have been applied.
func withoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if skip, _ := ctx.Value(noRetryKey{}).(bool); skip {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type request struct {
	method      string
	key         string
	path        string
	body        []byte
	contentType string
	noRetry     bool
}

// do sends req and returns the response with its body fully read. Non-2xx
// responses are returned as *APIError.
func (c *Client) do(ctx context.Context, req request) (*http.Response, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := req.path
	if path == "" {
		path = kvPath(req.key)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if req.noRetry {
		ctx = withoutRetry(ctx)
	}
	var body any
	if req.body != nil {
		body = req.body
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.method, c.base+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("client: build request: %w", err)
	}
	c.decorate(ctx, httpReq.Request)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	c.logger.Trace("client.http.start", "method", req.method, "path", path)
	resp, err := c.retry.Do(httpReq)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "method", req.method, "path", path, "error", err)
		return nil, nil, fmt.Errorf("client: %s %s: %w", req.method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, data)
		c.logger.Debug("client.http.error", "method", req.method, "path", path, "status", resp.StatusCode, "message", apiErr.Message)
		return resp, data, apiErr
	}
	c.logger.Trace("client.http.success", "method", req.method, "path", path, "status", resp.StatusCode)
	return resp, data, nil
}

func (c *Client) decorate(ctx context.Context, req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set(api.HeaderAuthorization, "Bearer "+c.token)
	}
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}
}

func decodeError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status, Body: data}
	var resp api.ErrorResponse
	if len(bytes.TrimSpace(data)) > 0 && json.Unmarshal(data, &resp) == nil {
		apiErr.Message = resp.Message
	}
	return apiErr
}

// kvPath escapes each segment of key so slashes keep separating segments.
func kvPath(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return api.KVPathPrefix + strings.Join(segments, "/")
}

func buildHTTPClient(rawBase string) (*http.Client, string, error) {
	trimmed := strings.TrimSpace(rawBase)
	if trimmed == "" {
		return nil, "", fmt.Errorf("client: baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return newUnixHTTPClient(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("client: parse baseURL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("client: baseURL missing host")
	}
	return &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}, strings.TrimRight(trimmed, "/"), nil
}

func newUnixHTTPClient(raw string) (*http.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("client: parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		if socketPath == "" || socketPath == "/" {
			socketPath = "/" + u.Host
		} else {
			socketPath = "/" + u.Host + socketPath
		}
	}
	if socketPath == "" {
		return nil, "", fmt.Errorf("client: unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: DefaultHTTPTimeout, KeepAlive: 15 * time.Second}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport}, "http://unix", nil
}

// retryLogger adapts pslog to retryablehttp.LeveledLogger. Per-attempt
// chatter is demoted so a healthy client stays quiet at debug level.
type retryLogger struct {
	logger pslog.Base
}

func retryFields(msg string, keysAndValues []any) []any {
	return append([]any{"detail", msg}, keysAndValues...)
}

func (l retryLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Warn("client.retry.error", retryFields(msg, keysAndValues)...)
}

func (l retryLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn("client.retry.warn", retryFields(msg, keysAndValues)...)
}

func (l retryLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("client.retry.info", retryFields(msg, keysAndValues)...)
}

func (l retryLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Trace("client.retry.debug", retryFields(msg, keysAndValues)...)
}
