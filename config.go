package lucid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/lucid/internal/httpapi"
	"pkt.systems/lucid/internal/notify"
	"pkt.systems/lucid/internal/storage"
	"pkt.systems/lucid/internal/storage/memory"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = "127.0.0.1:7021"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultRequestSizeLimit caps any request body.
	DefaultRequestSizeLimit = httpapi.DefaultRequestSizeLimit
	// DefaultMaxValueSize caps a single stored value.
	DefaultMaxValueSize = httpapi.DefaultMaxValueSize
	// DefaultShards is the number of lock stripes in the store.
	DefaultShards = memory.DefaultShards
	// DefaultNotificationBuffer is the number of change events retained for
	// slow subscribers.
	DefaultNotificationBuffer = notify.DefaultCapacity
	// DefaultNotificationKeepAlive is the interval between SSE keep-alive comments.
	DefaultNotificationKeepAlive = httpapi.DefaultKeepAlive
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams sets HTTP/2 MaxConcurrentStreams when not
	// explicitly configured.
	DefaultMaxConcurrentStreams = 1024
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a Lucid server. It is validated once and
// then treated as an immutable snapshot.
type Config struct {
	// Listen is the bind address (host:port, or a socket path for unix).
	Listen string
	// ListenProto is the network passed to net.Listen (tcp, tcp4, tcp6, unix).
	ListenProto string
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string
	// H2C accepts HTTP/2 over cleartext connections.
	H2C bool
	// HTTP2MaxConcurrentStreams sets HTTP/2 MaxConcurrentStreams; 0 uses the default.
	HTTP2MaxConcurrentStreams int

	// RequestSizeLimit caps every request body in bytes.
	RequestSizeLimit int64
	// MaxValueSize caps a stored value in bytes. The smaller of the two
	// limits is enforced.
	MaxValueSize int64

	// AuthEnabled requires a signed bearer token on /api/kv and /notifications.
	AuthEnabled bool
	// AuthSecret is the HMAC secret tokens are verified against.
	AuthSecret string
	// AuthIssuer, when set, must match the iss claim.
	AuthIssuer string

	// EncryptionEnabled encrypts values at rest.
	EncryptionEnabled bool
	// EncryptionKey is the hex encoded 24 byte key.
	EncryptionKey string
	// EncryptionIV is the hex encoded 16 byte initialization vector.
	EncryptionIV string

	// Notifications exposes GET /notifications.
	Notifications bool
	// NotificationBuffer is the number of events retained per bus.
	NotificationBuffer int
	// NotificationKeepAlive is the SSE keep-alive interval.
	NotificationKeepAlive time.Duration

	// Shards is the store lock stripe count, rounded up to a power of two.
	Shards int

	// MetricsListen exposes Prometheus metrics on /metrics when set.
	MetricsListen string
	// PprofListen exposes net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// DisableHTTPTracing turns off per-request spans.
	DisableHTTPTracing bool

	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config populated with every default. Authentication
// is on, so AuthSecret must be supplied before Validate succeeds.
func DefaultConfig() Config {
	return Config{
		Listen:                    DefaultListen,
		ListenProto:               DefaultListenProto,
		HTTP2MaxConcurrentStreams: DefaultMaxConcurrentStreams,
		RequestSizeLimit:          DefaultRequestSizeLimit,
		MaxValueSize:              DefaultMaxValueSize,
		AuthEnabled:               true,
		NotificationBuffer:        DefaultNotificationBuffer,
		NotificationKeepAlive:     DefaultNotificationKeepAlive,
		Shards:                    DefaultShards,
		MetricsListen:             DefaultMetricsListen,
		PprofListen:               DefaultPprofListen,
		ShutdownTimeout:           DefaultShutdownTimeout,
	}
}

// Validate applies defaults to unset fields and rejects inconsistent
// settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen protocol %q", c.ListenProto)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("config: tls-cert and tls-key must be set together")
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.RequestSizeLimit < 0 {
		return fmt.Errorf("config: request size limit must be > 0")
	}
	if c.RequestSizeLimit == 0 {
		c.RequestSizeLimit = DefaultRequestSizeLimit
	}
	if c.MaxValueSize < 0 {
		return fmt.Errorf("config: max value size must be > 0")
	}
	if c.MaxValueSize == 0 {
		c.MaxValueSize = DefaultMaxValueSize
	}
	if c.AuthEnabled && strings.TrimSpace(c.AuthSecret) == "" {
		return fmt.Errorf("config: secret-key is required when authentication is enabled")
	}
	if c.EncryptionEnabled {
		if _, err := storage.NewCipher(c.cipherConfig()); err != nil {
			return fmt.Errorf("config: encryption: %w", err)
		}
	}
	if c.NotificationBuffer < 0 {
		return fmt.Errorf("config: notification buffer must be >= 1")
	}
	if c.NotificationBuffer == 0 {
		c.NotificationBuffer = DefaultNotificationBuffer
	}
	if c.NotificationKeepAlive < 0 {
		return fmt.Errorf("config: notification keepalive must be > 0")
	}
	if c.NotificationKeepAlive == 0 {
		c.NotificationKeepAlive = DefaultNotificationKeepAlive
	}
	if c.Shards < 0 {
		return fmt.Errorf("config: shards must be > 0")
	}
	if c.Shards == 0 {
		c.Shards = DefaultShards
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// EffectiveBodyLimit returns the body size limit actually enforced.
func (c Config) EffectiveBodyLimit() int64 {
	return min(c.RequestSizeLimit, c.MaxValueSize)
}

func (c Config) cipherConfig() storage.CipherConfig {
	return storage.CipherConfig{
		Enabled: c.EncryptionEnabled,
		KeyHex:  c.EncryptionKey,
		IVHex:   c.EncryptionIV,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.lucid).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("LUCID_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lucid"), nil
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
