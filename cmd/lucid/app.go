package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lucid"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/pslog"
)

const envPrefix = "LUCID"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LUCID_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lucid")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged, subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// newViper returns a viper instance reading LUCID_* environment variables,
// with dashes in keys mapped to underscores.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if path, err := lucid.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				cfgPath = path
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "lucid",
		Short:         "lucid is a single-binary in-memory key-value store with an HTTP API",
		SilenceErrors: true,
		Example: `
  # Create ~/.lucid/config.yaml with a fresh secret and print the root token
  lucid init

  # Serve with the generated config
  lucid

  # Open development server without authentication
  lucid --auth=false --listen 127.0.0.1:7021

  # Encrypt values at rest and publish change notifications
  LUCID_ENCRYPTION=true LUCID_ENCRYPTION_KEY=... LUCID_ENCRYPTION_IV=... lucid --notifications

  # Serve on a unix socket
  lucid --listen-proto unix --listen /run/lucid.sock
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to lucid",
				"app", "lucid",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(v.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			logger = logger.LogLevel(level)
			cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Debug("effective limits",
				"request_size_limit", humanizeBytes(cfg.RequestSizeLimit),
				"max_value_size", humanizeBytes(cfg.MaxValueSize),
			)

			server, err := lucid.NewServer(cfg, lucid.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := server.Config().ShutdownTimeout

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lucid/"+lucid.DefaultConfigFileName+")")

	flags := cmd.Flags()
	addServerFlags(flags)
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")
	bindServerFlags(v, flags, persistentFlags)

	cmd.AddCommand(newInitCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newStoreCommand(baseLogger))
	cmd.AddCommand(newTokenCommand(v))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.StringP("listen", "l", lucid.DefaultListen, "listen address (host:port, or socket path with --listen-proto unix)")
	flags.String("listen-proto", lucid.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("tls-cert", "", "TLS certificate file (serves HTTPS together with --tls-key)")
	flags.String("tls-key", "", "TLS private key file")
	flags.Bool("h2c", false, "accept HTTP/2 over cleartext connections")
	flags.Int("http2-max-concurrent-streams", lucid.DefaultMaxConcurrentStreams, "HTTP/2 max concurrent streams per connection")
	flags.String("request-size-limit", humanizeBytes(lucid.DefaultRequestSizeLimit), "maximum request body size (e.g. 8MiB)")
	flags.String("max-limit", humanizeBytes(lucid.DefaultMaxValueSize), "maximum stored value size (e.g. 7MiB)")
	flags.Bool("auth", true, "require a signed bearer token on /api/kv and /notifications")
	flags.String("secret-key", "", "HMAC secret used to verify bearer tokens")
	flags.String("auth-issuer", "", "require tokens to carry this iss claim (empty accepts any issuer)")
	flags.Bool("encryption", false, "encrypt values at rest")
	flags.String("encryption-key", "", "hex encoded 24 byte encryption key")
	flags.String("encryption-iv", "", "hex encoded 16 byte initialization vector")
	flags.Bool("notifications", false, "publish change events on GET /notifications")
	flags.Int("notification-buffer", lucid.DefaultNotificationBuffer, "change events retained for slow subscribers")
	flags.Duration("notification-keepalive", lucid.DefaultNotificationKeepAlive, "interval between SSE keep-alive comments")
	flags.Int("shards", lucid.DefaultShards, "store lock stripes (rounded up to a power of two)")
	flags.String("metrics-listen", lucid.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", lucid.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable per-request tracing spans")
	flags.Duration("shutdown-timeout", lucid.DefaultShutdownTimeout, "maximum time to wait for a graceful shutdown")
}

// bindServerFlags binds the server keys plus config and log-level to v.
// Flags are looked up in order across sets.
func bindServerFlags(v *viper.Viper, sets ...*pflag.FlagSet) {
	bindFlag := func(name string) {
		var flag *pflag.Flag
		for _, set := range sets {
			if flag = set.Lookup(name); flag != nil {
				break
			}
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	for _, name := range serverConfigKeys {
		bindFlag(name)
	}
	bindFlag("config")
	bindFlag("log-level")
}

// serverConfigKeys lists every key bindConfig reads.
var serverConfigKeys = []string{
	"listen", "listen-proto", "tls-cert", "tls-key", "h2c", "http2-max-concurrent-streams",
	"request-size-limit", "max-limit",
	"auth", "secret-key", "auth-issuer",
	"encryption", "encryption-key", "encryption-iv",
	"notifications", "notification-buffer", "notification-keepalive",
	"shards",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"shutdown-timeout",
}

func bindConfig(v *viper.Viper) (lucid.Config, error) {
	cfg := lucid.DefaultConfig()
	cfg.Listen = v.GetString("listen")
	cfg.ListenProto = v.GetString("listen-proto")
	cfg.TLSCert = v.GetString("tls-cert")
	cfg.TLSKey = v.GetString("tls-key")
	cfg.H2C = v.GetBool("h2c")
	cfg.HTTP2MaxConcurrentStreams = v.GetInt("http2-max-concurrent-streams")
	var err error
	if cfg.RequestSizeLimit, err = parseByteSize(v, "request-size-limit"); err != nil {
		return cfg, err
	}
	if cfg.MaxValueSize, err = parseByteSize(v, "max-limit"); err != nil {
		return cfg, err
	}
	cfg.AuthEnabled = v.GetBool("auth")
	cfg.AuthSecret = v.GetString("secret-key")
	cfg.AuthIssuer = v.GetString("auth-issuer")
	cfg.EncryptionEnabled = v.GetBool("encryption")
	cfg.EncryptionKey = v.GetString("encryption-key")
	cfg.EncryptionIV = v.GetString("encryption-iv")
	cfg.Notifications = v.GetBool("notifications")
	cfg.NotificationBuffer = v.GetInt("notification-buffer")
	cfg.NotificationKeepAlive = v.GetDuration("notification-keepalive")
	cfg.Shards = v.GetInt("shards")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = v.GetBool("disable-http-tracing")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	return cfg, nil
}

// parseByteSize reads a humanized size ("8MiB", "7340032") from key. Empty
// values leave the default to Config.Validate.
func parseByteSize(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
