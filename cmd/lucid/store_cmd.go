package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lucid/api"
	"pkt.systems/lucid/client"
	"pkt.systems/lucid/internal/correlation"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	clientServerKey   = "client.server"
	clientTokenKey    = "client.token"
	clientTimeoutKey  = "client.timeout"
	clientRetriesKey  = "client.retries"
	clientLogLevelKey = "client.log_level"

	envCorrelation = "LUCID_CLIENT_CORRELATION_ID"

	defaultServerURL = "http://127.0.0.1:7021"
)

type storeCLIConfig struct {
	v          *viper.Viper
	baseLogger pslog.Logger
}

func newStoreCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &storeCLIConfig{v: newViper(), baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:     "store",
		Aliases: []string{"kv"},
		Short:   "Read and modify keys on a running lucid server",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "lucid server base URL (http://, https:// or unix:///path.sock)")
	flags.StringP("token", "t", "", "bearer token")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "HTTP request timeout")
	flags.Int("retries", client.DefaultRetries, "retries for transient failures")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(cfg.v, clientServerKey, "LUCID_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(cfg.v, clientTokenKey, "LUCID_CLIENT_TOKEN", flags.Lookup("token"))
	mustBindFlag(cfg.v, clientTimeoutKey, "LUCID_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(cfg.v, clientRetriesKey, "LUCID_CLIENT_RETRIES", flags.Lookup("retries"))
	mustBindFlag(cfg.v, clientLogLevelKey, "LUCID_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))

	cmd.AddCommand(
		newStoreGetCommand(cfg),
		newStorePutCommand(cfg),
		newStoreDeleteCommand(cfg),
		newStoreLockCommand(cfg, true),
		newStoreLockCommand(cfg, false),
		newStoreNumericCommand(cfg, true),
		newStoreNumericCommand(cfg, false),
		newStoreTTLCommand(cfg),
		newStoreWatchCommand(cfg),
	)
	return cmd
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *storeCLIConfig) logger() (pslog.Base, error) {
	raw := strings.TrimSpace(c.v.GetString(clientLogLevelKey))
	if raw == "" {
		raw = "none"
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		return nil, fmt.Errorf("invalid client log level %q", raw)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		return pslog.NoopLogger(), nil
	}
	return svcfields.WithSubsystem(c.baseLogger, "client.cli").LogLevel(level), nil
}

func (c *storeCLIConfig) client() (*client.Client, error) {
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	return client.New(c.v.GetString(clientServerKey),
		client.WithToken(c.v.GetString(clientTokenKey)),
		client.WithHTTPTimeout(c.v.GetDuration(clientTimeoutKey)),
		client.WithRetries(c.v.GetInt(clientRetriesKey)),
		client.WithLogger(logger),
	)
}

func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := correlation.Normalize(env); ok {
			return normalized
		}
	}
	return correlation.Generate()
}

func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	return correlation.With(cmd.Context(), resolveCorrelationID())
}

// withClient runs fn against a client built from the persistent flags.
func (c *storeCLIConfig) withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	cmd.SilenceUsage = true
	cli, err := c.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	return fn(commandContextWithCorrelation(cmd), cli)
}

type entryMeta struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	Bytes       int    `json:"bytes"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	ExpireAt    string `json:"expire_at,omitempty"`
	UpdateCount int64  `json:"update_count"`
	Locked      bool   `json:"locked"`
}

func metaFromEntry(e *client.Entry) entryMeta {
	return entryMeta{
		Key:         e.Key,
		ContentType: e.ContentType,
		Bytes:       len(e.Value),
		CreatedAt:   formatTime(e.CreatedAt),
		UpdatedAt:   formatTime(e.UpdatedAt),
		ExpireAt:    formatTime(e.ExpireAt),
		UpdateCount: e.UpdateCount,
		Locked:      e.Locked,
	}
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStoreGetCommand(cfg *storeCLIConfig) *cobra.Command {
	var outputPath string
	var metaOnly bool
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Fetch the value stored under a key",
		Example: `  # Print a value
  lucid store get greeting

  # Show metadata only
  lucid store get greeting --meta`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.withClient(cmd, func(ctx context.Context, cli *client.Client) error {
				if metaOnly {
					entry, err := cli.Head(ctx, args[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), metaFromEntry(entry))
				}
				entry, err := cli.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if outputPath == "" || outputPath == "-" {
					_, err = cmd.OutOrStdout().Write(entry.Value)
					return err
				}
				if err := os.WriteFile(outputPath, entry.Value, 0o600); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "output file (use - for stdout)")
	cmd.Flags().BoolVar(&metaOnly, "meta", false, "print metadata as JSON instead of the value")
	return cmd
}

func newStorePutCommand(cfg *storeCLIConfig) *cobra.Command {
	var inputPath string
	var contentType string
	cmd := &cobra.Command{
		Use:   "put KEY [VALUE]",
		Short: "Store a value under a key",
		Example: `  # Inline value
  lucid store put greeting hello

  # Value from a file, or stdin with -f -
  lucid store put site/logo -f logo.png`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readValue(cmd, args, inputPath)
			if err != nil {
				return err
			}
			return cfg.withClient(cmd, func(ctx context.Context, cli *client.Client) error {
				created, err := cli.Put(ctx, args[0], value, contentType)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"key":     args[0],
					"created": created,
					"bytes":   len(value),
				})
			})
		},
	}
	cmd.Flags().StringVarP(&inputPath, "file", "f", "", "read the value from this file (use - for stdin)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "declared content type (sniffed by the server when empty)")
	return cmd
}

func readValue(cmd *cobra.Command, args []string, inputPath string) ([]byte, error) {
	switch {
	case len(args) == 2 && inputPath != "":
		return nil, fmt.Errorf("pass the value as an argument or with --file, not both")
	case len(args) == 2:
		return []byte(args[1]), nil
	case inputPath == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case inputPath != "":
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return nil, fmt.Errorf("read value file: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("missing value: pass VALUE or --file")
	}
}

func newStoreDeleteCommand(cfg *storeCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "delete KEY",
		Aliases: []string{"rm"},
		Short:   "Delete a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.withClient(cmd, func(ctx context.Context, cli *client.Client) error {
				return cli.Delete(ctx, args[0])
			})
		},
	}
}

func newStoreLockCommand(cfg *storeCLIConfig, lock bool) *cobra.Command {
	use, short := "lock KEY", "Lock a key against writes and deletes"
	if !lock {
		use, short = "unlock KEY", "Unlock a key"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.withClient(cmd, func(ctx context.Context, cli *client.Client) error {
				if lock {
					return cli.Lock(ctx, args[0])
				}
				return cli.Unlock(ctx, args[0])
			})
		},
	}
}

func newStoreNumericCommand(cfg *storeCLIConfig, increment bool) *cobra.Command {
	use, short := "incr KEY", "Increment a numeric value by one"
	if !increment {
		use, short = "decr KEY", "Decrement a numeric value by one"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.withClient(cmd, func(ctx context.Context, cli *client.Client) error {
				var (
					value float64
					err   error
				)
				if increment {
					value, err = cli.Increment(ctx, args[0])
				} else {
					value, err = cli.Decrement(ctx, args[0])
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(value, 'f', -1, 64))
				return err
			})
		},
	}
}

func newStoreTTLCommand(cfg *storeCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "ttl KEY DURATION",
		Short: "Record an advisory expiration for a key",
		Example: `  # Expire in ten minutes (seconds or a Go duration)
  lucid store ttl session/abc 600
  lucid store ttl session/abc 10m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := parseTTL(args[1])
			if err != nil {
				return err
			}
			return cfg.withClient(cmd, func(ctx context.Context, cli *client.Client) error {
				expireAt, err := cli.SetTTL(ctx, args[0], ttl)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), formatTime(expireAt))
				return err
			})
		},
	}
}

// parseTTL accepts whole seconds or a Go duration.
func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("ttl must be >= 0")
		}
		if secs > api.MaxTTLSeconds {
			return 0, fmt.Errorf("ttl must be <= %d seconds", api.MaxTTLSeconds)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse ttl %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("ttl must be >= 0")
	}
	return d, nil
}

type watchLine struct {
	ID     string `json:"id,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Lagged uint64 `json:"lagged,omitempty"`
}

func newStoreWatchCommand(cfg *storeCLIConfig) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream change notifications as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.withClient(cmd, func(ctx context.Context, cli *client.Client) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				seen := 0
				err := cli.Watch(ctx, func(ev client.Event) error {
					if err := enc.Encode(watchLine{ID: ev.ID, Key: ev.Key, Value: ev.Value, Lagged: ev.Lagged}); err != nil {
						return err
					}
					if ev.Lagged == 0 {
						seen++
					}
					if count > 0 && seen >= count {
						return client.ErrStopWatch
					}
					return nil
				})
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many change events (0 streams until interrupted)")
	return cmd
}
