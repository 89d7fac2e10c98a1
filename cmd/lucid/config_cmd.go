package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lucid"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lucid configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lucid/" + lucid.DefaultConfigFileName
	if path, err := lucid.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lucid configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := lucid.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := writeConfigFile(outPath, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the server flags; its yaml keys are the flag names
// so the file, flags and LUCID_* variables share one namespace.
type configDefaults struct {
	Listen                    string `yaml:"listen"`
	ListenProto               string `yaml:"listen-proto"`
	TLSCert                   string `yaml:"tls-cert"`
	TLSKey                    string `yaml:"tls-key"`
	H2C                       bool   `yaml:"h2c"`
	HTTP2MaxConcurrentStreams int    `yaml:"http2-max-concurrent-streams"`
	RequestSizeLimit          string `yaml:"request-size-limit"`
	MaxLimit                  string `yaml:"max-limit"`
	Auth                      bool   `yaml:"auth"`
	SecretKey                 string `yaml:"secret-key"`
	AuthIssuer                string `yaml:"auth-issuer"`
	Encryption                bool   `yaml:"encryption"`
	EncryptionKey             string `yaml:"encryption-key"`
	EncryptionIV              string `yaml:"encryption-iv"`
	Notifications             bool   `yaml:"notifications"`
	NotificationBuffer        int    `yaml:"notification-buffer"`
	NotificationKeepAlive     string `yaml:"notification-keepalive"`
	Shards                    int    `yaml:"shards"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	DisableHTTPTracing        bool   `yaml:"disable-http-tracing"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    lucid.DefaultListen,
		ListenProto:               lucid.DefaultListenProto,
		HTTP2MaxConcurrentStreams: lucid.DefaultMaxConcurrentStreams,
		RequestSizeLimit:          humanizeBytes(lucid.DefaultRequestSizeLimit),
		MaxLimit:                  humanizeBytes(lucid.DefaultMaxValueSize),
		Auth:                      true,
		NotificationBuffer:        lucid.DefaultNotificationBuffer,
		NotificationKeepAlive:     lucid.DefaultNotificationKeepAlive.String(),
		Shards:                    lucid.DefaultShards,
		MetricsListen:             lucid.DefaultMetricsListen,
		PprofListen:               lucid.DefaultPprofListen,
		ShutdownTimeout:           lucid.DefaultShutdownTimeout.String(),
		LogLevel:                  "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

func writeConfigFile(path string, data []byte, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
