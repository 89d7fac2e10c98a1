package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/lucid"
	"pkt.systems/lucid/internal/tokenauth"
)

func newInitCommand() *cobra.Command {
	var outPath string
	var secret string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with a fresh secret and print a root token",
		Example: `  # Initialise ~/.lucid/config.yaml
  lucid init

  # Reuse an existing secret and write elsewhere
  lucid init --secret "$LUCID_SECRET_KEY" --out /etc/lucid/config.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			secret = strings.TrimSpace(secret)
			if secret == "" {
				generated, err := tokenauth.GenerateSecret()
				if err != nil {
					return err
				}
				secret = generated
			}
			if outPath == "" {
				path, err := lucid.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			path, err := expandPath(outPath)
			if err != nil {
				return fmt.Errorf("expand output path %q: %w", outPath, err)
			}
			data, err := defaultConfigYAML(func(c *configDefaults) {
				c.SecretKey = secret
			})
			if err != nil {
				return err
			}
			claims := tokenauth.NewClaims(tokenauth.RootSubject, tokenauth.DefaultIssuer, time.Now(), tokenauth.RootTokenTTL)
			token, err := tokenauth.Issue([]byte(secret), claims)
			if err != nil {
				return err
			}
			if err := writeConfigFile(path, data, force); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config written to %s\n", path)
			fmt.Fprintf(out, "Root token (expires %s):\n%s\n", claims.ExpiresAt.UTC().Format(time.RFC3339), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "config file to write (defaults to $HOME/.lucid/"+lucid.DefaultConfigFileName+")")
	cmd.Flags().StringVar(&secret, "secret", "", "secret key to use instead of generating one")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
