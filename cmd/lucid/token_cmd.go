package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/lucid/internal/tokenauth"
)

func newTokenCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCommand(v))
	return cmd
}

func newTokenIssueCommand(v *viper.Viper) *cobra.Command {
	var subject string
	var issuer string
	var secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token signed with the configured secret",
		Example: `  # Token for a deploy job, valid for a day
  lucid token issue --sub deploy --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--sub is required")
			}
			key := strings.TrimSpace(secret)
			if key == "" {
				if _, err := loadConfigFile(v); err != nil {
					return err
				}
				key = strings.TrimSpace(v.GetString("secret-key"))
			}
			if key == "" {
				return fmt.Errorf("no secret key: pass --secret-key, set LUCID_SECRET_KEY or run lucid init")
			}
			if issuer == "" {
				issuer = v.GetString("auth-issuer")
			}
			if issuer == "" {
				issuer = tokenauth.DefaultIssuer
			}
			token, err := tokenauth.Issue([]byte(key), tokenauth.NewClaims(subject, issuer, time.Now(), ttl))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject")
	cmd.Flags().StringVar(&issuer, "issuer", "", "token issuer (defaults to auth-issuer or "+tokenauth.DefaultIssuer+")")
	cmd.Flags().StringVar(&secret, "secret-key", "", "signing secret (defaults to the configured secret-key)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token validity")
	return cmd
}
