package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MobasirSarkar/roomcast/internal/auth"
	"github.com/MobasirSarkar/roomcast/internal/config"
)

func newTokenCmd(cfg *config.Client) *cobra.Command {
	var (
		secret string
		issuer string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --user",
		Long: `Mint a bearer token signed with the server's secret and print it.
Intended for local development; production tokens come from the identity
provider.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Username == "" {
				return errors.New("--user is required")
			}
			v, err := auth.NewVerifier(secret, issuer)
			if err != nil {
				return err
			}
			tok, err := v.Issue(cfg.Username, ttl)
			if err != nil {
				return fmt.Errorf("minting token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Username, "user", cfg.Username, "username the token is issued to")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv(config.Prefix+"JWT_SECRET"), "signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", "roomcast", "token issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	return cmd
}
