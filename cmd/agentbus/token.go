package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentbus/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <agent-id>",
	Short: "Issue a gateway token for an agent",
	Long:  "Issue a gateway token for an agent, signed with auth.secret (or AGENTBUS_AUTH_SECRET).",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var (
	tokenTTL  time.Duration
	tokenCaps []string
)

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	tokenCmd.Flags().StringSliceVar(&tokenCaps, "cap", nil, "capability claim (repeatable)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret is not configured")
	}
	ttl := cfg.Auth.TokenTTL.Std()
	if tokenTTL > 0 {
		ttl = tokenTTL
	}

	signer, err := auth.NewSigner([]byte(cfg.Auth.Secret), auth.WithIssuer(cfg.Auth.Issuer), auth.WithTTL(ttl))
	if err != nil {
		return err
	}
	token, err := signer.Issue(args[0], tokenCaps...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
