package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasklink/chat-realtime/internal/auth"
	"github.com/tasklink/chat-realtime/internal/chat"
)

var (
	tokenProvider bool
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a development token",
	Long: `Mint a signed token for a user, as the session service would.

Examples:
  chatclient token U1
  chatclient token P9 --provider --ttl 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenProvider, "provider", false, "issue a provider identity")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	a, err := auth.New(secret, issuer, "")
	if err != nil {
		return err
	}
	token, err := a.Issue(chat.Identity{UserID: args[0], IsProvider: tokenProvider}, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
