// Command chatclient is a terminal client for the chat server. It mints
// development tokens and runs an interactive chat session on stdin.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	secret string
	issuer string
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal client for the real-time chat server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		if issuer == "" {
			issuer = os.Getenv("JWT_ISSUER")
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "JWT signing secret (default $JWT_SECRET)")
	rootCmd.PersistentFlags().StringVar(&issuer, "issuer", "", "JWT issuer (default $JWT_ISSUER)")
	rootCmd.AddCommand(tokenCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
