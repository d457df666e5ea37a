package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/weft/internal/gateway"
)

func newTokenCommand() *cobra.Command {
	var (
		clientID string
		platform string
		ttl      time.Duration
		secret   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bridge connection token",
		Long: `Mints a JWT a platform bridge presents when connecting to the
gateway websocket. The signing secret comes from --secret or
WEFT_JWT_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("WEFT_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("no signing secret: pass --secret or set WEFT_JWT_SECRET")
			}
			token, err := gateway.GenerateToken(secret, clientID, platform, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "bridge", "Client ID embedded in the token")
	cmd.Flags().StringVar(&platform, "platform", "telegram", "Platform name the bridge serves")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret (defaults to WEFT_JWT_SECRET)")
	return cmd
}
