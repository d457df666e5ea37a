package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	serverURL  string
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "weftctl",
		Short: "weft CLI - inspect and poke a weft daemon",
		Long: `weftctl is a command-line interface for a weft daemon: mint bridge
tokens, inspect persisted conversation trees, and send test messages
through the gateway.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "weft server URL")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("WEFT_CONFIG"), "Path to weft configuration file")

	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newTreesCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newHealthCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("WEFT_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the daemon is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(serverURL + "/healthz")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy (%d): %s", resp.StatusCode, string(body))
			}
			fmt.Printf("ok: %s", string(body))
			return nil
		},
	}
}
