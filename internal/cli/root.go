package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfg    *Config
	client *Client
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cfg = DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "masq",
		Short: "CLI tool for the masquerade session server",
		Long: `masq is a CLI tool for the masquerade session server.

It can inspect and drive sessions through the JSON API, and play a
session interactively over the WebSocket game hub.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Create HTTP client
			client = NewClient(cfg.ServerURL, cfg.APIKey)
			return nil
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server URL (env: MASQ_SERVER)")
	rootCmd.PersistentFlags().StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key for collaborator endpoints (env: MASQ_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&cfg.IdentityFile, "identity-file", cfg.IdentityFile, "Player identity file path (env: MASQ_IDENTITY_FILE)")
	rootCmd.PersistentFlags().StringVarP(&cfg.Output, "output", "o", cfg.Output, "Output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose output")

	// Add subcommands
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newPlayCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newStatsCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
