package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "spectree",
	Short: "Orchestrate a tree of specs implemented by agent sessions",
	Long: `spectree drives a tree of specs through architecture, decomposition,
implementation and integration, one agent round at a time.

Each spec moves through a phase state machine. Siblings run in dependency
order under a concurrency cap, parents talk only to their direct children
over a durable message bus, and coordinating specs hibernate while their
children work. Humans approve each phase from the CLI, the live view, the
HTTP API or an MCP client.

Typical flow:
  spectree init
  spectree submit spec.yaml
  spectree run --watch`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config merged with .spectree.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, the layered config otherwise.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromPath(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
