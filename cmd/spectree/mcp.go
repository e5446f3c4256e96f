package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve spectree tools over MCP on stdio",
	Long: `Run an MCP server on stdin/stdout so an MCP client can read the tree,
approve or reject phases, unblock specs and check write scope.

Example client entry:
  {"command": "spectree", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(context.Background(), cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		a.drainEvents()

		return mcpserver.NewServer(a.orch).ServeStdio()
	},
}
