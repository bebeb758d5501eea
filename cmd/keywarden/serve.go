package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keywarden/keywarden/internal/mcp"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serveCmd starts the MCP server for AI coding assistant integration
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server over stdio",
	Long: `Start the MCP server that gives AI coding assistants access to the
credential database.

The server implements the Model Context Protocol (MCP) over stdio
transport. Clients must call the authenticate tool with the database
master password before any other tool; the returned session token
expires after the configured idle timeout, and the whole system
auto-locks after inactivity.

Access control:
  KEYWARDEN_ACCESS_MODE=readonly blocks every mutating tool. A
  keywarden-policy.yaml file next to the database can additionally
  force read-only mode or deny individual tools; the server refuses
  to start if the policy file is present but unreadable or has loose
  permissions.

Example MCP configuration for Claude Code (~/.claude.json):
  {
    "mcpServers": {
      "keywarden": {
        "type": "stdio",
        "command": "/path/to/keywarden",
        "args": ["serve"],
        "env": {
          "KEYWARDEN_DB_PATH": "/home/user/passwords.kdbx"
        }
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	server, err := mcp.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
		server.Close()
	}()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
