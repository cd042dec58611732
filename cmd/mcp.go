package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/civtrack/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio so an assistant can
list, inspect and triage issues, read the catalog and statistics, and run
synchronization. Configure a client with:

  {
    "mcpServers": {
      "civtrack": { "command": "civtrack", "args": ["mcp"] }
    }
  }

Sync tools report "not configured" until remote.url is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		orch, err := buildOrchestrator(s)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
		defer stop()
		return mcp.NewServer(s, orch, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
