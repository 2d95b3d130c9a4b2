package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	knowledgemcp "github.com/madeinoz67/madeinoz-knowledge-system/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server over stdio",
		Long: `Starts an MCP JSON-RPC 2.0 server that reads from stdin and writes to stdout.
All diagnostic logs go to stderr so that stdout remains exclusively MCP protocol traffic.

Tools exposed:
  remember         store a memory (classified for importance and stability)
  get_memory       fetch a memory by ID, reactivating it if dormant or archived
  search_memories  weighted search over relevance, recency and importance
  forget           delete a memory by ID
  run_maintenance  run decay and lifecycle maintenance now
  health_status    maintenance status, counts by state and decay averages

If the store is unavailable at startup the server still starts;
individual tool calls will return MCP error responses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()

			var srv *knowledgemcp.Server
			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				// Tool calls will return per-call errors rather than crashing.
				logger.Error("mcp: failed to connect to store; tool calls will fail", "error", err)
				srv = knowledgemcp.NewServer(nil, nil, nil, logger)
			} else {
				defer rt.Close()
				srv = knowledgemcp.NewServer(rt.memories, rt.scheduler, rt.health, logger)
			}

			// Use a standard log.Logger pointing at stderr for the mcp-go error logger.
			errLogger := log.New(os.Stderr, "mcp: ", log.LstdFlags)

			logger.Info("mcp: knowledge MCP server starting", "transport", "stdio")

			return mcpserver.ServeStdio(
				srv.MCPServer(),
				mcpserver.WithErrorLogger(errLogger),
			)
		},
	}

	return cmd
}
