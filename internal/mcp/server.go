// Package mcp implements the Model Context Protocol server for the knowledge system.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/maintenance"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/memory"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

const serverVersion = "1.0.0"

// Maintainer triggers maintenance runs.
type Maintainer interface {
	Run(ctx context.Context, opts maintenance.RunOptions) (*models.MaintenanceRun, error)
}

// HealthReporter produces health snapshots.
type HealthReporter interface {
	Snapshot(ctx context.Context) models.HealthStatus
}

// Server wraps an MCPServer with the knowledge system's dependencies.
type Server struct {
	mcp       *mcpserver.MCPServer
	memories  *memory.Service
	scheduler Maintainer
	health    HealthReporter
	logger    *slog.Logger
}

// NewServer creates a new MCP server. A nil dependency makes the tools that
// need it return an error result instead of panicking.
func NewServer(svc *memory.Service, sched Maintainer, hr HealthReporter, logger *slog.Logger) *Server {
	s := &Server{
		memories:  svc,
		scheduler: sched,
		health:    hr,
		logger:    logger,
	}

	mcpSrv := mcpserver.NewMCPServer(
		"madeinoz-knowledge",
		serverVersion,
		mcpserver.WithToolCapabilities(true),
	)

	mcpSrv.AddTool(buildRememberTool(), s.handleRemember)
	mcpSrv.AddTool(buildGetMemoryTool(), s.handleGetMemory)
	mcpSrv.AddTool(buildSearchTool(), s.handleSearch)
	mcpSrv.AddTool(buildForgetTool(), s.handleForget)
	mcpSrv.AddTool(buildRunMaintenanceTool(), s.handleRunMaintenance)
	mcpSrv.AddTool(buildHealthTool(), s.handleHealth)

	s.mcp = mcpSrv
	return s
}

// MCPServer returns the underlying mcp-go MCPServer for use with ServeStdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// --- helpers ---

// toolResultJSON marshals v to JSON and returns it as a tool text result.
func toolResultJSON(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshaling result: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// toolError turns a service error into a tool error result.
func toolError(action string, err error) *mcpgo.CallToolResult {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return mcpgo.NewToolResultError("memory not found")
	case errors.Is(err, memory.ErrInvalidInput):
		return mcpgo.NewToolResultError(err.Error())
	default:
		return mcpgo.NewToolResultErrorf("%s failed: %s", action, err.Error())
	}
}

// --- tool definitions ---

func buildRememberTool() mcpgo.Tool {
	return mcpgo.NewTool("remember",
		mcpgo.WithDescription("Store a memory. Importance and stability (1-5) are assigned by the classifier unless both are given."),
		mcpgo.WithString("content",
			mcpgo.Required(),
			mcpgo.Description("The text content to remember"),
		),
		mcpgo.WithNumber("importance",
			mcpgo.Description("Importance 1-5 (optional, requires stability)"),
		),
		mcpgo.WithNumber("stability",
			mcpgo.Description("Stability 1-5 (optional, requires importance)"),
		),
	)
}

func buildGetMemoryTool() mcpgo.Tool {
	return mcpgo.NewTool("get_memory",
		mcpgo.WithDescription("Fetch a memory by ID. Counts as an access: dormant or archived memories become active again."),
		mcpgo.WithString("id",
			mcpgo.Required(),
			mcpgo.Description("The ID of the memory"),
		),
	)
}

func buildSearchTool() mcpgo.Tool {
	return mcpgo.NewTool("search_memories",
		mcpgo.WithDescription("Search memories ranked by relevance, recency and importance."),
		mcpgo.WithString("query",
			mcpgo.Required(),
			mcpgo.Description("The query to search for"),
		),
		mcpgo.WithNumber("limit",
			mcpgo.Description("Maximum number of results (default: 10)"),
		),
	)
}

func buildForgetTool() mcpgo.Tool {
	return mcpgo.NewTool("forget",
		mcpgo.WithDescription("Delete a memory by ID."),
		mcpgo.WithString("id",
			mcpgo.Required(),
			mcpgo.Description("The ID of the memory to delete"),
		),
	)
}

func buildRunMaintenanceTool() mcpgo.Tool {
	return mcpgo.NewTool("run_maintenance",
		mcpgo.WithDescription("Run memory maintenance now: recalculate decay scores, apply lifecycle transitions and purge expired soft-deleted memories."),
		mcpgo.WithNumber("max_duration_minutes",
			mcpgo.Description("Time budget for this run in minutes (default: configured budget)"),
		),
		mcpgo.WithBoolean("dry_run",
			mcpgo.Description("Report what would change without writing"),
		),
	)
}

func buildHealthTool() mcpgo.Tool {
	return mcpgo.NewTool("health_status",
		mcpgo.WithDescription("Report maintenance status, memory counts by lifecycle state and average decay metrics."),
	)
}

// --- tool handlers ---

func (s *Server) handleRemember(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.memories == nil {
		return mcpgo.NewToolResultError("store is unavailable"), nil
	}

	content := req.GetString("content", "")
	if strings.TrimSpace(content) == "" {
		return mcpgo.NewToolResultError("content is required and must not be empty"), nil
	}

	mem, err := s.memories.Remember(ctx, memory.RememberRequest{
		Content:    content,
		Source:     "mcp",
		Importance: req.GetInt("importance", 0),
		Stability:  req.GetInt("stability", 0),
	})
	if err != nil {
		return toolError("remember", err), nil
	}

	s.logger.Info("mcp: remember stored memory", "id", mem.ID, "state", mem.LifecycleState)
	return toolResultJSON(map[string]any{
		"id":              mem.ID,
		"stored":          true,
		"importance":      mem.Importance,
		"stability":       mem.Stability,
		"lifecycle_state": mem.LifecycleState,
	})
}

func (s *Server) handleGetMemory(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.memories == nil {
		return mcpgo.NewToolResultError("store is unavailable"), nil
	}

	id := req.GetString("id", "")
	if strings.TrimSpace(id) == "" {
		return mcpgo.NewToolResultError("id is required and must not be empty"), nil
	}

	mem, err := s.memories.Get(ctx, id)
	if err != nil {
		return toolError("get", err), nil
	}
	return toolResultJSON(mem)
}

func (s *Server) handleSearch(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.memories == nil {
		return mcpgo.NewToolResultError("store is unavailable"), nil
	}

	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcpgo.NewToolResultError("query is required and must not be empty"), nil
	}

	results, err := s.memories.Search(ctx, query, req.GetInt("limit", memory.DefaultSearchLimit))
	if err != nil {
		return toolError("search", err), nil
	}
	if results == nil {
		results = []models.RankedResult{}
	}
	return toolResultJSON(map[string]any{"results": results})
}

func (s *Server) handleForget(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.memories == nil {
		return mcpgo.NewToolResultError("store is unavailable"), nil
	}

	id := req.GetString("id", "")
	if strings.TrimSpace(id) == "" {
		return mcpgo.NewToolResultError("id is required and must not be empty"), nil
	}

	if err := s.memories.Forget(ctx, id); err != nil {
		return toolError("delete", err), nil
	}

	s.logger.Info("mcp: forget deleted memory", "id", id)
	return toolResultJSON(map[string]any{"deleted": true})
}

func (s *Server) handleRunMaintenance(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.scheduler == nil {
		return mcpgo.NewToolResultError("maintenance is unavailable"), nil
	}

	minutes := req.GetFloat("max_duration_minutes", 0)
	if minutes < 0 {
		return mcpgo.NewToolResultError("max_duration_minutes must not be negative"), nil
	}

	run, err := s.scheduler.Run(ctx, maintenance.RunOptions{
		Trigger:     models.TriggerManual,
		MaxDuration: time.Duration(minutes * float64(time.Minute)),
		DryRun:      req.GetBool("dry_run", false),
	})
	switch {
	case errors.Is(err, maintenance.ErrAlreadyRunning):
		return mcpgo.NewToolResultError("already running"), nil
	case err != nil:
		return mcpgo.NewToolResultErrorf("maintenance failed: %s", err.Error()), nil
	}
	return toolResultJSON(run)
}

func (s *Server) handleHealth(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.health == nil {
		return mcpgo.NewToolResultError("health reporting is unavailable"), nil
	}
	return toolResultJSON(s.health.Snapshot(ctx))
}
