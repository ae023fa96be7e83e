// Package mcp implements the Model Context Protocol server for Shiori.
//
// Every tool in the tools registry is published over MCP with its JSON
// Schema, so MCP-compatible agents can drive extraction, generation and tree
// synthesis. Resources expose read-only views of sources, runs and documents.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiori/internal/ctxutil"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
	"github.com/ashita-ai/shiori/internal/tools"
)

// Server wraps the MCP server with Shiori's tool registry and pipeline.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *tools.Registry
	pipeline  *pipeline.Service
	logger    *slog.Logger
}

// New creates an MCP server publishing every tool in registry. The registry
// must already be sealed.
func New(registry *tools.Registry, svc *pipeline.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		registry: registry,
		pipeline: svc,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shiori",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("Shiori turns source systems (data workspaces, wikis, configuration APIs) into "+
			"context documents. Call list_sources first, start_extraction, poll get_run_status, then generate_context. "+
			"build_context_tree combines several sources into one hierarchy."),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	for _, t := range s.registry.Tools() {
		s.mcpServer.AddTool(
			mcplib.NewToolWithRawSchema(t.Name(), t.Description(), t.Schema()),
			s.toolHandler(t.Name()),
		)
	}
}

// execContext builds the per-invocation context from the authenticated caller.
func (s *Server) execContext(ctx context.Context) (tools.ExecContext, bool) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return tools.ExecContext{}, false
	}
	return tools.ExecContext{
		UserID:      claims.UserID,
		OrgID:       claims.OrgID,
		Permissions: claims.Permissions(),
		Pipeline:    s.pipeline,
	}, true
}

func (s *Server) toolHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		exec, ok := s.execContext(ctx)
		if !ok {
			return errorResult("authentication required"), nil
		}

		args, err := json.Marshal(request.GetRawArguments())
		if err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		result, err := s.registry.Invoke(ctx, name, args, exec)
		if err != nil {
			return errorResult(toolErrorMessage(name, err)), nil
		}

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal %s result: %w", name, err)
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(data)},
			},
		}, nil
	}
}

// toolErrorMessage gives the agent a message it can act on.
func toolErrorMessage(name string, err error) string {
	switch {
	case errors.Is(err, tools.ErrInvalidArguments):
		return fmt.Sprintf("%s: arguments do not match the tool schema: %v", name, err)
	case errors.Is(err, tools.ErrPermissionDenied):
		return fmt.Sprintf("%s: your role does not allow this tool", name)
	case errors.Is(err, model.ErrNotFound):
		return fmt.Sprintf("%s: not found: %v", name, err)
	case errors.Is(err, model.ErrNotReady):
		return fmt.Sprintf("%s: not ready yet, check get_run_status and retry later: %v", name, err)
	case errors.Is(err, model.ErrAlreadyTerminal):
		return fmt.Sprintf("%s: the run already finished: %v", name, err)
	default:
		return fmt.Sprintf("%s failed: %v", name, err)
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
