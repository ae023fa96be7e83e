package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// document-source walks the agent through one source from extraction to documents.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("document-source",
			mcplib.WithPromptDescription("Extract a source system and generate its context documents"),
			mcplib.WithArgument("module",
				mcplib.ArgumentDescription("Source module to use: workspace, wiki or configapi"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDocumentSourcePrompt,
	)

	// build-tree combines documented sources into one hierarchy.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("build-tree",
			mcplib.WithPromptDescription("Combine several documented sources into one context tree"),
		),
		s.handleBuildTreePrompt,
	)
}

func (s *Server) handleDocumentSourcePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	module := request.Params.Arguments["module"]
	if module == "" {
		return nil, fmt.Errorf("module argument is required")
	}
	known := false
	var kinds []string
	for _, id := range s.pipeline.Modules() {
		kinds = append(kinds, string(id.Kind))
		if string(id.Kind) == module {
			known = true
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown module %q, expected one of %s", module, strings.Join(kinds, ", "))
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Document the %s source", module),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Document the %[1]s source:

1. CALL start_extraction with module="%[1]s" and the module's config. Ask the user for
   credentials if you do not have them. They are used for this run only.

2. POLL get_run_status with the returned run_id until status is no longer "running".
   If the run failed, report error_kind and error_message to the user and stop.

3. CALL generate_context with the extraction run_id and wait=true.

4. SUMMARIZE the generated documents for the user, or fetch them later with
   list_context_documents.`, module),
				},
			},
		},
	}, nil
}

func (s *Server) handleBuildTreePrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Build a context tree across sources",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Build a context tree:

1. CALL list_runs with stage="generate" and status="completed" to find documented sources.

2. CHOOSE at most one run per source and CALL build_context_tree with
   sources=[{"module": ..., "run_id": ...}].

3. POLL get_run_status until the tree run finishes, then read the tree from the
   run's generated_output. Point out nodes whose health is degraded or critical.`,
				},
			},
		},
	}, nil
}
