package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiori/internal/auth"
	"github.com/ashita-ai/shiori/internal/ctxutil"
	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
	"github.com/ashita-ai/shiori/internal/storage/sqlite"
	"github.com/ashita-ai/shiori/internal/tools"
)

const testOrg = int64(5)

type configModule struct{}

func (configModule) Identity() source.Identity {
	return source.Identity{Kind: model.ModuleConfigAPI, DisplayName: "Config API", DocumentKeys: []model.DocumentKey{model.DocConfiguration}}
}

func (configModule) TestConnection(context.Context, map[string]any) (source.ConnectionResult, error) {
	return source.ConnectionResult{Success: true}, nil
}

func (configModule) ValidateConfig(map[string]any) error { return nil }

func (configModule) Extract(context.Context, source.ExtractInput, progress.Sink) (source.Extraction, error) {
	return source.Extraction{Scope: "configapi:billing", Data: map[string]string{"timeout": "30s"}}, nil
}

func (configModule) GenerateContext(ctx context.Context, data json.RawMessage, gen source.Generator, sink progress.Sink) ([]model.GeneratedDocument, error) {
	return source.GenerateDocuments(ctx, gen, sink, []source.DocumentPlan{{Key: model.DocConfiguration, System: "configuration", Prompt: string(data)}})
}

type echoLLM struct{}

func (echoLLM) Name() string { return "echo" }

func (echoLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: "about " + req.System}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	router, err := llm.NewRouter(model.LLMConfig{Provider: "echo", Model: "echo-1"}, llm.RetryConfig{}, logger, echoLLM{})
	require.NoError(t, err)
	modules, err := source.NewRegistry(configModule{})
	require.NoError(t, err)
	hub := progress.NewHub(store)
	svc := pipeline.New(store, modules, router, hub, progress.NewRecorder(store, hub, logger),
		pipeline.Config{MaxConcurrentRuns: 1, ExtractTimeout: 5 * time.Second, GenerateTimeout: 5 * time.Second, TreeTimeout: 5 * time.Second}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	registry := tools.NewRegistry(logger)
	require.NoError(t, tools.RegisterBuiltins(registry))
	registry.Seal()
	return New(registry, svc, logger, "test")
}

func callerCtx(role model.Role) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{UserID: 1, OrgID: testOrg, Role: role})
}

func callTool(t *testing.T, s *Server, ctx context.Context, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	res, err := s.toolHandler(name)(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	return res
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestEveryRegisteredToolIsPublished(t *testing.T) {
	s := newTestServer(t)
	published := s.MCPServer().ListTools()
	for _, tl := range s.registry.Tools() {
		got, ok := published[tl.Name()]
		require.True(t, ok, "tool %s not published", tl.Name())
		assert.Equal(t, tl.Description(), got.Tool.Description)
		assert.JSONEq(t, string(tl.Schema()), string(got.Tool.RawInputSchema))
	}
	assert.Len(t, published, len(s.registry.Tools()))
}

func TestToolCallRunsExtraction(t *testing.T) {
	s := newTestServer(t)
	ctx := callerCtx(model.RoleOperator)

	res := callTool(t, s, ctx, "start_extraction", map[string]any{"module": "configapi", "config": map[string]any{}})
	require.False(t, res.IsError, parseToolText(t, res))
	var accepted model.RunAccepted
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &accepted))

	run, err := s.pipeline.Wait(ctx, testOrg, accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	res = callTool(t, s, ctx, "generate_context", map[string]any{"run_id": accepted.RunID.String(), "wait": true})
	require.False(t, res.IsError, parseToolText(t, res))
	assert.Contains(t, parseToolText(t, res), "about configuration")
}

func TestToolCallErrorsAreToolResults(t *testing.T) {
	s := newTestServer(t)

	res := callTool(t, s, context.Background(), "list_sources", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "authentication required", parseToolText(t, res))

	res = callTool(t, s, callerCtx(model.RoleOperator), "get_run_status", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, parseToolText(t, res), "arguments do not match")

	res = callTool(t, s, callerCtx(model.RoleReader), "start_extraction", map[string]any{"module": "configapi", "config": map[string]any{}})
	assert.True(t, res.IsError)
	assert.Contains(t, parseToolText(t, res), "does not allow")

	res = callTool(t, s, callerCtx(model.RoleReader), "get_run_status", map[string]any{"run_id": "0190b6a4-9c53-7a8e-8000-000000000001"})
	assert.True(t, res.IsError)
	assert.Contains(t, parseToolText(t, res), "not found")
}

func TestToolErrorMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", model.ErrNotReady), "not ready yet"},
		{fmt.Errorf("x: %w", model.ErrAlreadyTerminal), "already finished"},
		{fmt.Errorf("boom"), "cancel_run failed: boom"},
	}
	for _, tt := range tests {
		assert.Contains(t, toolErrorMessage("cancel_run", tt.err), tt.want)
	}
}
