package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiori/internal/auth"
	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/mcp"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/ratelimit"
	"github.com/ashita-ai/shiori/internal/server"
	"github.com/ashita-ai/shiori/internal/source"
	"github.com/ashita-ai/shiori/internal/storage/sqlite"
	"github.com/ashita-ai/shiori/internal/tools"
)

const testOrg = int64(42)

// wikiModule extracts a fixed page list. A config with "block": true holds
// the extraction until release is closed or the run is cancelled.
type wikiModule struct {
	release chan struct{}
}

func (wikiModule) Identity() source.Identity {
	return source.Identity{Kind: model.ModuleWiki, DisplayName: "Wiki", DocumentKeys: []model.DocumentKey{model.DocOverview}}
}

func (wikiModule) TestConnection(_ context.Context, creds map[string]any) (source.ConnectionResult, error) {
	if creds["token"] == "good" {
		return source.ConnectionResult{Success: true, Message: "ok", Identity: "bot"}, nil
	}
	return source.ConnectionResult{Success: false, Message: "token rejected"}, nil
}

func (wikiModule) ValidateConfig(cfg map[string]any) error {
	if _, ok := cfg["space_key"].(string); !ok {
		return fmt.Errorf("wiki: space_key is required: %w", model.ErrValidation)
	}
	return nil
}

func (m wikiModule) Extract(ctx context.Context, in source.ExtractInput, sink progress.Sink) (source.Extraction, error) {
	sink.Emit("extract", "fetching pages", model.ProgressInProgress)
	if in.Config["block"] == true {
		select {
		case <-m.release:
		case <-ctx.Done():
			return source.Extraction{}, context.Cause(ctx)
		}
	}
	key := in.Config["space_key"].(string)
	return source.Extraction{Scope: "wiki:" + key, Data: map[string]any{"pages": []string{"Home", "Runbook"}}}, nil
}

func (wikiModule) GenerateContext(ctx context.Context, data json.RawMessage, gen source.Generator, sink progress.Sink) ([]model.GeneratedDocument, error) {
	return source.GenerateDocuments(ctx, gen, sink, []source.DocumentPlan{{Key: model.DocOverview, System: "overview", Prompt: string(data)}})
}

type stubLLM struct{}

func (stubLLM) Name() string { return "stub" }

func (stubLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: "doc: " + req.System, Usage: llm.Usage{InputTokens: 3, OutputTokens: 2}}, nil
}

type testEnv struct {
	srv      *httptest.Server
	pipeline *pipeline.Service
	jwt      *auth.JWTManager
	release  chan struct{}
}

type envOption func(*server.ServerConfig)

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	release := make(chan struct{})
	router, err := llm.NewRouter(model.LLMConfig{Provider: "stub", Model: "stub-1"}, llm.RetryConfig{}, logger, stubLLM{})
	require.NoError(t, err)
	modules, err := source.NewRegistry(wikiModule{release: release})
	require.NoError(t, err)
	hub := progress.NewHub(store)
	svc := pipeline.New(store, modules, router, hub, progress.NewRecorder(store, hub, logger), pipeline.Config{
		MaxConcurrentRuns: 4,
		ExtractTimeout:    10 * time.Second,
		GenerateTimeout:   10 * time.Second,
		TreeTimeout:       10 * time.Second,
	}, logger)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	registry := tools.NewRegistry(logger)
	require.NoError(t, tools.RegisterBuiltins(registry))
	registry.Seal()

	cfg := server.ServerConfig{
		Pipeline:            svc,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Store:               store,
		MCPServer:           mcp.New(registry, svc, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 4096,
		SSEKeepalive:        50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := httptest.NewServer(server.New(cfg).Handler())

	env := &testEnv{srv: srv, pipeline: svc, jwt: jwtMgr, release: release}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) token(t *testing.T, role model.Role) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken(7, testOrg, role)
	require.NoError(t, err)
	return tok
}

// envelope mirrors the response envelopes closely enough for assertions.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta model.ResponseMeta `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (e *testEnv) startExtraction(t *testing.T, token string, cfg map[string]any) uuid.UUID {
	t.Helper()
	resp, env := e.do(t, http.MethodPost, "/v1/sources/wiki/runs", token, map[string]any{"config": cfg})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, env.Error.Message)
	accepted := decodeData[model.RunAccepted](t, env)
	assert.Equal(t, model.RunStatusRunning, accepted.Status)
	return accepted.RunID
}

func waitRun(t *testing.T, e *testEnv, id uuid.UUID) model.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := e.pipeline.Wait(ctx, testOrg, id)
	require.NoError(t, err)
	return run
}

func TestHealthNeedsNoAuth(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, env)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Store)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)

	resp, env := e.do(t, http.MethodGet, "/v1/runs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)

	resp, _ = e.do(t, http.MethodGet, "/v1/runs", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic abc")
	req.Header.Set("X-Request-ID", "req-123")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = raw.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, raw.StatusCode)
	assert.Equal(t, "req-123", raw.Header.Get("X-Request-ID"))
}

func TestPermissionsFollowRole(t *testing.T) {
	e := newEnv(t)
	reader := e.token(t, model.RoleReader)

	resp, env := e.do(t, http.MethodPost, "/v1/sources/wiki/runs", reader, map[string]any{"config": map[string]any{"space_key": "ENG"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, env.Error.Code)

	resp, _ = e.do(t, http.MethodPost, "/v1/sources/wiki/test-connection", reader, map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/trees", reader, map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/runs", reader, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/v1/documents", reader, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSources(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, model.RoleOperator)

	resp, env := e.do(t, http.MethodGet, "/v1/sources", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ids := decodeData[[]source.Identity](t, env)
	require.Len(t, ids, 1)
	assert.Equal(t, model.ModuleWiki, ids[0].Kind)

	resp, env = e.do(t, http.MethodPost, "/v1/sources/wiki/test-connection", op, map[string]any{"credentials": map[string]any{"token": "good"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeData[source.ConnectionResult](t, env).Success)

	resp, env = e.do(t, http.MethodPost, "/v1/sources/wiki/test-connection", op, map[string]any{"credentials": map[string]any{"token": "bad"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeData[source.ConnectionResult](t, env)
	assert.False(t, result.Success)
	assert.Equal(t, "token rejected", result.Message)

	resp, env = e.do(t, http.MethodPost, "/v1/sources/jira/test-connection", op, map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestExtractGenerateAndRead(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, model.RoleOperator)

	runID := e.startExtraction(t, op, map[string]any{"space_key": "ENG"})
	run := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusCompleted, run.Status)

	resp, env := e.do(t, http.MethodGet, "/v1/runs/"+runID.String(), op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeData[model.RunStatusView](t, env)
	assert.Equal(t, "wiki:ENG", view.Run.Scope)
	require.NotEmpty(t, view.ProgressLog)
	for i, entry := range view.ProgressLog {
		assert.Equal(t, int64(i+1), entry.Seq)
	}

	resp, env = e.do(t, http.MethodGet, "/v1/runs/"+runID.String()+"/extracted", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"pages":["Home","Runbook"]}`, string(env.Data))

	resp, env = e.do(t, http.MethodGet, "/v1/runs/"+runID.String()+"/result", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusCompleted, decodeData[model.RunResult](t, env).Status)

	resp, env = e.do(t, http.MethodPost, "/v1/runs/"+runID.String()+"/generate", op, map[string]any{"wait": true})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error.Message)
	genResult := decodeData[model.RunResult](t, env)
	assert.Equal(t, model.RunStatusCompleted, genResult.Status)
	assert.Equal(t, model.StageGenerate, genResult.Stage)
	assert.Contains(t, string(genResult.Data), "doc: overview")

	resp, env = e.do(t, http.MethodGet, "/v1/documents?module=wiki", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	docs := decodeData[[]model.ContextDocument](t, env)
	require.Len(t, docs, 1)
	assert.Equal(t, model.DocOverview, docs[0].Key)
	assert.Equal(t, runID, docs[0].SourceRunID)

	resp, env = e.do(t, http.MethodGet, "/v1/runs?stage=generate", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.Total)

	resp, env = e.do(t, http.MethodGet, "/v1/runs?limit=1", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, env.Total)
	assert.Len(t, decodeData[[]model.Run](t, env), 1)
}

func TestGenerateWithoutWaitIsAccepted(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, model.RoleOperator)

	runID := e.startExtraction(t, op, map[string]any{"space_key": "ENG"})
	waitRun(t, e, runID)

	resp, env := e.do(t, http.MethodPost, "/v1/runs/"+runID.String()+"/generate", op, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, env.Error.Message)
	gen := decodeData[model.RunAccepted](t, env)
	assert.Equal(t, model.RunStatusCompleted, waitRun(t, e, gen.RunID).Status)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, model.RoleOperator)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown module", http.MethodPost, "/v1/sources/jira/runs", map[string]any{"config": map[string]any{}}, http.StatusNotFound, model.ErrCodeNotFound},
		{"invalid config", http.MethodPost, "/v1/sources/wiki/runs", map[string]any{"config": map[string]any{}}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", http.MethodPost, "/v1/sources/wiki/runs", `{"configuration": {}}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"malformed body", http.MethodPost, "/v1/trees", `{"sources": [`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"body too large", http.MethodPost, "/v1/trees", `{"sources": [], "llm": {"model": "` + strings.Repeat("x", 5000) + `"}}`, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput},
		{"bad run id", http.MethodGet, "/v1/runs/abc", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"missing run", http.MethodGet, "/v1/runs/" + uuid.NewString(), nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"generate missing parent", http.MethodPost, "/v1/runs/" + uuid.NewString() + "/generate", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"empty tree", http.MethodPost, "/v1/trees", map[string]any{"sources": []any{}}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"bad status filter", http.MethodGet, "/v1/runs?status=paused", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"bad limit", http.MethodGet, "/v1/runs?limit=1000", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"bad doc key", http.MethodGet, "/v1/documents?doc_key=readme", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := e.do(t, tt.method, tt.path, op, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, env.Error.Message)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.NotEmpty(t, env.Meta.RequestID)
		})
	}
}

func TestRunningRunIsNotReadyAndCancellable(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, model.RoleOperator)

	runID := e.startExtraction(t, op, map[string]any{"space_key": "ENG", "block": true})
	path := "/v1/runs/" + runID.String()

	resp, env := e.do(t, http.MethodGet, path+"/result", op, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotReady, env.Error.Code)

	resp, env = e.do(t, http.MethodPost, path+"/generate", op, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotReady, env.Error.Code)

	resp, _ = e.do(t, http.MethodPost, path+"/cancel", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusCancelled, waitRun(t, e, runID).Status)

	resp, env = e.do(t, http.MethodPost, path+"/cancel", op, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeAlreadyTerminal, env.Error.Code)
}

func TestRunsAreScopedToOrg(t *testing.T) {
	e := newEnv(t)
	runID := e.startExtraction(t, e.token(t, model.RoleOperator), map[string]any{"space_key": "ENG"})
	waitRun(t, e, runID)

	other, _, err := e.jwt.IssueToken(8, testOrg+1, model.RoleAdmin)
	require.NoError(t, err)
	resp, _ := e.do(t, http.MethodGet, "/v1/runs/"+runID.String(), other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, env := e.do(t, http.MethodGet, "/v1/runs", other, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.Total)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" {
				events = append(events, cur)
				if cur.event == "done" {
					return events
				}
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func (e *testEnv) openEvents(t *testing.T, ctx context.Context, runID uuid.UUID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/runs/"+runID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, model.RoleReader))
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return resp
}

func TestRunEventsFollowLiveRun(t *testing.T) {
	e := newEnv(t)
	runID := e.startExtraction(t, e.token(t, model.RoleOperator), map[string]any{"space_key": "ENG", "block": true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := e.openEvents(t, ctx, runID, "")
	defer func() { _ = resp.Body.Close() }()

	close(e.release)
	events := readEvents(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "done", events[len(events)-1].event)

	progressEvents := events[:len(events)-1]
	for i, ev := range progressEvents {
		require.Equal(t, "progress", ev.event)
		var entry model.ProgressEntry
		require.NoError(t, json.Unmarshal([]byte(ev.data), &entry))
		assert.Equal(t, int64(i+1), entry.Seq)
		assert.Equal(t, fmt.Sprint(entry.Seq), ev.id)
	}
	var last model.ProgressEntry
	require.NoError(t, json.Unmarshal([]byte(progressEvents[len(progressEvents)-1].data), &last))
	assert.Equal(t, "run", last.Phase)
	assert.Equal(t, model.ProgressCompleted, last.Status)
}

func TestRunEventsReplayFinishedRun(t *testing.T) {
	e := newEnv(t)
	runID := e.startExtraction(t, e.token(t, model.RoleOperator), map[string]any{"space_key": "ENG"})
	waitRun(t, e, runID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := e.openEvents(t, ctx, runID, "")
	all := readEvents(t, resp.Body)
	_ = resp.Body.Close()
	require.GreaterOrEqual(t, len(all), 3)

	resp = e.openEvents(t, ctx, runID, "1")
	resumed := readEvents(t, resp.Body)
	_ = resp.Body.Close()
	assert.Len(t, resumed, len(all)-1)
	assert.Equal(t, "2", resumed[0].id)
}

func TestRunStartsAreRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, func(cfg *server.ServerConfig) { cfg.Limiter = limiter })
	op := e.token(t, model.RoleOperator)

	e.startExtraction(t, op, map[string]any{"space_key": "ENG"})

	resp, env := e.do(t, http.MethodPost, "/v1/sources/wiki/runs", op, map[string]any{"config": map[string]any{"space_key": "ENG"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Reads are not limited.
	resp, _ = e.do(t, http.MethodGet, "/v1/runs", op, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMCPOverHTTP(t *testing.T) {
	e := newEnv(t)
	c, err := mcpclient.NewStreamableHttpClient(
		e.srv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + e.token(t, model.RoleOperator),
		}),
	)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)

	listed, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make([]string, 0, len(listed.Tools))
	for _, tl := range listed.Tools {
		names = append(names, tl.Name)
	}
	assert.Contains(t, names, "start_extraction")
	assert.Contains(t, names, "build_context_tree")

	res, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "start_extraction",
			Arguments: map[string]any{"module": "wiki", "config": map[string]any{"space_key": "OPS"}},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	var accepted model.RunAccepted
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &accepted))
	assert.Equal(t, "wiki:OPS", waitRun(t, e, accepted.RunID).Scope)
}

func TestMCPRequiresAuth(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, http.MethodPost, "/mcp", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)
}
