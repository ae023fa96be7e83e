package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/genai"

	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
	"github.com/ashita-ai/shiori/internal/storage/sqlite"
)

func TestMain(m *testing.M) {
	// genai links opencensus, whose stats worker starts in init and never exits.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const org = int64(100)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeModule is a source module whose behavior each test scripts.
type fakeModule struct {
	kind     model.ModuleKind
	extract  func(ctx context.Context, in source.ExtractInput, sink progress.Sink) (source.Extraction, error)
	generate func(ctx context.Context, data json.RawMessage, gen source.Generator, sink progress.Sink) ([]model.GeneratedDocument, error)
}

func newFakeModule(kind model.ModuleKind) *fakeModule {
	return &fakeModule{kind: kind}
}

func (f *fakeModule) Identity() source.Identity {
	return source.Identity{
		Kind:         f.kind,
		DisplayName:  "Fake " + string(f.kind),
		DocumentKeys: []model.DocumentKey{model.DocOverview, model.DocGlossary},
	}
}

func (f *fakeModule) TestConnection(_ context.Context, creds map[string]any) (source.ConnectionResult, error) {
	token, ok := creds["token"].(string)
	if !ok {
		return source.ConnectionResult{}, fmt.Errorf("token is required: %w", model.ErrValidation)
	}
	if token != "good" {
		return source.ConnectionResult{Success: false, Message: "credentials rejected"}, nil
	}
	return source.ConnectionResult{Success: true, Message: "connected"}, nil
}

func (f *fakeModule) ValidateConfig(cfg map[string]any) error {
	if _, ok := cfg["space_key"].(string); !ok {
		return fmt.Errorf("space_key is required: %w", model.ErrValidation)
	}
	return nil
}

func (f *fakeModule) Extract(ctx context.Context, in source.ExtractInput, sink progress.Sink) (source.Extraction, error) {
	if f.extract != nil {
		return f.extract(ctx, in, sink)
	}
	sink.Emit("pages", "1 page read", model.ProgressInProgress)
	return source.Extraction{
		Scope: string(f.kind) + ":" + in.Config["space_key"].(string),
		Data:  map[string]any{"pages": []string{"Onboarding"}},
	}, nil
}

func (f *fakeModule) GenerateContext(ctx context.Context, data json.RawMessage, gen source.Generator, sink progress.Sink) ([]model.GeneratedDocument, error) {
	if f.generate != nil {
		return f.generate(ctx, data, gen, sink)
	}
	return source.GenerateDocuments(ctx, gen, sink, []source.DocumentPlan{
		{Key: model.DocOverview, System: "overview", Prompt: string(data)},
		{Key: model.DocGlossary, System: "glossary", Prompt: string(data)},
	})
}

// blockUntilCancelled is extract work that signals started and then waits
// for its context to end.
func blockUntilCancelled(started chan<- struct{}) func(context.Context, source.ExtractInput, progress.Sink) (source.Extraction, error) {
	return func(ctx context.Context, _ source.ExtractInput, _ progress.Sink) (source.Extraction, error) {
		started <- struct{}{}
		<-ctx.Done()
		return source.Extraction{}, ctx.Err()
	}
}

// fakeLLM answers every request with reply, or a fixed document.
type fakeLLM struct {
	mu       sync.Mutex
	reply    func(req llm.Request) (llm.Response, error)
	requests []llm.Request
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(req)
	}
	return llm.Response{Text: " doc ", Model: "fake-1", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (f *fakeLLM) setReply(reply func(llm.Request) (llm.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
}

func (f *fakeLLM) lastRequest() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type harness struct {
	svc   *pipeline.Service
	store *sqlite.Store
	llm   *fakeLLM
}

func newHarness(t *testing.T, cfg pipeline.Config, modules ...source.Module) *harness {
	t.Helper()
	logger := testLogger()
	store, err := sqlite.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fl := &fakeLLM{}
	router, err := llm.NewRouter(model.LLMConfig{Provider: "fake", Model: "fake-1"},
		llm.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, logger, fl)
	require.NoError(t, err)
	registry, err := source.NewRegistry(modules...)
	require.NoError(t, err)

	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = 4
	}
	hub := progress.NewHub(store)
	svc := pipeline.New(store, registry, router, hub, progress.NewRecorder(store, hub, logger), cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
	})
	return &harness{svc: svc, store: store, llm: fl}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) extract(t *testing.T, kind model.ModuleKind) model.Run {
	t.Helper()
	ctx := testCtx(t)
	run, err := h.svc.StartExtraction(ctx, pipeline.ExtractRequest{
		OrgID: org, UserID: 7, Module: kind,
		Config:      map[string]any{"space_key": "ENG"},
		Credentials: map[string]any{"token": "secret-token"},
	})
	require.NoError(t, err)
	done, err := h.svc.Wait(ctx, org, run.ID)
	require.NoError(t, err)
	return done
}

func TestExtractionLifecycle(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, pipeline.Config{}, newFakeModule(model.ModuleWiki))

	run, err := h.svc.StartExtraction(ctx, pipeline.ExtractRequest{
		OrgID: org, UserID: 7, Module: model.ModuleWiki,
		Config:      map[string]any{"space_key": "ENG"},
		Credentials: map[string]any{"token": "secret-token"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	done, err := h.svc.Wait(ctx, org, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "wiki:ENG", done.Scope)
	assert.JSONEq(t, `{"pages":["Onboarding"]}`, string(done.ExtractedData))

	stored, err := json.Marshal(done)
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "secret-token", "credentials are never persisted")

	view, err := h.svc.Status(ctx, org, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, view.ProgressLog)
	first, last := view.ProgressLog[0], view.ProgressLog[len(view.ProgressLog)-1]
	assert.Equal(t, string(model.StageExtract), first.Phase)
	assert.Equal(t, model.ProgressStarted, first.Status)
	assert.True(t, progress.IsFinal(last))
	assert.Equal(t, model.ProgressCompleted, last.Status)
	for i, e := range view.ProgressLog {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	data, err := h.svc.GetExtractedData(ctx, org, run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pages":["Onboarding"]}`, string(data))

	res, err := h.svc.Result(ctx, org, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.JSONEq(t, `{"pages":["Onboarding"]}`, string(res.Data))

	_, err = h.svc.Status(ctx, org+1, run.ID)
	assert.ErrorIs(t, err, model.ErrNotFound, "runs are org scoped")
}

func TestStartExtractionRejectsInvalidInput(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, pipeline.Config{}, newFakeModule(model.ModuleWiki))

	_, err := h.svc.StartExtraction(ctx, pipeline.ExtractRequest{OrgID: org, Module: "jira", Config: map[string]any{"space_key": "ENG"}})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.svc.StartExtraction(ctx, pipeline.ExtractRequest{OrgID: org, Module: model.ModuleWiki, Config: map[string]any{}})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, total, err := h.svc.ListRuns(ctx, org, model.RunFilter{})
	require.NoError(t, err)
	assert.Zero(t, total, "rejected requests create no run")
}

func TestRunningRunIsNotReadyAndCancellable(t *testing.T) {
	ctx := testCtx(t)
	started := make(chan struct{}, 1)
	mod := newFakeModule(model.ModuleWiki)
	mod.extract = blockUntilCancelled(started)
	h := newHarness(t, pipeline.Config{}, mod)

	run, err := h.svc.StartExtraction(ctx, pipeline.ExtractRequest{OrgID: org, Module: model.ModuleWiki, Config: map[string]any{"space_key": "ENG"}})
	require.NoError(t, err)
	<-started

	_, err = h.svc.GetExtractedData(ctx, org, run.ID)
	assert.ErrorIs(t, err, model.ErrNotReady)
	_, err = h.svc.Result(ctx, org, run.ID)
	assert.ErrorIs(t, err, model.ErrNotReady)

	_, err = h.svc.Cancel(ctx, org, run.ID)
	require.NoError(t, err)
	done, err := h.svc.Wait(ctx, org, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, done.Status)
	assert.Nil(t, done.ErrorMessage, "cancellation is not an error")
	require.NotNil(t, done.CompletedAt)
	assert.ErrorIs(t, pipeline.RunError(done), model.ErrCancelled)

	again, err := h.svc.Cancel(ctx, org, run.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
	assert.Equal(t, model.RunStatusCancelled, again.Status)
	assert.True(t, done.CompletedAt.Equal(*again.CompletedAt), "completed_at is set once")

	view, err := h.svc.Status(ctx, org, run.ID)
	require.NoError(t, err)
	last := view.ProgressLog[len(view.ProgressLog)-1]
	assert.True(t, progress.IsFinal(last))
	assert.Equal(t, model.ProgressCancelled, last.Status)
}

func TestFailedExtractionRecordsKindAndBlocksGeneration(t *testing.T) {
	ctx := testCtx(t)
	mod := newFakeModule(model.ModuleWiki)
	mod.extract = func(context.Context, source.ExtractInput, progress.Sink) (source.Extraction, error) {
		return source.Extraction{}, fmt.Errorf("%w: wiki returned 503", model.ErrUpstream)
	}
	h := newHarness(t, pipeline.Config{}, mod)

	run := h.extract(t, model.ModuleWiki)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.ErrorKindUpstream, run.ErrorKind)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "wiki returned 503")
	assert.Empty(t, run.ExtractedData)

	_, err := h.svc.GenerateContext(ctx, pipeline.GenerateRequest{OrgID: org, ParentRunID: run.ID})
	assert.ErrorIs(t, err, model.ErrNotReady, "no output is fabricated from a failed run")
	_, total, err := h.svc.ListRuns(ctx, org, model.RunFilter{Stage: model.StageGenerate})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStageTimeoutFailsRun(t *testing.T) {
	started := make(chan struct{}, 1)
	mod := newFakeModule(model.ModuleWiki)
	mod.extract = blockUntilCancelled(started)
	h := newHarness(t, pipeline.Config{ExtractTimeout: 50 * time.Millisecond}, mod)

	run := h.extract(t, model.ModuleWiki)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.ErrorKindTimeout, run.ErrorKind)
	assert.ErrorIs(t, pipeline.RunError(run), model.ErrTimeout)
}

func TestPanicFailsRun(t *testing.T) {
	mod := newFakeModule(model.ModuleWiki)
	mod.extract = func(context.Context, source.ExtractInput, progress.Sink) (source.Extraction, error) {
		panic("index out of range")
	}
	h := newHarness(t, pipeline.Config{}, mod)

	run := h.extract(t, model.ModuleWiki)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.ErrorKindInternal, run.ErrorKind)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "index out of range")
}

func TestGenerateContextStoresDocuments(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, pipeline.Config{}, newFakeModule(model.ModuleWiki))
	ext := h.extract(t, model.ModuleWiki)

	res, err := h.svc.GenerateContext(ctx, pipeline.GenerateRequest{OrgID: org, UserID: 7, ParentRunID: ext.ID})
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, model.DocOverview, res.Documents[0].Key)
	assert.Equal(t, model.DocGlossary, res.Documents[1].Key)
	assert.Equal(t, "doc", res.Documents[0].Content)
	assert.Equal(t, model.RunStatusCompleted, res.Run.Status)
	assert.Equal(t, model.StageGenerate, res.Run.Stage)
	require.NotNil(t, res.Run.ParentRunID)
	assert.Equal(t, ext.ID, *res.Run.ParentRunID)
	assert.Equal(t, "wiki:ENG", res.Run.Scope)

	var out model.GenerationOutput
	require.NoError(t, json.Unmarshal(res.Run.GeneratedOutput, &out))
	assert.Equal(t, "fake", out.Provider)
	assert.Equal(t, "fake-1", out.Model)
	assert.Equal(t, 20, out.InputTokens)
	assert.Equal(t, 10, out.OutputTokens)

	docs, err := h.svc.ListDocuments(ctx, org, model.DocumentFilter{Module: model.ModuleWiki})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, res.Run.ID, d.RunID)
		assert.Equal(t, ext.ID, d.SourceRunID)
		assert.Equal(t, "wiki:ENG", d.Scope)
	}

	_, err = h.svc.GenerateContext(ctx, pipeline.GenerateRequest{OrgID: org, ParentRunID: ext.ID})
	require.NoError(t, err)
	current, err := h.svc.ListDocuments(ctx, org, model.DocumentFilter{})
	require.NoError(t, err)
	assert.Len(t, current, 2, "regeneration supersedes")
	all, err := h.svc.ListDocuments(ctx, org, model.DocumentFilter{IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStartGenerationValidatesParentAndProvider(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, pipeline.Config{}, newFakeModule(model.ModuleWiki))
	ext := h.extract(t, model.ModuleWiki)

	_, err := h.svc.StartGeneration(ctx, pipeline.GenerateRequest{OrgID: org, ParentRunID: uuid.New()})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.svc.StartGeneration(ctx, pipeline.GenerateRequest{OrgID: org + 1, ParentRunID: ext.ID})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.svc.StartGeneration(ctx, pipeline.GenerateRequest{OrgID: org, ParentRunID: ext.ID, LLM: model.LLMConfig{Provider: "openai"}})
	assert.ErrorIs(t, err, model.ErrValidation)

	gen, err := h.svc.GenerateContext(ctx, pipeline.GenerateRequest{OrgID: org, ParentRunID: ext.ID})
	require.NoError(t, err)
	_, err = h.svc.StartGeneration(ctx, pipeline.GenerateRequest{OrgID: org, ParentRunID: gen.Run.ID})
	assert.ErrorIs(t, err, model.ErrNotFound, "a generation run is not a valid parent")
}

func TestGenerationUpstreamFailure(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, pipeline.Config{}, newFakeModule(model.ModuleWiki))
	ext := h.extract(t, model.ModuleWiki)
	h.llm.setReply(func(llm.Request) (llm.Response, error) {
		return llm.Response{}, genai.APIError{Code: 503, Message: "overloaded"}
	})

	res, err := h.svc.GenerateContext(ctx, pipeline.GenerateRequest{OrgID: org, ParentRunID: ext.ID})
	assert.ErrorIs(t, err, model.ErrUpstream)
	assert.Equal(t, model.RunStatusFailed, res.Run.Status)
	assert.Equal(t, model.ErrorKindUpstream, res.Run.ErrorKind)

	docs, err := h.svc.ListDocuments(ctx, org, model.DocumentFilter{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestConcurrencyIsBounded(t *testing.T) {
	ctx := testCtx(t)
	var (
		running, peak atomic.Int32
		mu            sync.Mutex
		startedRuns   = map[string]bool{}
	)
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	mod := newFakeModule(model.ModuleWiki)
	mod.extract = func(ctx context.Context, in source.ExtractInput, _ progress.Sink) (source.Extraction, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		startedRuns[in.Config["space_key"].(string)] = true
		mu.Unlock()
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return source.Extraction{}, ctx.Err()
		}
		return source.Extraction{Data: "ok"}, nil
	}
	h := newHarness(t, pipeline.Config{MaxConcurrentRuns: 2}, mod)

	runs := make([]model.Run, 5)
	for i := range runs {
		var err error
		runs[i], err = h.svc.StartExtraction(ctx, pipeline.ExtractRequest{
			OrgID: org, Module: model.ModuleWiki, Config: map[string]any{"space_key": fmt.Sprint(i)},
		})
		require.NoError(t, err)
	}
	<-started
	<-started
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load(), "only two runs hold a slot")

	// A queued run is cancellable before it ever starts.
	mu.Lock()
	var queued model.Run
	for i, r := range runs {
		if !startedRuns[fmt.Sprint(i)] {
			queued = r
			break
		}
	}
	mu.Unlock()
	_, err := h.svc.Cancel(ctx, org, queued.ID)
	require.NoError(t, err)
	cancelled, err := h.svc.Wait(ctx, org, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)

	close(release)
	for _, r := range runs {
		if r.ID == queued.ID {
			continue
		}
		done, err := h.svc.Wait(ctx, org, r.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, done.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Zero(t, h.svc.Active())
}

func TestShutdownInterruptsActiveRuns(t *testing.T) {
	ctx := testCtx(t)
	started := make(chan struct{}, 1)
	mod := newFakeModule(model.ModuleWiki)
	mod.extract = blockUntilCancelled(started)
	h := newHarness(t, pipeline.Config{}, mod)

	run, err := h.svc.StartExtraction(ctx, pipeline.ExtractRequest{OrgID: org, Module: model.ModuleWiki, Config: map[string]any{"space_key": "ENG"}})
	require.NoError(t, err)
	<-started

	require.NoError(t, h.svc.Shutdown(ctx))
	done, err := h.store.GetRun(ctx, org, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, done.Status)
	assert.Equal(t, model.ErrorKindInterrupted, done.ErrorKind)

	_, err = h.svc.StartExtraction(ctx, pipeline.ExtractRequest{OrgID: org, Module: model.ModuleWiki, Config: map[string]any{"space_key": "ENG"}})
	assert.ErrorIs(t, err, pipeline.ErrShuttingDown)
}

func TestRecoverInterruptedAndCancelUnowned(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, pipeline.Config{}, newFakeModule(model.ModuleWiki))

	// Rows left running by a process that no longer exists.
	orphan, err := h.store.CreateRun(ctx, model.CreateRunRequest{OrgID: org, Module: model.ModuleWiki, Stage: model.StageExtract})
	require.NoError(t, err)
	cancelled, err := h.svc.Cancel(ctx, org, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)
	_, err = h.svc.Cancel(ctx, org, orphan.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)

	stale, err := h.store.CreateRun(ctx, model.CreateRunRequest{OrgID: org, Module: model.ModuleWiki, Stage: model.StageExtract})
	require.NoError(t, err)
	n, err := h.svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := h.svc.Status(ctx, org, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, view.Run.Status)
	assert.Equal(t, model.ErrorKindInterrupted, view.Run.ErrorKind)
	require.Len(t, view.ProgressLog, 1)
	assert.True(t, progress.IsFinal(view.ProgressLog[0]))
}

func TestSubscribeMidRunSeesEveryEntryOnce(t *testing.T) {
	ctx := testCtx(t)
	halfway := make(chan struct{})
	resume := make(chan struct{})
	mod := newFakeModule(model.ModuleWiki)
	mod.extract = func(ctx context.Context, _ source.ExtractInput, sink progress.Sink) (source.Extraction, error) {
		for i := range 5 {
			sink.Emit("pages", fmt.Sprintf("batch %d", i), model.ProgressInProgress)
		}
		close(halfway)
		<-resume
		for i := 5; i < 10; i++ {
			sink.Emit("pages", fmt.Sprintf("batch %d", i), model.ProgressInProgress)
		}
		return source.Extraction{Scope: "wiki:ENG", Data: []string{}}, nil
	}
	h := newHarness(t, pipeline.Config{}, mod)

	run, err := h.svc.StartExtraction(ctx, pipeline.ExtractRequest{OrgID: org, Module: model.ModuleWiki, Config: map[string]any{"space_key": "ENG"}})
	require.NoError(t, err)
	<-halfway

	_, err = h.svc.Subscribe(ctx, org+1, run.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	sub, err := h.svc.Subscribe(ctx, org, run.ID)
	require.NoError(t, err)
	defer sub.Close()
	close(resume)

	var got []model.ProgressEntry
	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, e)
	}
	view, err := h.svc.Status(ctx, org, run.ID)
	require.NoError(t, err)
	require.Len(t, got, len(view.ProgressLog))
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.True(t, progress.IsFinal(got[len(got)-1]))

	// A finished run replays its log and ends.
	replay, err := h.svc.Subscribe(ctx, org, run.ID)
	require.NoError(t, err)
	defer replay.Close()
	n := 0
	for {
		if _, err := replay.Next(ctx); errors.Is(err, io.EOF) {
			break
		}
		n++
	}
	assert.Equal(t, len(got), n)
}

func TestTestConnectionAndModules(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, pipeline.Config{}, newFakeModule(model.ModuleWiki), newFakeModule(model.ModuleConfigAPI))

	ids := h.svc.Modules()
	require.Len(t, ids, 2)
	assert.Equal(t, model.ModuleWiki, ids[0].Kind)

	res, err := h.svc.TestConnection(ctx, model.ModuleWiki, map[string]any{"token": "good"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = h.svc.TestConnection(ctx, model.ModuleWiki, map[string]any{"token": "bad"})
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = h.svc.TestConnection(ctx, model.ModuleWorkspace, map[string]any{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
