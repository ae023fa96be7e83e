// Package pipeline orchestrates runs: it creates the run row, executes one
// stage of source work under a bounded concurrency policy, translates how the
// work ended into exactly one terminal transition, and records progress.
//
// Both the HTTP API and the tool registry delegate to Service.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
	"github.com/ashita-ai/shiori/internal/telemetry"
)

// ErrShuttingDown is the cause attached to runs stopped by Shutdown, and the
// error returned for runs started after it.
var ErrShuttingDown = errors.New("pipeline: shutting down")

// errPanic marks stage work that panicked.
var errPanic = errors.New("stage work panicked")

// finalizeTimeout bounds the store writes made after stage work returns.
const finalizeTimeout = 10 * time.Second

// Store is the run store the orchestrator needs. Both the Postgres and the
// embedded store implement it.
type Store interface {
	progress.LogStore

	CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, error)
	GetRun(ctx context.Context, orgID int64, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, orgID int64, f model.RunFilter) ([]model.Run, int, error)
	LatestCompletedChild(ctx context.Context, orgID int64, parentID uuid.UUID, stage model.Stage) (model.Run, error)
	CompleteExtraction(ctx context.Context, orgID int64, id uuid.UUID, scope string, data json.RawMessage) (model.Run, error)
	CompleteGeneration(ctx context.Context, orgID int64, id uuid.UUID, output json.RawMessage, docs []model.ContextDocument) (model.Run, error)
	FinalizeRun(ctx context.Context, orgID int64, id uuid.UUID, fin model.Finalization) (model.Run, error)
	InterruptRunningRuns(ctx context.Context, message string) ([]model.Run, error)
	ListDocuments(ctx context.Context, orgID int64, f model.DocumentFilter) ([]model.ContextDocument, error)
}

// Stage timeouts used when Config leaves them unset.
const (
	DefaultExtractTimeout  = 15 * time.Minute
	DefaultGenerateTimeout = 10 * time.Minute
	DefaultTreeTimeout     = 5 * time.Minute
)

// Config bounds how runs execute. Zero fields take defaults.
type Config struct {
	MaxConcurrentRuns int
	ExtractTimeout    time.Duration
	GenerateTimeout   time.Duration
	TreeTimeout       time.Duration
	MaxTreeInputs     int
}

func (c Config) timeout(stage model.Stage) time.Duration {
	switch stage {
	case model.StageExtract:
		return c.ExtractTimeout
	case model.StageGenerate:
		return c.GenerateTimeout
	default:
		return c.TreeTimeout
	}
}

// activeRun is a run whose stage work this process owns.
type activeRun struct {
	run    model.Run
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// stageWork does one stage and commits its payload together with the
// completed transition, returning the stored run.
type stageWork func(ctx context.Context, sink progress.Sink) (model.Run, error)

// Service is the orchestrator.
type Service struct {
	store    Store
	modules  *source.Registry
	llm      *llm.Router
	hub      *progress.Hub
	recorder *progress.Recorder
	cfg      Config
	logger   *slog.Logger
	sem      *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	active  map[uuid.UUID]*activeRun
	closing bool

	tracer        trace.Tracer
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// New creates the orchestrator. recorder must write to hub.
func New(store Store, modules *source.Registry, router *llm.Router, hub *progress.Hub, recorder *progress.Recorder, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.MaxTreeInputs <= 0 {
		cfg.MaxTreeInputs = 10
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if cfg.TreeTimeout <= 0 {
		cfg.TreeTimeout = DefaultTreeTimeout
	}
	meter := telemetry.Meter("shiori/pipeline")
	started, _ := meter.Int64Counter("shiori.runs.started",
		metric.WithDescription("Runs accepted by the orchestrator"),
	)
	finished, _ := meter.Int64Counter("shiori.runs.finished",
		metric.WithDescription("Runs that reached a terminal state"),
	)
	duration, _ := meter.Float64Histogram("shiori.stage.duration",
		metric.WithDescription("Time from run start to terminal state (ms)"),
		metric.WithUnit("ms"),
	)
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	return &Service{
		store:         store,
		modules:       modules,
		llm:           router,
		hub:           hub,
		recorder:      recorder,
		cfg:           cfg,
		logger:        logger,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		active:        make(map[uuid.UUID]*activeRun),
		tracer:        telemetry.Tracer("shiori/pipeline"),
		runsStarted:   started,
		runsFinished:  finished,
		stageDuration: duration,
	}
}

func (s *Service) accepting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	return nil
}

// launch hands a freshly created run to a worker goroutine. The run is
// cancellable from the moment launch returns, including while it waits for a
// concurrency slot.
func (s *Service) launch(run model.Run, work stageWork) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.finish(run, model.Run{}, ErrShuttingDown, time.Now())
		return ErrShuttingDown
	}
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	ar := &activeRun{run: run, cancel: cancel, done: make(chan struct{})}
	s.active[run.ID] = ar
	s.wg.Add(1)
	s.mu.Unlock()

	s.runsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", string(run.Module)),
		attribute.String("stage", string(run.Stage)),
	))
	go s.execute(ctx, ar, work)
	return nil
}

func (s *Service) execute(ctx context.Context, ar *activeRun, work stageWork) {
	defer s.wg.Done()
	run := ar.run
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "pipeline."+string(run.Stage), trace.WithAttributes(
		attribute.String("run_id", run.ID.String()),
		attribute.String("module", string(run.Module)),
		attribute.Int64("org_id", run.OrgID),
	))
	defer span.End()

	res, err := s.runStage(ctx, run, work)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	final := s.finish(run, res, err, start)
	span.SetAttributes(attribute.String("status", string(final.Status)))

	s.mu.Lock()
	delete(s.active, run.ID)
	s.mu.Unlock()
	ar.cancel(nil)
	close(ar.done)
}

func (s *Service) runStage(ctx context.Context, run model.Run, work stageWork) (res model.Run, err error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return model.Run{}, context.Cause(ctx)
	}
	defer s.sem.Release(1)

	stageCtx, cancel := context.WithTimeoutCause(ctx, s.cfg.timeout(run.Stage), model.ErrTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("pipeline: stage work panicked", "run_id", run.ID, "panic", p)
			res, err = model.Run{}, fmt.Errorf("%w: %v", errPanic, p)
		}
	}()

	sink := s.recorder.Sink(stageCtx, run.ID)
	sink.Emit(string(run.Stage), "started", model.ProgressStarted)
	res, err = work(stageCtx, sink)
	if err != nil && stageCtx.Err() != nil {
		// Whatever the work reported, it stopped because the context ended.
		err = context.Cause(stageCtx)
	}
	return res, err
}

// finalization maps how stage work ended to the terminal transition.
func finalization(err error) model.Finalization {
	switch {
	case errors.Is(err, model.ErrCancelled):
		return model.Finalization{Status: model.RunStatusCancelled}
	case errors.Is(err, ErrShuttingDown):
		return model.Finalization{Status: model.RunStatusFailed, ErrorKind: model.ErrorKindInterrupted, ErrorMessage: err.Error()}
	default:
		return model.Finalization{Status: model.RunStatusFailed, ErrorKind: model.ErrorKindOf(err), ErrorMessage: err.Error()}
	}
}

// finish applies the terminal transition, appends the final progress entry and
// releases live subscribers. res is the committed run when err is nil.
func (s *Service) finish(run model.Run, res model.Run, err error, start time.Time) model.Run {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	final := res
	owned := err == nil && res.Status == model.RunStatusCompleted
	if err != nil {
		fin := finalization(err)
		stored, ferr := s.store.FinalizeRun(ctx, run.OrgID, run.ID, fin)
		if ferr != nil {
			// The row stays running; startup recovery will interrupt it.
			s.logger.Error("pipeline: finalize run failed",
				"run_id", run.ID, "org_id", run.OrgID, "status", fin.Status, "error", ferr)
			s.hub.Close(run.ID)
			return run
		}
		final = stored
		owned = stored.Status == fin.Status && stored.ErrorKind == fin.ErrorKind
	}

	// Another owner already closed the run and its log.
	if owned {
		s.appendFinal(ctx, final)
	}
	s.hub.Close(run.ID)

	attrs := metric.WithAttributes(
		attribute.String("module", string(run.Module)),
		attribute.String("stage", string(run.Stage)),
		attribute.String("status", string(final.Status)),
	)
	s.runsFinished.Add(ctx, 1, attrs)
	s.stageDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	level := slog.LevelInfo
	if final.Status == model.RunStatusFailed {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "pipeline: run finished",
		"run_id", run.ID, "org_id", run.OrgID, "module", run.Module, "stage", run.Stage,
		"status", final.Status, "error_kind", final.ErrorKind, "duration_ms", time.Since(start).Milliseconds())
	return final
}

// appendFinal closes a terminal run's progress log.
func (s *Service) appendFinal(ctx context.Context, run model.Run) {
	status := model.ProgressCompleted
	detail := string(run.Status)
	switch run.Status {
	case model.RunStatusFailed:
		status = model.ProgressFailed
		if run.ErrorMessage != nil {
			detail = fmt.Sprintf("failed (%s): %s", run.ErrorKind, *run.ErrorMessage)
		}
	case model.RunStatusCancelled:
		status = model.ProgressCancelled
	}
	if _, err := s.recorder.Append(ctx, run.ID, progress.FinalPhase, detail, status); err != nil {
		s.logger.Warn("pipeline: append final progress failed", "run_id", run.ID, "error", err)
	}
}

func (s *Service) lookupActive(id uuid.UUID) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// Active returns how many runs this process currently owns.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// RecoverInterrupted fails every run left running by a previous process.
// Call it once at startup, before accepting requests.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := s.store.InterruptRunningRuns(ctx, "interrupted: the process restarted before the run finished")
	if err != nil {
		return 0, fmt.Errorf("pipeline: recover interrupted runs: %w", err)
	}
	for _, r := range runs {
		s.appendFinal(ctx, r)
	}
	if len(runs) > 0 {
		s.logger.Warn("pipeline: interrupted runs from a previous process", "count", len(runs))
	}
	return len(runs), nil
}

// Shutdown stops accepting runs, cancels the active ones with ErrShuttingDown
// and waits for them to record their terminal state or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.baseCancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: shutdown: %d runs still active: %w", s.Active(), ctx.Err())
	}
}
