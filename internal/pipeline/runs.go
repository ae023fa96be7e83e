package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
)

// ExtractRequest starts an extraction run. Credentials are used for the run
// only and never persisted.
type ExtractRequest struct {
	OrgID       int64
	UserID      int64
	Module      model.ModuleKind
	Config      map[string]any
	Credentials map[string]any
}

// GenerateRequest starts a generation run from a completed extraction run.
type GenerateRequest struct {
	OrgID       int64
	UserID      int64
	ParentRunID uuid.UUID
	LLM         model.LLMConfig
}

// GenerationResult is what GenerateContext returns: the finished run and its
// documents in module order.
type GenerationResult struct {
	Run       model.Run                 `json:"run"`
	Documents []model.GeneratedDocument `json:"documents"`
}

// Modules lists the registered source modules.
func (s *Service) Modules() []source.Identity {
	return s.modules.Identities()
}

// TestConnection probes a source with the given credentials. Rejected
// credentials are reported in the result, not as an error.
func (s *Service) TestConnection(ctx context.Context, kind model.ModuleKind, credentials map[string]any) (source.ConnectionResult, error) {
	mod, err := s.modules.Get(kind)
	if err != nil {
		return source.ConnectionResult{}, err
	}
	return mod.TestConnection(ctx, credentials)
}

// StartExtraction validates the request, creates the run and returns it once
// the row is durable. The extraction itself proceeds in the background.
func (s *Service) StartExtraction(ctx context.Context, req ExtractRequest) (model.Run, error) {
	mod, err := s.modules.Get(req.Module)
	if err != nil {
		return model.Run{}, err
	}
	if err := mod.ValidateConfig(req.Config); err != nil {
		return model.Run{}, err
	}
	if err := s.accepting(); err != nil {
		return model.Run{}, err
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}

	run, err := s.store.CreateRun(ctx, model.CreateRunRequest{
		OrgID:       req.OrgID,
		UserID:      req.UserID,
		Module:      req.Module,
		Stage:       model.StageExtract,
		InputConfig: req.Config,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("pipeline: create extraction run: %w", err)
	}

	in := source.ExtractInput{Config: req.Config, Credentials: req.Credentials, UserID: req.UserID, OrgID: req.OrgID}
	err = s.launch(run, func(ctx context.Context, sink progress.Sink) (model.Run, error) {
		ext, err := mod.Extract(ctx, in, sink)
		if err != nil {
			return model.Run{}, err
		}
		data, err := json.Marshal(ext.Data)
		if err != nil {
			return model.Run{}, fmt.Errorf("encode extracted data: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return model.Run{}, context.Cause(ctx)
		}
		sink.Emit(string(model.StageExtract), fmt.Sprintf("storing %d bytes", len(data)), model.ProgressCompleted)
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		return s.store.CompleteExtraction(commitCtx, run.OrgID, run.ID, ext.Scope, data)
	})
	if err != nil {
		return model.Run{}, err
	}
	s.logger.Info("pipeline: extraction started", "run_id", run.ID, "org_id", run.OrgID, "module", run.Module)
	return run, nil
}

// StartGeneration creates a generation run over a completed extraction run.
func (s *Service) StartGeneration(ctx context.Context, req GenerateRequest) (model.Run, error) {
	parent, err := s.store.GetRun(ctx, req.OrgID, req.ParentRunID)
	if err != nil {
		return model.Run{}, err
	}
	if parent.Stage != model.StageExtract {
		return model.Run{}, fmt.Errorf("pipeline: run %s is a %s run, not an extraction: %w", parent.ID, parent.Stage, model.ErrNotFound)
	}
	if parent.Status != model.RunStatusCompleted || len(parent.ExtractedData) == 0 {
		return model.Run{}, fmt.Errorf("pipeline: extraction run %s is %s: %w", parent.ID, parent.Status, model.ErrNotReady)
	}
	mod, err := s.modules.Get(parent.Module)
	if err != nil {
		return model.Run{}, err
	}
	cfg, err := s.llm.Resolve(req.LLM)
	if err != nil {
		return model.Run{}, err
	}
	if err := s.accepting(); err != nil {
		return model.Run{}, err
	}

	parentID := parent.ID
	run, err := s.store.CreateRun(ctx, model.CreateRunRequest{
		OrgID:       req.OrgID,
		UserID:      req.UserID,
		Module:      parent.Module,
		Stage:       model.StageGenerate,
		ParentRunID: &parentID,
		Scope:       parent.Scope,
		InputConfig: map[string]any{"llm": cfg.AsMap()},
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("pipeline: create generation run: %w", err)
	}

	err = s.launch(run, func(ctx context.Context, sink progress.Sink) (model.Run, error) {
		gen := newGenerator(s.llm, cfg)
		docs, err := mod.GenerateContext(ctx, parent.ExtractedData, gen, sink)
		if err != nil {
			return model.Run{}, err
		}
		records := make([]model.ContextDocument, 0, len(docs))
		seen := make(map[model.DocumentKey]bool, len(docs))
		for _, d := range docs {
			if !d.Key.Valid() || seen[d.Key] {
				return model.Run{}, fmt.Errorf("module %s produced invalid or repeated document key %q", run.Module, d.Key)
			}
			seen[d.Key] = true
			records = append(records, model.ContextDocument{
				OrgID:        run.OrgID,
				Module:       run.Module,
				Scope:        run.Scope,
				Key:          d.Key,
				Name:         d.Name,
				Content:      d.Content,
				RunID:        run.ID,
				SourceRunID:  parent.ID,
				Provider:     cfg.Provider,
				Model:        gen.Model(),
				InputTokens:  d.InputTokens,
				OutputTokens: d.OutputTokens,
			})
		}
		usage := gen.Usage()
		output, err := json.Marshal(model.GenerationOutput{
			Documents:    docs,
			Provider:     cfg.Provider,
			Model:        gen.Model(),
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		})
		if err != nil {
			return model.Run{}, fmt.Errorf("encode generated output: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return model.Run{}, context.Cause(ctx)
		}
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		return s.store.CompleteGeneration(commitCtx, run.OrgID, run.ID, output, records)
	})
	if err != nil {
		return model.Run{}, err
	}
	s.logger.Info("pipeline: generation started",
		"run_id", run.ID, "org_id", run.OrgID, "parent_run_id", parent.ID, "provider", cfg.Provider, "model", cfg.Model)
	return run, nil
}

// GenerateContext starts a generation run and waits for it. A run that does
// not complete is reported as an error carrying its recorded kind.
func (s *Service) GenerateContext(ctx context.Context, req GenerateRequest) (GenerationResult, error) {
	run, err := s.StartGeneration(ctx, req)
	if err != nil {
		return GenerationResult{}, err
	}
	run, err = s.Wait(ctx, req.OrgID, run.ID)
	if err != nil {
		return GenerationResult{}, err
	}
	if err := RunError(run); err != nil {
		return GenerationResult{Run: run}, err
	}
	var out model.GenerationOutput
	if err := json.Unmarshal(run.GeneratedOutput, &out); err != nil {
		return GenerationResult{}, fmt.Errorf("pipeline: decode generated output of %s: %w", run.ID, err)
	}
	return GenerationResult{Run: run, Documents: out.Documents}, nil
}

// RunError converts a terminal run that did not complete into an error
// matching the sentinel for its recorded kind. It returns nil otherwise.
func RunError(run model.Run) error {
	var kind error
	switch run.Status {
	case model.RunStatusCancelled:
		return fmt.Errorf("run %s: %w", run.ID, model.ErrCancelled)
	case model.RunStatusFailed:
		switch run.ErrorKind {
		case model.ErrorKindTimeout:
			kind = model.ErrTimeout
		case model.ErrorKindUpstream:
			kind = model.ErrUpstream
		case model.ErrorKindValidation:
			kind = model.ErrValidation
		case model.ErrorKindInterrupted:
			kind = ErrShuttingDown
		default:
			kind = errors.New("internal error")
		}
		msg := ""
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}
		return fmt.Errorf("run %s failed: %w: %s", run.ID, kind, msg)
	default:
		return nil
	}
}

// Wait blocks until the run is terminal or ctx ends, and returns the stored run.
func (s *Service) Wait(ctx context.Context, orgID int64, id uuid.UUID) (model.Run, error) {
	if ar := s.lookupActive(id); ar != nil && ar.run.OrgID == orgID {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return model.Run{}, ctx.Err()
		}
	}
	run, err := s.store.GetRun(ctx, orgID, id)
	if err != nil {
		return model.Run{}, err
	}
	if !run.Status.Terminal() {
		// Owned by another process: follow its progress log to the end.
		sub, err := s.Subscribe(ctx, orgID, id)
		if err != nil {
			return model.Run{}, err
		}
		defer sub.Close()
		for {
			if _, err := sub.Next(ctx); err != nil {
				if ctx.Err() != nil {
					return model.Run{}, ctx.Err()
				}
				break
			}
		}
		return s.store.GetRun(ctx, orgID, id)
	}
	return run, nil
}

// Status returns the run and its full progress log.
func (s *Service) Status(ctx context.Context, orgID int64, id uuid.UUID) (model.RunStatusView, error) {
	run, err := s.store.GetRun(ctx, orgID, id)
	if err != nil {
		return model.RunStatusView{}, err
	}
	entries, err := s.store.ListProgress(ctx, id, 0)
	if err != nil {
		return model.RunStatusView{}, fmt.Errorf("pipeline: progress of %s: %w", id, err)
	}
	if entries == nil {
		entries = []model.ProgressEntry{}
	}
	return model.RunStatusView{Run: run, ProgressLog: entries}, nil
}

// Result returns the payload of a terminal run, or ErrNotReady while it runs.
func (s *Service) Result(ctx context.Context, orgID int64, id uuid.UUID) (model.RunResult, error) {
	run, err := s.store.GetRun(ctx, orgID, id)
	if err != nil {
		return model.RunResult{}, err
	}
	if !run.Status.Terminal() {
		return model.RunResult{}, fmt.Errorf("pipeline: run %s is still running: %w", id, model.ErrNotReady)
	}
	res := model.RunResult{
		RunID:        run.ID,
		Module:       run.Module,
		Stage:        run.Stage,
		Status:       run.Status,
		ErrorKind:    run.ErrorKind,
		ErrorMessage: run.ErrorMessage,
		CompletedAt:  run.CompletedAt,
	}
	if run.Status == model.RunStatusCompleted {
		if run.Stage == model.StageExtract {
			res.Data = run.ExtractedData
		} else {
			res.Data = run.GeneratedOutput
		}
	}
	return res, nil
}

// GetExtractedData returns what a completed extraction run stored.
func (s *Service) GetExtractedData(ctx context.Context, orgID int64, id uuid.UUID) (json.RawMessage, error) {
	run, err := s.store.GetRun(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if run.Stage != model.StageExtract {
		return nil, fmt.Errorf("pipeline: run %s is a %s run, not an extraction: %w", id, run.Stage, model.ErrNotFound)
	}
	if run.Status != model.RunStatusCompleted {
		return nil, fmt.Errorf("pipeline: extraction run %s is %s: %w", id, run.Status, model.ErrNotReady)
	}
	return run.ExtractedData, nil
}

// Cancel cancels a running run and returns it in its terminal state. A run
// owned by this process is cancelled at its next checkpoint and Cancel waits
// for it to stop; a running row no process owns here is finalized directly.
// A run that is terminal, or finishes before the cancel lands, returns
// ErrAlreadyTerminal with the stored row.
func (s *Service) Cancel(ctx context.Context, orgID int64, id uuid.UUID) (model.Run, error) {
	run, err := s.store.GetRun(ctx, orgID, id)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("pipeline: run %s is %s: %w", id, run.Status, model.ErrAlreadyTerminal)
	}

	if ar := s.lookupActive(id); ar != nil {
		ar.cancel(model.ErrCancelled)
		s.logger.Info("pipeline: cancel requested", "run_id", id, "org_id", orgID)
		select {
		case <-ar.done:
		case <-ctx.Done():
			return model.Run{}, ctx.Err()
		}
		// The work may have committed before the cancel reached it.
		final, err := s.store.GetRun(ctx, orgID, id)
		if err != nil {
			return model.Run{}, err
		}
		if final.Status != model.RunStatusCancelled {
			return final, fmt.Errorf("pipeline: run %s finished %s before the cancel: %w", id, final.Status, model.ErrAlreadyTerminal)
		}
		return final, nil
	}

	final, err := s.store.FinalizeRun(ctx, orgID, id, model.Finalization{Status: model.RunStatusCancelled})
	if err != nil {
		return model.Run{}, fmt.Errorf("pipeline: cancel %s: %w", id, err)
	}
	if final.Status != model.RunStatusCancelled {
		return final, fmt.Errorf("pipeline: run %s is %s: %w", id, final.Status, model.ErrAlreadyTerminal)
	}
	s.appendFinal(ctx, final)
	s.hub.Close(id)
	s.logger.Info("pipeline: cancelled unowned run", "run_id", id, "org_id", orgID)
	return final, nil
}

// Subscribe returns the run's progress from the first entry, followed live
// until the run's log is complete.
func (s *Service) Subscribe(ctx context.Context, orgID int64, id uuid.UUID) (*progress.Subscription, error) {
	if _, err := s.store.GetRun(ctx, orgID, id); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, id, func(ctx context.Context) (bool, error) {
		// A run this process owns closes its log itself.
		if s.lookupActive(id) != nil {
			return false, nil
		}
		run, err := s.store.GetRun(ctx, orgID, id)
		if err != nil {
			return false, err
		}
		return run.Status.Terminal(), nil
	})
}

// ListRuns lists an org's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, orgID int64, f model.RunFilter) ([]model.Run, int, error) {
	return s.store.ListRuns(ctx, orgID, f)
}

// ListDocuments lists an org's context documents.
func (s *Service) ListDocuments(ctx context.Context, orgID int64, f model.DocumentFilter) ([]model.ContextDocument, error) {
	return s.store.ListDocuments(ctx, orgID, f)
}
