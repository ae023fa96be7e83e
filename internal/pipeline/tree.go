package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
)

// PhaseTree is the progress phase of tree synthesis.
const PhaseTree = "tree"

// treeDocBudget bounds how much of each input document goes into the prompt.
const treeDocBudget = 6_000

// TreeRequest starts a context tree run over prior source runs.
type TreeRequest struct {
	OrgID   int64
	UserID  int64
	Sources []model.RunRef
	LLM     model.LLMConfig
}

// treeInput is one resolved source: the referenced run and the generation
// run whose documents feed the tree.
type treeInput struct {
	ref        model.RunRef
	generation model.Run
}

const treeSystemPrompt = `You organize documentation about an organization's systems into a hierarchy.
Answer with one JSON object of the form
{"root": {"id": "...", "name": "...", "type": "...", "health": "healthy|degraded|critical|unknown", "children": [...]}}
where every node has the same shape. Ids must be unique short slugs. Use "type" values such as
organization, domain, system, dataset, process or service. Judge health only from what the
documents say and use "unknown" when they say nothing.`

// BuildTree validates the referenced runs, creates a tree run and synthesizes
// the tree in the background with a single LLM call.
func (s *Service) BuildTree(ctx context.Context, req TreeRequest) (model.Run, error) {
	if len(req.Sources) == 0 {
		return model.Run{}, fmt.Errorf("pipeline: a tree needs at least one source run: %w", model.ErrValidation)
	}
	if len(req.Sources) > s.cfg.MaxTreeInputs {
		return model.Run{}, fmt.Errorf("pipeline: a tree takes at most %d source runs, got %d: %w",
			s.cfg.MaxTreeInputs, len(req.Sources), model.ErrValidation)
	}

	// Shape first: a malformed list is rejected whatever state its runs are in.
	seen := make(map[uuid.UUID]bool, len(req.Sources))
	for _, ref := range req.Sources {
		if ref.RunID == uuid.Nil || ref.Module == "" {
			return model.Run{}, fmt.Errorf("pipeline: source refs need a module and a run_id: %w", model.ErrValidation)
		}
		if seen[ref.RunID] {
			return model.Run{}, fmt.Errorf("pipeline: run %s listed twice: %w", ref.RunID, model.ErrValidation)
		}
		seen[ref.RunID] = true
	}

	inputs := make([]treeInput, 0, len(req.Sources))
	for _, ref := range req.Sources {
		in, err := s.resolveTreeInput(ctx, req.OrgID, ref)
		if err != nil {
			return model.Run{}, err
		}
		inputs = append(inputs, in)
	}

	cfg, err := s.llm.Resolve(req.LLM)
	if err != nil {
		return model.Run{}, err
	}
	if err := s.accepting(); err != nil {
		return model.Run{}, err
	}

	run, err := s.store.CreateRun(ctx, model.CreateRunRequest{
		OrgID:        req.OrgID,
		UserID:       req.UserID,
		Module:       model.ModuleTree,
		Stage:        model.StageTree,
		InputConfig:  map[string]any{"llm": cfg.AsMap()},
		InputSources: req.Sources,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("pipeline: create tree run: %w", err)
	}

	err = s.launch(run, func(ctx context.Context, sink progress.Sink) (model.Run, error) {
		return s.synthesizeTree(ctx, run, inputs, cfg, sink)
	})
	if err != nil {
		return model.Run{}, err
	}
	s.logger.Info("pipeline: tree started", "run_id", run.ID, "org_id", run.OrgID, "sources", len(inputs))
	return run, nil
}

// resolveTreeInput checks one reference and finds the generation run behind it.
func (s *Service) resolveTreeInput(ctx context.Context, orgID int64, ref model.RunRef) (treeInput, error) {
	run, err := s.store.GetRun(ctx, orgID, ref.RunID)
	if err != nil {
		return treeInput{}, err
	}
	if run.Module != ref.Module {
		return treeInput{}, fmt.Errorf("pipeline: run %s belongs to %s, not %s: %w", ref.RunID, run.Module, ref.Module, model.ErrValidation)
	}
	switch run.Stage {
	case model.StageGenerate:
		if run.Status != model.RunStatusCompleted {
			return treeInput{}, fmt.Errorf("pipeline: generation run %s is %s: %w", run.ID, run.Status, model.ErrNotReady)
		}
		return treeInput{ref: ref, generation: run}, nil
	case model.StageExtract:
		if run.Status != model.RunStatusCompleted {
			return treeInput{}, fmt.Errorf("pipeline: extraction run %s is %s: %w", run.ID, run.Status, model.ErrNotReady)
		}
		child, err := s.store.LatestCompletedChild(ctx, orgID, run.ID, model.StageGenerate)
		if errors.Is(err, model.ErrNotFound) {
			return treeInput{}, fmt.Errorf("pipeline: extraction run %s has no completed generation: %w", run.ID, model.ErrNotReady)
		}
		if err != nil {
			return treeInput{}, err
		}
		return treeInput{ref: ref, generation: child}, nil
	default:
		return treeInput{}, fmt.Errorf("pipeline: run %s is a %s run and cannot feed a tree: %w", run.ID, run.Stage, model.ErrValidation)
	}
}

func (s *Service) synthesizeTree(ctx context.Context, run model.Run, inputs []treeInput, cfg model.LLMConfig, sink progress.Sink) (model.Run, error) {
	sink.Emit(PhaseTree, fmt.Sprintf("collecting documents from %d runs", len(inputs)), model.ProgressStarted)

	var prompt strings.Builder
	sources := make([]model.TreeSource, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return model.Run{}, context.Cause(ctx)
		}
		genID := in.generation.ID
		docs, err := s.store.ListDocuments(ctx, run.OrgID, model.DocumentFilter{RunID: &genID, IncludeSuperseded: true})
		if err != nil {
			return model.Run{}, fmt.Errorf("documents of %s: %w", genID, err)
		}
		sources = append(sources, model.TreeSource{
			Module:          in.ref.Module,
			RunID:           in.ref.RunID,
			GenerationRunID: genID,
			DocumentCount:   len(docs),
		})
		fmt.Fprintf(&prompt, "# Source: %s (%s)\n\n", in.generation.Scope, in.ref.Module)
		for _, d := range docs {
			fmt.Fprintf(&prompt, "## %s\n%s\n\n", d.Name, source.Truncate(d.Content, treeDocBudget))
		}
		sink.Emit(PhaseTree, fmt.Sprintf("%s: %d documents", in.ref.Module, len(docs)), model.ProgressInProgress)
	}

	sink.Emit(PhaseTree, "synthesizing tree", model.ProgressInProgress)
	gen := newGenerator(s.llm, cfg)
	resp, err := gen.complete(ctx, llm.Request{
		System: treeSystemPrompt,
		Prompt: prompt.String(),
		Config: cfg,
		JSON:   true,
	})
	if err != nil {
		return model.Run{}, err
	}
	root, err := parseTree(resp.Text)
	if err != nil {
		return model.Run{}, fmt.Errorf("%w: tree response: %w", model.ErrUpstream, err)
	}
	sink.Emit(PhaseTree, fmt.Sprintf("tree with %d nodes", root.Count()), model.ProgressCompleted)

	usage := gen.Usage()
	output, err := json.Marshal(model.ContextTree{
		Root:         root,
		Sources:      sources,
		Provider:     cfg.Provider,
		Model:        gen.Model(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("encode tree: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return model.Run{}, context.Cause(ctx)
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return s.store.CompleteGeneration(commitCtx, run.OrgID, run.ID, output, nil)
}

// parseTree reads the model's answer: either {"root": node} or a bare node,
// optionally inside a fenced code block.
func parseTree(text string) (model.TreeNode, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	var wrapped struct {
		Root *model.TreeNode `json:"root"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return model.TreeNode{}, fmt.Errorf("not a JSON object: %w", err)
	}
	root := wrapped.Root
	if root == nil {
		root = &model.TreeNode{}
		if err := json.Unmarshal([]byte(text), root); err != nil {
			return model.TreeNode{}, err
		}
	}
	if err := root.Validate(); err != nil {
		return model.TreeNode{}, err
	}
	return *root, nil
}
