package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
	"github.com/ashita-ai/shiori/internal/source"
)

type listSourcesArgs struct{}

type listRunsArgs struct {
	Module string `json:"module,omitempty" jsonschema:"enum=workspace,enum=wiki,enum=configapi,enum=tree"`
	Stage  string `json:"stage,omitempty" jsonschema:"enum=extract,enum=generate,enum=tree"`
	Status string `json:"status,omitempty" jsonschema:"enum=running,enum=completed,enum=failed,enum=cancelled"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100" jsonschema_description:"Maximum runs to return (default 20)"`
	Offset int    `json:"offset,omitempty" jsonschema:"minimum=0"`
}

type listRunsResult struct {
	Runs  []model.Run `json:"runs"`
	Total int         `json:"total"`
}

type runIDArgs struct {
	RunID string `json:"run_id" jsonschema:"format=uuid" jsonschema_description:"Id of the run"`
}

type startExtractionArgs struct {
	Module      string         `json:"module" jsonschema:"enum=workspace,enum=wiki,enum=configapi"`
	Config      map[string]any `json:"config" jsonschema_description:"Module-specific extraction config"`
	Credentials map[string]any `json:"credentials,omitempty" jsonschema_description:"Credentials for the source system. Used for this run only and never stored."`
}

type generateContextArgs struct {
	RunID    string `json:"run_id" jsonschema:"format=uuid" jsonschema_description:"Id of a completed extraction run"`
	Provider string `json:"provider,omitempty" jsonschema_description:"LLM provider; defaults to the service default"`
	Model    string `json:"model,omitempty"`
	Wait     bool   `json:"wait,omitempty" jsonschema_description:"Block until the documents are written"`
}

type generateContextResult struct {
	RunID     uuid.UUID                 `json:"run_id"`
	Status    model.RunStatus           `json:"status"`
	Documents []model.GeneratedDocument `json:"documents,omitempty"`
}

type listDocumentsArgs struct {
	Module            string `json:"module,omitempty" jsonschema:"enum=workspace,enum=wiki,enum=configapi"`
	Scope             string `json:"scope,omitempty" jsonschema_description:"Source scope such as wiki:ENG"`
	DocKey            string `json:"doc_key,omitempty" jsonschema:"enum=overview,enum=schema,enum=jobs,enum=glossary,enum=processes,enum=configuration,enum=dependencies"`
	RunID             string `json:"run_id,omitempty" jsonschema:"format=uuid" jsonschema_description:"Only documents written by this generation run"`
	IncludeSuperseded bool   `json:"include_superseded,omitempty"`
	Limit             int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=200"`
}

type treeSourceArg struct {
	Module string `json:"module" jsonschema:"enum=workspace,enum=wiki,enum=configapi"`
	RunID  string `json:"run_id" jsonschema:"format=uuid"`
}

type buildTreeArgs struct {
	Sources  []treeSourceArg `json:"sources" jsonschema:"minItems=1" jsonschema_description:"Extraction or generation runs whose documents feed the tree"`
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
}

// RegisterBuiltins registers the pipeline tools on r.
func RegisterBuiltins(r *Registry) error {
	var errs []error
	add := func(t *Tool, err error) {
		if err == nil {
			err = r.Register(t)
		}
		errs = append(errs, err)
	}

	add(New("list_sources",
		"List the source modules that can be extracted, with the documents each one produces.",
		model.PermRunsRead, listSources))
	add(New("list_runs",
		"List pipeline runs in your organization, newest first.",
		model.PermRunsRead, listRuns))
	add(New("get_run_status",
		"Get a run's status and its full progress log.",
		model.PermRunsRead, getRunStatus))
	add(New("start_extraction",
		"Start extracting data from a source system. Returns the run id immediately; poll get_run_status for progress.",
		model.PermRunsWrite, startExtraction))
	add(New("generate_context",
		"Generate context documents from a completed extraction run using an LLM.",
		model.PermRunsWrite, generateContext))
	add(New("cancel_run",
		"Cancel a running run. Fails if the run already finished.",
		model.PermRunsWrite, cancelRun))
	add(New("list_context_documents",
		"List generated context documents. Only current versions unless include_superseded is set.",
		model.PermDocumentsRead, listDocuments))
	add(New("build_context_tree",
		"Synthesize a hierarchical context tree from the documents of one or more source runs.",
		model.PermTreesWrite, buildTree))
	return errors.Join(errs...)
}

func pipelineOf(exec ExecContext) (*pipeline.Service, error) {
	if exec.Pipeline == nil {
		return nil, errors.New("tools: no pipeline in execution context")
	}
	return exec.Pipeline, nil
}

func parseRunID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: run_id: %w", ErrInvalidArguments, err)
	}
	return id, nil
}

func listSources(_ context.Context, exec ExecContext, _ listSourcesArgs) ([]source.Identity, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return nil, err
	}
	return p.Modules(), nil
}

func listRuns(ctx context.Context, exec ExecContext, args listRunsArgs) (listRunsResult, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return listRunsResult{}, err
	}
	limit := args.Limit
	if limit == 0 {
		limit = 20
	}
	runs, total, err := p.ListRuns(ctx, exec.OrgID, model.RunFilter{
		Module: model.ModuleKind(args.Module),
		Stage:  model.Stage(args.Stage),
		Status: model.RunStatus(args.Status),
		Limit:  limit,
		Offset: args.Offset,
	})
	if err != nil {
		return listRunsResult{}, err
	}
	if runs == nil {
		runs = []model.Run{}
	}
	return listRunsResult{Runs: runs, Total: total}, nil
}

func getRunStatus(ctx context.Context, exec ExecContext, args runIDArgs) (model.RunStatusView, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return model.RunStatusView{}, err
	}
	id, err := parseRunID(args.RunID)
	if err != nil {
		return model.RunStatusView{}, err
	}
	return p.Status(ctx, exec.OrgID, id)
}

func startExtraction(ctx context.Context, exec ExecContext, args startExtractionArgs) (model.RunAccepted, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return model.RunAccepted{}, err
	}
	run, err := p.StartExtraction(ctx, pipeline.ExtractRequest{
		OrgID:       exec.OrgID,
		UserID:      exec.UserID,
		Module:      model.ModuleKind(args.Module),
		Config:      args.Config,
		Credentials: args.Credentials,
	})
	if err != nil {
		return model.RunAccepted{}, err
	}
	return model.RunAccepted{RunID: run.ID, Status: run.Status}, nil
}

func generateContext(ctx context.Context, exec ExecContext, args generateContextArgs) (generateContextResult, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return generateContextResult{}, err
	}
	id, err := parseRunID(args.RunID)
	if err != nil {
		return generateContextResult{}, err
	}
	req := pipeline.GenerateRequest{
		OrgID:       exec.OrgID,
		UserID:      exec.UserID,
		ParentRunID: id,
		LLM:         model.LLMConfig{Provider: args.Provider, Model: args.Model},
	}
	if !args.Wait {
		run, err := p.StartGeneration(ctx, req)
		if err != nil {
			return generateContextResult{}, err
		}
		return generateContextResult{RunID: run.ID, Status: run.Status}, nil
	}
	res, err := p.GenerateContext(ctx, req)
	if err != nil {
		return generateContextResult{}, err
	}
	return generateContextResult{RunID: res.Run.ID, Status: res.Run.Status, Documents: res.Documents}, nil
}

func cancelRun(ctx context.Context, exec ExecContext, args runIDArgs) (model.RunAccepted, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return model.RunAccepted{}, err
	}
	id, err := parseRunID(args.RunID)
	if err != nil {
		return model.RunAccepted{}, err
	}
	run, err := p.Cancel(ctx, exec.OrgID, id)
	if err != nil {
		return model.RunAccepted{}, err
	}
	return model.RunAccepted{RunID: run.ID, Status: run.Status}, nil
}

func listDocuments(ctx context.Context, exec ExecContext, args listDocumentsArgs) ([]model.ContextDocument, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return nil, err
	}
	f := model.DocumentFilter{
		Module:            model.ModuleKind(args.Module),
		Scope:             args.Scope,
		Key:               model.DocumentKey(args.DocKey),
		IncludeSuperseded: args.IncludeSuperseded,
		Limit:             args.Limit,
	}
	if args.RunID != "" {
		id, err := parseRunID(args.RunID)
		if err != nil {
			return nil, err
		}
		f.RunID = &id
	}
	docs, err := p.ListDocuments(ctx, exec.OrgID, f)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.ContextDocument{}
	}
	return docs, nil
}

func buildTree(ctx context.Context, exec ExecContext, args buildTreeArgs) (model.RunAccepted, error) {
	p, err := pipelineOf(exec)
	if err != nil {
		return model.RunAccepted{}, err
	}
	refs := make([]model.RunRef, 0, len(args.Sources))
	for _, s := range args.Sources {
		id, err := parseRunID(s.RunID)
		if err != nil {
			return model.RunAccepted{}, err
		}
		refs = append(refs, model.RunRef{Module: model.ModuleKind(s.Module), RunID: id})
	}
	run, err := p.BuildTree(ctx, pipeline.TreeRequest{
		OrgID:   exec.OrgID,
		UserID:  exec.UserID,
		Sources: refs,
		LLM:     model.LLMConfig{Provider: args.Provider, Model: args.Model},
	})
	if err != nil {
		return model.RunAccepted{}, err
	}
	return model.RunAccepted{RunID: run.ID, Status: run.Status}, nil
}
