// Package source defines the Module contract every external data source
// implements, and the helpers the implementations share.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
)

// Identity describes a module to callers.
type Identity struct {
	Kind         model.ModuleKind    `json:"kind"`
	DisplayName  string              `json:"display_name"`
	Description  string              `json:"description"`
	DocumentKeys []model.DocumentKey `json:"document_keys"`
}

// ConnectionResult is the outcome of a connection test. Expected connectivity
// failures are reported with Success=false rather than as errors.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Identity is who the credentials authenticate as, when the source says.
	Identity string `json:"identity,omitempty"`
}

// ExtractInput is what a module receives for one extraction.
type ExtractInput struct {
	Config      map[string]any
	Credentials map[string]any
	UserID      int64
	OrgID       int64
}

// Extraction is a module's result. Data is JSON-encoded by the orchestrator
// and stored as the run's extracted data. Scope identifies the source-level
// entity extracted (a space, a workspace host) and keys document supersession.
type Extraction struct {
	Scope string
	Data  any
}

// Generator is the LLM access a module gets during generation. It is bound to
// the run's LLM configuration and accounts token usage.
type Generator interface {
	Complete(ctx context.Context, system, prompt string) (llm.Response, error)
}

// Module is one pluggable source implementation. Implementations must be safe
// for concurrent use by different runs and must check ctx between units of
// work so cancellation and timeouts are observed.
type Module interface {
	Identity() Identity
	// TestConnection returns an error only for malformed credentials.
	TestConnection(ctx context.Context, credentials map[string]any) (ConnectionResult, error)
	// ValidateConfig rejects a malformed extraction config before any run exists.
	ValidateConfig(config map[string]any) error
	Extract(ctx context.Context, in ExtractInput, sink progress.Sink) (Extraction, error)
	// GenerateContext turns stored extracted data into documents. It does not persist them.
	GenerateContext(ctx context.Context, extracted json.RawMessage, gen Generator, sink progress.Sink) ([]model.GeneratedDocument, error)
}

// Registry is the fixed set of modules a process serves.
type Registry struct {
	modules map[model.ModuleKind]Module
	order   []model.ModuleKind
}

// NewRegistry builds a Registry. Two modules of the same kind are an error.
func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{modules: make(map[model.ModuleKind]Module, len(modules))}
	for _, m := range modules {
		kind := m.Identity().Kind
		if _, dup := r.modules[kind]; dup {
			return nil, fmt.Errorf("source: module %q registered twice", kind)
		}
		r.modules[kind] = m
		r.order = append(r.order, kind)
	}
	return r, nil
}

// Get returns the module of the given kind.
func (r *Registry) Get(kind model.ModuleKind) (Module, error) {
	m, ok := r.modules[kind]
	if !ok {
		return nil, fmt.Errorf("source: module %q: %w", kind, model.ErrNotFound)
	}
	return m, nil
}

// Identities lists the registered modules in registration order.
func (r *Registry) Identities() []Identity {
	out := make([]Identity, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.modules[k].Identity())
	}
	return out
}
