package pipeline

import (
	"context"
	"sync"

	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/source"
)

var _ source.Generator = (*generator)(nil)

// generator binds the LLM router to one run's configuration and totals the
// token usage of every call made through it.
type generator struct {
	router *llm.Router
	cfg    model.LLMConfig

	mu    sync.Mutex
	usage llm.Usage
	model string
}

func newGenerator(router *llm.Router, cfg model.LLMConfig) *generator {
	return &generator{router: router, cfg: cfg, model: cfg.Model}
}

func (g *generator) Complete(ctx context.Context, system, prompt string) (llm.Response, error) {
	return g.complete(ctx, llm.Request{System: system, Prompt: prompt, Config: g.cfg})
}

func (g *generator) complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := g.router.Complete(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.InputTokens += resp.Usage.InputTokens
	g.usage.OutputTokens += resp.Usage.OutputTokens
	if resp.Model != "" {
		g.model = resp.Model
	}
	return resp, nil
}

// Usage is the total across all calls so far.
func (g *generator) Usage() llm.Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// Model is the model that answered the most recent call.
func (g *generator) Model() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.model
}
