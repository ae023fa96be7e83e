// Package llm is the LLM invocation service used by document generation and
// tree synthesis: one prompt in, text and token usage out.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashita-ai/shiori/internal/model"
)

// Request is a single completion call.
type Request struct {
	System string
	Prompt string
	Config model.LLMConfig
	// JSON asks the provider to constrain output to a JSON document.
	JSON bool
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the provider's answer.
type Response struct {
	Text     string
	Usage    Usage
	Provider string
	Model    string
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Router dispatches requests to providers by name, filling unset request
// fields from the defaults and retrying transient failures.
type Router struct {
	providers map[string]Provider
	defaults  model.LLMConfig
	retry     RetryConfig
	logger    *slog.Logger
}

// NewRouter creates a Router. The default provider must be among providers.
func NewRouter(defaults model.LLMConfig, retry RetryConfig, logger *slog.Logger, providers ...Provider) (*Router, error) {
	r := &Router{
		providers: make(map[string]Provider, len(providers)),
		defaults:  defaults,
		retry:     retry,
		logger:    logger,
	}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("llm: provider %q registered twice", p.Name())
		}
		r.providers[p.Name()] = p
	}
	if _, ok := r.providers[defaults.Provider]; !ok {
		return nil, fmt.Errorf("llm: default provider %q is not configured", defaults.Provider)
	}
	return r, nil
}

// Defaults returns the configuration applied to requests that leave fields unset.
func (r *Router) Defaults() model.LLMConfig {
	return r.defaults
}

// Providers lists the configured provider names.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve merges cfg with the defaults and checks the provider exists.
func (r *Router) Resolve(cfg model.LLMConfig) (model.LLMConfig, error) {
	cfg = cfg.Merge(r.defaults)
	if _, ok := r.providers[cfg.Provider]; !ok {
		return cfg, fmt.Errorf("llm: unknown provider %q: %w", cfg.Provider, model.ErrValidation)
	}
	if cfg.Model == "" {
		return cfg, fmt.Errorf("llm: provider %q needs an explicit model: %w", cfg.Provider, model.ErrValidation)
	}
	return cfg, nil
}

// Complete runs req against its provider. Transient failures are retried;
// once retries are exhausted the error wraps model.ErrUpstream.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	cfg, err := r.Resolve(req.Config)
	if err != nil {
		return Response{}, err
	}
	req.Config = cfg
	p := r.providers[cfg.Provider]

	var resp Response
	err = withRetry(ctx, r.retry, func(attempt int) error {
		var err error
		resp, err = p.Complete(ctx, req)
		if err != nil && attempt < r.retry.MaxRetries && IsTransient(err) {
			r.logger.Warn("llm: request failed, will retry",
				"provider", cfg.Provider, "model", cfg.Model, "attempt", attempt+1, "error", err)
		}
		return err
	})
	if err != nil {
		return Response{}, err
	}
	resp.Provider = cfg.Provider
	if resp.Model == "" {
		resp.Model = cfg.Model
	}
	return resp, nil
}
