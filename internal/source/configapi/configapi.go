// Package configapi extracts settings from a set of configuration endpoints
// served as JSON or YAML, flattening them to key paths.
package configapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/source"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"

	maxBodyBytes   = 4 << 20
	maxSettings    = 2000
	fetchWorkers   = 4
	promptBudget   = 60_000
	maxValueLength = 200
)

// dependencyValue matches setting values that point at another system.
var dependencyValue = regexp.MustCompile(`^(?:[a-z][a-z0-9+.-]*://[^\s]+|[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}:\d{2,5})$`)

// Credentials authenticate against the configuration service.
type Credentials struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token"`
	HealthPath string `json:"health_path"`
}

// Endpoint is one configuration document to fetch.
type Endpoint struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format string `json:"format"`
}

// Config lists the endpoints to extract.
type Config struct {
	Endpoints []Endpoint `json:"endpoints"`
}

// Setting is one flattened leaf value.
type Setting struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// EndpointData is what one endpoint yielded.
type EndpointData struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Format       string    `json:"format"`
	Settings     []Setting `json:"settings"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
}

// Data is the extracted payload.
type Data struct {
	BaseURL   string         `json:"base_url"`
	Endpoints []EndpointData `json:"endpoints"`
}

// Module is the configuration-API source.
type Module struct {
	client *source.Client
}

// New creates the configuration-API module.
func New(client *source.Client) *Module {
	return &Module{client: client}
}

var _ source.Module = (*Module)(nil)

// Identity implements source.Module.
func (m *Module) Identity() source.Identity {
	return source.Identity{
		Kind:         model.ModuleConfigAPI,
		DisplayName:  "Configuration APIs",
		Description:  "Settings published by configuration endpoints, and the systems they point at.",
		DocumentKeys: []model.DocumentKey{model.DocOverview, model.DocConfiguration, model.DocDependencies},
	}
}

func decodeCredentials(raw map[string]any) (Credentials, error) {
	var c Credentials
	if err := source.Decode(raw, &c); err != nil {
		return c, fmt.Errorf("configapi credentials: %w", err)
	}
	u, err := url.Parse(c.BaseURL)
	if c.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return c, fmt.Errorf("configapi credentials: base_url must be an absolute url: %w", model.ErrValidation)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	return c, nil
}

func decodeConfig(raw map[string]any) (Config, error) {
	var c Config
	if err := source.Decode(raw, &c); err != nil {
		return c, fmt.Errorf("configapi config: %w", err)
	}
	if len(c.Endpoints) == 0 {
		return c, fmt.Errorf("configapi config: at least one endpoint is required: %w", model.ErrValidation)
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		if e.Name == "" || e.Path == "" {
			return c, fmt.Errorf("configapi config: endpoint %d needs name and path: %w", i, model.ErrValidation)
		}
		if seen[e.Name] {
			return c, fmt.Errorf("configapi config: duplicate endpoint name %q: %w", e.Name, model.ErrValidation)
		}
		seen[e.Name] = true
		if e.Format == "" {
			e.Format = FormatJSON
		}
		if e.Format != FormatJSON && e.Format != FormatYAML {
			return c, fmt.Errorf("configapi config: endpoint %q: format must be json or yaml: %w", e.Name, model.ErrValidation)
		}
		if !strings.HasPrefix(e.Path, "/") {
			e.Path = "/" + e.Path
		}
	}
	return c, nil
}

func header(c Credentials) http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// TestConnection implements source.Module.
func (m *Module) TestConnection(ctx context.Context, credentials map[string]any) (source.ConnectionResult, error) {
	creds, err := decodeCredentials(credentials)
	if err != nil {
		return source.ConnectionResult{}, err
	}
	if _, err := m.client.GetBytes(ctx, creds.BaseURL+creds.HealthPath, header(creds), maxBodyBytes); err != nil {
		if res, ok := source.ConnectionFailure(err); ok {
			return res, nil
		}
		return source.ConnectionResult{}, err
	}
	return source.ConnectionResult{Success: true, Message: "connected to " + creds.BaseURL}, nil
}

// ValidateConfig implements source.Module.
func (m *Module) ValidateConfig(config map[string]any) error {
	_, err := decodeConfig(config)
	return err
}

// Extract implements source.Module.
func (m *Module) Extract(ctx context.Context, in source.ExtractInput, sink progress.Sink) (source.Extraction, error) {
	creds, err := decodeCredentials(in.Credentials)
	if err != nil {
		return source.Extraction{}, err
	}
	cfg, err := decodeConfig(in.Config)
	if err != nil {
		return source.Extraction{}, err
	}
	h := header(creds)

	sink.Emit("endpoints", fmt.Sprintf("fetching %d endpoints", len(cfg.Endpoints)), model.ProgressStarted)
	results := make([]EndpointData, len(cfg.Endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchWorkers)
	for i, ep := range cfg.Endpoints {
		g.Go(func() error {
			body, err := m.client.GetBytes(gctx, creds.BaseURL+ep.Path, h, maxBodyBytes)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", ep.Name, err)
			}
			doc, err := parse(body, ep.Format)
			if err != nil {
				return fmt.Errorf("parse %s as %s: %w: %w", ep.Name, ep.Format, model.ErrUpstream, err)
			}
			settings, truncated := flatten(doc, maxSettings)
			results[i] = EndpointData{
				Name:         ep.Name,
				Path:         ep.Path,
				Format:       ep.Format,
				Settings:     settings,
				Dependencies: dependencies(settings),
				Truncated:    truncated,
			}
			sink.Emit("endpoints", fmt.Sprintf("%s: %d settings", ep.Name, len(settings)), model.ProgressInProgress)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return source.Extraction{}, context.Cause(ctx)
		}
		return source.Extraction{}, err
	}
	sink.Emit("endpoints", "all endpoints fetched", model.ProgressCompleted)

	u, _ := url.Parse(creds.BaseURL)
	return source.Extraction{
		Scope: "configapi:" + u.Host,
		Data:  Data{BaseURL: creds.BaseURL, Endpoints: results},
	}, nil
}

func parse(body []byte, format string) (any, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// flatten walks a decoded document and returns its leaves as dotted paths,
// sorted by path. Array elements are addressed as path[i].
func flatten(doc any, limit int) ([]Setting, bool) {
	var out []Setting
	truncated := false
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if len(out) >= limit {
			truncated = true
			return
		}
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(join(prefix, k), t[k])
			}
		case []any:
			for i, e := range t {
				walk(fmt.Sprintf("%s[%d]", prefix, i), e)
			}
		case nil:
			out = append(out, Setting{Path: prefix, Value: "null"})
		default:
			out = append(out, Setting{Path: prefix, Value: source.Truncate(fmt.Sprint(t), maxValueLength)})
		}
	}
	walk("", doc)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, truncated
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// dependencies collects distinct values that reference other systems.
func dependencies(settings []Setting) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range settings {
		if dependencyValue.MatchString(s.Value) && !seen[s.Value] {
			seen[s.Value] = true
			out = append(out, s.Value)
		}
	}
	sort.Strings(out)
	return out
}

const systemPrompt = "You document service configuration for operators. " +
	"Use concise Markdown, mention only settings present in the input, and never print secret values."

// GenerateContext implements source.Module.
func (m *Module) GenerateContext(ctx context.Context, extracted json.RawMessage, gen source.Generator, sink progress.Sink) ([]model.GeneratedDocument, error) {
	var data Data
	if err := json.Unmarshal(extracted, &data); err != nil {
		return nil, fmt.Errorf("decode configapi data: %w", err)
	}

	var summary, settings, deps strings.Builder
	for _, ep := range data.Endpoints {
		fmt.Fprintf(&summary, "- %s (%s, %s): %d settings, %d dependencies\n",
			ep.Name, ep.Path, ep.Format, len(ep.Settings), len(ep.Dependencies))
		fmt.Fprintf(&settings, "## %s\n", ep.Name)
		for _, s := range ep.Settings {
			fmt.Fprintf(&settings, "%s = %s\n", s.Path, s.Value)
		}
		for _, d := range ep.Dependencies {
			fmt.Fprintf(&deps, "- %s (from %s)\n", d, ep.Name)
		}
	}
	if deps.Len() == 0 {
		deps.WriteString("(no external references found)\n")
	}

	return source.GenerateDocuments(ctx, gen, sink, []source.DocumentPlan{
		{
			Key:    model.DocOverview,
			System: systemPrompt,
			Prompt: fmt.Sprintf("Write an overview of the configuration served at %s.\n\n%s", data.BaseURL, summary.String()),
		},
		{
			Key:    model.DocConfiguration,
			System: systemPrompt,
			Prompt: "Explain the important settings, grouped by purpose.\n\n" + source.Truncate(settings.String(), promptBudget),
		},
		{
			Key:    model.DocDependencies,
			System: systemPrompt,
			Prompt: "Describe the external systems this configuration depends on.\n\n" + deps.String(),
		},
	})
}
