// Package tools is the registry of named, schema-validated, permission-gated
// callables exposed to LLM agents.
//
// Tools are registered once during startup. Seal ends registration; after
// that the registry is read-only and Invoke may be called concurrently.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	schemavalidator "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
)

var (
	ErrToolNotFound      = errors.New("tools: tool not found")
	ErrInvalidArguments  = errors.New("tools: invalid arguments")
	ErrPermissionDenied  = errors.New("tools: permission denied")
	ErrDuplicateTool     = errors.New("tools: duplicate tool name")
	ErrRegistrySealed    = errors.New("tools: registry is sealed")
	ErrRegistryOpen      = errors.New("tools: registry is not sealed yet")
	errInvalidDefinition = errors.New("tools: invalid tool definition")
)

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ExecContext is built per invocation and carries who is calling and the
// request-scoped resources a tool may use.
type ExecContext struct {
	UserID      int64
	OrgID       int64
	Permissions model.PermissionSet
	Pipeline    *pipeline.Service
}

// Func is the untyped form of a tool body. args has already passed schema validation.
type Func func(ctx context.Context, exec ExecContext, args json.RawMessage) (any, error)

// Tool is one registered callable and its metadata.
type Tool struct {
	name        string
	description string
	permission  model.Permission
	schema      json.RawMessage
	fn          Func

	compiled *schemavalidator.Schema
}

func (t *Tool) Name() string                 { return t.name }
func (t *Tool) Description() string          { return t.description }
func (t *Tool) Permission() model.Permission { return t.permission }

// Schema is the JSON Schema of the tool's arguments.
func (t *Tool) Schema() json.RawMessage { return t.schema }

// New derives the argument schema from Args and decodes validated arguments
// into it before calling fn. Struct tags follow invopop/jsonschema: fields
// without omitempty are required, and jsonschema tags add constraints.
func New[Args, Result any](name, description string, permission model.Permission, fn func(ctx context.Context, exec ExecContext, args Args) (Result, error)) (*Tool, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema, err := json.Marshal(r.Reflect(new(Args)))
	if err != nil {
		return nil, fmt.Errorf("tools: schema for %s: %w", name, err)
	}
	return NewRaw(name, description, permission, schema, func(ctx context.Context, exec ExecContext, raw json.RawMessage) (any, error) {
		var args Args
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArguments, name, err)
		}
		return fn(ctx, exec, args)
	}), nil
}

// NewRaw builds a tool from a hand-written JSON Schema. The schema is compiled
// when the tool is registered.
func NewRaw(name, description string, permission model.Permission, schema json.RawMessage, fn Func) *Tool {
	return &Tool{
		name:        name,
		description: description,
		permission:  permission,
		schema:      schema,
		fn:          fn,
	}
}

// Registry maps tool names to tools.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	sealed bool
}

// NewRegistry returns an empty, open registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, tools: make(map[string]*Tool)}
}

// Register adds t. It fails on a duplicate name, an uncompilable schema, or
// once the registry is sealed.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrRegistrySealed, t.name)
	}
	if !toolNamePattern.MatchString(t.name) {
		return fmt.Errorf("%w: name %q", errInvalidDefinition, t.name)
	}
	if t.description == "" || t.fn == nil {
		return fmt.Errorf("%w: %s needs a description and a callable", errInvalidDefinition, t.name)
	}
	if _, dup := r.tools[t.name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.name)
	}
	compiled, err := compileSchema(t.name, t.schema)
	if err != nil {
		return fmt.Errorf("%w: %s schema: %w", errInvalidDefinition, t.name, err)
	}
	t.compiled = compiled
	r.tools[t.name] = t
	r.order = append(r.order, t.name)
	return nil
}

// Seal ends registration. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Tools returns every registered tool in registration order.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Invoke validates args against the tool's schema, checks the caller's
// permission and runs the tool. Malformed arguments never reach the callable.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, exec ExecContext) (any, error) {
	r.mu.RLock()
	sealed := r.sealed
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !sealed {
		return nil, ErrRegistryOpen
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage(`{}`)
	}
	if err := validate(t.compiled, args); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArguments, name, err)
	}
	if !exec.Permissions.Has(t.permission) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, name, t.permission)
	}

	start := time.Now()
	result, err := t.fn(ctx, exec, args)
	if err != nil {
		r.logger.Warn("tools: invocation failed",
			"tool", name, "org_id", exec.OrgID, "user_id", exec.UserID, "error", err)
		return nil, err
	}
	r.logger.Debug("tools: invocation",
		"tool", name, "org_id", exec.OrgID, "user_id", exec.UserID, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func compileSchema(name string, schema json.RawMessage) (*schemavalidator.Schema, error) {
	doc, err := schemavalidator.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	url := "https://shiori.invalid/tools/" + name + ".json"
	c := schemavalidator.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func validate(s *schemavalidator.Schema, args json.RawMessage) error {
	inst, err := schemavalidator.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not JSON: %w", err)
	}
	return s.Validate(inst)
}
