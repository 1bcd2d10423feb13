package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNotFound indicates the requested tool isn't registered.
var ErrNotFound = errors.New("tool not found")

// Registry manages available tools with thread-safe registration and
// lookup, validating every call's parameters against the tool's declared
// schema before dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles the tool's parameter schema and adds it to the
// registry by name. If a tool with the same name already exists, it is
// replaced.
func (r *Registry) Register(t Tool) error {
	desc := t.Describe()

	params := desc.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	compiler := jsonschema.NewCompiler()
	schemaURL := "tool://" + desc.Name + "/schema.json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(params)); err != nil {
		return fmt.Errorf("tool %s: compiling schema: %w", desc.Name, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = t
	r.schemas[desc.Name] = schema
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Descriptions returns the declared description of every registered tool,
// for inclusion in an LLM request's tool declarations.
func (r *Registry) Descriptions() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Describe())
	}
	return out
}

// ValidationError indicates tool parameters failed schema validation. The
// nine-step processor maps this to the validation_error taxonomy entry and
// never lets the call reach the tool implementation.
type ValidationError struct {
	ToolName string
	Cause    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: parameters failed validation: %v", e.ToolName, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Execute validates params against the tool's declared schema and, on
// success, dispatches to the tool. Oversized names or parameter payloads
// are rejected before validation to bound resource use.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	if len(name) > MaxNameLength {
		return nil, fmt.Errorf("tool name exceeds maximum length of %d characters", MaxNameLength)
	}
	if len(params) > MaxParamsSize {
		return nil, fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxParamsSize)
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}

	if schema != nil {
		var v interface{}
		if len(params) == 0 {
			v = map[string]interface{}{}
		} else if err := json.Unmarshal(params, &v); err != nil {
			return nil, &ValidationError{ToolName: name, Cause: err}
		}
		if err := schema.Validate(v); err != nil {
			return nil, &ValidationError{ToolName: name, Cause: err}
		}
	}

	return t.Execute(ctx, params)
}
