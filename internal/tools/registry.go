package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/memohai/tentacle/internal/capability"
)

type registryItem struct {
	executor Executor
	tool     Descriptor
	schema   *jsonschema.Schema
}

// Registry stores tool ownership, descriptors and compiled argument schemas.
type Registry struct {
	mu    sync.RWMutex
	items map[capability.Capability]registryItem
}

func NewRegistry() *Registry {
	return &Registry{
		items: map[capability.Capability]registryItem{},
	}
}

func (r *Registry) Register(executor Executor, tool Descriptor) error {
	if executor == nil {
		return fmt.Errorf("tool executor is required")
	}
	name, ok := capability.Parse(string(tool.Name))
	if !ok {
		return fmt.Errorf("tool name is not a known capability: %q", tool.Name)
	}
	if tool.InputSchema == nil {
		tool.InputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	schema, err := compileSchema(name, tool.InputSchema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	tool.Name = name
	r.items[name] = registryItem{
		executor: executor,
		tool:     tool,
		schema:   schema,
	}
	return nil
}

func compileSchema(name capability.Capability, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", name, err)
	}
	url := "mem://tools/" + string(name) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return compiled, nil
}

func (r *Registry) Lookup(name string) (Executor, Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[capability.Capability(strings.TrimSpace(name))]
	if !ok {
		return nil, Descriptor{}, false
	}
	return item.executor, item.tool, true
}

func (r *Registry) List() []Descriptor {
	return r.Declared(nil)
}

// Declared lists the tools accepted by keep, in name order. A nil keep
// accepts everything.
func (r *Registry) Declared(keep func(capability.Capability) bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		if keep != nil && !keep(name) {
			continue
		}
		names = append(names, string(name))
	}
	sort.Strings(names)
	tools := make([]Descriptor, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.items[capability.Capability(name)].tool)
	}
	return tools
}

// Validate checks arguments against the tool's declared schema.
func (r *Registry) Validate(name string, arguments map[string]any) error {
	r.mu.RLock()
	item, ok := r.items[capability.Capability(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	// The validator only understands JSON-decoded values.
	raw, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if err := item.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return nil
}

// Execute validates and runs a call. Executor errors become model-facing
// error results; only a missing tool is reported as an error.
func (r *Registry) Execute(ctx context.Context, call Call) (Result, error) {
	executor, _, ok := r.Lookup(string(call.Name))
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	if err := r.Validate(string(call.Name), call.Arguments); err != nil {
		return ErrorResult(err.Error()), nil
	}
	result, err := executor.Call(ctx, call)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}
