package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/weftlabs/weft/pkg/schema"
)

// Registry is the process-wide set of builtin tools. Descriptors reference
// entries here by target name; per-executor collision control lives in the
// capability loader, so the registry itself is append-only.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "builtin tool %q not registered", name)
	}
	return tool, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, tool := range r.tools {
		s := tool.Schema()
		infos = append(infos, ToolInfo{Name: tool.Name(), Description: s.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// aliasTool exposes a registry tool under the name and schema a descriptor's
// tool spec declares. The spec's input schema, when present, overrides the
// builtin's own so the reasoning engine sees the descriptor's contract.
type aliasTool struct {
	inner Tool
	name  string
	spec  schema.ToolSpec
}

func (a *aliasTool) Name() string { return a.name }

func (a *aliasTool) Schema() ToolSchema {
	s := a.inner.Schema()
	if len(a.spec.Schema) > 0 {
		s.InputSchema = a.spec.Schema
	}
	return s
}

func (a *aliasTool) Validate(params map[string]any) error { return a.inner.Validate(params) }

func (a *aliasTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return a.inner.Invoke(ctx, inv)
}
