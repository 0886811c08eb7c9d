// Package tools holds the process-wide tool registry the agent
// responder executes against. Built-in tools register at construction;
// MCP bridge tools register dynamically as servers connect and
// unregister when they drop.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yysun/agent-world/pkg/llm"
)

// Tool is one executable capability offered to models.
type Tool interface {
	Name() string
	Description() string
	// ParametersSchema is the JSON Schema describing the arguments.
	ParametersSchema() string
	// RequiresApproval marks tools gated by the approval flow. Built-in
	// read-only tools opt out; anything with side effects opts in.
	RequiresApproval() bool
	// Execute runs the tool. args is the raw JSON argument string from
	// the model.
	Execute(ctx context.Context, args string) (string, error)
}

// Registry is a concurrent name→Tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewBuiltinRegistry returns a registry preloaded with the built-in
// tools.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(&EchoTool{})
	r.Register(&TimeTool{})
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions returns the LLM-facing tool definitions, sorted by name
// for deterministic prompts.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.ToolDefinition{
			Name:             t.Name(),
			Description:      t.Description(),
			ParametersSchema: t.ParametersSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a registered tool by name.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("tool %q not found", name)
	}
	return t.Execute(ctx, args)
}
