// Package tools provides the bound tool set the reasoning loop can call
// during a conversation. Tools are opaque async capabilities: failures
// surface as tool-result error text, never as loop aborts.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/elkinlatorre/FINA/internal/llm"
)

// Tool is a callable capability bound into the reasoning loop. The thread
// owner's user id is supplied by the engine, not by the model, so a tool
// can never be steered across user scopes.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, userID string, args map[string]any) (string, error)
}

// Registry holds the bound tool set. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the tool set in provider form, ordered by name so
// prompts are stable across runs.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
