// Package tools defines the tool capability interface and registry consumed
// by the agent loop and the security gate.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/openclaw/warden/internal/security"
)

// DefaultTimeout applies to tools that do not declare their own.
const DefaultTimeout = 30 * time.Second

// Result is the structured outcome of one tool execution. Errors the model
// should see (as opposed to infrastructure failures) are carried as error
// results, not Go errors.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Success wraps content in a non-error result.
func Success(content string) Result {
	return Result{Content: content}
}

// Errorf builds an error result the model can react to.
func Errorf(format string, args ...interface{}) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Tool is a named capability with a declared risk tier and input schema.
// Implementations must be safe for concurrent use.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments.
	Schema() map[string]interface{}
	// Tier is the declared base risk tier; the gate may escalate it.
	Tier() security.Tier
	// Timeout bounds one execution. Zero means DefaultTimeout.
	Timeout() time.Duration
	Execute(ctx context.Context, args map[string]interface{}) (Result, error)
}

// Registry maps tool names to capabilities. It is resolved once at startup
// and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name, or nil if unknown.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs converts the registry to tool definitions for the model.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// ExecTimeout resolves a tool's effective timeout.
func ExecTimeout(t Tool) time.Duration {
	if d := t.Timeout(); d > 0 {
		return d
	}
	return DefaultTimeout
}
