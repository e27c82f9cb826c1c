package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/randalmurphal/queryflow/pkg/llm"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Func runs a tool with decoded arguments.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named, described tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema for the arguments object.
	Parameters json.RawMessage
	Func       Func
}

// Executor invokes tools by name.
type Executor interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolError wraps a failure from a single tool invocation.
type ToolError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// Registry is a thread-safe set of tools indexed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Func == nil {
		return fmt.Errorf("tool %s: function is required", t.Name)
	}
	if len(t.Parameters) == 0 {
		t.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic("tools: " + err.Error())
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names in sorted order.
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

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool descriptions for a completion request,
// sorted by name.
func (r *Registry) Definitions() []llm.Tool {
	names := r.Names()
	defs := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Invoke runs the named tool. Errors and panics from the tool are returned
// as *ToolError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, &ToolError{Tool: name, Err: ErrUnknownTool}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ToolError{Tool: name, Err: err}
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &ToolError{Tool: name, Err: fmt.Errorf("panic: %v\n%s", rec, debug.Stack())}
		}
	}()

	out, err := t.Func(ctx, args)
	if err != nil {
		return nil, &ToolError{Tool: name, Err: err}
	}
	return out, nil
}
