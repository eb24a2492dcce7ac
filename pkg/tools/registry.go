package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"agentrun/pkg/logx"
)

// DuplicateToolError is returned when a registration collides with an
// already-registered name.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// Registry holds the tools available to one agent. Registration order is
// preserved so the model always sees a stable tool listing.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *logx.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logx.NewLogger("tools"),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := t.Spec().Name
	if name == "" {
		return fmt.Errorf("tool has an empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return &DuplicateToolError{Name: name}
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	r.logger.Debug("registered tool %s", name)
	return nil
}

// Unregister removes a tool by name. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
	r.logger.Debug("unregistered tool %s", name)
}

// Swap atomically replaces every tool whose name is in oldNames with the
// given replacements. Used when a remote tool server is reloaded so the
// model never observes a half-updated listing.
func (r *Registry) Swap(oldNames []string, replacements []Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range replacements {
		name := t.Spec().Name
		if _, exists := r.tools[name]; exists && !contains(oldNames, name) {
			return &DuplicateToolError{Name: name}
		}
	}

	for _, name := range oldNames {
		r.removeLocked(name)
	}
	for _, t := range replacements {
		name := t.Spec().Name
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	r.logger.Debug("swapped %d tools for %d replacements", len(oldNames), len(replacements))
	return nil
}

func (r *Registry) removeLocked(name string) {
	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs returns the model-facing specs in registration order.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Dispatch resolves, validates, and executes one call. It always produces a
// Result: unknown tools, invalid arguments, execution errors, and panics all
// come back as failed results so the model can react instead of the turn
// loop crashing.
func (r *Registry) Dispatch(ctx context.Context, call Call) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool %s panicked: %v\n%s", call.Name, rec, debug.Stack())
			res = Failf(ErrCodeToolPanic, "tool %s panicked: %v", call.Name, rec)
		}
	}()

	tool, ok := r.Get(call.Name)
	if !ok {
		return Failf(ErrCodeUnknownTool, "unknown tool %q", call.Name)
	}

	if err := validateArgs(call.Args, tool.Spec().InputSchema); err != nil {
		return Failf(ErrCodeInvalidArgs, "invalid arguments for %s: %v", call.Name, err)
	}

	result, err := tool.Exec(ctx, call.Args)
	if err != nil {
		r.logger.Warn("tool %s failed: %v", call.Name, err)
		return Failf(ErrCodeExecutionError, "tool %s failed: %v", call.Name, err)
	}
	return result
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
