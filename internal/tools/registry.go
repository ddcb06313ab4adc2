// Package tools defines the tool ABI and the built-in tool set. Every
// tool returns the same Result envelope; failures are data, not
// panics, so they flow back into the model loop.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nextlevelbuilder/aide/internal/providers"
)

// Tool is implemented by every capability the agent can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{} // JSON schema
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

const defaultToolTimeout = 60 * time.Second

// Registry holds the available tools and mediates every invocation:
// per-tool timeout, panic recovery, and a uniform error envelope.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &Registry{tools: make(map[string]Tool), timeout: timeout}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		slog.Warn("tools: overwriting registration", "tool", t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the provider-facing schemas, optionally
// restricted to an allow-list (nil means all tools).
func (r *Registry) Definitions(allowed []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowSet := map[string]bool{}
	for _, n := range allowed {
		allowSet[n] = true
	}

	var defs []providers.ToolDefinition
	for _, name := range r.namesLocked() {
		if allowed != nil && !allowSet[name] {
			continue
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke runs a tool under the registry's timeout. A panicking tool
// yields an error envelope; a timed-out tool yields an envelope whose
// message contains "timeout" so retry logic can classify it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	slog.Debug("tool invoked", "tool", name)

	ctx, span := otel.Tracer("aide/tools").Start(ctx, "tool."+name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("tools: panic recovered", "tool", name, "panic", rec)
				done <- ErrorResult(fmt.Sprintf("tool %s crashed: %v", name, rec))
			}
		}()
		done <- tool.Execute(ctx, args)
	}()

	select {
	case res := <-done:
		if res == nil {
			return ErrorResult(fmt.Sprintf("tool %s returned no result", name))
		}
		return res
	case <-ctx.Done():
		return ErrorResult(fmt.Sprintf("tool %s timeout after %s", name, r.timeout))
	}
}
