// Package registry holds the static table of tools the server exposes: each
// entry pairs a tool descriptor (name, description, input schema) with its
// handler and cache policy. The registry is populated once at startup and is
// read-only afterwards, so lookups need no locking.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vantagedata/vantage-mcp/mcp"
)

var (
	// ErrDuplicateTool indicates a tool name was registered twice.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrToolNotFound indicates no tool is registered under the requested name.
	ErrToolNotFound = errors.New("tool not found")
)

// Handler executes a tool invocation against the bound data backend. The
// returned value must be JSON-marshalable; it becomes the tool's result
// payload. Handlers must honor ctx for cancellation and deadlines.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDefinition is an immutable registry entry.
type ToolDefinition struct {
	Descriptor mcp.Tool
	Handler    Handler
	// TTL is the response-cache lifetime for this tool's results. Zero
	// disables caching, which is the right call for mutating tools.
	TTL time.Duration
}

// Registry maps tool names to definitions, preserving registration order for
// discovery listings.
type Registry struct {
	ordered []ToolDefinition
	byName  map[string]int
}

// New builds a registry from the given definitions. It fails with
// ErrDuplicateTool if two definitions share a name.
func New(defs ...ToolDefinition) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(defs))}
	for _, d := range defs {
		if err := r.register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(def ToolDefinition) error {
	name := def.Descriptor.Name
	if name == "" {
		return fmt.Errorf("tool definition has empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has nil handler", name)
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.ordered = append(r.ordered, def)
	r.byName[name] = len(r.ordered) - 1
	return nil
}

// Resolve returns the definition registered under name.
func (r *Registry) Resolve(name string) (*ToolDefinition, error) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return &r.ordered[idx], nil
}

// List returns the tool descriptors in registration order.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, len(r.ordered))
	for i, d := range r.ordered {
		out[i] = d.Descriptor
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.ordered) }
