package tools

import (
	"fmt"
	"sort"
	"sync"

	"forgeloop/internal/llm"
	"forgeloop/internal/logging"
)

// Registry holds all available tools. It is thread-safe and supports
// registration at runtime.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	byCategory map[Category][]*Tool

	// disabled maps phase -> tool names deny-listed for that phase.
	disabled map[string]map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]*Tool),
		byCategory: make(map[Category][]*Tool),
		disabled:   make(map[string]map[string]bool),
	}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	if tool.Safety == "" {
		tool.Safety = Safe
	}

	r.tools[tool.Name] = tool
	r.byCategory[tool.Category] = append(r.byCategory[tool.Category], tool)

	logging.ToolsDebug("registered tool %s (category=%s safety=%s)", tool.Name, tool.Category, tool.Safety)
	return nil
}

// MustRegister registers a tool and panics on error. Use for static
// registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns every registered tool name, sorted.
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

// Disable deny-lists a tool for one phase.
func (r *Registry) Disable(phase, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled[phase] == nil {
		r.disabled[phase] = make(map[string]bool)
	}
	r.disabled[phase][name] = true
}

// ToolsFor resolves categories to the visible tool set for a phase.
// DENIED tools and per-phase deny-listed tools are excluded.
func (r *Registry) ToolsFor(phase string, categories []Category) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Tool
	for _, cat := range categories {
		for _, tool := range r.byCategory[cat] {
			if seen[tool.Name] || tool.Safety == Denied || r.disabled[phase][tool.Name] {
				continue
			}
			seen[tool.Name] = true
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions renders tools as wire schemas for the model.
func Definitions(ts []*Tool) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, len(ts))
	for i, t := range ts {
		props := make(map[string]interface{}, len(t.Schema.Properties))
		for name, p := range t.Schema.Properties {
			props[name] = p
		}
		out[i] = llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": props,
				"required":   t.Schema.Required,
			},
		}
	}
	return out
}
