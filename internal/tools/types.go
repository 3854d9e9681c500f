// Package tools defines the callable surface the model sees: a registry
// of named tools with JSON schemas and safety classes, and the
// dispatcher that is the only path through which files and processes
// are mutated.
package tools

import (
	"context"
	"time"
)

// Category groups tools for per-phase selection.
type Category string

const (
	CategoryCoding   Category = "TOOLS_CODING"
	CategoryAnalysis Category = "TOOLS_ANALYSIS"
	CategoryQA       Category = "TOOLS_QA"
	CategoryPlanning Category = "TOOLS_PLANNING"
	CategoryIPC      Category = "TOOLS_IPC"
	CategoryShell    Category = "TOOLS_SHELL"
	CategoryGeneral  Category = "TOOLS_GENERAL"
)

// SafetyClass gates how a tool may be dispatched.
type SafetyClass string

const (
	// Safe tools have no filesystem or process side effects.
	Safe SafetyClass = "SAFE"
	// Guarded tools touch the filesystem; every path argument must stay
	// inside the project root.
	Guarded SafetyClass = "GUARDED"
	// Denied tools are registered but never dispatched.
	Denied SafetyClass = "DENIED"
)

// Property describes one schema parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Items       *Items `json:"items,omitempty"`
}

// Items describes array element types.
type Items struct {
	Type string `json:"type"`
}

// Schema is the JSON schema of a tool's arguments.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc runs a tool. The returned string is shown to the model.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Safety      SafetyClass
	Schema      Schema
	Execute     ExecuteFunc

	// Timeout overrides the dispatcher default when positive.
	Timeout time.Duration

	// Mutates marks tools whose path arguments name files they change;
	// the dispatcher reports those paths as modification effects.
	Mutates bool
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Result is the outcome of one dispatched call.
type Result struct {
	Tool    string
	Success bool
	Output  string
	Err     error
	Elapsed time.Duration

	// Touched lists project-relative paths the call modified.
	Touched []string
}

// Message renders the result as a tool response for the conversation.
func (r *Result) Message() string {
	if r.Success {
		return r.Output
	}
	if r.Err != nil {
		return "error: " + r.Err.Error()
	}
	return "error: tool failed"
}
