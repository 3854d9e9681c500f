package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"forgeloop/internal/llm"
	"forgeloop/internal/logging"
	"forgeloop/internal/pattern"
)

// DefaultToolDeadline bounds one tool call unless the tool overrides it.
const DefaultToolDeadline = 120 * time.Second

// pathArgKeys are argument names treated as project paths.
var pathArgKeys = map[string]bool{
	"path":        true,
	"filepath":    true,
	"file":        true,
	"target":      true,
	"working_dir": true,
}

// Dispatcher executes tool calls against the registry. Every file and
// process mutation in the pipeline flows through here.
type Dispatcher struct {
	registry *Registry
	root     string
	deadline time.Duration

	patterns *pattern.Store

	// onModified is invoked with each project-relative path a
	// mutating call touched.
	onModified func(path, phase string)
}

// NewDispatcher creates a dispatcher rooted at the project directory.
// patterns may be nil; onModified may be nil.
func NewDispatcher(registry *Registry, projectRoot string, patterns *pattern.Store, onModified func(path, phase string)) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		root:       filepath.Clean(projectRoot),
		deadline:   DefaultToolDeadline,
		patterns:   patterns,
		onModified: onModified,
	}
}

// SetDeadline overrides the default per-call deadline.
func (d *Dispatcher) SetDeadline(deadline time.Duration) {
	if deadline > 0 {
		d.deadline = deadline
	}
}

// Dispatch runs one call and always returns a Result; handler failures
// and panics become success=false results, never escape.
func (d *Dispatcher) Dispatch(ctx context.Context, phase string, call llm.ToolCall) Result {
	start := time.Now()

	tool := d.registry.Get(call.Name)
	if tool == nil {
		err := &UnknownToolError{Name: call.Name, Available: d.registry.Names()}
		d.recordUnknown(phase, call.Name)
		return d.finish(phase, call.Name, Result{Tool: call.Name, Err: err, Output: err.Error()}, start)
	}
	if tool.Safety == Denied {
		err := fmt.Errorf("%w: %s", ErrToolDenied, tool.Name)
		return d.finish(phase, tool.Name, Result{Tool: tool.Name, Err: err, Output: err.Error()}, start)
	}

	args, err := NormalizeArgs(call.Args)
	if err != nil {
		argErr := &ArgumentError{Tool: tool.Name, Details: err.Error()}
		return d.finish(phase, tool.Name, Result{Tool: tool.Name, Err: argErr, Output: argErr.Error()}, start)
	}
	if err := validateArgs(tool, args); err != nil {
		return d.finish(phase, tool.Name, Result{Tool: tool.Name, Err: err, Output: err.Error()}, start)
	}

	touched, err := d.normalizePaths(tool, args)
	if err != nil {
		return d.finish(phase, tool.Name, Result{Tool: tool.Name, Err: err, Output: err.Error()}, start)
	}

	deadline := d.deadline
	if tool.Timeout > 0 {
		deadline = tool.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	output, execErr := d.execute(callCtx, tool, args)
	res := Result{Tool: tool.Name, Output: output, Err: execErr, Success: execErr == nil}
	if res.Success && tool.Mutates {
		res.Touched = touched
		for _, p := range touched {
			if d.onModified != nil {
				d.onModified(p, phase)
			}
		}
	}
	if execErr != nil {
		res.Output = "error: " + execErr.Error()
	}
	return d.finish(phase, tool.Name, res, start)
}

// execute isolates handler panics.
func (d *Dispatcher) execute(ctx context.Context, tool *Tool, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Execute(ctx, args)
}

func (d *Dispatcher) finish(phase, tool string, res Result, start time.Time) Result {
	res.Elapsed = time.Since(start)
	res.Success = res.Err == nil

	if d.patterns != nil {
		if err := d.patterns.RecordToolUsage(tool, phase, res.Success, res.Elapsed); err != nil {
			logging.ToolsWarn("failed to persist usage for %s: %v", tool, err)
		}
	}
	if res.Success {
		logging.Tools("%s ok in %s (%s)", tool, phase, res.Elapsed.Round(time.Millisecond))
	} else {
		logging.ToolsWarn("%s failed in %s: %v", tool, phase, res.Err)
	}
	return res
}

func (d *Dispatcher) recordUnknown(phase, name string) {
	if d.patterns == nil {
		return
	}
	err := d.patterns.Record(pattern.Event{
		Kind:        pattern.EventFailure,
		Phase:       phase,
		Context:     "unknown_tool",
		Description: fmt.Sprintf("model called unregistered tool %q", name),
	})
	if err != nil {
		logging.ToolsWarn("failed to record unknown tool: %v", err)
	}
}

// NormalizeArgs accepts the two wire shapes arguments arrive in: a JSON
// object, or a JSON-encoded string carrying one.
func NormalizeArgs(args map[string]interface{}) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	if raw, ok := args["raw"].(string); ok && len(args) == 1 {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
		}
		return m, nil
	}
	return args, nil
}

// validateArgs checks required keys and property types.
func validateArgs(tool *Tool, args map[string]any) error {
	var problems []string
	for _, req := range tool.Schema.Required {
		if _, ok := args[req]; !ok {
			problems = append(problems, fmt.Sprintf("missing required argument %q", req))
		}
	}
	for key, val := range args {
		prop, ok := tool.Schema.Properties[key]
		if !ok {
			continue
		}
		if !typeMatches(prop.Type, val) {
			problems = append(problems, fmt.Sprintf("argument %q must be %s", key, prop.Type))
		}
	}
	if len(problems) > 0 {
		return &ArgumentError{Tool: tool.Name, Details: strings.Join(problems, "; ")}
	}
	return nil
}

func typeMatches(want string, val any) bool {
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "integer":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch val.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	}
	return true
}

// normalizePaths rewrites path-like arguments to clean project-relative
// form and enforces containment for guarded tools. Returns the
// normalized paths.
func (d *Dispatcher) normalizePaths(tool *Tool, args map[string]any) ([]string, error) {
	var touched []string
	for key, val := range args {
		if !isPathArg(key) {
			continue
		}
		raw, ok := val.(string)
		if !ok || raw == "" {
			continue
		}
		rel, err := d.normalizePath(raw)
		if err != nil {
			if tool.Safety == Guarded {
				return nil, &PathEscapeError{Tool: tool.Name, Path: raw}
			}
			continue
		}
		args[key] = rel
		touched = append(touched, rel)
	}
	return touched, nil
}

func isPathArg(key string) bool {
	if pathArgKeys[key] {
		return true
	}
	return strings.HasSuffix(key, "_path") || strings.HasSuffix(key, "_file")
}

// normalizePath trims whitespace, converts Windows separators, strips
// repeated leading ./ and verifies the result stays under the root.
func (d *Dispatcher) normalizePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}

	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(d.root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("absolute path outside root: %s", raw)
		}
		p = rel
	}

	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path escapes root: %s", raw)
	}
	return clean, nil
}

// Root returns the project root the dispatcher guards.
func (d *Dispatcher) Root() string { return d.root }
