package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registry errors.
var (
	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrToolDenied is returned when dispatching a DENIED tool.
	ErrToolDenied = errors.New("tool is denied")
)

// ArgumentError reports arguments that failed schema validation.
type ArgumentError struct {
	Tool    string
	Details string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Details)
}

// PathEscapeError reports a path argument outside the project root.
type PathEscapeError struct {
	Tool string
	Path string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("%s: path %q escapes the project root", e.Tool, e.Path)
}

// UnknownToolError reports a call to an unregistered tool. It lists the
// available names so the model can correct itself.
type UnknownToolError struct {
	Name      string
	Available []string
}

func (e *UnknownToolError) Error() string {
	names := append([]string{}, e.Available...)
	sort.Strings(names)
	return fmt.Sprintf("unknown tool %q; available tools: %s", e.Name, strings.Join(names, ", "))
}
