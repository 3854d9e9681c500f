// Package shell runs supervised commands for the pipeline. Commands
// live in their own process group so cancellation and timeouts kill the
// whole tree, never just the shell.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"forgeloop/internal/logging"
	"forgeloop/internal/tools"
)

const maxOutputBytes = 64 * 1024

// Supervisor tracks the currently running command so an external
// cancel (Ctrl-C) can kill its process group.
type Supervisor struct {
	mu      sync.Mutex
	current *exec.Cmd
	allowed map[string]bool
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// SetAllowedCommands restricts run_command to the listed binaries. An
// empty list means no restriction.
func (s *Supervisor) SetAllowedCommands(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(names) == 0 {
		s.allowed = nil
		return
	}
	s.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		s.allowed[n] = true
	}
}

// permits checks the first word of a shell command against the
// allowlist.
func (s *Supervisor) permits(command string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed == nil {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	return s.allowed[filepath.Base(fields[0])]
}

// KillActive terminates the running command's process group, if any.
func (s *Supervisor) KillActive() {
	s.mu.Lock()
	cmd := s.current
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	logging.ExecWarn("killing active command process group")
	killProcessGroup(cmd)
}

func (s *Supervisor) track(cmd *exec.Cmd) {
	s.mu.Lock()
	s.current = cmd
	s.mu.Unlock()
}

func (s *Supervisor) untrack() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// RunCommandTool executes a shell command inside the project root.
func RunCommandTool(root string, sup *Supervisor) *tools.Tool {
	return &tools.Tool{
		Name:        "run_command",
		Description: "Execute a shell command in the project directory and return its output",
		Category:    tools.CategoryShell,
		Safety:      tools.Guarded,
		Timeout:     5 * time.Minute,
		Schema: tools.Schema{
			Required: []string{"command"},
			Properties: map[string]tools.Property{
				"command":         {Type: "string", Description: "The command to execute"},
				"working_dir":     {Type: "string", Description: "Working directory relative to the project root"},
				"timeout_seconds": {Type: "integer", Description: "Timeout in seconds (default: 60)", Default: 60},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("command is required")
			}
			if !sup.permits(command) {
				return "", fmt.Errorf("command %q is not in the allowed list", strings.Fields(command)[0])
			}

			timeout := 60 * time.Second
			if t, ok := intArg(args, "timeout_seconds"); ok && t > 0 {
				timeout = time.Duration(t) * time.Second
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			dir := root
			if wd, ok := args["working_dir"].(string); ok && wd != "" {
				dir = filepath.Join(root, wd)
			}

			var cmd *exec.Cmd
			if runtime.GOOS == "windows" {
				cmd = exec.Command("cmd", "/C", command)
			} else {
				cmd = exec.Command("sh", "-c", command)
			}
			cmd.Dir = dir
			cmd.Env = os.Environ()
			setupProcessGroup(cmd)

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			logging.Exec("run_command: %s (dir=%s timeout=%s)", command, dir, timeout)
			start := time.Now()
			if err := cmd.Start(); err != nil {
				return "", fmt.Errorf("failed to start command: %w", err)
			}
			sup.track(cmd)
			defer sup.untrack()

			done := make(chan error, 1)
			go func() { done <- cmd.Wait() }()

			var runErr error
			select {
			case runErr = <-done:
			case <-runCtx.Done():
				killProcessGroup(cmd)
				<-done
				runErr = fmt.Errorf("command timed out after %s", timeout)
			}

			out := renderOutput(stdout.String(), stderr.String())
			elapsed := time.Since(start).Round(time.Millisecond)
			if runErr != nil {
				logging.ExecWarn("run_command failed after %s: %v", elapsed, runErr)
				return "", fmt.Errorf("%v\n%s", runErr, out)
			}
			logging.Exec("run_command completed in %s", elapsed)
			return out, nil
		},
	}
}

func renderOutput(stdout, stderr string) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
	}
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
	}
	out := b.String()
	if len(out) > maxOutputBytes {
		out = out[:maxOutputBytes] + "\n(truncated)"
	}
	if out == "" {
		out = "(no output)"
	}
	return out
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
