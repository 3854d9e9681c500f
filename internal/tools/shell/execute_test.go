//go:build !windows

package shell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandCapturesOutput(t *testing.T) {
	tool := RunCommandTool(t.TempDir(), NewSupervisor())

	out, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo hello",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
}

func TestRunCommandReportsStderr(t *testing.T) {
	tool := RunCommandTool(t.TempDir(), NewSupervisor())

	out, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo out && echo err 1>&2",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "out")
	assert.Contains(t, out, "stderr:")
	assert.Contains(t, out, "err")
}

func TestRunCommandAllowlist(t *testing.T) {
	sup := NewSupervisor()
	sup.SetAllowedCommands([]string{"echo"})
	tool := RunCommandTool(t.TempDir(), sup)

	out, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo allowed",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "allowed")

	_, err = tool.Execute(context.Background(), map[string]any{
		"command": "rm -rf nothing",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the allowed list")

	// Clearing the list lifts the restriction.
	sup.SetAllowedCommands(nil)
	_, err = tool.Execute(context.Background(), map[string]any{
		"command": "true",
	})
	assert.NoError(t, err)
}

func TestRunCommandNonZeroExit(t *testing.T) {
	tool := RunCommandTool(t.TempDir(), NewSupervisor())

	_, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo broken && exit 3",
	})
	require.Error(t, err)
	// The captured output rides along with the failure.
	assert.Contains(t, err.Error(), "broken")
}

func TestRunCommandWorkingDir(t *testing.T) {
	root := t.TempDir()
	tool := RunCommandTool(root, NewSupervisor())

	_, err := tool.Execute(context.Background(), map[string]any{"command": "mkdir sub"})
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]any{
		"command": "pwd", "working_dir": "sub",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "sub")
}

func TestRunCommandTimeoutKillsProcessTree(t *testing.T) {
	tool := RunCommandTool(t.TempDir(), NewSupervisor())

	start := time.Now()
	_, err := tool.Execute(context.Background(), map[string]any{
		"command": "sleep 30", "timeout_seconds": 1.0,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSupervisorKillActive(t *testing.T) {
	sup := NewSupervisor()
	tool := RunCommandTool(t.TempDir(), sup)

	done := make(chan error, 1)
	go func() {
		_, err := tool.Execute(context.Background(), map[string]any{
			"command": "sleep 30",
		})
		done <- err
	}()

	// Give the command time to start before killing it.
	time.Sleep(300 * time.Millisecond)
	sup.KillActive()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("command was not killed")
	}
}

func TestKillActiveWithNothingRunning(t *testing.T) {
	NewSupervisor().KillActive()
}

func TestRenderOutputEmpty(t *testing.T) {
	assert.Equal(t, "(no output)", renderOutput("", ""))
}
