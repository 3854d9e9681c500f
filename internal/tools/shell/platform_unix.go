//go:build !windows

package shell

import (
	"os/exec"
	"strings"
	"syscall"
)

// setupProcessGroup puts the command in its own process group so the
// whole tree can be killed on timeout or cancel.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup kills the process and all its children.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err == nil && pgid > 0 {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			syscall.Kill(-pgid, syscall.SIGTERM)
		}
	}

	if err := cmd.Process.Kill(); err != nil {
		if !strings.Contains(err.Error(), "process already finished") {
			return err
		}
	}
	return nil
}
