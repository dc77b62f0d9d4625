//go:build unix && !linux

package pipeline

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the child in its own process group so the whole tree
// can be signalled.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
