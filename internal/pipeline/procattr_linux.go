//go:build linux

package pipeline

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the child in its own process group so the whole tree
// can be signalled. Pdeathsig stops the child if researchd dies without
// cleaning up.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
